package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation marks input rejected at a component boundary before it
// reaches the store. Wrap with fmt.Errorf("%w: ...", ErrValidation).
var ErrValidation = errors.New("validation failure")

// InsufficientContentMessage is the audit-trail error signature for a hard
// content-extraction failure. The retry orchestrator matches on it, so the
// text must stay byte-stable.
const InsufficientContentMessage = "failed to extract sufficient content"

// EventStatus is the lifecycle state of an enriched event.
type EventStatus string

const (
	StatusActive     EventStatus = "active"
	StatusSuperseded EventStatus = "superseded"
	StatusArchived   EventStatus = "archived"
)

func (s EventStatus) Valid() bool {
	switch s {
	case StatusActive, StatusSuperseded, StatusArchived:
		return true
	}
	return false
}

// RawEvent is an as-scraped incident mention. Owned by the scraper; this
// pipeline only ever writes the content cache.
type RawEvent struct {
	ID           string
	RawTitle     string
	SourceURL    string
	RawContent   string // extracted-content cache, empty until first successful extraction
	DiscoveredAt time.Time
}

// EnrichedEvent is one structured, confidence-scored interpretation of a
// raw event. At most one active enriched event exists per raw event.
type EnrichedEvent struct {
	ID                       string
	RawEventID               string
	Title                    string
	Description              string
	Summary                  string
	EventType                string
	Severity                 string
	EventDate                *time.Time // nil when the source does not state a date
	RecordsAffected          *int64
	IsAustralianEvent        bool
	IsSpecificEvent          bool
	ConfidenceScore          float64
	AustralianRelevanceScore float64
	Status                   EventStatus
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

func (e *EnrichedEvent) Validate() error {
	if e.RawEventID == "" {
		return fmt.Errorf("%w: enriched event missing raw_event_id", ErrValidation)
	}
	if e.ConfidenceScore < 0 || e.ConfidenceScore > 1 {
		return fmt.Errorf("%w: confidence_score %.4f outside [0,1]", ErrValidation, e.ConfidenceScore)
	}
	if e.AustralianRelevanceScore < 0 || e.AustralianRelevanceScore > 1 {
		return fmt.Errorf("%w: australian_relevance_score %.4f outside [0,1]", ErrValidation, e.AustralianRelevanceScore)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, e.Status)
	}
	// Title is required only for real enrichments; a confidence-zero
	// failure record carries no fabricated fields.
	if e.ConfidenceScore > 0 && e.Title == "" {
		return fmt.Errorf("%w: enriched event missing title", ErrValidation)
	}
	return nil
}

// IsExtractionFailure reports whether this enriched event is the terminal
// record of a failed extraction rather than a real enrichment.
func (e *EnrichedEvent) IsExtractionFailure() bool {
	return e.ConfidenceScore == 0
}

// AuditRecord is one row of the append-only enrichment ledger. Never
// mutated after creation.
type AuditRecord struct {
	AuditID         int64
	EnrichedEventID string
	FinalConfidence float64
	ErrorMessage    string // empty on success
	CreatedAt       time.Time
}

// DeduplicatedEvent is a canonical incident merged from one or more
// enriched events.
type DeduplicatedEvent struct {
	ID              string
	Title           string
	Description     string
	Summary         string
	EventType       string
	Severity        string
	EventDate       *time.Time
	RecordsAffected *int64
	ConfidenceScore float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SeverityCategory is the six-band ordinal incident categorisation,
// C1 most severe.
type SeverityCategory string

const (
	SeverityC1 SeverityCategory = "C1"
	SeverityC2 SeverityCategory = "C2"
	SeverityC3 SeverityCategory = "C3"
	SeverityC4 SeverityCategory = "C4"
	SeverityC5 SeverityCategory = "C5"
	SeverityC6 SeverityCategory = "C6"
)

var severityRanks = map[SeverityCategory]int{
	SeverityC1: 1,
	SeverityC2: 2,
	SeverityC3: 3,
	SeverityC4: 4,
	SeverityC5: 5,
	SeverityC6: 6,
}

func (s SeverityCategory) Valid() bool {
	_, ok := severityRanks[s]
	return ok
}

// Rank returns 1 (most severe) through 6.
func (s SeverityCategory) Rank() int {
	return severityRanks[s]
}

func ParseSeverityCategory(raw string) (SeverityCategory, error) {
	s := SeverityCategory(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: severity_category %q not in C1..C6", ErrValidation, raw)
	}
	return s, nil
}

// Stakeholder and impact categories are open sets maintained as allow-lists
// so model output cannot drift into free text.
var stakeholderCategories = map[string]struct{}{
	"federal_government":       {},
	"state_government":         {},
	"critical_infrastructure":  {},
	"large_organisation":       {},
	"medium_organisation":      {},
	"small_organisation":       {},
	"academia":                 {},
	"individuals":              {},
}

var impactTypes = map[string]struct{}{
	"data_breach":            {},
	"ransomware":             {},
	"service_disruption":     {},
	"financial_theft":        {},
	"espionage":              {},
	"credential_compromise":  {},
	"defacement":             {},
	"supply_chain_compromise": {},
}

func ValidStakeholderCategory(s string) bool {
	_, ok := stakeholderCategories[s]
	return ok
}

func ValidImpactType(s string) bool {
	_, ok := impactTypes[s]
	return ok
}

// StakeholderCategories returns the allow-list for prompt construction.
func StakeholderCategories() []string {
	out := make([]string, 0, len(stakeholderCategories))
	for k := range stakeholderCategories {
		out = append(out, k)
	}
	return out
}

func ImpactTypes() []string {
	out := make([]string, 0, len(impactTypes))
	for k := range impactTypes {
		out = append(out, k)
	}
	return out
}

// ReasoningPayload is the structured rationale attached to a risk
// classification, persisted as JSON.
type ReasoningPayload struct {
	Rationale           string   `json:"rationale"`
	ContributingFactors []string `json:"contributing_factors"`
	Citations           []string `json:"citations,omitempty"`
}

// RiskClassification is the current-state severity/stakeholder assessment
// of a deduplicated event. Exactly one exists per deduplicated event;
// re-classification overwrites in place.
type RiskClassification struct {
	ID                         string
	DeduplicatedEventID        string
	SeverityCategory           SeverityCategory
	PrimaryStakeholderCategory string
	ImpactType                 string
	Reasoning                  ReasoningPayload
	ConfidenceScore            float64
	ModelUsed                  string
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

func (r *RiskClassification) Validate() error {
	if r.DeduplicatedEventID == "" {
		return fmt.Errorf("%w: classification missing deduplicated_event_id", ErrValidation)
	}
	if !r.SeverityCategory.Valid() {
		return fmt.Errorf("%w: severity_category %q not in C1..C6", ErrValidation, r.SeverityCategory)
	}
	if !ValidStakeholderCategory(r.PrimaryStakeholderCategory) {
		return fmt.Errorf("%w: unknown stakeholder category %q", ErrValidation, r.PrimaryStakeholderCategory)
	}
	if !ValidImpactType(r.ImpactType) {
		return fmt.Errorf("%w: unknown impact type %q", ErrValidation, r.ImpactType)
	}
	if r.ConfidenceScore < 0 || r.ConfidenceScore > 1 {
		return fmt.Errorf("%w: confidence_score %.4f outside [0,1]", ErrValidation, r.ConfidenceScore)
	}
	if r.ModelUsed == "" {
		return fmt.Errorf("%w: classification missing model identifier", ErrValidation)
	}
	return nil
}

// MonthMarker is the per-(year, month) batch checkpoint.
type MonthMarker struct {
	ID                  int64
	Year                int
	Month               time.Month
	IsProcessed         bool
	ProcessedAt         *time.Time
	TotalRawEvents      int
	TotalEnrichedEvents int
	ProcessingNotes     string
	CreatedAt           time.Time
}
