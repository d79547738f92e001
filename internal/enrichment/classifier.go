// Package enrichment turns extracted incident content into a structured,
// confidence-scored enriched event, and records every attempt in the
// audit ledger.
package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cyberwatch/pipeline/internal/llm"
	"github.com/cyberwatch/pipeline/internal/metrics"
	"github.com/cyberwatch/pipeline/internal/storage/models"
	"github.com/cyberwatch/pipeline/pkg/logger"
)

// Store is the slice of the persistent store the classifier writes
// enriched events through.
type Store interface {
	InsertEnrichedEvent(ctx context.Context, ev *models.EnrichedEvent) error
}

// Recorder appends one ledger entry per classifier invocation.
type Recorder interface {
	Record(ctx context.Context, enrichedEventID string, finalConfidence float64, errorMessage string) (*models.AuditRecord, error)
}

type Classifier struct {
	model     llm.Completer
	modelName string
	store     Store
	recorder  Recorder
}

func NewClassifier(model llm.Completer, modelName string, store Store, recorder Recorder) *Classifier {
	return &Classifier{
		model:     model,
		modelName: modelName,
		store:     store,
		recorder:  recorder,
	}
}

const systemPrompt = `You are a cyber incident analyst. Extract structured fields from scraped
incident content about possible Australian cyber security incidents.

Rules:
1. Base every field ONLY on the provided content; never invent details.
2. confidence is your trust in the extracted fields, 0 < confidence <= 1.
   Lower it when the content is ambiguous or thin.
3. event_date is the date the incident occurred, format YYYY-MM-DD. Use
   null when the content does not state one. Do NOT guess a date.
4. records_affected is the stated number of affected records, null when
   not stated.
5. is_australian_event: the incident affects an Australian entity.
   is_specific_event: the content describes one concrete incident rather
   than general commentary.
6. australian_relevance is a 0..1 score of how strongly the content ties
   to Australia.

Return JSON only:
{"title": "...", "description": "...", "summary": "...", "event_type": "...",
 "severity": "...", "event_date": "YYYY-MM-DD" | null, "records_affected": N | null,
 "is_australian_event": true, "is_specific_event": true,
 "confidence": 0.85, "australian_relevance": 0.9}`

type modelEnrichment struct {
	Title               string  `json:"title"`
	Description         string  `json:"description"`
	Summary             string  `json:"summary"`
	EventType           string  `json:"event_type"`
	Severity            string  `json:"severity"`
	EventDate           *string `json:"event_date"`
	RecordsAffected     *int64  `json:"records_affected"`
	IsAustralianEvent   bool    `json:"is_australian_event"`
	IsSpecificEvent     bool    `json:"is_specific_event"`
	Confidence          float64 `json:"confidence"`
	AustralianRelevance float64 `json:"australian_relevance"`
}

// Enrich classifies extracted content into an enriched event, persists it
// as the active enrichment of the raw event and appends a success record
// to the ledger.
func (c *Classifier) Enrich(ctx context.Context, raw *models.RawEvent, content string) (*models.EnrichedEvent, error) {
	userPrompt := fmt.Sprintf("Scraped title: %s\nSource URL: %s\n\nContent:\n%s",
		raw.RawTitle, raw.SourceURL, truncate(content, 12000))

	resp, err := c.model.Complete(ctx, llm.CompletionRequest{
		Model:        c.modelName,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("enrichment model call failed: %w", err)
	}

	parsed, err := parseModelEnrichment(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("malformed enrichment response: %w", err)
	}

	// 0.0 is reserved for hard extraction failures; a model that returns
	// it (or anything out of range) on real content is rejected, not
	// coerced.
	if parsed.Confidence <= 0 || parsed.Confidence > 1 {
		return nil, fmt.Errorf("%w: model confidence %.4f outside (0,1]", models.ErrValidation, parsed.Confidence)
	}

	now := time.Now().UTC()
	ev := &models.EnrichedEvent{
		ID:                       uuid.NewString(),
		RawEventID:               raw.ID,
		Title:                    parsed.Title,
		Description:              parsed.Description,
		Summary:                  parsed.Summary,
		EventType:                parsed.EventType,
		Severity:                 parsed.Severity,
		EventDate:                parseEventDate(parsed.EventDate),
		RecordsAffected:          parsed.RecordsAffected,
		IsAustralianEvent:        parsed.IsAustralianEvent,
		IsSpecificEvent:          parsed.IsSpecificEvent,
		ConfidenceScore:          parsed.Confidence,
		AustralianRelevanceScore: parsed.AustralianRelevance,
		Status:                   models.StatusActive,
		CreatedAt:                now,
		UpdatedAt:                now,
	}

	if err := c.store.InsertEnrichedEvent(ctx, ev); err != nil {
		return nil, err
	}

	if _, err := c.recorder.Record(ctx, ev.ID, ev.ConfidenceScore, ""); err != nil {
		return nil, fmt.Errorf("failed to record enrichment attempt: %w", err)
	}

	metrics.EnrichmentConfidence.Observe(ev.ConfidenceScore)
	logger.Info("raw event enriched",
		zap.String("raw_event_id", raw.ID),
		zap.String("enriched_event_id", ev.ID),
		zap.Float64("confidence", ev.ConfidenceScore),
	)
	return ev, nil
}

// RecordExtractionFailure persists the terminal enriched event for a raw
// event whose content could not be extracted: confidence 0.0, no
// fabricated fields, and the fixed failure signature in the ledger so the
// retry orchestrator can find it.
func (c *Classifier) RecordExtractionFailure(ctx context.Context, raw *models.RawEvent, cause error) (*models.EnrichedEvent, error) {
	now := time.Now().UTC()
	ev := &models.EnrichedEvent{
		ID:              uuid.NewString(),
		RawEventID:      raw.ID,
		ConfidenceScore: 0,
		Status:          models.StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := c.store.InsertEnrichedEvent(ctx, ev); err != nil {
		return nil, err
	}

	if _, err := c.recorder.Record(ctx, ev.ID, 0, models.InsufficientContentMessage); err != nil {
		return nil, fmt.Errorf("failed to record extraction failure: %w", err)
	}

	metrics.EnrichmentConfidence.Observe(0)
	logger.Warn("extraction failure recorded",
		zap.String("raw_event_id", raw.ID),
		zap.String("enriched_event_id", ev.ID),
		zap.Error(cause),
	)
	return ev, nil
}

func parseModelEnrichment(content string) (*modelEnrichment, error) {
	jsonText := extractJSONObject(content)
	if jsonText == "" {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var parsed modelEnrichment
	if err := json.Unmarshal([]byte(jsonText), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse model output: %w", err)
	}
	return &parsed, nil
}

// extractJSONObject tolerates code fences and prose around the JSON body.
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

func parseEventDate(raw *string) *time.Time {
	if raw == nil {
		return nil
	}
	s := strings.TrimSpace(*raw)
	if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "unknown") {
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		logger.Debug("unparseable event date from model", zap.String("raw", s))
		return nil
	}
	t = t.UTC()
	return &t
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
