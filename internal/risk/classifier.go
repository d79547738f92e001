// Package risk assigns each deduplicated event an ASD-style severity band
// (C1 most severe through C6), a primary stakeholder category and an
// impact type, with a structured reasoning payload. One classification
// exists per event; re-runs overwrite in place.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cyberwatch/pipeline/internal/llm"
	"github.com/cyberwatch/pipeline/internal/metrics"
	"github.com/cyberwatch/pipeline/internal/storage/models"
	"github.com/cyberwatch/pipeline/pkg/logger"
)

type Store interface {
	ListDeduplicatedEvents(ctx context.Context) ([]models.DeduplicatedEvent, error)
	GetRiskClassification(ctx context.Context, dedupID string) (*models.RiskClassification, error)
	UpsertRiskClassification(ctx context.Context, rc *models.RiskClassification) error
}

type Classifier struct {
	model     llm.Completer
	modelName string
	store     Store

	mu sync.Mutex
}

func NewClassifier(model llm.Completer, modelName string, store Store) *Classifier {
	return &Classifier{model: model, modelName: modelName, store: store}
}

func systemPrompt() string {
	return fmt.Sprintf(`You are a cyber incident risk assessor. Assign a severity
categorisation to an Australian cyber incident.

severity_category is one of C1, C2, C3, C4, C5, C6 where C1 is the most
severe (national crisis) and C6 the least (unsuccessful low-level attack).

primary_stakeholder_category must be one of: %s
impact_type must be one of: %s

reasoning must explain the assignment: a rationale paragraph and the
concrete contributing factors. confidence is 0..1.

Return JSON only:
{"severity_category": "C3", "primary_stakeholder_category": "...",
 "impact_type": "...", "confidence": 0.8,
 "reasoning": {"rationale": "...", "contributing_factors": ["..."], "citations": ["..."]}}`,
		strings.Join(models.StakeholderCategories(), ", "),
		strings.Join(models.ImpactTypes(), ", "))
}

type modelClassification struct {
	SeverityCategory           string                  `json:"severity_category"`
	PrimaryStakeholderCategory string                  `json:"primary_stakeholder_category"`
	ImpactType                 string                  `json:"impact_type"`
	Confidence                 float64                 `json:"confidence"`
	Reasoning                  models.ReasoningPayload `json:"reasoning"`
}

// Classify produces (or refreshes) the single classification for one
// deduplicated event. Out-of-range severity or confidence from the model
// is a validation failure, never silently accepted.
func (c *Classifier) Classify(ctx context.Context, ev *models.DeduplicatedEvent) (*models.RiskClassification, error) {
	userPrompt := describeEvent(ev)

	resp, err := c.model.Complete(ctx, llm.CompletionRequest{
		Model:        c.modelName,
		SystemPrompt: systemPrompt(),
		UserPrompt:   userPrompt,
		Temperature:  0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("risk model call failed: %w", err)
	}

	parsed, err := parseModelClassification(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("malformed risk response: %w", err)
	}

	severity, err := models.ParseSeverityCategory(parsed.SeverityCategory)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rc := &models.RiskClassification{
		ID:                         uuid.NewString(),
		DeduplicatedEventID:        ev.ID,
		SeverityCategory:           severity,
		PrimaryStakeholderCategory: parsed.PrimaryStakeholderCategory,
		ImpactType:                 parsed.ImpactType,
		Reasoning:                  parsed.Reasoning,
		ConfidenceScore:            parsed.Confidence,
		ModelUsed:                  resp.Model,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}

	if existing, err := c.store.GetRiskClassification(ctx, ev.ID); err == nil && existing != nil {
		// Re-classification keeps the row identity and creation time.
		rc.ID = existing.ID
		rc.CreatedAt = existing.CreatedAt
	}

	if err := c.store.UpsertRiskClassification(ctx, rc); err != nil {
		return nil, err
	}

	metrics.RiskClassifications.WithLabelValues(string(rc.SeverityCategory)).Inc()
	logger.Info("risk classification stored",
		zap.String("deduplicated_event_id", ev.ID),
		zap.String("severity", string(rc.SeverityCategory)),
		zap.String("stakeholder", rc.PrimaryStakeholderCategory),
		zap.Float64("confidence", rc.ConfidenceScore),
	)
	return rc, nil
}

// Run classifies every deduplicated event that does not have a current
// classification yet. Only one pass runs at a time.
func (c *Classifier) Run(ctx context.Context) (int, error) {
	if !c.mu.TryLock() {
		return 0, fmt.Errorf("risk classification pass already running")
	}
	defer c.mu.Unlock()

	events, err := c.store.ListDeduplicatedEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list deduplicated events: %w", err)
	}

	classified := 0
	for i := range events {
		existing, err := c.store.GetRiskClassification(ctx, events[i].ID)
		if err != nil {
			return classified, err
		}
		if existing != nil && !existing.UpdatedAt.Before(events[i].UpdatedAt) {
			continue
		}
		if _, err := c.Classify(ctx, &events[i]); err != nil {
			return classified, err
		}
		classified++
	}

	logger.Info("risk classification pass finished",
		zap.Int("events", len(events)),
		zap.Int("classified", classified),
	)
	return classified, nil
}

func describeEvent(ev *models.DeduplicatedEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", ev.Title)
	fmt.Fprintf(&b, "Type: %s\n", ev.EventType)
	fmt.Fprintf(&b, "Severity (as reported): %s\n", ev.Severity)
	if ev.EventDate != nil {
		fmt.Fprintf(&b, "Date: %s\n", ev.EventDate.Format("2006-01-02"))
	} else {
		b.WriteString("Date: unknown\n")
	}
	if ev.RecordsAffected != nil {
		fmt.Fprintf(&b, "Records affected: %d\n", *ev.RecordsAffected)
	}
	fmt.Fprintf(&b, "\nSummary:\n%s\n\nDescription:\n%s\n", ev.Summary, ev.Description)
	return b.String()
}

func parseModelClassification(content string) (*modelClassification, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var parsed modelClassification
	if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse model output: %w", err)
	}
	return &parsed, nil
}
