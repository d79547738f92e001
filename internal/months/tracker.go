// Package months is the per-(year, month) batch checkpoint. A month is
// complete only when no retry-eligible failures remain inside it, so a
// cancelled or failing run can always be resumed safely.
package months

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cyberwatch/pipeline/internal/metrics"
	"github.com/cyberwatch/pipeline/internal/storage/models"
	"github.com/cyberwatch/pipeline/internal/storage/sqlite"
	"github.com/cyberwatch/pipeline/pkg/logger"
)

type Store interface {
	GetMonthMarker(ctx context.Context, year int, month time.Month) (*models.MonthMarker, error)
	UpsertMonthMarker(ctx context.Context, m *models.MonthMarker) error
	ListExtractionFailureCandidates(ctx context.Context, year int, month time.Month) ([]sqlite.ExtractionFailureCandidate, error)
}

type Tracker struct {
	store Store
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// IsComplete reports whether the month's batch already finished.
func (t *Tracker) IsComplete(ctx context.Context, year int, month time.Month) (bool, error) {
	marker, err := t.store.GetMonthMarker(ctx, year, month)
	if err != nil {
		return false, fmt.Errorf("failed to read month marker: %w", err)
	}
	return marker != nil && marker.IsProcessed, nil
}

// ErrPendingRetries rejects completion of a month that still has
// retry-eligible failures.
type ErrPendingRetries struct {
	Year    int
	Month   time.Month
	Pending int
}

func (e *ErrPendingRetries) Error() string {
	return fmt.Sprintf("month %d-%02d has %d pending retry candidates", e.Year, e.Month, e.Pending)
}

// MarkComplete writes the completion marker with the run's final counts.
// Completion means "no currently-pending retry candidates remain", not
// "every event was attempted once"; a month with outstanding candidates
// is refused.
func (t *Tracker) MarkComplete(ctx context.Context, year int, month time.Month, totalRaw, totalEnriched int, notes string) error {
	pending, err := t.store.ListExtractionFailureCandidates(ctx, year, month)
	if err != nil {
		return fmt.Errorf("failed to check pending retries: %w", err)
	}
	if len(pending) > 0 {
		return &ErrPendingRetries{Year: year, Month: month, Pending: len(pending)}
	}

	now := time.Now().UTC()
	marker := &models.MonthMarker{
		Year:                year,
		Month:               month,
		IsProcessed:         true,
		ProcessedAt:         &now,
		TotalRawEvents:      totalRaw,
		TotalEnrichedEvents: totalEnriched,
		ProcessingNotes:     notes,
		CreatedAt:           now,
	}

	if err := t.store.UpsertMonthMarker(ctx, marker); err != nil {
		return err
	}

	metrics.MonthsCompleted.Inc()
	logger.Info("month marked complete",
		zap.Int("year", year),
		zap.Int("month", int(month)),
		zap.Int("total_raw_events", totalRaw),
		zap.Int("total_enriched_events", totalEnriched),
	)
	return nil
}
