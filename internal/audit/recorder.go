// Package audit owns the append-only enrichment ledger. Every classifier
// invocation lands here exactly once; nothing else writes to it, and
// nothing ever updates or deletes a record.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cyberwatch/pipeline/internal/storage/models"
	"github.com/cyberwatch/pipeline/pkg/logger"
)

// Store is the ledger slice of the persistent store.
type Store interface {
	AppendAuditRecord(ctx context.Context, rec *models.AuditRecord) error
	ListAuditRecords(ctx context.Context, enrichedEventID string) ([]models.AuditRecord, error)
	LatestAuditPerEvent(ctx context.Context) ([]models.AuditRecord, error)
}

type Recorder struct {
	store Store
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record appends one ledger entry for an enrichment attempt. errorMessage
// is empty on success.
func (r *Recorder) Record(ctx context.Context, enrichedEventID string, finalConfidence float64, errorMessage string) (*models.AuditRecord, error) {
	rec := &models.AuditRecord{
		EnrichedEventID: enrichedEventID,
		FinalConfidence: finalConfidence,
		ErrorMessage:    errorMessage,
		CreatedAt:       time.Now().UTC(),
	}

	if err := r.store.AppendAuditRecord(ctx, rec); err != nil {
		return nil, err
	}

	logger.Info("enrichment attempt recorded",
		zap.String("enriched_event_id", enrichedEventID),
		zap.Float64("final_confidence", finalConfidence),
		zap.Bool("failed", errorMessage != ""),
	)
	return rec, nil
}

// History returns every attempt for one enriched event, oldest first.
func (r *Recorder) History(ctx context.Context, enrichedEventID string) ([]models.AuditRecord, error) {
	return r.store.ListAuditRecords(ctx, enrichedEventID)
}

// LatestPerEvent returns the most recent attempt for each enriched event.
func (r *Recorder) LatestPerEvent(ctx context.Context) ([]models.AuditRecord, error) {
	return r.store.LatestAuditPerEvent(ctx)
}
