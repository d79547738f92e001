// Package retryqueue finds enrichment attempts that failed on content
// extraction and feeds the underlying raw events back through the
// extractor/classifier pair with a different strategy ordering.
package retryqueue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cyberwatch/pipeline/internal/extractor"
	"github.com/cyberwatch/pipeline/internal/metrics"
	"github.com/cyberwatch/pipeline/internal/storage/models"
	"github.com/cyberwatch/pipeline/internal/storage/sqlite"
	"github.com/cyberwatch/pipeline/pkg/logger"
)

// Store is the ledger-derived candidate query plus raw event access.
type Store interface {
	ListExtractionFailureCandidates(ctx context.Context, year int, month time.Month) ([]sqlite.ExtractionFailureCandidate, error)
	GetRawEvent(ctx context.Context, id string) (*models.RawEvent, error)
}

// Enricher is the extract-then-classify pair the orchestrator replays
// candidates through.
type Enricher interface {
	ProcessRawEvent(ctx context.Context, raw *models.RawEvent, pass extractor.Pass) (*models.EnrichedEvent, error)
}

type Orchestrator struct {
	store    Store
	enricher Enricher
}

func NewOrchestrator(store Store, enricher Enricher) *Orchestrator {
	return &Orchestrator{store: store, enricher: enricher}
}

// Candidates returns the current retry-eligible failures, most recent
// first. The list is a pure function of the ledger: an event drops out as
// soon as a newer attempt for it no longer carries the failure signature.
// Pass year 0 for all months.
func (o *Orchestrator) Candidates(ctx context.Context, year int, month time.Month) ([]sqlite.ExtractionFailureCandidate, error) {
	candidates, err := o.store.ListExtractionFailureCandidates(ctx, year, month)
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger for candidates: %w", err)
	}

	metrics.RetryCandidates.Set(float64(len(candidates)))
	return candidates, nil
}

// Retry re-runs extraction and enrichment for every candidate, using the
// retry strategy ordering. Individual failures are already recorded in
// the ledger by the classifier; they do not abort the batch.
func (o *Orchestrator) Retry(ctx context.Context, year int, month time.Month) (succeeded, failed int, err error) {
	candidates, err := o.Candidates(ctx, year, month)
	if err != nil {
		return 0, 0, err
	}

	logger.Info("retry pass starting", zap.Int("candidates", len(candidates)))

	for _, cand := range candidates {
		if ctx.Err() != nil {
			return succeeded, failed, ctx.Err()
		}

		raw, gerr := o.store.GetRawEvent(ctx, cand.RawEventID)
		if gerr != nil {
			return succeeded, failed, fmt.Errorf("failed to load raw event %s: %w", cand.RawEventID, gerr)
		}

		ev, perr := o.enricher.ProcessRawEvent(ctx, raw, extractor.PassRetry)
		if perr != nil {
			return succeeded, failed, perr
		}
		if ev == nil || ev.IsExtractionFailure() {
			failed++
			continue
		}
		succeeded++
	}

	logger.Info("retry pass finished",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
	)
	return succeeded, failed, nil
}
