// Package pipeline drives the batch chain over month windows: extract,
// enrich, audit for every raw event on a bounded worker pool, then the
// retry, deduplication and risk passes, then the month checkpoint.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cyberwatch/pipeline/internal/dedup"
	"github.com/cyberwatch/pipeline/internal/enrichment"
	"github.com/cyberwatch/pipeline/internal/extractor"
	"github.com/cyberwatch/pipeline/internal/metrics"
	"github.com/cyberwatch/pipeline/internal/months"
	"github.com/cyberwatch/pipeline/internal/retryqueue"
	"github.com/cyberwatch/pipeline/internal/storage/models"
	"github.com/cyberwatch/pipeline/internal/storage/sqlite"
	"github.com/cyberwatch/pipeline/pkg/logger"
)

type Runner struct {
	store      *sqlite.Client
	extractor  *extractor.Extractor
	classifier *enrichment.Classifier
	dedup      *dedup.Engine
	risk       RiskPass
	tracker    *months.Tracker
	workers    int
}

// RiskPass is satisfied by *risk.Classifier; tests run the batch with a
// stub so no live model sits behind the risk pass.
type RiskPass interface {
	Run(ctx context.Context) (int, error)
}

func NewRunner(store *sqlite.Client, ext *extractor.Extractor, classifier *enrichment.Classifier,
	dedupEngine *dedup.Engine, riskPass RiskPass, tracker *months.Tracker, workers int) *Runner {
	if workers <= 0 {
		workers = 4
	}
	return &Runner{
		store:      store,
		extractor:  ext,
		classifier: classifier,
		dedup:      dedupEngine,
		risk:       riskPass,
		tracker:    tracker,
		workers:    workers,
	}
}

// ProcessRawEvent runs one raw event through extract -> enrich -> audit.
// Extraction failures come back as the terminal confidence-zero enriched
// event, already recorded in the ledger; only store or collaborator
// breakage returns an error.
func (r *Runner) ProcessRawEvent(ctx context.Context, raw *models.RawEvent, pass extractor.Pass) (*models.EnrichedEvent, error) {
	if pass == extractor.PassInitial {
		existing, err := r.store.GetActiveEnrichedEventForRaw(ctx, raw.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil && !existing.IsExtractionFailure() {
			// Already enriched; resumed runs skip it.
			return existing, nil
		}
	}

	content, err := r.extractor.Extract(ctx, raw, pass)
	if err != nil {
		if _, ok := extractor.AsExtractionError(err); !ok {
			return nil, err
		}
		ev, ferr := r.classifier.RecordExtractionFailure(ctx, raw, err)
		if ferr != nil {
			return r.resolveConstraintRace(ctx, raw, ferr)
		}
		metrics.RawEventsProcessed.WithLabelValues("extraction_failed").Inc()
		return ev, nil
	}

	ev, err := r.classifier.Enrich(ctx, raw, content)
	if err != nil {
		return r.resolveConstraintRace(ctx, raw, err)
	}

	metrics.RawEventsProcessed.WithLabelValues("enriched").Inc()
	return ev, nil
}

// resolveConstraintRace converts a uniqueness violation into the enriched
// event the other worker already produced. Anything else propagates.
func (r *Runner) resolveConstraintRace(ctx context.Context, raw *models.RawEvent, err error) (*models.EnrichedEvent, error) {
	if !sqlite.IsConstraintViolation(err) {
		return nil, err
	}
	logger.Debug("raw event claimed by concurrent worker", zap.String("raw_event_id", raw.ID))
	return r.store.GetActiveEnrichedEventForRaw(ctx, raw.ID)
}

// MonthSummary reports the outcome of one month window.
type MonthSummary struct {
	Year           int
	Month          time.Month
	Skipped        bool
	TotalRawEvents int
	EnrichedEvents int
	RetrySucceeded int
	PendingRetries int
	MarkedComplete bool
}

// RunMonth processes one (year, month) window end to end. A month with
// outstanding retry candidates is reported, never partially marked
// complete.
func (r *Runner) RunMonth(ctx context.Context, year int, month time.Month) (*MonthSummary, error) {
	summary := &MonthSummary{Year: year, Month: month}

	complete, err := r.tracker.IsComplete(ctx, year, month)
	if err != nil {
		return nil, err
	}
	if complete {
		logger.Info("month already processed, skipping",
			zap.Int("year", year), zap.Int("month", int(month)))
		summary.Skipped = true
		return summary, nil
	}

	rawEvents, err := r.store.ListRawEventsInMonth(ctx, year, month)
	if err != nil {
		return nil, err
	}
	summary.TotalRawEvents = len(rawEvents)

	logger.Info("month batch starting",
		zap.Int("year", year),
		zap.Int("month", int(month)),
		zap.Int("raw_events", len(rawEvents)),
		zap.Int("workers", r.workers),
	)

	var enriched atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i := range rawEvents {
		raw := rawEvents[i]
		g.Go(func() error {
			ev, err := r.ProcessRawEvent(gctx, &raw, extractor.PassInitial)
			if err != nil {
				return err
			}
			if ev != nil && !ev.IsExtractionFailure() {
				enriched.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("month batch aborted: %w", err)
	}
	summary.EnrichedEvents = int(enriched.Load())

	// Second pass over extraction failures with the alternate strategy
	// ordering.
	orchestrator := retryqueue.NewOrchestrator(r.store, r)
	succeeded, _, err := orchestrator.Retry(ctx, year, month)
	if err != nil {
		return nil, err
	}
	summary.RetrySucceeded = succeeded
	summary.EnrichedEvents += succeeded

	if _, err := r.dedup.Run(ctx); err != nil {
		return nil, err
	}
	if _, err := r.risk.Run(ctx); err != nil {
		return nil, err
	}

	notes := fmt.Sprintf("batch run: %d raw, %d enriched, %d recovered on retry",
		summary.TotalRawEvents, summary.EnrichedEvents, summary.RetrySucceeded)

	err = r.tracker.MarkComplete(ctx, year, month, summary.TotalRawEvents, summary.EnrichedEvents, notes)
	if err != nil {
		var pending *months.ErrPendingRetries
		if errors.As(err, &pending) {
			summary.PendingRetries = pending.Pending
			logger.Warn("month left incomplete",
				zap.Int("year", year),
				zap.Int("month", int(month)),
				zap.Int("pending_retries", pending.Pending),
			)
			return summary, nil
		}
		return nil, err
	}

	summary.MarkedComplete = true
	return summary, nil
}

// RunRange processes consecutive months from (fromYear, fromMonth) to
// (toYear, toMonth) inclusive, skipping completed ones.
func (r *Runner) RunRange(ctx context.Context, fromYear int, fromMonth time.Month, toYear int, toMonth time.Month) ([]MonthSummary, error) {
	var summaries []MonthSummary

	cur := time.Date(fromYear, fromMonth, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(toYear, toMonth, 1, 0, 0, 0, 0, time.UTC)

	for !cur.After(end) {
		if ctx.Err() != nil {
			return summaries, ctx.Err()
		}
		summary, err := r.RunMonth(ctx, cur.Year(), cur.Month())
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, *summary)
		cur = cur.AddDate(0, 1, 0)
	}

	return summaries, nil
}
