package pipeline

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberwatch/pipeline/internal/audit"
	"github.com/cyberwatch/pipeline/internal/dedup"
	"github.com/cyberwatch/pipeline/internal/enrichment"
	"github.com/cyberwatch/pipeline/internal/extractor"
	"github.com/cyberwatch/pipeline/internal/llm"
	"github.com/cyberwatch/pipeline/internal/months"
	"github.com/cyberwatch/pipeline/internal/retryqueue"
	"github.com/cyberwatch/pipeline/internal/storage/models"
	"github.com/cyberwatch/pipeline/internal/storage/sqlite"
)

type fakeModel struct{}

func (fakeModel) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Model: "test-model", Content: `{"title": "Acme Logistics ransomware attack",
 "description": "Booking systems encrypted overnight.",
 "summary": "Ransomware at Acme Logistics.", "event_type": "ransomware",
 "severity": "high", "event_date": "2024-03-14", "records_affected": 40000,
 "is_australian_event": true, "is_specific_event": true,
 "confidence": 0.82, "australian_relevance": 0.9}`}, nil
}

type riskStub struct {
	runs atomic.Int32
}

func (r *riskStub) Run(context.Context) (int, error) {
	r.runs.Add(1)
	return 0, nil
}

type testHarness struct {
	store     *sqlite.Client
	runner    *Runner
	transport *httpmock.MockTransport
	risk      *riskStub
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	store, err := sqlite.NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema())

	transport := httpmock.NewMockTransport()
	ext := extractor.New(extractor.Config{
		FetchTimeout:    5 * time.Second,
		MinContentChars: 20,
	}, store, nil, &http.Client{Transport: transport})

	recorder := audit.NewRecorder(store)
	classifier := enrichment.NewClassifier(fakeModel{}, "test-model", store, recorder)
	engine := dedup.NewEngine(store, dedup.Config{})
	risk := &riskStub{}
	tracker := months.NewTracker(store)

	return &testHarness{
		store:     store,
		runner:    NewRunner(store, ext, classifier, engine, risk, tracker, 2),
		transport: transport,
		risk:      risk,
	}
}

func (h *testHarness) insertRaw(t *testing.T, id, url string, discovered time.Time) *models.RawEvent {
	t.Helper()
	raw := &models.RawEvent{
		ID:           id,
		RawTitle:     "scraped: " + id,
		SourceURL:    url,
		DiscoveredAt: discovered,
	}
	require.NoError(t, h.store.InsertRawEvent(context.Background(), raw))
	return raw
}

const articleBody = `<html><head><title>Acme incident</title></head><body>
<p>A ransomware crew encrypted the logistics firm's booking systems overnight,
affecting around forty thousand customer records.</p></body></html>`

func TestRunMonthEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	march := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	h.transport.RegisterResponder("GET", "https://news.example.com/a",
		httpmock.NewStringResponder(200, articleBody))
	h.transport.RegisterResponder("GET", "https://news.example.com/b",
		httpmock.NewStringResponder(200, articleBody))
	h.insertRaw(t, "raw-a", "https://news.example.com/a", march)
	h.insertRaw(t, "raw-b", "https://news.example.com/b", march.AddDate(0, 0, 5))

	summary, err := h.runner.RunMonth(ctx, 2024, time.March)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.TotalRawEvents)
	assert.Equal(t, 2, summary.EnrichedEvents)
	assert.Zero(t, summary.PendingRetries)
	assert.True(t, summary.MarkedComplete)
	assert.EqualValues(t, 1, h.risk.runs.Load())

	// Both enrichments landed and were audited.
	for _, rawID := range []string{"raw-a", "raw-b"} {
		ev, err := h.store.GetActiveEnrichedEventForRaw(ctx, rawID)
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, 0.82, ev.ConfidenceScore)
	}

	// Identical articles collapsed into one deduplicated event.
	dedupEvents, err := h.store.ListDeduplicatedEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, dedupEvents, 1)

	// A second run skips the completed month entirely.
	summary, err = h.runner.RunMonth(ctx, 2024, time.March)
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
}

func TestRunMonthRecoversFailureOnRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	march := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	// First fetch fails, the retry pass succeeds.
	var calls atomic.Int32
	h.transport.RegisterResponder("GET", "https://news.example.com/flaky",
		func(req *http.Request) (*http.Response, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("connection refused")
			}
			return httpmock.NewStringResponse(200, articleBody), nil
		})
	h.insertRaw(t, "raw-1", "https://news.example.com/flaky", march)

	summary, err := h.runner.RunMonth(ctx, 2024, time.March)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.RetrySucceeded)
	assert.Equal(t, 1, summary.EnrichedEvents)
	assert.True(t, summary.MarkedComplete)

	// The recovered event is active at 0.82; the failure record is
	// superseded but its ledger entry survives.
	ev, err := h.store.GetActiveEnrichedEventForRaw(ctx, "raw-1")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, 0.82, ev.ConfidenceScore)

	latest, err := h.store.LatestAuditPerEvent(ctx)
	require.NoError(t, err)
	var failures int
	for _, rec := range latest {
		if rec.ErrorMessage == models.InsufficientContentMessage {
			failures++
		}
	}
	assert.Equal(t, 1, failures, "the superseded failure keeps its ledger history")

	// No retry candidates remain: the failed event is no longer active.
	candidates, err := h.store.ListExtractionFailureCandidates(ctx, 2024, time.March)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestRunMonthLeftIncompleteWhenRetryFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	march := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	h.transport.RegisterResponder("GET", "https://news.example.com/dead",
		httpmock.NewErrorResponder(errors.New("connection refused")))
	h.insertRaw(t, "raw-1", "https://news.example.com/dead", march)

	summary, err := h.runner.RunMonth(ctx, 2024, time.March)
	require.NoError(t, err)

	assert.False(t, summary.MarkedComplete)
	assert.Equal(t, 1, summary.PendingRetries)

	complete, err := h.runner.tracker.IsComplete(ctx, 2024, time.March)
	require.NoError(t, err)
	assert.False(t, complete, "a month with pending retries is never checkpointed")
}

func TestProcessRawEventSkipsAlreadyEnriched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.transport.RegisterResponder("GET", "https://news.example.com/a",
		httpmock.NewStringResponder(200, articleBody))
	raw := h.insertRaw(t, "raw-1", "https://news.example.com/a", time.Now().UTC())

	first, err := h.runner.ProcessRawEvent(ctx, raw, extractor.PassInitial)
	require.NoError(t, err)

	// Re-running the initial pass returns the existing enrichment instead
	// of producing a second one.
	raw2, err := h.store.GetRawEvent(ctx, "raw-1")
	require.NoError(t, err)
	second, err := h.runner.ProcessRawEvent(ctx, raw2, extractor.PassInitial)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	history, err := h.store.ListAuditRecords(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRetryCandidatesAreLedgerDerived(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	march := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	h.transport.RegisterResponder("GET", "https://news.example.com/dead",
		httpmock.NewErrorResponder(errors.New("connection refused")))
	raw := h.insertRaw(t, "raw-1", "https://news.example.com/dead", march)

	_, err := h.runner.ProcessRawEvent(ctx, raw, extractor.PassInitial)
	require.NoError(t, err)

	orchestrator := retryqueue.NewOrchestrator(h.store, h.runner)
	candidates, err := orchestrator.Candidates(ctx, 2024, time.March)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "raw-1", candidates[0].RawEventID)

	// The source recovers; one successful replay drains the queue.
	h.transport.RegisterResponder("GET", "https://news.example.com/dead",
		httpmock.NewStringResponder(200, articleBody))

	succeeded, failed, err := orchestrator.Retry(ctx, 2024, time.March)
	require.NoError(t, err)
	assert.Equal(t, 1, succeeded)
	assert.Zero(t, failed)

	candidates, err = orchestrator.Candidates(ctx, 2024, time.March)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestRunRangeCoversEveryMonth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	summaries, err := h.runner.RunRange(ctx, 2024, time.January, 2024, time.March)
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	for i, s := range summaries {
		assert.Equal(t, time.Month(i+1), s.Month)
		assert.True(t, s.MarkedComplete, "empty months complete immediately")
	}
}
