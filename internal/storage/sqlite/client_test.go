package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberwatch/pipeline/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	c, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { c.Close() })
	return c
}

func insertRaw(t *testing.T, c *Client, id string, discovered time.Time) *models.RawEvent {
	t.Helper()

	ev := &models.RawEvent{
		ID:           id,
		RawTitle:     "Telco breach exposes customer records",
		SourceURL:    "https://news.example.com/" + id,
		DiscoveredAt: discovered,
	}
	require.NoError(t, c.InsertRawEvent(context.Background(), ev))
	return ev
}

func insertEnriched(t *testing.T, c *Client, id, rawID string, confidence float64) *models.EnrichedEvent {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Second)
	ev := &models.EnrichedEvent{
		ID:              id,
		RawEventID:      rawID,
		Title:           "Telco breach",
		ConfidenceScore: confidence,
		Status:          models.StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if confidence == 0 {
		ev.Title = ""
	}
	require.NoError(t, c.InsertEnrichedEvent(context.Background(), ev))
	return ev
}

func TestRawEventRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	discovered := time.Date(2020, 7, 3, 10, 0, 0, 0, time.UTC)
	insertRaw(t, c, "raw-1", discovered)

	got, err := c.GetRawEvent(ctx, "raw-1")
	require.NoError(t, err)
	assert.Equal(t, "raw-1", got.ID)
	assert.Equal(t, discovered, got.DiscoveredAt)
	assert.Empty(t, got.RawContent)
}

func TestCacheRawContentWriteOnce(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	insertRaw(t, c, "raw-1", time.Now().UTC())

	// Empty content is never written.
	require.NoError(t, c.CacheRawContent(ctx, "raw-1", ""))
	got, err := c.GetRawEvent(ctx, "raw-1")
	require.NoError(t, err)
	assert.Empty(t, got.RawContent)

	require.NoError(t, c.CacheRawContent(ctx, "raw-1", "extracted article body"))
	got, err = c.GetRawEvent(ctx, "raw-1")
	require.NoError(t, err)
	assert.Equal(t, "extracted article body", got.RawContent)

	// A populated cache is never overwritten.
	require.NoError(t, c.CacheRawContent(ctx, "raw-1", "different content"))
	require.NoError(t, c.CacheRawContent(ctx, "raw-1", ""))
	got, err = c.GetRawEvent(ctx, "raw-1")
	require.NoError(t, err)
	assert.Equal(t, "extracted article body", got.RawContent)
}

func TestInsertEnrichedSupersedesPreviousActive(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	insertRaw(t, c, "raw-1", time.Now().UTC())
	insertEnriched(t, c, "enr-1", "raw-1", 0.0)
	insertEnriched(t, c, "enr-2", "raw-1", 0.85)

	active, err := c.GetActiveEnrichedEventForRaw(ctx, "raw-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "enr-2", active.ID)

	old, err := c.GetEnrichedEvent(ctx, "enr-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuperseded, old.Status)

	// Only the new enrichment shows up in the active listing.
	activeList, err := c.ListActiveEnrichedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, activeList, 1)
	assert.Equal(t, "enr-2", activeList[0].ID)
}

func TestEventDateNullRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	insertRaw(t, c, "raw-1", time.Now().UTC())

	now := time.Now().UTC().Truncate(time.Second)
	ev := &models.EnrichedEvent{
		ID:              "enr-1",
		RawEventID:      "raw-1",
		Title:           "Breach with unknown date",
		ConfidenceScore: 0.7,
		Status:          models.StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, c.InsertEnrichedEvent(ctx, ev))

	got, err := c.GetEnrichedEvent(ctx, "enr-1")
	require.NoError(t, err)
	assert.Nil(t, got.EventDate, "null event_date must not come back as a sentinel")
	assert.Nil(t, got.RecordsAffected)

	date := time.Date(2020, 7, 14, 0, 0, 0, 0, time.UTC)
	records := int64(120000)
	ev2 := &models.EnrichedEvent{
		ID:              "enr-2",
		RawEventID:      "raw-1",
		Title:           "Breach with known date",
		EventDate:       &date,
		RecordsAffected: &records,
		ConfidenceScore: 0.7,
		Status:          models.StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, c.InsertEnrichedEvent(ctx, ev2))

	got, err = c.GetEnrichedEvent(ctx, "enr-2")
	require.NoError(t, err)
	require.NotNil(t, got.EventDate)
	assert.True(t, got.EventDate.Equal(date))
	require.NotNil(t, got.RecordsAffected)
	assert.Equal(t, records, *got.RecordsAffected)
}

func TestValidationRejectedBeforePersistence(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	insertRaw(t, c, "raw-1", time.Now().UTC())

	ev := &models.EnrichedEvent{
		ID:              "enr-1",
		RawEventID:      "raw-1",
		Title:           "t",
		ConfidenceScore: 1.7,
		Status:          models.StatusActive,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	err := c.InsertEnrichedEvent(ctx, ev)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, gerr := c.GetEnrichedEvent(ctx, "enr-1")
	assert.Error(t, gerr, "rejected event must not be persisted")
}

func TestLatestAuditPerEvent(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	insertRaw(t, c, "raw-1", time.Now().UTC())
	insertEnriched(t, c, "enr-1", "raw-1", 0.0)

	base := time.Now().UTC().Truncate(time.Second)
	for i, rec := range []models.AuditRecord{
		{EnrichedEventID: "enr-1", FinalConfidence: 0, ErrorMessage: models.InsufficientContentMessage},
		{EnrichedEventID: "enr-1", FinalConfidence: 0.82},
	} {
		rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
		r := rec
		require.NoError(t, c.AppendAuditRecord(ctx, &r))
	}

	latest, err := c.LatestAuditPerEvent(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, 0.82, latest[0].FinalConfidence)
	assert.Empty(t, latest[0].ErrorMessage)

	history, err := c.ListAuditRecords(ctx, "enr-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestExtractionFailureCandidates(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	// Three failures, one later recovered: candidate count must be N-M = 2.
	for _, id := range []string{"a", "b", "r"} {
		insertRaw(t, c, "raw-"+id, now)
		insertEnriched(t, c, "enr-"+id, "raw-"+id, 0.0)
		require.NoError(t, c.AppendAuditRecord(ctx, &models.AuditRecord{
			EnrichedEventID: "enr-" + id,
			FinalConfidence: 0,
			ErrorMessage:    models.InsufficientContentMessage,
			CreatedAt:       now,
		}))
	}
	require.NoError(t, c.AppendAuditRecord(ctx, &models.AuditRecord{
		EnrichedEventID: "enr-r",
		FinalConfidence: 0.82,
		CreatedAt:       now.Add(time.Second),
	}))

	candidates, err := c.ListExtractionFailureCandidates(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	// Most recent failure first.
	assert.Equal(t, "enr-b", candidates[0].EnrichedEventID)
	assert.Equal(t, "enr-a", candidates[1].EnrichedEventID)

	// Idempotent: an unchanged ledger yields the same list.
	again, err := c.ListExtractionFailureCandidates(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, candidates, again)
}

func TestCascadeDeleteFromRawEvent(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	insertRaw(t, c, "raw-1", now)
	ev := insertEnriched(t, c, "enr-1", "raw-1", 0.8)
	require.NoError(t, c.AppendAuditRecord(ctx, &models.AuditRecord{
		EnrichedEventID: ev.ID, FinalConfidence: 0.8, CreatedAt: now,
	}))

	dedup := &models.DeduplicatedEvent{
		ID: "dedup-1", Title: "Telco breach", ConfidenceScore: 0.8,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, c.UpsertDeduplicatedEvent(ctx, dedup, []string{"enr-1"}))

	require.NoError(t, c.DeleteRawEvent(ctx, "raw-1"))

	_, err := c.GetEnrichedEvent(ctx, "enr-1")
	assert.Error(t, err)

	history, err := c.ListAuditRecords(ctx, "enr-1")
	require.NoError(t, err)
	assert.Empty(t, history)

	members, err := c.GetDeduplicatedEventMembers(ctx, "dedup-1")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestDedupUpsertIdempotentAndMembershipUnique(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	insertRaw(t, c, "raw-1", now)
	insertRaw(t, c, "raw-2", now)
	insertEnriched(t, c, "enr-1", "raw-1", 0.8)
	insertEnriched(t, c, "enr-2", "raw-2", 0.6)

	dedup := &models.DeduplicatedEvent{
		ID: "dedup-1", Title: "Telco breach", ConfidenceScore: 0.8,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, c.UpsertDeduplicatedEvent(ctx, dedup, []string{"enr-1", "enr-2"}))
	require.NoError(t, c.UpsertDeduplicatedEvent(ctx, dedup, []string{"enr-1", "enr-2"}))

	events, err := c.ListDeduplicatedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)

	members, err := c.GetDeduplicatedEventMembers(ctx, "dedup-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"enr-1", "enr-2"}, members)

	// An enriched event cannot be claimed by a second deduplicated event.
	other := &models.DeduplicatedEvent{
		ID: "dedup-2", Title: "Other", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, c.UpsertDeduplicatedEvent(ctx, other, []string{"enr-1"}))
	got, err := c.GetMembership(ctx, "enr-1")
	require.NoError(t, err)
	assert.Equal(t, "dedup-1", got)
}

func TestRiskClassificationUniquePerDedupEvent(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	dedup := &models.DeduplicatedEvent{ID: "dedup-1", Title: "t", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, c.UpsertDeduplicatedEvent(ctx, dedup, nil))

	rc := &models.RiskClassification{
		ID:                         "cls-1",
		DeduplicatedEventID:        "dedup-1",
		SeverityCategory:           models.SeverityC4,
		PrimaryStakeholderCategory: "large_organisation",
		ImpactType:                 "data_breach",
		Reasoning: models.ReasoningPayload{
			Rationale:           "Customer data exposed at scale.",
			ContributingFactors: []string{"PII leaked"},
		},
		ConfidenceScore: 0.75,
		ModelUsed:       "gpt-4o",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, c.UpsertRiskClassification(ctx, rc))

	// Re-classification overwrites in place and bumps updated_at.
	rc.SeverityCategory = models.SeverityC3
	rc.UpdatedAt = now.Add(time.Hour)
	require.NoError(t, c.UpsertRiskClassification(ctx, rc))

	got, err := c.GetRiskClassification(ctx, "dedup-1")
	require.NoError(t, err)
	assert.Equal(t, "cls-1", got.ID)
	assert.Equal(t, models.SeverityC3, got.SeverityCategory)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
	assert.Equal(t, rc.Reasoning, got.Reasoning)

	// Deleting the deduplicated event cascades to its classification.
	_, err = c.db.Exec(`DELETE FROM deduplicated_events WHERE deduplicated_event_id = 'dedup-1'`)
	require.NoError(t, err)
	got, err = c.GetRiskClassification(ctx, "dedup-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRiskClassificationValidationAtBoundary(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Now().UTC()

	dedup := &models.DeduplicatedEvent{ID: "dedup-1", Title: "t", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, c.UpsertDeduplicatedEvent(ctx, dedup, nil))

	rc := &models.RiskClassification{
		ID:                         "cls-1",
		DeduplicatedEventID:        "dedup-1",
		SeverityCategory:           "C7",
		PrimaryStakeholderCategory: "large_organisation",
		ImpactType:                 "data_breach",
		ConfidenceScore:            0.5,
		ModelUsed:                  "gpt-4o",
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	assert.ErrorIs(t, c.UpsertRiskClassification(ctx, rc), models.ErrValidation)
}

func TestMonthMarker(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	got, err := c.GetMonthMarker(ctx, 2020, time.July)
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Now().UTC().Truncate(time.Second)
	marker := &models.MonthMarker{
		Year:                2020,
		Month:               time.July,
		IsProcessed:         true,
		ProcessedAt:         &now,
		TotalRawEvents:      42,
		TotalEnrichedEvents: 40,
		ProcessingNotes:     "batch run: 42 raw, 40 enriched",
		CreatedAt:           now,
	}
	require.NoError(t, c.UpsertMonthMarker(ctx, marker))

	got, err = c.GetMonthMarker(ctx, 2020, time.July)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsProcessed)
	assert.Equal(t, 42, got.TotalRawEvents)
	require.NotNil(t, got.ProcessedAt)

	// Unique on (year, month): a second write updates the same row.
	marker.TotalRawEvents = 43
	require.NoError(t, c.UpsertMonthMarker(ctx, marker))
	got, err = c.GetMonthMarker(ctx, 2020, time.July)
	require.NoError(t, err)
	assert.Equal(t, 43, got.TotalRawEvents)
}

func TestConstraintViolationDetection(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	insertRaw(t, c, "raw-1", time.Now().UTC())
	err := c.InsertRawEvent(ctx, &models.RawEvent{
		ID: "raw-1", RawTitle: "dup", SourceURL: "https://x", DiscoveredAt: time.Now(),
	})
	require.Error(t, err)
	assert.True(t, IsConstraintViolation(err))
}
