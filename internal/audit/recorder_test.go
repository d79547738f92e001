package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberwatch/pipeline/internal/storage/models"
)

type fakeStore struct {
	records []models.AuditRecord
	err     error
}

func (f *fakeStore) AppendAuditRecord(_ context.Context, rec *models.AuditRecord) error {
	if f.err != nil {
		return f.err
	}
	rec.AuditID = int64(len(f.records) + 1)
	f.records = append(f.records, *rec)
	return nil
}

func (f *fakeStore) ListAuditRecords(_ context.Context, id string) ([]models.AuditRecord, error) {
	var out []models.AuditRecord
	for _, r := range f.records {
		if r.EnrichedEventID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) LatestAuditPerEvent(_ context.Context) ([]models.AuditRecord, error) {
	latest := make(map[string]models.AuditRecord)
	for _, r := range f.records {
		latest[r.EnrichedEventID] = r
	}
	out := make([]models.AuditRecord, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	return out, nil
}

func TestRecordAppendsOnce(t *testing.T) {
	store := &fakeStore{}
	r := NewRecorder(store)

	rec, err := r.Record(context.Background(), "enr-1", 0.7, "")
	require.NoError(t, err)
	assert.Equal(t, "enr-1", rec.EnrichedEventID)
	assert.Equal(t, 0.7, rec.FinalConfidence)
	assert.Empty(t, rec.ErrorMessage)
	assert.False(t, rec.CreatedAt.IsZero())
	require.Len(t, store.records, 1)
}

func TestHistoryPreservesEveryAttempt(t *testing.T) {
	store := &fakeStore{}
	r := NewRecorder(store)
	ctx := context.Background()

	_, err := r.Record(ctx, "enr-1", 0, models.InsufficientContentMessage)
	require.NoError(t, err)
	_, err = r.Record(ctx, "enr-1", 0.82, "")
	require.NoError(t, err)

	history, err := r.History(ctx, "enr-1")
	require.NoError(t, err)
	require.Len(t, history, 2, "failures stay in the ledger after a later success")
	assert.Equal(t, models.InsufficientContentMessage, history[0].ErrorMessage)
	assert.Equal(t, 0.82, history[1].FinalConfidence)
}

func TestLatestPerEvent(t *testing.T) {
	store := &fakeStore{}
	r := NewRecorder(store)
	ctx := context.Background()

	_, _ = r.Record(ctx, "enr-1", 0, models.InsufficientContentMessage)
	_, _ = r.Record(ctx, "enr-1", 0.82, "")
	_, _ = r.Record(ctx, "enr-2", 0, models.InsufficientContentMessage)

	latest, err := r.LatestPerEvent(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)

	byID := make(map[string]models.AuditRecord)
	for _, rec := range latest {
		byID[rec.EnrichedEventID] = rec
	}
	assert.Equal(t, 0.82, byID["enr-1"].FinalConfidence)
	assert.Zero(t, byID["enr-2"].FinalConfidence)
}

func TestRecordStoreError(t *testing.T) {
	r := NewRecorder(&fakeStore{err: errors.New("disk full")})
	_, err := r.Record(context.Background(), "enr-1", 0.5, "")
	require.Error(t, err)
}
