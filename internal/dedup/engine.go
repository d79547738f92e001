// Package dedup merges active enriched events that describe the same
// real-world incident into canonical deduplicated events. The pass is
// idempotent: cluster identity is derived deterministically from member
// ids, rows are upserted in place, and unchanged clusters are not
// rewritten.
package dedup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	prose "github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/cyberwatch/pipeline/internal/metrics"
	"github.com/cyberwatch/pipeline/internal/storage/models"
	"github.com/cyberwatch/pipeline/pkg/logger"
)

type Store interface {
	ListActiveEnrichedEvents(ctx context.Context) ([]models.EnrichedEvent, error)
	GetMembership(ctx context.Context, enrichedEventID string) (string, error)
	GetDeduplicatedEvent(ctx context.Context, id string) (*models.DeduplicatedEvent, error)
	GetDeduplicatedEventMembers(ctx context.Context, dedupID string) ([]string, error)
	UpsertDeduplicatedEvent(ctx context.Context, ev *models.DeduplicatedEvent, memberIDs []string) error
}

type Config struct {
	// SimilarityThreshold is the minimum title token overlap for two
	// events to be considered the same incident.
	SimilarityThreshold float64
	// DateWindowDays vetoes a merge when both events carry dates further
	// apart than this.
	DateWindowDays int
}

type Engine struct {
	store Store
	cfg   Config

	mu sync.Mutex
}

func NewEngine(store Store, cfg Config) *Engine {
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.6
	}
	if cfg.DateWindowDays == 0 {
		cfg.DateWindowDays = 7
	}
	return &Engine{store: store, cfg: cfg}
}

// Run executes one deduplication pass over all active enriched events.
// Only one pass may run at a time; the pass reads then rewrites aggregate
// state.
func (e *Engine) Run(ctx context.Context) (int, error) {
	if !e.mu.TryLock() {
		return 0, fmt.Errorf("deduplication pass already running")
	}
	defer e.mu.Unlock()

	events, err := e.store.ListActiveEnrichedEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load active events: %w", err)
	}

	// Extraction-failure placeholders carry no content to match on.
	candidates := events[:0:0]
	for _, ev := range events {
		if !ev.IsExtractionFailure() {
			candidates = append(candidates, ev)
		}
	}

	clusters := e.cluster(candidates)

	written := 0
	for _, cluster := range clusters {
		changed, err := e.persistCluster(ctx, cluster)
		if err != nil {
			return written, err
		}
		if changed {
			written++
		}
	}

	metrics.DeduplicatedEventsTotal.Set(float64(len(clusters)))
	logger.Info("deduplication pass finished",
		zap.Int("active_events", len(candidates)),
		zap.Int("clusters", len(clusters)),
		zap.Int("written", written),
	)
	return written, nil
}

// cluster greedily groups events by pairwise similarity. Events are
// processed in id order so the grouping is deterministic for a given
// input set.
func (e *Engine) cluster(events []models.EnrichedEvent) [][]models.EnrichedEvent {
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })

	tokens := make([]map[string]struct{}, len(events))
	for i := range events {
		tokens[i] = titleTokens(events[i].Title)
	}

	var clusters [][]int
	for i := range events {
		placed := false
		for ci, cluster := range clusters {
			// Compare against every member so a cluster only grows when
			// the new event matches all of it.
			all := true
			for _, j := range cluster {
				if !e.sameIncident(&events[i], &events[j], tokens[i], tokens[j]) {
					all = false
					break
				}
			}
			if all {
				clusters[ci] = append(clusters[ci], i)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, []int{i})
		}
	}

	out := make([][]models.EnrichedEvent, len(clusters))
	for ci, cluster := range clusters {
		for _, i := range cluster {
			out[ci] = append(out[ci], events[i])
		}
	}
	return out
}

func (e *Engine) sameIncident(a, b *models.EnrichedEvent, at, bt map[string]struct{}) bool {
	if a.EventDate != nil && b.EventDate != nil {
		diff := a.EventDate.Sub(*b.EventDate)
		if diff < 0 {
			diff = -diff
		}
		if diff.Hours() > float64(e.cfg.DateWindowDays)*24 {
			return false
		}
	}
	return jaccard(at, bt) >= e.cfg.SimilarityThreshold
}

func (e *Engine) persistCluster(ctx context.Context, cluster []models.EnrichedEvent) (bool, error) {
	memberIDs := make([]string, len(cluster))
	for i, ev := range cluster {
		memberIDs[i] = ev.ID
	}
	sort.Strings(memberIDs)

	dedupID, err := e.clusterID(ctx, memberIDs)
	if err != nil {
		return false, err
	}

	merged := mergeCluster(dedupID, cluster)

	existing, err := e.store.GetDeduplicatedEvent(ctx, dedupID)
	if err == nil && existing != nil {
		existingMembers, merr := e.store.GetDeduplicatedEventMembers(ctx, dedupID)
		if merr == nil && sameContent(existing, merged) && sameMembers(existingMembers, memberIDs) {
			return false, nil
		}
		merged.CreatedAt = existing.CreatedAt
	}

	if err := e.store.UpsertDeduplicatedEvent(ctx, merged, memberIDs); err != nil {
		return false, fmt.Errorf("failed to persist cluster: %w", err)
	}
	return true, nil
}

// clusterID reuses an existing deduplicated event when any member already
// belongs to one, so re-runs update in place. New clusters get an id
// derived from their (sorted) membership, which keeps repeated runs over
// an unchanged set byte-identical.
func (e *Engine) clusterID(ctx context.Context, memberIDs []string) (string, error) {
	for _, id := range memberIDs {
		dedupID, err := e.store.GetMembership(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to resolve membership: %w", err)
		}
		if dedupID != "" {
			return dedupID, nil
		}
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(memberIDs, "|"))).String(), nil
}

// mergeCluster applies the merge policy: the highest-confidence
// contributor wins conflicting scalar fields, records_affected is the
// maximum stated value, confidence is the maximum.
func mergeCluster(dedupID string, cluster []models.EnrichedEvent) *models.DeduplicatedEvent {
	best := cluster[0]
	for _, ev := range cluster[1:] {
		if ev.ConfidenceScore > best.ConfidenceScore ||
			(ev.ConfidenceScore == best.ConfidenceScore && ev.ID < best.ID) {
			best = ev
		}
	}

	var maxRecords *int64
	var eventDate = best.EventDate
	maxConfidence := 0.0
	for _, ev := range cluster {
		if ev.RecordsAffected != nil && (maxRecords == nil || *ev.RecordsAffected > *maxRecords) {
			v := *ev.RecordsAffected
			maxRecords = &v
		}
		if ev.ConfidenceScore > maxConfidence {
			maxConfidence = ev.ConfidenceScore
		}
		if eventDate == nil && ev.EventDate != nil {
			d := *ev.EventDate
			eventDate = &d
		}
	}

	return &models.DeduplicatedEvent{
		ID:              dedupID,
		Title:           best.Title,
		Description:     best.Description,
		Summary:         best.Summary,
		EventType:       best.EventType,
		Severity:        best.Severity,
		EventDate:       eventDate,
		RecordsAffected: maxRecords,
		ConfidenceScore: maxConfidence,
		CreatedAt:       best.CreatedAt,
		UpdatedAt:       best.CreatedAt,
	}
}

func sameContent(a, b *models.DeduplicatedEvent) bool {
	if a.Title != b.Title || a.Description != b.Description || a.Summary != b.Summary ||
		a.EventType != b.EventType || a.Severity != b.Severity ||
		a.ConfidenceScore != b.ConfidenceScore {
		return false
	}
	if (a.EventDate == nil) != (b.EventDate == nil) {
		return false
	}
	if a.EventDate != nil && !a.EventDate.Equal(*b.EventDate) {
		return false
	}
	if (a.RecordsAffected == nil) != (b.RecordsAffected == nil) {
		return false
	}
	if a.RecordsAffected != nil && *a.RecordsAffected != *b.RecordsAffected {
		return false
	}
	return true
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sort.Strings(a)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var titleStopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "in": {}, "on": {}, "at": {},
	"to": {}, "for": {}, "by": {}, "and": {}, "or": {}, "after": {},
	"hit": {}, "hits": {}, "says": {}, "new": {},
}

// titleTokens tokenizes a title into a lowercased content-word set.
func titleTokens(title string) map[string]struct{} {
	out := make(map[string]struct{})

	doc, err := prose.NewDocument(title,
		prose.WithSegmentation(false),
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		// Tokenizer failure degrades to whitespace splitting.
		for _, w := range strings.Fields(title) {
			addToken(out, w)
		}
		return out
	}

	for _, tok := range doc.Tokens() {
		addToken(out, tok.Text)
	}
	return out
}

func addToken(set map[string]struct{}, raw string) {
	w := strings.ToLower(strings.Trim(raw, `.,:;!?"'()[]`))
	if len(w) < 2 {
		return
	}
	if _, stop := titleStopwords[w]; stop {
		return
	}
	set[w] = struct{}{}
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
