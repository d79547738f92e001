package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cyberwatch/pipeline/internal/storage/models"
	"github.com/cyberwatch/pipeline/pkg/logger"
)

func nullableUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func intFromNull(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (c *Client) InsertRawEvent(ctx context.Context, ev *models.RawEvent) error {
	query := `
		INSERT INTO raw_events (raw_event_id, raw_title, source_url, raw_content, discovered_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		ev.ID,
		ev.RawTitle,
		ev.SourceURL,
		ev.RawContent,
		ev.DiscoveredAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert raw event: %w", err)
	}

	logger.Debug("raw event inserted", zap.String("raw_event_id", ev.ID), zap.String("url", ev.SourceURL))
	return nil
}

func (c *Client) GetRawEvent(ctx context.Context, id string) (*models.RawEvent, error) {
	query := `
		SELECT raw_event_id, raw_title, source_url, COALESCE(raw_content, ''), discovered_at
		FROM raw_events WHERE raw_event_id = ?
	`

	var ev models.RawEvent
	var discoveredAt int64

	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&ev.ID,
		&ev.RawTitle,
		&ev.SourceURL,
		&ev.RawContent,
		&discoveredAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get raw event: %w", err)
	}

	ev.DiscoveredAt = time.Unix(discoveredAt, 0).UTC()
	return &ev, nil
}

// CacheRawContent populates the raw event's content cache. The cache is
// written at most once: an existing non-empty cache is never overwritten,
// and empty content is never written at all.
func (c *Client) CacheRawContent(ctx context.Context, id, content string) error {
	if content == "" {
		return nil
	}

	query := `
		UPDATE raw_events SET raw_content = ?
		WHERE raw_event_id = ? AND (raw_content IS NULL OR raw_content = '')
	`

	res, err := c.db.ExecContext(ctx, query, content, id)
	if err != nil {
		return fmt.Errorf("failed to cache raw content: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		logger.Debug("raw content cached", zap.String("raw_event_id", id), zap.Int("chars", len(content)))
	}
	return nil
}

func (c *Client) ListRawEventsInMonth(ctx context.Context, year int, month time.Month) ([]models.RawEvent, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	query := `
		SELECT raw_event_id, raw_title, source_url, COALESCE(raw_content, ''), discovered_at
		FROM raw_events
		WHERE discovered_at >= ? AND discovered_at < ?
		ORDER BY discovered_at
	`

	rows, err := c.db.QueryContext(ctx, query, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list raw events: %w", err)
	}
	defer rows.Close()

	var events []models.RawEvent
	for rows.Next() {
		var ev models.RawEvent
		var discoveredAt int64
		if err := rows.Scan(&ev.ID, &ev.RawTitle, &ev.SourceURL, &ev.RawContent, &discoveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ev.DiscoveredAt = time.Unix(discoveredAt, 0).UTC()
		events = append(events, ev)
	}

	return events, rows.Err()
}

func (c *Client) DeleteRawEvent(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM raw_events WHERE raw_event_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete raw event: %w", err)
	}
	return nil
}

// InsertEnrichedEvent persists a new enriched event. When the event is
// active, any previous active enrichment of the same raw event is
// superseded in the same transaction, keeping the one-active-per-raw-event
// invariant intact.
func (c *Client) InsertEnrichedEvent(ctx context.Context, ev *models.EnrichedEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if ev.Status == models.StatusActive {
		_, err = tx.ExecContext(ctx,
			`UPDATE enriched_events SET status = ?, updated_at = ? WHERE raw_event_id = ? AND status = ?`,
			models.StatusSuperseded, time.Now().Unix(), ev.RawEventID, models.StatusActive,
		)
		if err != nil {
			return fmt.Errorf("failed to supersede previous enrichment: %w", err)
		}
	}

	query := `
		INSERT INTO enriched_events (
			enriched_event_id, raw_event_id, title, description, summary, event_type,
			severity, event_date, records_affected, is_australian_event, is_specific_event,
			confidence_score, australian_relevance_score, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, query,
		ev.ID,
		ev.RawEventID,
		ev.Title,
		ev.Description,
		ev.Summary,
		ev.EventType,
		ev.Severity,
		nullableUnix(ev.EventDate),
		nullableInt(ev.RecordsAffected),
		boolToInt(ev.IsAustralianEvent),
		boolToInt(ev.IsSpecificEvent),
		ev.ConfidenceScore,
		ev.AustralianRelevanceScore,
		ev.Status,
		ev.CreatedAt.Unix(),
		ev.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert enriched event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enriched event: %w", err)
	}

	logger.Debug("enriched event inserted",
		zap.String("enriched_event_id", ev.ID),
		zap.String("raw_event_id", ev.RawEventID),
		zap.Float64("confidence", ev.ConfidenceScore),
	)
	return nil
}

const enrichedColumns = `
	enriched_event_id, raw_event_id, title, description, summary, event_type,
	severity, event_date, records_affected, is_australian_event, is_specific_event,
	confidence_score, australian_relevance_score, status, created_at, updated_at
`

func scanEnriched(scan func(dest ...interface{}) error) (*models.EnrichedEvent, error) {
	var ev models.EnrichedEvent
	var eventDate, recordsAffected sql.NullInt64
	var isAustralian, isSpecific int
	var createdAt, updatedAt int64

	err := scan(
		&ev.ID, &ev.RawEventID, &ev.Title, &ev.Description, &ev.Summary, &ev.EventType,
		&ev.Severity, &eventDate, &recordsAffected, &isAustralian, &isSpecific,
		&ev.ConfidenceScore, &ev.AustralianRelevanceScore, &ev.Status, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.EventDate = timeFromNull(eventDate)
	ev.RecordsAffected = intFromNull(recordsAffected)
	ev.IsAustralianEvent = isAustralian == 1
	ev.IsSpecificEvent = isSpecific == 1
	ev.CreatedAt = time.Unix(createdAt, 0).UTC()
	ev.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &ev, nil
}

func (c *Client) GetEnrichedEvent(ctx context.Context, id string) (*models.EnrichedEvent, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+enrichedColumns+` FROM enriched_events WHERE enriched_event_id = ?`, id)

	ev, err := scanEnriched(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("failed to get enriched event: %w", err)
	}
	return ev, nil
}

func (c *Client) GetActiveEnrichedEventForRaw(ctx context.Context, rawEventID string) (*models.EnrichedEvent, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+enrichedColumns+` FROM enriched_events WHERE raw_event_id = ? AND status = ?`,
		rawEventID, models.StatusActive)

	ev, err := scanEnriched(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active enriched event: %w", err)
	}
	return ev, nil
}

func (c *Client) ListActiveEnrichedEvents(ctx context.Context) ([]models.EnrichedEvent, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+enrichedColumns+` FROM enriched_events WHERE status = ? ORDER BY created_at`,
		models.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active enriched events: %w", err)
	}
	defer rows.Close()

	var events []models.EnrichedEvent
	for rows.Next() {
		ev, err := scanEnriched(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		events = append(events, *ev)
	}

	return events, rows.Err()
}
