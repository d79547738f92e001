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

func (c *Client) GetMonthMarker(ctx context.Context, year int, month time.Month) (*models.MonthMarker, error) {
	query := `
		SELECT id, year, month, is_processed, processed_at, total_raw_events,
			total_enriched_events, processing_notes, created_at
		FROM months_processed WHERE year = ? AND month = ?
	`

	var m models.MonthMarker
	var monthInt, isProcessed int
	var processedAt sql.NullInt64
	var createdAt int64

	err := c.db.QueryRowContext(ctx, query, year, int(month)).Scan(
		&m.ID, &m.Year, &monthInt, &isProcessed, &processedAt,
		&m.TotalRawEvents, &m.TotalEnrichedEvents, &m.ProcessingNotes, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get month marker: %w", err)
	}

	m.Month = time.Month(monthInt)
	m.IsProcessed = isProcessed == 1
	m.ProcessedAt = timeFromNull(processedAt)
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &m, nil
}

// UpsertMonthMarker writes the checkpoint for a month in one statement.
// The marker is written once at the end of a run with its final counts,
// never incrementally mutated mid-run.
func (c *Client) UpsertMonthMarker(ctx context.Context, m *models.MonthMarker) error {
	query := `
		INSERT INTO months_processed (
			year, month, is_processed, processed_at, total_raw_events,
			total_enriched_events, processing_notes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(year, month) DO UPDATE SET
			is_processed = excluded.is_processed,
			processed_at = excluded.processed_at,
			total_raw_events = excluded.total_raw_events,
			total_enriched_events = excluded.total_enriched_events,
			processing_notes = excluded.processing_notes
	`

	_, err := c.db.ExecContext(ctx, query,
		m.Year,
		int(m.Month),
		boolToInt(m.IsProcessed),
		nullableUnix(m.ProcessedAt),
		m.TotalRawEvents,
		m.TotalEnrichedEvents,
		m.ProcessingNotes,
		m.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert month marker: %w", err)
	}

	logger.Info("month marker written",
		zap.Int("year", m.Year),
		zap.Int("month", int(m.Month)),
		zap.Bool("is_processed", m.IsProcessed),
		zap.Int("raw_events", m.TotalRawEvents),
		zap.Int("enriched_events", m.TotalEnrichedEvents),
	)
	return nil
}
