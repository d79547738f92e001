package sqlite

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cyberwatch/pipeline/internal/storage/models"
	"github.com/cyberwatch/pipeline/pkg/logger"
)

// AppendAuditRecord adds one row to the enrichment ledger. There is no
// update or delete path on this table anywhere in the codebase.
func (c *Client) AppendAuditRecord(ctx context.Context, rec *models.AuditRecord) error {
	query := `
		INSERT INTO enrichment_audit_trail (enriched_event_id, final_confidence, error_message, created_at)
		VALUES (?, ?, ?, ?)
	`

	res, err := c.db.ExecContext(ctx, query,
		rec.EnrichedEventID,
		rec.FinalConfidence,
		rec.ErrorMessage,
		rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	rec.AuditID, _ = res.LastInsertId()

	logger.Debug("audit record appended",
		zap.Int64("audit_id", rec.AuditID),
		zap.String("enriched_event_id", rec.EnrichedEventID),
		zap.Float64("final_confidence", rec.FinalConfidence),
	)
	return nil
}

func (c *Client) ListAuditRecords(ctx context.Context, enrichedEventID string) ([]models.AuditRecord, error) {
	query := `
		SELECT audit_id, enriched_event_id, final_confidence, error_message, created_at
		FROM enrichment_audit_trail
		WHERE enriched_event_id = ?
		ORDER BY audit_id
	`

	rows, err := c.db.QueryContext(ctx, query, enrichedEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var createdAt int64
		if err := rows.Scan(&rec.AuditID, &rec.EnrichedEventID, &rec.FinalConfidence, &rec.ErrorMessage, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		records = append(records, rec)
	}

	return records, rows.Err()
}

// LatestAuditPerEvent derives current enrichment state from the ledger:
// for each enriched event, the most recently appended record. audit_id is
// the append sequence, so the max id is the latest attempt; this does not
// lean on any implicit row ordering of the store.
func (c *Client) LatestAuditPerEvent(ctx context.Context) ([]models.AuditRecord, error) {
	query := `
		SELECT a.audit_id, a.enriched_event_id, a.final_confidence, a.error_message, a.created_at
		FROM enrichment_audit_trail a
		JOIN (
			SELECT enriched_event_id, MAX(audit_id) AS latest_id
			FROM enrichment_audit_trail
			GROUP BY enriched_event_id
		) latest ON a.audit_id = latest.latest_id
		ORDER BY a.audit_id DESC
	`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest audit records: %w", err)
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var createdAt int64
		if err := rows.Scan(&rec.AuditID, &rec.EnrichedEventID, &rec.FinalConfidence, &rec.ErrorMessage, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		records = append(records, rec)
	}

	return records, rows.Err()
}

// ExtractionFailureCandidate pairs a failed enriched event with the raw
// event that needs a second extraction pass.
type ExtractionFailureCandidate struct {
	EnrichedEventID string
	RawEventID      string
	SourceURL       string
	FailedAt        time.Time
}

// ListExtractionFailureCandidates returns, most recent failure first, the
// enriched events whose latest ledger entry carries confidence 0.0 and the
// extraction-failure signature, restricted to active events whose raw
// event still has a source URL. Optionally bounded to one month window.
func (c *Client) ListExtractionFailureCandidates(ctx context.Context, year int, month time.Month) ([]ExtractionFailureCandidate, error) {
	query := `
		SELECT a.enriched_event_id, e.raw_event_id, r.source_url, a.created_at
		FROM enrichment_audit_trail a
		JOIN (
			SELECT enriched_event_id, MAX(audit_id) AS latest_id
			FROM enrichment_audit_trail
			GROUP BY enriched_event_id
		) latest ON a.audit_id = latest.latest_id
		JOIN enriched_events e ON e.enriched_event_id = a.enriched_event_id
		JOIN raw_events r ON r.raw_event_id = e.raw_event_id
		WHERE a.final_confidence = 0.0
		  AND a.error_message = ?
		  AND e.status = ?
		  AND r.source_url != ''
	`

	args := []interface{}{models.InsufficientContentMessage, models.StatusActive}

	if year != 0 {
		start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, 0)
		query += ` AND r.discovered_at >= ? AND r.discovered_at < ?`
		args = append(args, start.Unix(), end.Unix())
	}

	query += ` ORDER BY a.audit_id DESC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query extraction failure candidates: %w", err)
	}
	defer rows.Close()

	var candidates []ExtractionFailureCandidate
	for rows.Next() {
		var cand ExtractionFailureCandidate
		var failedAt int64
		if err := rows.Scan(&cand.EnrichedEventID, &cand.RawEventID, &cand.SourceURL, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		cand.FailedAt = time.Unix(failedAt, 0).UTC()
		candidates = append(candidates, cand)
	}

	return candidates, rows.Err()
}
