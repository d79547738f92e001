package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cyberwatch/pipeline/internal/storage/models"
	"github.com/cyberwatch/pipeline/pkg/logger"
)

// UpsertDeduplicatedEvent writes a canonical event and its membership set
// in one transaction. Existing rows are updated in place so repeated
// deduplication passes never duplicate canonical events. Membership rows
// are INSERT OR IGNOREd: the UNIQUE constraint on enriched_event_id keeps
// each enriched event in at most one deduplicated event.
func (c *Client) UpsertDeduplicatedEvent(ctx context.Context, ev *models.DeduplicatedEvent, memberIDs []string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO deduplicated_events (
			deduplicated_event_id, title, description, summary, event_type, severity,
			event_date, records_affected, confidence_score, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(deduplicated_event_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			summary = excluded.summary,
			event_type = excluded.event_type,
			severity = excluded.severity,
			event_date = excluded.event_date,
			records_affected = excluded.records_affected,
			confidence_score = excluded.confidence_score,
			updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, query,
		ev.ID,
		ev.Title,
		ev.Description,
		ev.Summary,
		ev.EventType,
		ev.Severity,
		nullableUnix(ev.EventDate),
		nullableInt(ev.RecordsAffected),
		ev.ConfidenceScore,
		ev.CreatedAt.Unix(),
		ev.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert deduplicated event: %w", err)
	}

	for _, memberID := range memberIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO deduplicated_event_members (deduplicated_event_id, enriched_event_id) VALUES (?, ?)`,
			ev.ID, memberID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert membership: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deduplicated event: %w", err)
	}

	logger.Debug("deduplicated event upserted",
		zap.String("deduplicated_event_id", ev.ID),
		zap.Int("members", len(memberIDs)),
	)
	return nil
}

const dedupColumns = `
	deduplicated_event_id, title, description, summary, event_type, severity,
	event_date, records_affected, confidence_score, created_at, updated_at
`

func scanDedup(scan func(dest ...interface{}) error) (*models.DeduplicatedEvent, error) {
	var ev models.DeduplicatedEvent
	var eventDate, recordsAffected sql.NullInt64
	var createdAt, updatedAt int64

	err := scan(
		&ev.ID, &ev.Title, &ev.Description, &ev.Summary, &ev.EventType, &ev.Severity,
		&eventDate, &recordsAffected, &ev.ConfidenceScore, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.EventDate = timeFromNull(eventDate)
	ev.RecordsAffected = intFromNull(recordsAffected)
	ev.CreatedAt = time.Unix(createdAt, 0).UTC()
	ev.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &ev, nil
}

func (c *Client) GetDeduplicatedEvent(ctx context.Context, id string) (*models.DeduplicatedEvent, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+dedupColumns+` FROM deduplicated_events WHERE deduplicated_event_id = ?`, id)

	ev, err := scanDedup(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("failed to get deduplicated event: %w", err)
	}
	return ev, nil
}

func (c *Client) ListDeduplicatedEvents(ctx context.Context) ([]models.DeduplicatedEvent, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+dedupColumns+` FROM deduplicated_events ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list deduplicated events: %w", err)
	}
	defer rows.Close()

	var events []models.DeduplicatedEvent
	for rows.Next() {
		ev, err := scanDedup(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		events = append(events, *ev)
	}

	return events, rows.Err()
}

func (c *Client) GetDeduplicatedEventMembers(ctx context.Context, dedupID string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT enriched_event_id FROM deduplicated_event_members WHERE deduplicated_event_id = ? ORDER BY enriched_event_id`,
		dedupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		members = append(members, id)
	}

	return members, rows.Err()
}

// GetMembership returns the deduplicated event id an enriched event
// belongs to, or "" when it has not been merged yet.
func (c *Client) GetMembership(ctx context.Context, enrichedEventID string) (string, error) {
	var dedupID string
	err := c.db.QueryRowContext(ctx,
		`SELECT deduplicated_event_id FROM deduplicated_event_members WHERE enriched_event_id = ?`,
		enrichedEventID).Scan(&dedupID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get membership: %w", err)
	}
	return dedupID, nil
}

// UpsertRiskClassification stores the single classification for a
// deduplicated event. Re-classification replaces the previous assessment
// and bumps updated_at; created_at and the row identity are preserved.
func (c *Client) UpsertRiskClassification(ctx context.Context, rc *models.RiskClassification) error {
	if err := rc.Validate(); err != nil {
		return err
	}

	reasoningJSON, err := json.Marshal(rc.Reasoning)
	if err != nil {
		return fmt.Errorf("failed to marshal reasoning: %w", err)
	}

	query := `
		INSERT INTO asd_risk_classifications (
			classification_id, deduplicated_event_id, severity_category,
			primary_stakeholder_category, impact_type, reasoning_json,
			confidence_score, model_used, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(classification_id) DO UPDATE SET
			severity_category = excluded.severity_category,
			primary_stakeholder_category = excluded.primary_stakeholder_category,
			impact_type = excluded.impact_type,
			reasoning_json = excluded.reasoning_json,
			confidence_score = excluded.confidence_score,
			model_used = excluded.model_used,
			updated_at = excluded.updated_at
		ON CONFLICT(deduplicated_event_id) DO UPDATE SET
			severity_category = excluded.severity_category,
			primary_stakeholder_category = excluded.primary_stakeholder_category,
			impact_type = excluded.impact_type,
			reasoning_json = excluded.reasoning_json,
			confidence_score = excluded.confidence_score,
			model_used = excluded.model_used,
			updated_at = excluded.updated_at
	`

	_, err = c.db.ExecContext(ctx, query,
		rc.ID,
		rc.DeduplicatedEventID,
		rc.SeverityCategory,
		rc.PrimaryStakeholderCategory,
		rc.ImpactType,
		string(reasoningJSON),
		rc.ConfidenceScore,
		rc.ModelUsed,
		rc.CreatedAt.Unix(),
		rc.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert risk classification: %w", err)
	}

	logger.Debug("risk classification upserted",
		zap.String("deduplicated_event_id", rc.DeduplicatedEventID),
		zap.String("severity", string(rc.SeverityCategory)),
	)
	return nil
}

func (c *Client) GetRiskClassification(ctx context.Context, dedupID string) (*models.RiskClassification, error) {
	query := `
		SELECT classification_id, deduplicated_event_id, severity_category,
			primary_stakeholder_category, impact_type, reasoning_json,
			confidence_score, model_used, created_at, updated_at
		FROM asd_risk_classifications WHERE deduplicated_event_id = ?
	`

	var rc models.RiskClassification
	var reasoningJSON string
	var createdAt, updatedAt int64

	err := c.db.QueryRowContext(ctx, query, dedupID).Scan(
		&rc.ID, &rc.DeduplicatedEventID, &rc.SeverityCategory,
		&rc.PrimaryStakeholderCategory, &rc.ImpactType, &reasoningJSON,
		&rc.ConfidenceScore, &rc.ModelUsed, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk classification: %w", err)
	}

	if err := json.Unmarshal([]byte(reasoningJSON), &rc.Reasoning); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reasoning: %w", err)
	}
	rc.CreatedAt = time.Unix(createdAt, 0).UTC()
	rc.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rc, nil
}
