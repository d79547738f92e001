package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/cyberwatch/pipeline/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	// DSN options so every pooled connection gets foreign keys, WAL and a
	// busy timeout, not just the one that runs a PRAGMA.
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	logger.Info("sqlite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS raw_events (
		raw_event_id TEXT PRIMARY KEY,
		raw_title TEXT NOT NULL,
		source_url TEXT NOT NULL,
		raw_content TEXT,
		discovered_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_raw_events_discovered ON raw_events(discovered_at);

	CREATE TABLE IF NOT EXISTS enriched_events (
		enriched_event_id TEXT PRIMARY KEY,
		raw_event_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		event_date INTEGER,
		records_affected INTEGER,
		is_australian_event INTEGER NOT NULL DEFAULT 0,
		is_specific_event INTEGER NOT NULL DEFAULT 0,
		confidence_score REAL NOT NULL,
		australian_relevance_score REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (raw_event_id) REFERENCES raw_events(raw_event_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_enriched_raw ON enriched_events(raw_event_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_enriched_active_raw
		ON enriched_events(raw_event_id) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS enrichment_audit_trail (
		audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
		enriched_event_id TEXT NOT NULL,
		final_confidence REAL NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (enriched_event_id) REFERENCES enriched_events(enriched_event_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_audit_event ON enrichment_audit_trail(enriched_event_id);

	CREATE TABLE IF NOT EXISTS deduplicated_events (
		deduplicated_event_id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		event_date INTEGER,
		records_affected INTEGER,
		confidence_score REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deduplicated_event_members (
		deduplicated_event_id TEXT NOT NULL,
		enriched_event_id TEXT NOT NULL UNIQUE,
		FOREIGN KEY (deduplicated_event_id) REFERENCES deduplicated_events(deduplicated_event_id) ON DELETE CASCADE,
		FOREIGN KEY (enriched_event_id) REFERENCES enriched_events(enriched_event_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_members_dedup ON deduplicated_event_members(deduplicated_event_id);

	CREATE TABLE IF NOT EXISTS asd_risk_classifications (
		classification_id TEXT PRIMARY KEY,
		deduplicated_event_id TEXT NOT NULL UNIQUE,
		severity_category TEXT NOT NULL,
		primary_stakeholder_category TEXT NOT NULL,
		impact_type TEXT NOT NULL,
		reasoning_json TEXT NOT NULL DEFAULT '{}',
		confidence_score REAL NOT NULL,
		model_used TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (deduplicated_event_id) REFERENCES deduplicated_events(deduplicated_event_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS months_processed (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		is_processed INTEGER NOT NULL DEFAULT 0,
		processed_at INTEGER,
		total_raw_events INTEGER NOT NULL DEFAULT 0,
		total_enriched_events INTEGER NOT NULL DEFAULT 0,
		processing_notes TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE(year, month)
	);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("sqlite schema initialized")
	return nil
}

// IsConstraintViolation reports whether err is a uniqueness or foreign-key
// violation. Concurrent workers hitting the same raw event surface as
// these; callers treat them as "someone else claimed it", not failures.
func IsConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
