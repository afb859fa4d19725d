// Package store provides persistent storage for the monitoring mesh using
// SQLite for durability across restarts. It holds the five logical tables:
// agents, reports, decisions, alerts and intent_records.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at dbPath and bootstraps
// the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// WAL mode for concurrent readers alongside the single writer.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("Store initialized")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			api_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			health TEXT NOT NULL DEFAULT 'unknown',
			last_heartbeat INTEGER,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agents_parent ON agents(parent_id);
		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			status TEXT NOT NULL,
			metrics TEXT,
			issues TEXT,
			actions_taken TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_reports_agent_time ON reports(agent_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_reports_time ON reports(timestamp);

		CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			issue_type TEXT NOT NULL,
			issue_description TEXT NOT NULL,
			proposed_action TEXT NOT NULL DEFAULT '',
			rationale TEXT NOT NULL DEFAULT '',
			analysis TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			executed_at INTEGER,
			execution_result TEXT NOT NULL DEFAULT '',
			forwarded_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_decisions_agent ON decisions(agent_id);
		CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status);
		CREATE INDEX IF NOT EXISTS idx_decisions_time ON decisions(created_at);

		CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			level TEXT NOT NULL,
			type TEXT NOT NULL,
			description TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'new',
			details TEXT,
			created_at INTEGER NOT NULL,
			acknowledged_at INTEGER,
			acknowledged_by TEXT NOT NULL DEFAULT '',
			resolved_at INTEGER,
			notes TEXT NOT NULL DEFAULT '',
			forwarded_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_agent_type ON alerts(agent_id, type);
		CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
		CREATE INDEX IF NOT EXISTS idx_alerts_time ON alerts(created_at);

		CREATE TABLE IF NOT EXISTS intent_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			type TEXT NOT NULL,
			level TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL,
			description TEXT NOT NULL,
			metadata TEXT,
			status TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_intents_agent ON intent_records(agent_id);
		CREATE INDEX IF NOT EXISTS idx_intents_type ON intent_records(type);
		CREATE INDEX IF NOT EXISTS idx_intents_time ON intent_records(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// marshalJSON serializes v for a TEXT column, mapping empty values to NULL.
func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	str := string(data)
	if str == "null" || str == "{}" || str == "[]" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: str, Valid: true}, nil
}

// unmarshalJSON decodes a TEXT column into out, leaving out untouched for NULL.
func unmarshalJSON(col sql.NullString, out any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), out)
}

// toUnix converts an optional time pointer to a nullable column value.
func toUnix(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

// fromUnix converts a nullable column back to an optional UTC time.
func fromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// execRowsAffected runs stmt and returns the affected row count.
func (s *Store) execRowsAffected(ctx context.Context, stmt string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
