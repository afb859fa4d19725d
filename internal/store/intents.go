package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	internalerrors "github.com/meshmon/meshmon/internal/errors"
	"github.com/meshmon/meshmon/internal/models"
)

// IntentFilter narrows ListIntents results.
type IntentFilter struct {
	AgentID  string
	Type     models.IntentType
	Level    models.IssueLevel
	Category string
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// InsertIntent appends one record to the intent ledger.
func (s *Store) InsertIntent(ctx context.Context, rec *models.IntentRecord) error {
	metadata, err := marshalJSON(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode intent metadata: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO intent_records (agent_id, type, level, category, description, metadata, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AgentID, string(rec.Type), string(rec.Level), rec.Category,
		rec.Description, metadata, rec.Status, now.Unix())
	if err != nil {
		return internalerrors.Internal("insert_intent", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return internalerrors.Internal("insert_intent", err)
	}
	rec.ID = id
	rec.CreatedAt = now
	return nil
}

// UpdateIntentStatus mutates the status field of a ledger entry in place.
// The record body is never rewritten.
func (s *Store) UpdateIntentStatus(ctx context.Context, id int64, status string) error {
	rows, err := s.execRowsAffected(ctx,
		`UPDATE intent_records SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return internalerrors.Internal("update_intent_status", err)
	}
	if rows == 0 {
		return internalerrors.NotFound("update_intent_status", strconv.FormatInt(id, 10))
	}
	return nil
}

// ListIntents returns ledger entries matching the filter, newest first.
func (s *Store) ListIntents(ctx context.Context, filter IntentFilter) ([]*models.IntentRecord, error) {
	query := `
		SELECT id, agent_id, type, level, category, description, metadata, status, created_at
		FROM intent_records WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Level != "" {
		query += " AND level = ?"
		args = append(args, string(filter.Level))
	}
	if filter.Category != "" {
		query += " AND category LIKE ?"
		args = append(args, "%"+filter.Category+"%")
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.Unix())
	}
	if !filter.Until.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, filter.Until.Unix())
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, internalerrors.Internal("list_intents", err)
	}
	defer rows.Close()

	var records []*models.IntentRecord
	for rows.Next() {
		rec, err := scanIntent(rows)
		if err != nil {
			return nil, internalerrors.Internal("list_intents", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PruneIntents deletes ledger entries older than cutoff. Retention cleanup
// is the only path that ever removes intent records.
func (s *Store) PruneIntents(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := s.execRowsAffected(ctx,
		`DELETE FROM intent_records WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, internalerrors.Internal("prune_intents", err)
	}
	return rows, nil
}

func scanIntent(row rowScanner) (*models.IntentRecord, error) {
	var (
		rec       models.IntentRecord
		recType   string
		level     string
		metadata  sql.NullString
		createdAt int64
	)
	err := row.Scan(&rec.ID, &rec.AgentID, &recType, &level, &rec.Category,
		&rec.Description, &metadata, &rec.Status, &createdAt)
	if err != nil {
		return nil, err
	}
	rec.Type = models.IntentType(recType)
	rec.Level = models.IssueLevel(level)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	if err := unmarshalJSON(metadata, &rec.Metadata); err != nil {
		return nil, err
	}
	return &rec, nil
}
