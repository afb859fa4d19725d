package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	internalerrors "github.com/meshmon/meshmon/internal/errors"
	"github.com/meshmon/meshmon/internal/models"
)

// AlertFilter narrows ListAlerts results.
type AlertFilter struct {
	AgentID  string
	Level    models.IssueLevel
	Status   models.AlertStatus
	Severity models.Severity
	Limit    int
	Offset   int
}

// InsertAlert persists a new alert with status "new".
func (s *Store) InsertAlert(ctx context.Context, a *models.Alert) error {
	details, err := marshalJSON(a.Details)
	if err != nil {
		return fmt.Errorf("failed to encode alert details: %w", err)
	}
	if a.Status == "" {
		a.Status = models.AlertNew
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (agent_id, level, type, description, severity, status, details,
			created_at, acknowledged_at, acknowledged_by, resolved_at, notes, forwarded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AgentID, string(a.Level), a.Type, a.Description, string(a.Severity), string(a.Status),
		details, now.Unix(), toUnix(a.AcknowledgedAt), a.AcknowledgedBy,
		toUnix(a.ResolvedAt), a.Notes, toUnix(a.ForwardedAt))
	if err != nil {
		return internalerrors.Internal("insert_alert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return internalerrors.Internal("insert_alert", err)
	}
	a.ID = id
	a.CreatedAt = now
	return nil
}

// GetAlert fetches one alert by id.
func (s *Store) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, level, type, description, severity, status, details,
			created_at, acknowledged_at, acknowledged_by, resolved_at, notes, forwarded_at
		FROM alerts WHERE id = ?`, id)

	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, internalerrors.NotFound("get_alert", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, internalerrors.Internal("get_alert", err)
	}
	return a, nil
}

// ListAlerts returns alerts matching the filter, newest first.
func (s *Store) ListAlerts(ctx context.Context, filter AlertFilter) ([]*models.Alert, error) {
	query := `
		SELECT id, agent_id, level, type, description, severity, status, details,
			created_at, acknowledged_at, acknowledged_by, resolved_at, notes, forwarded_at
		FROM alerts WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.Level != "" {
		query += " AND level = ?"
		args = append(args, string(filter.Level))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(filter.Severity))
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, internalerrors.Internal("list_alerts", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, internalerrors.Internal("list_alerts", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// FindOpenAlert returns the most recent unresolved alert of the given type
// for the agent created at or after cutoff, or nil when none exists. This
// is the deduplication probe.
func (s *Store) FindOpenAlert(ctx context.Context, agentID, alertType string, cutoff time.Time) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, level, type, description, severity, status, details,
			created_at, acknowledged_at, acknowledged_by, resolved_at, notes, forwarded_at
		FROM alerts
		WHERE agent_id = ? AND type = ? AND status IN (?, ?) AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`,
		agentID, alertType, string(models.AlertNew), string(models.AlertAcknowledged), cutoff.Unix())

	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, internalerrors.Internal("find_open_alert", err)
	}
	return a, nil
}

// UpdateAlert writes back the mutable alert fields: status, acknowledgement,
// resolution and notes. The state machine is enforced by the aggregator.
func (s *Store) UpdateAlert(ctx context.Context, a *models.Alert) error {
	rows, err := s.execRowsAffected(ctx, `
		UPDATE alerts SET status = ?, acknowledged_at = ?, acknowledged_by = ?, resolved_at = ?, notes = ?
		WHERE id = ?`,
		string(a.Status), toUnix(a.AcknowledgedAt), a.AcknowledgedBy,
		toUnix(a.ResolvedAt), a.Notes, a.ID)
	if err != nil {
		return internalerrors.Internal("update_alert", err)
	}
	if rows == 0 {
		return internalerrors.NotFound("update_alert", strconv.FormatInt(a.ID, 10))
	}
	return nil
}

// MarkAlertForwarded stamps the alert as relayed upstream, once.
func (s *Store) MarkAlertForwarded(ctx context.Context, id int64, at time.Time) error {
	_, err := s.execRowsAffected(ctx, `
		UPDATE alerts SET forwarded_at = ? WHERE id = ? AND forwarded_at IS NULL`,
		at.Unix(), id)
	if err != nil {
		return internalerrors.Internal("mark_alert_forwarded", err)
	}
	return nil
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var (
		a              models.Alert
		level          string
		severity       string
		status         string
		details        sql.NullString
		createdAt      int64
		acknowledgedAt sql.NullInt64
		resolvedAt     sql.NullInt64
		forwardedAt    sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.AgentID, &level, &a.Type, &a.Description, &severity, &status,
		&details, &createdAt, &acknowledgedAt, &a.AcknowledgedBy, &resolvedAt, &a.Notes, &forwardedAt)
	if err != nil {
		return nil, err
	}
	a.Level = models.IssueLevel(level)
	a.Severity = models.Severity(severity)
	a.Status = models.AlertStatus(status)
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.AcknowledgedAt = fromUnix(acknowledgedAt)
	a.ResolvedAt = fromUnix(resolvedAt)
	a.ForwardedAt = fromUnix(forwardedAt)
	if err := unmarshalJSON(details, &a.Details); err != nil {
		return nil, err
	}
	return &a, nil
}
