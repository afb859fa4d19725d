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

// InsertReport stores one inspection report. Reports are append-only and
// never updated after this call.
func (s *Store) InsertReport(ctx context.Context, report *models.Report) error {
	metrics, err := marshalJSON(report.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode report metrics: %w", err)
	}
	issues, err := marshalJSON(report.Issues)
	if err != nil {
		return fmt.Errorf("failed to encode report issues: %w", err)
	}
	actions, err := marshalJSON(report.ActionsTaken)
	if err != nil {
		return fmt.Errorf("failed to encode report actions: %w", err)
	}
	metadata, err := marshalJSON(report.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode report metadata: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (agent_id, timestamp, status, metrics, issues, actions_taken, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		report.AgentID, report.Timestamp.Unix(), string(report.Status),
		metrics, issues, actions, metadata, now.Unix())
	if err != nil {
		return internalerrors.Internal("insert_report", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return internalerrors.Internal("insert_report", err)
	}
	report.ID = id
	report.CreatedAt = now
	return nil
}

// GetReport fetches one stored report by id.
func (s *Store) GetReport(ctx context.Context, id int64) (*models.Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, timestamp, status, metrics, issues, actions_taken, metadata, created_at
		FROM reports WHERE id = ?`, id)

	report, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, internalerrors.NotFound("get_report", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, internalerrors.Internal("get_report", err)
	}
	return report, nil
}

// RecentReports returns the newest reports for an agent, most recent first.
// Used by the decision engine to assemble adjudication context.
func (s *Store) RecentReports(ctx context.Context, agentID string, limit int) ([]*models.Report, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, timestamp, status, metrics, issues, actions_taken, metadata, created_at
		FROM reports WHERE agent_id = ?
		ORDER BY timestamp DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, internalerrors.Internal("recent_reports", err)
	}
	defer rows.Close()

	var reports []*models.Report
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, internalerrors.Internal("recent_reports", err)
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

// CountReportsSince returns the number of reports received since cutoff.
func (s *Store) CountReportsSince(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reports WHERE timestamp >= ?`, cutoff.Unix()).Scan(&count)
	if err != nil {
		return 0, internalerrors.Internal("count_reports", err)
	}
	return count, nil
}

// PruneReports deletes reports older than cutoff and returns how many were
// removed. Retention policy is driven by the caller.
func (s *Store) PruneReports(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := s.execRowsAffected(ctx, `DELETE FROM reports WHERE timestamp < ?`, cutoff.Unix())
	if err != nil {
		return 0, internalerrors.Internal("prune_reports", err)
	}
	return rows, nil
}

func scanReport(row rowScanner) (*models.Report, error) {
	var (
		report    models.Report
		timestamp int64
		status    string
		metrics   sql.NullString
		issues    sql.NullString
		actions   sql.NullString
		metadata  sql.NullString
		createdAt int64
	)
	err := row.Scan(&report.ID, &report.AgentID, &timestamp, &status,
		&metrics, &issues, &actions, &metadata, &createdAt)
	if err != nil {
		return nil, err
	}
	report.Timestamp = time.Unix(timestamp, 0).UTC()
	report.Status = models.HealthStatus(status)
	report.CreatedAt = time.Unix(createdAt, 0).UTC()
	if err := unmarshalJSON(metrics, &report.Metrics); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(issues, &report.Issues); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(actions, &report.ActionsTaken); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &report.Metadata); err != nil {
		return nil, err
	}
	return &report, nil
}
