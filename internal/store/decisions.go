package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	internalerrors "github.com/meshmon/meshmon/internal/errors"
	"github.com/meshmon/meshmon/internal/models"
)

// DecisionFilter narrows ListDecisions results.
type DecisionFilter struct {
	AgentID string
	Status  models.DecisionStatus
	Limit   int
	Offset  int
}

// InsertDecision persists a freshly adjudicated decision.
func (s *Store) InsertDecision(ctx context.Context, d *models.Decision) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (agent_id, issue_type, issue_description, proposed_action,
			rationale, analysis, status, created_at, executed_at, execution_result, forwarded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.AgentID, d.IssueType, d.IssueDescription, d.ProposedAction,
		d.Rationale, d.Analysis, string(d.Status), now.Unix(),
		toUnix(d.ExecutedAt), d.ExecutionResult, toUnix(d.ForwardedAt))
	if err != nil {
		return internalerrors.Internal("insert_decision", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return internalerrors.Internal("insert_decision", err)
	}
	d.ID = id
	d.CreatedAt = now
	return nil
}

// GetDecision fetches one decision by id.
func (s *Store) GetDecision(ctx context.Context, id int64) (*models.Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, issue_type, issue_description, proposed_action,
			rationale, analysis, status, created_at, executed_at, execution_result, forwarded_at
		FROM decisions WHERE id = ?`, id)

	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, internalerrors.NotFound("get_decision", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, internalerrors.Internal("get_decision", err)
	}
	return d, nil
}

// ListDecisions returns decisions matching the filter, newest first.
func (s *Store) ListDecisions(ctx context.Context, filter DecisionFilter) ([]*models.Decision, error) {
	query := `
		SELECT id, agent_id, issue_type, issue_description, proposed_action,
			rationale, analysis, status, created_at, executed_at, execution_result, forwarded_at
		FROM decisions WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, internalerrors.Internal("list_decisions", err)
	}
	defer rows.Close()

	var decisions []*models.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, internalerrors.Internal("list_decisions", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// UpdateDecision writes back the mutable decision fields: status, execution
// timestamps and result. The state machine itself is enforced by the
// decision engine before this is called.
func (s *Store) UpdateDecision(ctx context.Context, d *models.Decision) error {
	rows, err := s.execRowsAffected(ctx, `
		UPDATE decisions SET status = ?, executed_at = ?, execution_result = ?, rationale = ?, analysis = ?
		WHERE id = ?`,
		string(d.Status), toUnix(d.ExecutedAt), d.ExecutionResult, d.Rationale, d.Analysis, d.ID)
	if err != nil {
		return internalerrors.Internal("update_decision", err)
	}
	if rows == 0 {
		return internalerrors.NotFound("update_decision", strconv.FormatInt(d.ID, 10))
	}
	return nil
}

// MarkDecisionForwarded stamps the decision as relayed upstream. Stamping an
// already-forwarded decision is a no-op, which keeps retries idempotent on
// our side.
func (s *Store) MarkDecisionForwarded(ctx context.Context, id int64, at time.Time) error {
	_, err := s.execRowsAffected(ctx, `
		UPDATE decisions SET forwarded_at = ? WHERE id = ? AND forwarded_at IS NULL`,
		at.Unix(), id)
	if err != nil {
		return internalerrors.Internal("mark_decision_forwarded", err)
	}
	return nil
}

func scanDecision(row rowScanner) (*models.Decision, error) {
	var (
		d           models.Decision
		status      string
		createdAt   int64
		executedAt  sql.NullInt64
		forwardedAt sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.AgentID, &d.IssueType, &d.IssueDescription, &d.ProposedAction,
		&d.Rationale, &d.Analysis, &status, &createdAt, &executedAt, &d.ExecutionResult, &forwardedAt)
	if err != nil {
		return nil, err
	}
	d.Status = models.DecisionStatus(status)
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	d.ExecutedAt = fromUnix(executedAt)
	d.ForwardedAt = fromUnix(forwardedAt)
	return &d, nil
}
