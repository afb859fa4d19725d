package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	internalerrors "github.com/meshmon/meshmon/internal/errors"
	"github.com/meshmon/meshmon/internal/models"
)

// AgentFilter narrows ListAgents results. Empty fields match everything.
type AgentFilter struct {
	Status models.AgentStatus
	Health models.HealthStatus
}

// UpsertAgent registers a new agent or updates an existing registration in
// place. Status and heartbeat are preserved on re-registration.
func (s *Store) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	now := time.Now().UTC()
	metadata, err := marshalJSON(agent.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode agent metadata: %w", err)
	}

	rows, err := s.execRowsAffected(ctx, `
		UPDATE agents SET name = ?, parent_id = ?, api_key = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		agent.Name, agent.ParentID, agent.APIKey, metadata, now.Unix(), agent.ID)
	if err != nil {
		return internalerrors.Internal("upsert_agent", err)
	}
	if rows > 0 {
		agent.UpdatedAt = now
		return nil
	}

	if agent.Status == "" {
		agent.Status = models.AgentOffline
	}
	if agent.Health == "" {
		agent.Health = models.HealthUnknown
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, parent_id, api_key, status, health, last_heartbeat, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, agent.ParentID, agent.APIKey, string(agent.Status),
		string(agent.Health), toUnix(agent.LastHeartbeat), metadata, now.Unix(), now.Unix())
	if err != nil {
		return internalerrors.Internal("insert_agent", err)
	}
	agent.CreatedAt = now
	agent.UpdatedAt = now
	return nil
}

// GetAgent fetches one agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, parent_id, api_key, status, health, last_heartbeat, metadata, created_at, updated_at
		FROM agents WHERE id = ?`, id)

	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, internalerrors.NotFound("get_agent", id)
	}
	if err != nil {
		return nil, internalerrors.Internal("get_agent", err)
	}
	return agent, nil
}

// ListAgents returns agents matching the filter, newest registration first.
func (s *Store) ListAgents(ctx context.Context, filter AgentFilter) ([]*models.Agent, error) {
	query := `
		SELECT id, name, parent_id, api_key, status, health, last_heartbeat, metadata, created_at, updated_at
		FROM agents WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Health != "" {
		query += " AND health = ?"
		args = append(args, string(filter.Health))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, internalerrors.Internal("list_agents", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, internalerrors.Internal("list_agents", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// ListChildren returns the agents whose parent is the given id.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, parent_id, api_key, status, health, last_heartbeat, metadata, created_at, updated_at
		FROM agents WHERE parent_id = ? ORDER BY id`, parentID)
	if err != nil {
		return nil, internalerrors.Internal("list_children", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, internalerrors.Internal("list_children", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent registration. Deregistration is explicit;
// nothing else ever deletes an agent row.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	rows, err := s.execRowsAffected(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return internalerrors.Internal("delete_agent", err)
	}
	if rows == 0 {
		return internalerrors.NotFound("delete_agent", id)
	}
	return nil
}

// TouchHeartbeat records a fresh heartbeat: sets the agent online, stamps
// last_heartbeat, and optionally updates reported health.
func (s *Store) TouchHeartbeat(ctx context.Context, id string, at time.Time, health models.HealthStatus) error {
	query := `UPDATE agents SET status = ?, last_heartbeat = ?, updated_at = ?`
	args := []any{string(models.AgentOnline), at.Unix(), time.Now().UTC().Unix()}
	if health != "" {
		query += ", health = ?"
		args = append(args, string(health))
	}
	query += " WHERE id = ?"
	args = append(args, id)

	rows, err := s.execRowsAffected(ctx, query, args...)
	if err != nil {
		return internalerrors.Internal("touch_heartbeat", err)
	}
	if rows == 0 {
		return internalerrors.NotFound("touch_heartbeat", id)
	}
	return nil
}

// ListStaleOnlineAgents returns online agents whose last heartbeat is older
// than cutoff (or missing entirely).
func (s *Store) ListStaleOnlineAgents(ctx context.Context, cutoff time.Time) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, parent_id, api_key, status, health, last_heartbeat, metadata, created_at, updated_at
		FROM agents
		WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		string(models.AgentOnline), cutoff.Unix())
	if err != nil {
		return nil, internalerrors.Internal("list_stale_agents", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, internalerrors.Internal("list_stale_agents", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// MarkAgentOffline flips an agent offline only if it is still online with
// the heartbeat we observed. A concurrent fresh heartbeat changes
// last_heartbeat and makes this a no-op, so a live agent is never knocked
// offline by a stale scan. Returns true if the flip happened.
func (s *Store) MarkAgentOffline(ctx context.Context, id string, observedHeartbeat *time.Time) (bool, error) {
	var (
		rows int64
		err  error
	)
	now := time.Now().UTC().Unix()
	if observedHeartbeat == nil {
		rows, err = s.execRowsAffected(ctx, `
			UPDATE agents SET status = ?, updated_at = ?
			WHERE id = ? AND status = ? AND last_heartbeat IS NULL`,
			string(models.AgentOffline), now, id, string(models.AgentOnline))
	} else {
		rows, err = s.execRowsAffected(ctx, `
			UPDATE agents SET status = ?, updated_at = ?
			WHERE id = ? AND status = ? AND last_heartbeat = ?`,
			string(models.AgentOffline), now, id, string(models.AgentOnline), observedHeartbeat.Unix())
	}
	if err != nil {
		return false, internalerrors.Internal("mark_agent_offline", err)
	}
	return rows > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		agent         models.Agent
		status        string
		health        string
		lastHeartbeat sql.NullInt64
		metadata      sql.NullString
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(&agent.ID, &agent.Name, &agent.ParentID, &agent.APIKey,
		&status, &health, &lastHeartbeat, &metadata, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	agent.Status = models.AgentStatus(status)
	agent.Health = models.HealthStatus(health)
	agent.LastHeartbeat = fromUnix(lastHeartbeat)
	agent.CreatedAt = time.Unix(createdAt, 0).UTC()
	agent.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if err := unmarshalJSON(metadata, &agent.Metadata); err != nil {
		return nil, err
	}
	return &agent, nil
}
