package store

import (
	"context"
	"sort"
	"strconv"
	"time"

	internalerrors "github.com/meshmon/meshmon/internal/errors"
	"github.com/meshmon/meshmon/internal/models"
)

// TopologyNode is one agent annotated with its depth in the tree.
type TopologyNode struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	ParentID      string              `json:"parentId,omitempty"`
	Status        models.AgentStatus  `json:"status"`
	Health        models.HealthStatus `json:"healthStatus"`
	Level         int                 `json:"level"` // -1 for unreachable or cyclic nodes
	IsRoot        bool                `json:"isRoot"`
	LastHeartbeat *time.Time          `json:"lastHeartbeat,omitempty"`
}

// Topology is the full cluster tree grouped by depth.
type Topology struct {
	Nodes  []TopologyNode      `json:"nodes"`
	Levels map[string][]string `json:"levels"` // "L0" -> root ids, "L1" -> ..., "unknown" -> broken
}

// Overview summarizes cluster-wide agent and activity state.
type Overview struct {
	TotalAgents     int `json:"totalAgents"`
	OnlineAgents    int `json:"onlineAgents"`
	OfflineAgents   int `json:"offlineAgents"`
	Healthy         int `json:"healthy"`
	Warning         int `json:"warning"`
	Critical        int `json:"critical"`
	Unknown         int `json:"unknown"`
	ReportsLastHour int `json:"reportsLastHour"`
}

// GetTopology builds the full cluster tree. Node depth is the distance to
// its root; nodes with a missing parent or a parent cycle get level -1 and
// are grouped under "unknown".
func (s *Store) GetTopology(ctx context.Context) (*Topology, error) {
	agents, err := s.ListAgents(ctx, AgentFilter{})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.Agent, len(agents))
	for _, agent := range agents {
		byID[agent.ID] = agent
	}

	levels := make(map[string]int, len(agents))
	var levelOf func(id string, seen map[string]bool) int
	levelOf = func(id string, seen map[string]bool) int {
		if lvl, ok := levels[id]; ok {
			return lvl
		}
		if seen[id] {
			// parent cycle
			return -1
		}
		seen[id] = true
		agent, ok := byID[id]
		if !ok {
			return -1
		}
		if agent.ParentID == "" {
			levels[id] = 0
			return 0
		}
		parentLevel := levelOf(agent.ParentID, seen)
		if parentLevel < 0 {
			levels[id] = -1
			return -1
		}
		levels[id] = parentLevel + 1
		return parentLevel + 1
	}

	topo := &Topology{Levels: make(map[string][]string)}
	for _, agent := range agents {
		level := levelOf(agent.ID, map[string]bool{})
		topo.Nodes = append(topo.Nodes, TopologyNode{
			ID:            agent.ID,
			Name:          agent.Name,
			ParentID:      agent.ParentID,
			Status:        agent.Status,
			Health:        agent.Health,
			Level:         level,
			IsRoot:        agent.ParentID == "",
			LastHeartbeat: agent.LastHeartbeat,
		})

		key := "unknown"
		if level >= 0 {
			key = "L" + strconv.Itoa(level)
		}
		topo.Levels[key] = append(topo.Levels[key], agent.ID)
	}

	sort.Slice(topo.Nodes, func(i, j int) bool { return topo.Nodes[i].ID < topo.Nodes[j].ID })
	for _, ids := range topo.Levels {
		sort.Strings(ids)
	}
	return topo, nil
}

// GetOverview returns cluster-wide counters.
func (s *Store) GetOverview(ctx context.Context) (*Overview, error) {
	agents, err := s.ListAgents(ctx, AgentFilter{})
	if err != nil {
		return nil, err
	}

	ov := &Overview{TotalAgents: len(agents)}
	for _, agent := range agents {
		if agent.Status == models.AgentOnline {
			ov.OnlineAgents++
		} else {
			ov.OfflineAgents++
		}
		switch agent.Health {
		case models.HealthHealthy:
			ov.Healthy++
		case models.HealthWarning:
			ov.Warning++
		case models.HealthCritical:
			ov.Critical++
		default:
			ov.Unknown++
		}
	}

	count, err := s.CountReportsSince(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		return nil, internalerrors.Internal("overview", err)
	}
	ov.ReportsLastHour = count
	return ov, nil
}
