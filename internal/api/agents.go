package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	internalerrors "github.com/meshmon/meshmon/internal/errors"
	"github.com/meshmon/meshmon/internal/models"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/internal/utils"
)

type registerRequest struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	ParentID string         `json:"parentId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// registerResponse is the one place the issued credential leaves the
// server; the model itself never serializes it.
type registerResponse struct {
	*models.Agent
	APIKey    string `json:"apiKey"`
	ParentURL string `json:"parentUrl"`
}

// handleAgents serves GET /api/agents and POST /api/agents.
func (r *Router) handleAgents(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.listAgents(w, req)
	case http.MethodPost:
		r.registerAgent(w, req)
	default:
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (r *Router) listAgents(w http.ResponseWriter, req *http.Request) {
	filter := store.AgentFilter{
		Status: models.AgentStatus(req.URL.Query().Get("status")),
		Health: models.HealthStatus(req.URL.Query().Get("health")),
	}
	agents, err := r.store.ListAgents(req.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.WriteJSONResponse(w, map[string]any{"agents": agents, "count": len(agents)})
}

// registerAgent creates or re-registers an agent. Re-registration with
// an existing id updates name, parent and metadata but keeps the
// agent's liveness state.
func (r *Router) registerAgent(w http.ResponseWriter, req *http.Request) {
	const op = "api.registerAgent"

	if r.cfg.RegistrationToken != "" && req.Header.Get("X-Registration-Token") != r.cfg.RegistrationToken {
		writeError(w, internalerrors.Unauthorized(op, "invalid registration token"))
		return
	}

	var body registerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, internalerrors.Validation(op, fmt.Errorf("decoding body: %w", err)))
		return
	}
	if body.Name == "" {
		writeError(w, internalerrors.Validation(op, fmt.Errorf("name is required")))
		return
	}

	id := body.ID
	if id == "" {
		id = utils.GenerateID("agent")
	}

	now := time.Now().UTC()
	agent := &models.Agent{
		ID:        id,
		Name:      body.Name,
		ParentID:  body.ParentID,
		APIKey:    utils.GenerateID("key"),
		Status:    models.AgentOffline,
		Health:    models.HealthUnknown,
		Metadata:  body.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.UpsertAgent(req.Context(), agent); err != nil {
		writeError(w, err)
		return
	}

	r.recorder.RecordMilestone(req.Context(), agent.ID, "registration",
		fmt.Sprintf("agent %q registered", agent.Name),
		map[string]any{"parentId": agent.ParentID})

	w.WriteHeader(http.StatusCreated)
	utils.WriteJSONResponse(w, registerResponse{
		Agent:     agent,
		APIKey:    agent.APIKey,
		ParentURL: monitorURL(req),
	})
}

// monitorURL is the address the registering agent should report to,
// reconstructed from the request it just made.
func monitorURL(req *http.Request) string {
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + req.Host
}

// authenticateAgent verifies the caller holds the agent's issued key.
func (r *Router) authenticateAgent(req *http.Request, agentID string) error {
	const op = "api.authenticateAgent"

	agent, err := r.store.GetAgent(req.Context(), agentID)
	if err != nil {
		return err
	}
	if req.Header.Get("X-API-Key") != agent.APIKey {
		return internalerrors.Unauthorized(op, "invalid agent API key")
	}
	return nil
}

// handleAgentByID serves /api/agents/{id} and its sub-resources.
func (r *Router) handleAgentByID(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/api/agents/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeErrorResponse(w, http.StatusNotFound, "not_found", "agent id missing")
		return
	}

	if len(parts) == 2 && parts[1] != "" {
		switch parts[1] {
		case "heartbeat":
			r.agentHeartbeat(w, req, id)
		case "reports":
			r.agentReports(w, req, id)
		case "children":
			r.agentChildren(w, req, id)
		default:
			writeErrorResponse(w, http.StatusNotFound, "not_found", "unknown agent resource")
		}
		return
	}

	switch req.Method {
	case http.MethodGet:
		agent, err := r.store.GetAgent(req.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		utils.WriteJSONResponse(w, agent)
	case http.MethodDelete:
		if err := r.store.DeleteAgent(req.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		utils.WriteJSONResponse(w, map[string]string{"status": "deleted", "id": id})
	default:
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (r *Router) agentHeartbeat(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	if err := r.authenticateAgent(req, id); err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Health models.HealthStatus `json:"health,omitempty"`
	}
	if req.ContentLength > 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, internalerrors.Validation("api.agentHeartbeat", fmt.Errorf("decoding body: %w", err)))
			return
		}
	}

	receivedAt, err := r.intake.Heartbeat(req.Context(), id, body.Health)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.WriteJSONResponse(w, map[string]any{"receivedAt": receivedAt})
}

func (r *Router) agentReports(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if _, err := r.store.GetAgent(req.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	reports, err := r.store.RecentReports(req.Context(), id, parseLimit(req, 20))
	if err != nil {
		writeError(w, err)
		return
	}
	utils.WriteJSONResponse(w, map[string]any{"reports": reports, "count": len(reports)})
}

func (r *Router) agentChildren(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	children, err := r.store.ListChildren(req.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.WriteJSONResponse(w, map[string]any{"children": children, "count": len(children)})
}
