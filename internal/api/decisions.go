package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/meshmon/meshmon/internal/decision"
	internalerrors "github.com/meshmon/meshmon/internal/errors"
	"github.com/meshmon/meshmon/internal/models"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/internal/utils"
)

// handleDecisions serves GET /api/decisions and POST /api/decisions.
// POST is the standalone adjudication path for agents that escalate an
// action outside a full report.
func (r *Router) handleDecisions(w http.ResponseWriter, req *http.Request) {
	const op = "api.handleDecisions"

	switch req.Method {
	case http.MethodGet:
		filter := store.DecisionFilter{
			AgentID: req.URL.Query().Get("agentId"),
			Status:  models.DecisionStatus(req.URL.Query().Get("status")),
			Limit:   parseLimit(req, 100),
		}
		decisions, err := r.engine.List(req.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		utils.WriteJSONResponse(w, map[string]any{"decisions": decisions, "count": len(decisions)})

	case http.MethodPost:
		var body decision.Request
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, internalerrors.Validation(op, fmt.Errorf("decoding body: %w", err)))
			return
		}
		d, err := r.engine.Adjudicate(req.Context(), body)
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		utils.WriteJSONResponse(w, d)

	default:
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// handleDecisionByID serves /api/decisions/{id} and
// /api/decisions/{id}/status.
func (r *Router) handleDecisionByID(w http.ResponseWriter, req *http.Request) {
	const op = "api.handleDecisionByID"

	rest := strings.TrimPrefix(req.URL.Path, "/api/decisions/")
	parts := strings.SplitN(rest, "/", 2)
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, internalerrors.Validation(op, fmt.Errorf("invalid decision id %q", parts[0])))
		return
	}

	if len(parts) == 2 && parts[1] == "status" {
		if req.Method != http.MethodPut && req.Method != http.MethodPost {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		var body struct {
			Status          models.DecisionStatus `json:"status"`
			ExecutionResult string                `json:"executionResult,omitempty"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, internalerrors.Validation(op, fmt.Errorf("decoding body: %w", err)))
			return
		}
		d, err := r.engine.UpdateStatus(req.Context(), id, body.Status, body.ExecutionResult)
		if err != nil {
			writeError(w, err)
			return
		}
		utils.WriteJSONResponse(w, d)
		return
	}

	if req.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	d, err := r.engine.Get(req.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.WriteJSONResponse(w, d)
}
