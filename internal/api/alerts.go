package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	internalerrors "github.com/meshmon/meshmon/internal/errors"
	"github.com/meshmon/meshmon/internal/models"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/internal/utils"
)

// handleAlerts serves GET /api/alerts.
func (r *Router) handleAlerts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	filter := store.AlertFilter{
		AgentID:  req.URL.Query().Get("agentId"),
		Status:   models.AlertStatus(req.URL.Query().Get("status")),
		Severity: models.Severity(req.URL.Query().Get("severity")),
		Limit:    parseLimit(req, 100),
	}
	alerts, err := r.aggregator.List(req.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.WriteJSONResponse(w, map[string]any{"alerts": alerts, "count": len(alerts)})
}

type alertActionRequest struct {
	Actor string `json:"actor,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// handleAlertByID serves /api/alerts/{id}, /api/alerts/{id}/acknowledge
// and /api/alerts/{id}/resolve.
func (r *Router) handleAlertByID(w http.ResponseWriter, req *http.Request) {
	const op = "api.handleAlertByID"

	rest := strings.TrimPrefix(req.URL.Path, "/api/alerts/")
	parts := strings.SplitN(rest, "/", 2)
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, internalerrors.Validation(op, fmt.Errorf("invalid alert id %q", parts[0])))
		return
	}

	if len(parts) == 2 && parts[1] != "" {
		if req.Method != http.MethodPost {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		var body alertActionRequest
		if req.ContentLength > 0 {
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, internalerrors.Validation(op, fmt.Errorf("decoding body: %w", err)))
				return
			}
		}

		var alert *models.Alert
		switch parts[1] {
		case "acknowledge":
			alert, err = r.aggregator.Acknowledge(req.Context(), id, body.Actor, body.Notes)
		case "resolve":
			alert, err = r.aggregator.Resolve(req.Context(), id, body.Actor, body.Notes)
		default:
			writeErrorResponse(w, http.StatusNotFound, "not_found", "unknown alert action")
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		utils.WriteJSONResponse(w, alert)
		return
	}

	if req.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	alert, err := r.aggregator.Get(req.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.WriteJSONResponse(w, alert)
}
