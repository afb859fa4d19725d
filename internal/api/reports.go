package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	internalerrors "github.com/meshmon/meshmon/internal/errors"
	"github.com/meshmon/meshmon/internal/models"
)

// handleReports serves POST /api/reports, the report intake endpoint.
// A repeated X-Idempotency-Key returns the original response without
// reprocessing, which makes upstream relays safe to retry.
func (r *Router) handleReports(w http.ResponseWriter, req *http.Request) {
	const op = "api.handleReports"

	if req.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var report models.Report
	if err := json.NewDecoder(req.Body).Decode(&report); err != nil {
		writeError(w, internalerrors.Validation(op, fmt.Errorf("decoding body: %w", err)))
		return
	}

	if report.AgentID == "" {
		writeError(w, internalerrors.Validation(op, fmt.Errorf("agentId is required")))
		return
	}
	if err := r.authenticateAgent(req, report.AgentID); err != nil {
		writeError(w, err)
		return
	}

	// Replay lookup happens after authentication so a cached response
	// is never handed to a caller without the agent's key.
	key := req.Header.Get("X-Idempotency-Key")
	if key != "" {
		if cached, ok := r.idempotency.Get(key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.Write(cached)
			return
		}
	}

	result, err := r.intake.Submit(req.Context(), &report)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := json.Marshal(result)
	if err != nil {
		writeError(w, internalerrors.Internal(op, err))
		return
	}
	if key != "" {
		r.idempotency.Set(key, body)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	w.Write(body)
}

func parseLimit(req *http.Request, fallback int) int {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
