package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/meshmon/meshmon/internal/models"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/internal/utils"
)

// handleTopology serves GET /api/cluster/topology, the full parent and
// child tree grouped by depth.
func (r *Router) handleTopology(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	topology, err := r.store.GetTopology(req.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	utils.WriteJSONResponse(w, topology)
}

// handleOverview serves GET /api/cluster/overview with aggregate
// liveness and health counters.
func (r *Router) handleOverview(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	overview, err := r.store.GetOverview(req.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	utils.WriteJSONResponse(w, overview)
}

// handleIntents serves GET /api/intents, the audit ledger query.
func (r *Router) handleIntents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	q := req.URL.Query()
	filter := store.IntentFilter{
		AgentID:  q.Get("agentId"),
		Type:     models.IntentType(q.Get("type")),
		Level:    models.IssueLevel(q.Get("level")),
		Category: q.Get("category"),
		Limit:    parseLimit(req, 50),
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			filter.Offset = n
		}
	}
	if raw := q.Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.Since = t
		}
	}
	if raw := q.Get("until"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.Until = t
		}
	}

	records, err := r.recorder.List(req.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.WriteJSONResponse(w, map[string]any{"intents": records, "count": len(records)})
}
