// Package api exposes the monitor's HTTP surface.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshmon/meshmon/internal/alerting"
	"github.com/meshmon/meshmon/internal/config"
	"github.com/meshmon/meshmon/internal/decision"
	"github.com/meshmon/meshmon/internal/intake"
	"github.com/meshmon/meshmon/internal/intents"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/internal/utils"
	"github.com/meshmon/meshmon/internal/websocket"
)

// Version is stamped at build time.
var Version = "dev"

// Router owns the mux and the handlers' shared dependencies.
type Router struct {
	mux         *http.ServeMux
	cfg         *config.Config
	store       *store.Store
	intake      *intake.Service
	engine      *decision.Engine
	aggregator  *alerting.Aggregator
	recorder    *intents.Recorder
	wsHub       *websocket.Hub
	idempotency *idempotencyCache
}

// NewRouter builds the HTTP handler tree.
func NewRouter(cfg *config.Config, s *store.Store, intakeSvc *intake.Service, engine *decision.Engine, aggregator *alerting.Aggregator, recorder *intents.Recorder, wsHub *websocket.Hub) http.Handler {
	r := &Router{
		mux:         http.NewServeMux(),
		cfg:         cfg,
		store:       s,
		intake:      intakeSvc,
		engine:      engine,
		aggregator:  aggregator,
		recorder:    recorder,
		wsHub:       wsHub,
		idempotency: newIdempotencyCache(),
	}

	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/version", r.handleVersion)

	r.mux.HandleFunc("/api/agents", r.handleAgents)
	r.mux.HandleFunc("/api/agents/", r.handleAgentByID)

	r.mux.HandleFunc("/api/reports", r.handleReports)

	r.mux.HandleFunc("/api/decisions", r.handleDecisions)
	r.mux.HandleFunc("/api/decisions/", r.handleDecisionByID)

	r.mux.HandleFunc("/api/alerts", r.handleAlerts)
	r.mux.HandleFunc("/api/alerts/", r.handleAlertByID)

	r.mux.HandleFunc("/api/intents", r.handleIntents)

	r.mux.HandleFunc("/api/cluster/topology", r.handleTopology)
	r.mux.HandleFunc("/api/cluster/overview", r.handleOverview)

	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/ws", r.handleWebSocket)

	return requestLogger(r.mux)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	utils.WriteJSONResponse(w, map[string]string{"status": "ok"})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	utils.WriteJSONResponse(w, map[string]string{
		"version": Version,
		"agentId": r.cfg.AgentID,
	})
}

func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	r.wsHub.HandleWebSocket(w, req)
}
