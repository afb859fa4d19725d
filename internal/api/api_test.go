package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshmon/meshmon/internal/alerting"
	"github.com/meshmon/meshmon/internal/bus"
	"github.com/meshmon/meshmon/internal/config"
	"github.com/meshmon/meshmon/internal/decision"
	"github.com/meshmon/meshmon/internal/intake"
	"github.com/meshmon/meshmon/internal/intents"
	"github.com/meshmon/meshmon/internal/models"
	"github.com/meshmon/meshmon/internal/risk"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/internal/websocket"
)

type fixedAssessor struct{ response string }

func (a fixedAssessor) Name() string { return "fixed" }
func (a fixedAssessor) Assess(context.Context, risk.Request) (string, error) {
	return a.response, nil
}

func newTestServer(t *testing.T, assessor risk.Assessor) (*httptest.Server, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "meshmon.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{
		AgentID:           "monitor-1",
		RegistrationToken: "sekrit",
	}

	events := bus.New()
	recorder := intents.NewRecorder(s)
	engine := decision.NewEngine(s, assessor, recorder, events)
	aggregator := alerting.NewAggregator(s, recorder, events, nil, time.Minute)
	intakeSvc := intake.NewService(s, engine, aggregator, recorder, events, nil)
	hub := websocket.NewHub()

	srv := httptest.NewServer(NewRouter(cfg, s, intakeSvc, engine, aggregator, recorder, hub))
	t.Cleanup(srv.Close)
	return srv, s
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp, data
}

// registerTestAgent registers an agent and returns its issued API key.
func registerTestAgent(t *testing.T, srv *httptest.Server, id string) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/agents",
		map[string]any{"id": id, "name": "node " + id},
		map[string]string{"X-Registration-Token": "sekrit"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register returned %d: %s", resp.StatusCode, body)
	}
	var issued struct {
		APIKey string `json:"apiKey"`
	}
	if err := json.Unmarshal(body, &issued); err != nil {
		t.Fatalf("failed to decode registration: %v", err)
	}
	if issued.APIKey == "" {
		t.Fatal("registration did not issue an API key")
	}
	return issued.APIKey
}

func TestRegistrationTokenGate(t *testing.T) {
	srv, _ := newTestServer(t, fixedAssessor{response: "DECISION: APPROVE"})

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/agents",
		map[string]any{"name": "intruder"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("register without token = %d, want 401", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/agents",
		map[string]any{"name": "legit"},
		map[string]string{"X-Registration-Token": "sekrit"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register with token = %d: %s", resp.StatusCode, body)
	}

	var registered struct {
		ID        string `json:"id"`
		APIKey    string `json:"apiKey"`
		ParentURL string `json:"parentUrl"`
	}
	if err := json.Unmarshal(body, &registered); err != nil {
		t.Fatalf("failed to decode registration: %v", err)
	}
	if registered.ID == "" || registered.APIKey == "" {
		t.Errorf("registration did not generate credentials: %+v", registered)
	}
	if registered.ParentURL != srv.URL {
		t.Errorf("parentUrl = %q, want %q", registered.ParentURL, srv.URL)
	}
}

func TestAgentAPIKeyGate(t *testing.T) {
	srv, _ := newTestServer(t, fixedAssessor{response: "DECISION: APPROVE"})
	key := registerTestAgent(t, srv, "agent-1")

	report := map[string]any{"agentId": "agent-1"}

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/reports", report, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("report without key = %d, want 401", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/reports", report,
		map[string]string{"X-API-Key": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("report with wrong key = %d, want 401", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/reports", report,
		map[string]string{"X-API-Key": key})
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("report with issued key = %d, want 201", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/agents/agent-1/heartbeat", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("heartbeat without key = %d, want 401", resp.StatusCode)
	}
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/agents/agent-1/heartbeat", nil,
		map[string]string{"X-API-Key": key})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat with issued key = %d: %s", resp.StatusCode, body)
	}
	var hb struct {
		ReceivedAt time.Time `json:"receivedAt"`
	}
	if err := json.Unmarshal(body, &hb); err != nil {
		t.Fatalf("failed to decode heartbeat response: %v", err)
	}
	if hb.ReceivedAt.IsZero() {
		t.Error("heartbeat response missing receivedAt")
	}
}

func TestReportFlowEndToEnd(t *testing.T) {
	srv, s := newTestServer(t, fixedAssessor{response: "DECISION: APPROVE\nREASON: ok"})
	key := registerTestAgent(t, srv, "agent-1")

	// Unregistered agents are rejected outright.
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/reports",
		map[string]any{"agentId": "ghost"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("report from unknown agent = %d, want 404", resp.StatusCode)
	}

	report := map[string]any{
		"agentId": "agent-1",
		"issues": []map[string]any{
			{"level": "L2", "type": "service-degraded", "description": "slow", "severity": "high", "proposedFix": "restart"},
			{"level": "L3", "type": "disk-failure", "description": "dead disk", "severity": "critical"},
		},
	}
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/reports", report,
		map[string]string{"X-API-Key": key})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("report = %d: %s", resp.StatusCode, body)
	}

	var result intake.SubmitResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if len(result.Decisions) != 1 || result.Decisions[0].Status != "approved" {
		t.Errorf("decisions = %+v", result.Decisions)
	}
	if result.AlertsTriggered != 1 {
		t.Errorf("alertsTriggered = %d", result.AlertsTriggered)
	}

	// The agent is online now.
	agent, err := s.GetAgent(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.Status != models.AgentOnline {
		t.Errorf("agent status = %q", agent.Status)
	}
}

func TestReportIdempotencyReplay(t *testing.T) {
	srv, _ := newTestServer(t, fixedAssessor{response: "DECISION: APPROVE"})
	key := registerTestAgent(t, srv, "agent-1")

	report := map[string]any{
		"agentId": "agent-1",
		"issues": []map[string]any{
			{"level": "L2", "type": "service-degraded", "description": "slow", "severity": "high"},
		},
	}
	headers := map[string]string{"X-Idempotency-Key": "relay-abc-1", "X-API-Key": key}

	_, first := doJSON(t, http.MethodPost, srv.URL+"/api/reports", report, headers)
	resp, second := doJSON(t, http.MethodPost, srv.URL+"/api/reports", report, headers)

	if !bytes.Equal(first, second) {
		t.Errorf("replay returned a different body:\n%s\nvs\n%s", first, second)
	}
	if resp.Header.Get("X-Idempotent-Replay") != "true" {
		t.Error("replay marker header missing")
	}

	// No second decision was created.
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/decisions", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list decisions = %d", resp.StatusCode)
	}
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if list.Count != 1 {
		t.Errorf("decision count = %d, want 1", list.Count)
	}
}

func TestDecisionStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, fixedAssessor{response: "DECISION: APPROVE\nREASON: ok"})
	registerTestAgent(t, srv, "agent-1")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/decisions", map[string]any{
		"agentId":          "agent-1",
		"issueType":        "service-degraded",
		"issueDescription": "slow",
		"proposedAction":   "restart",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("request decision = %d: %s", resp.StatusCode, body)
	}
	var d models.Decision
	if err := json.Unmarshal(body, &d); err != nil {
		t.Fatalf("failed to decode decision: %v", err)
	}

	url := fmt.Sprintf("%s/api/decisions/%d/status", srv.URL, d.ID)

	resp, _ = doJSON(t, http.MethodPut, url, map[string]any{"status": "completed"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("skip transition = %d, want 409", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodPut, url, map[string]any{
		"status":          "executed",
		"executionResult": "restarted",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("executed transition = %d: %s", resp.StatusCode, body)
	}
}

func TestAlertEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, fixedAssessor{response: "DECISION: APPROVE"})
	key := registerTestAgent(t, srv, "agent-1")

	report := map[string]any{
		"agentId": "agent-1",
		"issues": []map[string]any{
			{"level": "L3", "type": "disk-failure", "description": "dead", "severity": "critical"},
		},
	}
	if resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/reports", report,
		map[string]string{"X-API-Key": key}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("report = %d: %s", resp.StatusCode, body)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/alerts?status=new", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list alerts = %d", resp.StatusCode)
	}
	var list struct {
		Alerts []models.Alert `json:"alerts"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("failed to decode alerts: %v", err)
	}
	if len(list.Alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(list.Alerts))
	}
	id := list.Alerts[0].ID

	ackURL := fmt.Sprintf("%s/api/alerts/%d/acknowledge", srv.URL, id)
	resp, body = doJSON(t, http.MethodPost, ackURL, map[string]any{"actor": "alice"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acknowledge = %d: %s", resp.StatusCode, body)
	}

	// Double acknowledge conflicts.
	resp, _ = doJSON(t, http.MethodPost, ackURL, map[string]any{"actor": "bob"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double acknowledge = %d, want 409", resp.StatusCode)
	}

	resolveURL := fmt.Sprintf("%s/api/alerts/%d/resolve", srv.URL, id)
	resp, _ = doJSON(t, http.MethodPost, resolveURL, map[string]any{"actor": "alice", "notes": "swapped disk"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("resolve = %d", resp.StatusCode)
	}

	// Resolve is idempotent at the HTTP level too.
	resp, _ = doJSON(t, http.MethodPost, resolveURL, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("second resolve = %d, want 200", resp.StatusCode)
	}
}

func TestClusterEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, fixedAssessor{response: "DECISION: APPROVE"})
	registerTestAgent(t, srv, "root-1")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/agents",
		map[string]any{"id": "child-1", "name": "child", "parentId": "root-1"},
		map[string]string{"X-Registration-Token": "sekrit"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register child = %d: %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/cluster/topology", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("topology = %d", resp.StatusCode)
	}
	var topo store.Topology
	if err := json.Unmarshal(body, &topo); err != nil {
		t.Fatalf("failed to decode topology: %v", err)
	}
	if len(topo.Nodes) != 2 {
		t.Errorf("topology nodes = %d, want 2", len(topo.Nodes))
	}
	if len(topo.Levels["L0"]) != 1 || len(topo.Levels["L1"]) != 1 {
		t.Errorf("levels = %+v", topo.Levels)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/cluster/overview", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("overview = %d", resp.StatusCode)
	}
	var ov store.Overview
	if err := json.Unmarshal(body, &ov); err != nil {
		t.Fatalf("failed to decode overview: %v", err)
	}
	if ov.TotalAgents != 2 {
		t.Errorf("totalAgents = %d", ov.TotalAgents)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/intents?type=milestone", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("intents = %d", resp.StatusCode)
	}
	var ledger struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &ledger); err != nil {
		t.Fatalf("failed to decode ledger: %v", err)
	}
	// One registration milestone per agent.
	if ledger.Count != 2 {
		t.Errorf("milestones = %d, want 2", ledger.Count)
	}
}

func TestHealthAndVersion(t *testing.T) {
	srv, _ := newTestServer(t, fixedAssessor{response: "DECISION: APPROVE"})

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/version", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("version = %d", resp.StatusCode)
	}
	var version map[string]string
	if err := json.Unmarshal(body, &version); err != nil {
		t.Fatalf("failed to decode version: %v", err)
	}
	if version["agentId"] != "monitor-1" {
		t.Errorf("version payload = %v", version)
	}
}
