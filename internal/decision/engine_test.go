package decision

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meshmon/meshmon/internal/bus"
	internalerrors "github.com/meshmon/meshmon/internal/errors"
	"github.com/meshmon/meshmon/internal/intents"
	"github.com/meshmon/meshmon/internal/models"
	"github.com/meshmon/meshmon/internal/risk"
	"github.com/meshmon/meshmon/internal/store"
)

type scriptedAssessor struct {
	response string
	err      error
	requests []risk.Request
}

func (a *scriptedAssessor) Name() string { return "scripted" }

func (a *scriptedAssessor) Assess(_ context.Context, req risk.Request) (string, error) {
	a.requests = append(a.requests, req)
	return a.response, a.err
}

func newTestEngine(t *testing.T, assessor risk.Assessor) (*Engine, *store.Store, *bus.Bus) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "meshmon.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	events := bus.New()
	return NewEngine(s, assessor, intents.NewRecorder(s), events), s, events
}

func registerAgent(t *testing.T, s *store.Store, id string) {
	t.Helper()
	if err := s.UpsertAgent(context.Background(), &models.Agent{ID: id, Name: "test"}); err != nil {
		t.Fatalf("failed to register agent: %v", err)
	}
}

func restartRequest(agentID string) Request {
	return Request{
		AgentID:          agentID,
		IssueType:        "service-degraded",
		IssueDescription: "response times elevated",
		ProposedAction:   "restart the api service",
	}
}

func TestAdjudicateApproves(t *testing.T) {
	assessor := &scriptedAssessor{response: "DECISION: APPROVE\nREASON: restart is low risk"}
	engine, s, events := newTestEngine(t, assessor)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")

	ch, unsub := events.Subscribe(4)
	defer unsub()

	d, err := engine.Adjudicate(ctx, restartRequest("agent-1"))
	if err != nil {
		t.Fatalf("Adjudicate failed: %v", err)
	}
	if d.Status != models.DecisionApproved {
		t.Errorf("status = %q, want approved", d.Status)
	}
	if d.Rationale != "restart is low risk" {
		t.Errorf("rationale = %q", d.Rationale)
	}

	stored, err := s.GetDecision(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDecision failed: %v", err)
	}
	if stored.Status != models.DecisionApproved {
		t.Errorf("stored status = %q", stored.Status)
	}

	select {
	case ev := <-ch:
		if ev.Type != bus.EventDecisionMade {
			t.Errorf("event type = %q", ev.Type)
		}
	default:
		t.Error("no decision_made event published")
	}

	// The decision landed in the audit ledger.
	ledger, err := s.ListIntents(ctx, store.IntentFilter{Type: models.IntentDecision})
	if err != nil {
		t.Fatalf("ListIntents failed: %v", err)
	}
	if len(ledger) != 1 || ledger[0].Status != string(models.DecisionApproved) {
		t.Errorf("ledger = %+v", ledger)
	}
}

func TestAdjudicateWithoutProposedAction(t *testing.T) {
	assessor := &scriptedAssessor{response: "DECISION: REJECT\nREASON: nothing concrete to approve"}
	engine, s, _ := newTestEngine(t, assessor)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")

	// An escalation without a remediation plan still gets its own
	// decision row; it is the assessor's call, not a validation error.
	d, err := engine.Adjudicate(ctx, Request{
		AgentID:          "agent-1",
		IssueType:        "service-degraded",
		IssueDescription: "response times elevated",
	})
	if err != nil {
		t.Fatalf("Adjudicate failed: %v", err)
	}
	if d.Status != models.DecisionRejected {
		t.Errorf("status = %q, want rejected", d.Status)
	}

	stored, err := s.GetDecision(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDecision failed: %v", err)
	}
	if stored.ProposedAction != "" || stored.IssueType != "service-degraded" {
		t.Errorf("stored = %+v", stored)
	}
	if len(assessor.requests) != 1 {
		t.Fatalf("assessor calls = %d, want 1", len(assessor.requests))
	}
}

func TestAdjudicateRejectsOnAssessorError(t *testing.T) {
	assessor := &scriptedAssessor{err: errors.New("llm unreachable")}
	engine, s, _ := newTestEngine(t, assessor)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")

	d, err := engine.Adjudicate(ctx, restartRequest("agent-1"))
	if err != nil {
		t.Fatalf("Adjudicate must not fail when the assessor is down: %v", err)
	}
	if d.Status != models.DecisionRejected {
		t.Errorf("status = %q, want rejected (fail closed)", d.Status)
	}
	if !strings.Contains(d.Rationale, "unavailable") {
		t.Errorf("rationale = %q, expected a note about the failure", d.Rationale)
	}
}

func TestAdjudicateRejectsAmbiguousRationale(t *testing.T) {
	assessor := &scriptedAssessor{response: "This could go either way, hard to tell."}
	engine, s, _ := newTestEngine(t, assessor)
	registerAgent(t, s, "agent-1")

	d, err := engine.Adjudicate(context.Background(), restartRequest("agent-1"))
	if err != nil {
		t.Fatalf("Adjudicate failed: %v", err)
	}
	if d.Status != models.DecisionRejected {
		t.Errorf("status = %q, want rejected for ambiguous rationale", d.Status)
	}
}

func TestAdjudicateUnknownAgent(t *testing.T) {
	engine, _, _ := newTestEngine(t, &scriptedAssessor{response: "DECISION: APPROVE"})

	_, err := engine.Adjudicate(context.Background(), restartRequest("ghost"))
	if !errors.Is(err, internalerrors.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestAdjudicateIncludesRecentReports(t *testing.T) {
	assessor := &scriptedAssessor{response: "DECISION: APPROVE\nREASON: fine"}
	engine, s, _ := newTestEngine(t, assessor)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")

	for i := 0; i < 3; i++ {
		if err := s.InsertReport(ctx, &models.Report{AgentID: "agent-1", Timestamp: time.Now().UTC(), Status: models.HealthHealthy}); err != nil {
			t.Fatalf("InsertReport failed: %v", err)
		}
	}

	if _, err := engine.Adjudicate(ctx, restartRequest("agent-1")); err != nil {
		t.Fatalf("Adjudicate failed: %v", err)
	}
	if len(assessor.requests) != 1 {
		t.Fatalf("assessor calls = %d", len(assessor.requests))
	}
	if len(assessor.requests[0].RecentReports) != 3 {
		t.Errorf("recent reports in request = %d, want 3", len(assessor.requests[0].RecentReports))
	}
	if assessor.requests[0].Agent == nil || assessor.requests[0].Agent.ID != "agent-1" {
		t.Errorf("agent not attached to assessment request")
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	assessor := &scriptedAssessor{response: "DECISION: APPROVE\nREASON: ok"}
	engine, s, _ := newTestEngine(t, assessor)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")

	d, err := engine.Adjudicate(ctx, restartRequest("agent-1"))
	if err != nil {
		t.Fatalf("Adjudicate failed: %v", err)
	}

	// approved -> completed skips executed.
	if _, err := engine.UpdateStatus(ctx, d.ID, models.DecisionCompleted, ""); !errors.Is(err, internalerrors.ErrInvalidTransition) {
		t.Errorf("skip error = %v, want ErrInvalidTransition", err)
	}

	executed, err := engine.UpdateStatus(ctx, d.ID, models.DecisionExecuted, "service restarted cleanly")
	if err != nil {
		t.Fatalf("UpdateStatus(executed) failed: %v", err)
	}
	if executed.ExecutedAt == nil || executed.ExecutionResult != "service restarted cleanly" {
		t.Errorf("executed = %+v", executed)
	}

	// executed -> approved moves backward.
	if _, err := engine.UpdateStatus(ctx, d.ID, models.DecisionApproved, ""); !errors.Is(err, internalerrors.ErrInvalidTransition) {
		t.Errorf("backward error = %v, want ErrInvalidTransition", err)
	}

	completed, err := engine.UpdateStatus(ctx, d.ID, models.DecisionCompleted, "")
	if err != nil {
		t.Fatalf("UpdateStatus(completed) failed: %v", err)
	}
	if completed.Status != models.DecisionCompleted {
		t.Errorf("status = %q", completed.Status)
	}

	// completed is terminal.
	if _, err := engine.UpdateStatus(ctx, d.ID, models.DecisionExecuted, ""); !errors.Is(err, internalerrors.ErrInvalidTransition) {
		t.Errorf("terminal error = %v, want ErrInvalidTransition", err)
	}
}

func TestRejectedIsTerminal(t *testing.T) {
	assessor := &scriptedAssessor{response: "DECISION: REJECT\nREASON: too risky"}
	engine, s, _ := newTestEngine(t, assessor)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")

	d, err := engine.Adjudicate(ctx, restartRequest("agent-1"))
	if err != nil {
		t.Fatalf("Adjudicate failed: %v", err)
	}
	if d.Status != models.DecisionRejected {
		t.Fatalf("status = %q", d.Status)
	}

	for _, next := range []models.DecisionStatus{models.DecisionApproved, models.DecisionExecuted, models.DecisionCompleted} {
		if _, err := engine.UpdateStatus(ctx, d.ID, next, ""); !errors.Is(err, internalerrors.ErrInvalidTransition) {
			t.Errorf("rejected -> %s error = %v, want ErrInvalidTransition", next, err)
		}
	}
}

func TestUpdateStatusUnknownValues(t *testing.T) {
	engine, s, _ := newTestEngine(t, &scriptedAssessor{response: "DECISION: APPROVE"})
	ctx := context.Background()
	registerAgent(t, s, "agent-1")

	d, err := engine.Adjudicate(ctx, restartRequest("agent-1"))
	if err != nil {
		t.Fatalf("Adjudicate failed: %v", err)
	}

	if _, err := engine.UpdateStatus(ctx, d.ID, "wat", ""); !errors.Is(err, internalerrors.ErrValidation) {
		t.Errorf("unknown status error = %v, want ErrValidation", err)
	}
	if _, err := engine.UpdateStatus(ctx, 99999, models.DecisionExecuted, ""); !errors.Is(err, internalerrors.ErrNotFound) {
		t.Errorf("unknown id error = %v, want ErrNotFound", err)
	}
}
