// Package decision adjudicates remediation actions proposed by agents.
// Every proposed action passes through a risk assessment before the
// agent is allowed to execute it, and an assessor failure always lands
// on the safe side: the action is rejected.
package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshmon/meshmon/internal/bus"
	internalerrors "github.com/meshmon/meshmon/internal/errors"
	"github.com/meshmon/meshmon/internal/intents"
	"github.com/meshmon/meshmon/internal/models"
	"github.com/meshmon/meshmon/internal/risk"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/internal/telemetry"
)

// recentReportWindow is how many recent reports accompany the action
// in the assessment prompt.
const recentReportWindow = 5

// Request is a proposed action awaiting adjudication.
type Request struct {
	AgentID          string         `json:"agentId"`
	IssueType        string         `json:"issueType"`
	IssueDescription string         `json:"issueDescription"`
	ProposedAction   string         `json:"proposedAction"`
	Context          map[string]any `json:"context,omitempty"`
}

// Engine runs adjudication and owns the decision lifecycle.
type Engine struct {
	store    *store.Store
	assessor risk.Assessor
	recorder *intents.Recorder
	events   *bus.Bus
}

func NewEngine(s *store.Store, assessor risk.Assessor, recorder *intents.Recorder, events *bus.Bus) *Engine {
	return &Engine{store: s, assessor: assessor, recorder: recorder, events: events}
}

// Adjudicate records the proposed action, asks the assessor for a risk
// verdict and persists the outcome. The decision always leaves this
// method in a terminal-for-adjudication state, approved or rejected.
func (e *Engine) Adjudicate(ctx context.Context, req Request) (*models.Decision, error) {
	const op = "decision.Adjudicate"

	if req.AgentID == "" {
		return nil, internalerrors.Validation(op, fmt.Errorf("agentId is required"))
	}

	agent, err := e.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	d := &models.Decision{
		AgentID:          req.AgentID,
		IssueType:        req.IssueType,
		IssueDescription: req.IssueDescription,
		ProposedAction:   req.ProposedAction,
		Status:           models.DecisionPending,
		CreatedAt:        time.Now().UTC(),
	}
	if err := e.store.InsertDecision(ctx, d); err != nil {
		return nil, err
	}

	assessment := e.assess(ctx, agent, req)

	d.Rationale = assessment.Reason
	d.Analysis = assessment.Analysis
	if assessment.Verdict == risk.VerdictApprove {
		d.Status = models.DecisionApproved
	} else {
		d.Status = models.DecisionRejected
	}
	if err := e.store.UpdateDecision(ctx, d); err != nil {
		return nil, err
	}

	log.Info().
		Int64("decisionID", d.ID).
		Str("agentID", d.AgentID).
		Str("issueType", d.IssueType).
		Str("status", string(d.Status)).
		Msg("Decision adjudicated")
	telemetry.DecisionsAdjudicated.WithLabelValues(string(d.Status)).Inc()

	e.recorder.RecordDecision(ctx, d.AgentID, models.LevelL2, d.IssueType, d.ProposedAction, string(d.Status), map[string]any{
		"decisionId": d.ID,
		"rationale":  d.Rationale,
	})
	e.events.Publish(bus.EventDecisionMade, bus.DecisionMade{
		DecisionID: d.ID,
		AgentID:    d.AgentID,
		Status:     string(d.Status),
		IssueType:  d.IssueType,
	})

	return d, nil
}

// assess calls the risk assessor. Any failure is converted into a
// rejection so that an unreachable or confused assessor can never let
// an action through.
func (e *Engine) assess(ctx context.Context, agent *models.Agent, req Request) risk.Assessment {
	recent, err := e.store.RecentReports(ctx, req.AgentID, recentReportWindow)
	if err != nil {
		log.Warn().Err(err).Str("agentID", req.AgentID).Msg("Could not load recent reports for assessment")
	}

	start := time.Now()
	raw, err := e.assessor.Assess(ctx, risk.Request{
		Agent:            agent,
		IssueType:        req.IssueType,
		IssueDescription: req.IssueDescription,
		ProposedAction:   req.ProposedAction,
		Context:          req.Context,
		RecentReports:    recent,
	})
	telemetry.AssessmentDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error().Err(err).Str("agentID", req.AgentID).Msg("Risk assessment failed, rejecting action")
		return risk.Assessment{
			Verdict: risk.VerdictReject,
			Reason:  fmt.Sprintf("risk assessment unavailable: %v", err),
		}
	}

	return risk.ParseAssessment(raw)
}

// validTransitions encodes the decision lifecycle. Rejected is terminal.
var validTransitions = map[models.DecisionStatus][]models.DecisionStatus{
	models.DecisionPending:  {models.DecisionApproved, models.DecisionRejected},
	models.DecisionApproved: {models.DecisionExecuted},
	models.DecisionExecuted: {models.DecisionCompleted},
}

func transitionAllowed(from, to models.DecisionStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// UpdateStatus advances a decision along its lifecycle. The executed
// transition stamps ExecutedAt and stores the execution result the
// agent reported back.
func (e *Engine) UpdateStatus(ctx context.Context, id int64, status models.DecisionStatus, executionResult string) (*models.Decision, error) {
	const op = "decision.UpdateStatus"

	if !status.Valid() {
		return nil, internalerrors.Validation(op, fmt.Errorf("unknown decision status %q", status))
	}

	d, err := e.store.GetDecision(ctx, id)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(d.Status, status) {
		return nil, internalerrors.InvalidTransition(op, string(d.Status), string(status))
	}

	d.Status = status
	if status == models.DecisionExecuted {
		now := time.Now().UTC()
		d.ExecutedAt = &now
		d.ExecutionResult = executionResult
	}
	if err := e.store.UpdateDecision(ctx, d); err != nil {
		return nil, err
	}

	log.Info().
		Int64("decisionID", d.ID).
		Str("status", string(d.Status)).
		Msg("Decision status updated")

	e.events.Publish(bus.EventDecisionMade, bus.DecisionMade{
		DecisionID: d.ID,
		AgentID:    d.AgentID,
		Status:     string(d.Status),
		IssueType:  d.IssueType,
	})

	return d, nil
}

// Get returns a single decision.
func (e *Engine) Get(ctx context.Context, id int64) (*models.Decision, error) {
	return e.store.GetDecision(ctx, id)
}

// List returns decisions matching the filter.
func (e *Engine) List(ctx context.Context, filter store.DecisionFilter) ([]*models.Decision, error) {
	return e.store.ListDecisions(ctx, filter)
}
