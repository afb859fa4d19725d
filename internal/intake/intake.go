// Package intake receives inspection reports from agents and routes
// their issues by severity. L1 issues are ledger entries only, L2
// issues go through decision adjudication and L3 issues become alerts.
package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshmon/meshmon/internal/alerting"
	"github.com/meshmon/meshmon/internal/bus"
	"github.com/meshmon/meshmon/internal/decision"
	internalerrors "github.com/meshmon/meshmon/internal/errors"
	"github.com/meshmon/meshmon/internal/intents"
	"github.com/meshmon/meshmon/internal/models"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/internal/telemetry"
)

// Relay receives locally produced decisions and alerts for upstream
// forwarding. Implementations must not block; nil means this node is
// the root of the mesh.
type Relay interface {
	EnqueueDecision(d *models.Decision)
	EnqueueAlert(a *models.Alert)
}

// Aggregator turns a report's critical issues into alerts. Satisfied
// by *alerting.Aggregator.
type Aggregator interface {
	Ingest(ctx context.Context, agentID string, issues []models.Issue) (*alerting.IngestResult, error)
}

// DecisionOutcome is the per-issue result of adjudicating one L2 issue.
// Outcomes are returned in the order the issues appeared in the report.
type DecisionOutcome struct {
	IssueType  string `json:"issueType"`
	DecisionID int64  `json:"decisionId,omitempty"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SubmitResult summarizes what one report produced.
type SubmitResult struct {
	ReportID           int64             `json:"reportId"`
	Status             string            `json:"status"`
	Decisions          []DecisionOutcome `json:"decisions,omitempty"`
	AlertsTriggered    int               `json:"alertsTriggered"`
	AlertsDeduplicated int               `json:"alertsDeduplicated"`
	AlertError         string            `json:"alertError,omitempty"`
}

// Service wires the severity router.
type Service struct {
	store      *store.Store
	engine     *decision.Engine
	aggregator Aggregator
	recorder   *intents.Recorder
	events     *bus.Bus
	relay      Relay
}

func NewService(s *store.Store, engine *decision.Engine, aggregator Aggregator, recorder *intents.Recorder, events *bus.Bus, relay Relay) *Service {
	return &Service{store: s, engine: engine, aggregator: aggregator, recorder: recorder, events: events, relay: relay}
}

// Submit stores one report and fans its issues out by severity. A
// failure while handling one issue never aborts the rest of the batch,
// each outcome is reported independently.
func (s *Service) Submit(ctx context.Context, report *models.Report) (*SubmitResult, error) {
	const op = "intake.Submit"

	if err := validateReport(report); err != nil {
		return nil, internalerrors.Validation(op, err)
	}

	agent, err := s.store.GetAgent(ctx, report.AgentID)
	if err != nil {
		return nil, err
	}

	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now().UTC()
	}
	if report.Status == "" {
		report.Status = models.DeriveStatus(report.Issues)
	}

	if err := s.touch(ctx, agent, report.Timestamp, report.Status); err != nil {
		return nil, err
	}

	if err := s.store.InsertReport(ctx, report); err != nil {
		return nil, err
	}

	s.events.Publish(bus.EventReportReceived, bus.ReportReceived{
		ReportID: report.ID,
		AgentID:  report.AgentID,
		Status:   string(report.Status),
		Issues:   len(report.Issues),
	})
	telemetry.ReportsReceived.WithLabelValues(string(report.Status)).Inc()

	result := &SubmitResult{ReportID: report.ID, Status: string(report.Status)}

	s.recordActionsTaken(ctx, report)

	var critical []models.Issue
	for _, issue := range report.Issues {
		switch issue.Level {
		case models.LevelL2:
			result.Decisions = append(result.Decisions, s.adjudicate(ctx, report.AgentID, issue))
		case models.LevelL3:
			critical = append(critical, issue)
		}
	}

	if len(critical) > 0 {
		ingest, err := s.aggregator.Ingest(ctx, report.AgentID, critical)
		if err != nil {
			// The report itself is already stored; an aggregation
			// failure is surfaced on the result, not as a failure of
			// the whole submission.
			log.Error().Err(err).Str("agentID", report.AgentID).Msg("Alert aggregation failed")
			result.AlertError = err.Error()
		} else {
			result.AlertsTriggered = len(ingest.Created)
			result.AlertsDeduplicated = ingest.Deduplicated
			if s.relay != nil {
				for _, alert := range ingest.Created {
					s.relay.EnqueueAlert(alert)
				}
			}
		}
	}

	log.Info().
		Int64("reportID", report.ID).
		Str("agentID", report.AgentID).
		Str("status", string(report.Status)).
		Int("issues", len(report.Issues)).
		Int("decisions", len(result.Decisions)).
		Int("alerts", result.AlertsTriggered).
		Msg("Report processed")

	return result, nil
}

// adjudicate handles one L2 issue, converting failures into a per-issue
// outcome instead of an error.
func (s *Service) adjudicate(ctx context.Context, agentID string, issue models.Issue) DecisionOutcome {
	outcome := DecisionOutcome{IssueType: issue.Type}

	d, err := s.engine.Adjudicate(ctx, decision.Request{
		AgentID:          agentID,
		IssueType:        issue.Type,
		IssueDescription: issue.Description,
		ProposedAction:   issue.ProposedFix,
		Context:          issue.Details,
	})
	if err != nil {
		log.Error().Err(err).Str("agentID", agentID).Str("issueType", issue.Type).Msg("Adjudication failed")
		outcome.Error = err.Error()
		return outcome
	}

	outcome.DecisionID = d.ID
	outcome.Status = string(d.Status)
	if s.relay != nil {
		s.relay.EnqueueDecision(d)
	}
	return outcome
}

// recordActionsTaken writes one ledger entry per autonomous fix the
// agent already applied.
func (s *Service) recordActionsTaken(ctx context.Context, report *models.Report) {
	for _, action := range report.ActionsTaken {
		level := action.Level
		if !level.Valid() {
			level = models.LevelL1
		}
		s.recorder.RecordDecision(ctx, report.AgentID, level, action.Action, action.Details, string(action.Result), map[string]any{
			"reportId": report.ID,
		})
	}
}

// touch updates the agent's liveness from the report and announces an
// offline to online flip.
func (s *Service) touch(ctx context.Context, agent *models.Agent, at time.Time, health models.HealthStatus) error {
	if err := s.store.TouchHeartbeat(ctx, agent.ID, at, health); err != nil {
		return err
	}
	if agent.Status == models.AgentOffline {
		log.Info().Str("agentID", agent.ID).Msg("Agent back online")
		s.recorder.RecordMilestone(ctx, agent.ID, "liveness", "agent back online", nil)
		s.events.Publish(bus.EventAgentStatusChanged, bus.AgentStatusChanged{
			AgentID:   agent.ID,
			OldStatus: string(models.AgentOffline),
			NewStatus: string(models.AgentOnline),
			Reason:    "report received",
		})
	}
	return nil
}

// Heartbeat is the lightweight liveness path for agents with nothing to
// report. It returns the timestamp the heartbeat was recorded at.
func (s *Service) Heartbeat(ctx context.Context, agentID string, health models.HealthStatus) (time.Time, error) {
	const op = "intake.Heartbeat"

	if health != "" && !health.Valid() {
		return time.Time{}, internalerrors.Validation(op, fmt.Errorf("unknown health status %q", health))
	}

	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return time.Time{}, err
	}
	if health == "" {
		health = agent.Health
	}
	now := time.Now().UTC()
	if err := s.touch(ctx, agent, now, health); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func validateReport(report *models.Report) error {
	if report == nil {
		return fmt.Errorf("report body is required")
	}
	if report.AgentID == "" {
		return fmt.Errorf("agentId is required")
	}
	if report.Status != "" && !report.Status.Valid() {
		return fmt.Errorf("unknown report status %q", report.Status)
	}
	for i, issue := range report.Issues {
		if !issue.Level.Valid() {
			return fmt.Errorf("issue %d has unknown level %q", i, issue.Level)
		}
		if issue.Type == "" {
			return fmt.Errorf("issue %d is missing a type", i)
		}
		if !issue.Severity.Valid() {
			return fmt.Errorf("issue %d has unknown severity %q", i, issue.Severity)
		}
	}
	return nil
}
