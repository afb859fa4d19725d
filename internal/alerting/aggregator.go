// Package alerting turns critical issues into alerts. Incoming L3
// issues are deduplicated against a recent window, correlated through a
// small root-cause rule table and batched into a single outbound
// notification per ingest call.
package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshmon/meshmon/internal/bus"
	internalerrors "github.com/meshmon/meshmon/internal/errors"
	"github.com/meshmon/meshmon/internal/intents"
	"github.com/meshmon/meshmon/internal/models"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/internal/telemetry"
)

// DefaultDedupWindow suppresses repeat alerts of the same (agent, type)
// arriving within this span.
const DefaultDedupWindow = 5 * time.Minute

// Sink delivers one composed notification message to humans. The
// aggregator calls it at most once per ingest batch.
type Sink interface {
	Notify(ctx context.Context, subject, message string) error
}

// correlationRules maps a root-cause issue type to symptom types it is
// known to drag down with it.
var correlationRules = map[string][]string{
	"disk-failure":      {"database-crash", "service-crash"},
	"memory-exhaustion": {"oom-kill", "service-crash"},
	"network-partition": {"heartbeat-loss", "replication-lag"},
}

// Correlation links a root-cause alert to the symptom alerts that
// appeared alongside it in the same batch.
type Correlation struct {
	Root     string   `json:"root"`
	Symptoms []string `json:"symptoms"`
}

// IngestResult reports what one batch produced.
type IngestResult struct {
	Created      []*models.Alert `json:"created"`
	Deduplicated int             `json:"deduplicated"`
	Correlations []Correlation   `json:"correlations,omitempty"`
}

// Aggregator owns the alert lifecycle.
type Aggregator struct {
	store       *store.Store
	recorder    *intents.Recorder
	events      *bus.Bus
	sink        Sink
	dedupWindow time.Duration
}

func NewAggregator(s *store.Store, recorder *intents.Recorder, events *bus.Bus, sink Sink, dedupWindow time.Duration) *Aggregator {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &Aggregator{store: s, recorder: recorder, events: events, sink: sink, dedupWindow: dedupWindow}
}

// Ingest processes a batch of critical issues from one agent. Issues
// that duplicate an open alert inside the dedup window are suppressed,
// the rest become Alert rows and one batched notification.
func (a *Aggregator) Ingest(ctx context.Context, agentID string, issues []models.Issue) (*IngestResult, error) {
	const op = "alerting.Ingest"

	if agentID == "" {
		return nil, internalerrors.Validation(op, fmt.Errorf("agentId is required"))
	}

	result := &IngestResult{}
	now := time.Now().UTC()
	cutoff := now.Add(-a.dedupWindow)

	var survivors []models.Issue
	for _, issue := range issues {
		existing, err := a.store.FindOpenAlert(ctx, agentID, issue.Type, cutoff)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			result.Deduplicated++
			telemetry.AlertsDeduplicated.Inc()
			log.Debug().
				Str("agentID", agentID).
				Str("type", issue.Type).
				Int64("existingAlertID", existing.ID).
				Msg("Suppressed duplicate alert")
			continue
		}
		survivors = append(survivors, issue)
	}

	result.Correlations = correlate(survivors)

	for _, issue := range survivors {
		alert := &models.Alert{
			AgentID:     agentID,
			Level:       models.LevelL3,
			Type:        issue.Type,
			Description: issue.Description,
			Severity:    issue.Severity,
			Status:      models.AlertNew,
			Details:     issue.Details,
			CreatedAt:   now,
		}
		if err := a.store.InsertAlert(ctx, alert); err != nil {
			return nil, err
		}
		result.Created = append(result.Created, alert)
		telemetry.AlertsCreated.WithLabelValues(string(alert.Severity)).Inc()

		a.events.Publish(bus.EventAlertTriggered, bus.AlertTriggered{
			AlertID:     alert.ID,
			AgentID:     alert.AgentID,
			Level:       string(alert.Level),
			Type:        alert.Type,
			Severity:    string(alert.Severity),
			Description: alert.Description,
		})
	}

	if len(result.Created) > 0 {
		a.recorder.RecordBlocker(ctx, agentID, "critical_alerts",
			fmt.Sprintf("%d critical alert(s) raised", len(result.Created)),
			map[string]any{"alertIds": alertIDs(result.Created), "deduplicated": result.Deduplicated})

		a.notify(ctx, agentID, result)
	}

	log.Info().
		Str("agentID", agentID).
		Int("created", len(result.Created)).
		Int("deduplicated", result.Deduplicated).
		Msg("Alert batch ingested")

	return result, nil
}

// notify composes the batch message and hands it to the sink. Sink
// failures are logged, never propagated, the alerts are already stored.
func (a *Aggregator) notify(ctx context.Context, agentID string, result *IngestResult) {
	if a.sink == nil {
		return
	}
	subject := fmt.Sprintf("[meshmon] %d critical alert(s) from agent %s", len(result.Created), agentID)
	if err := a.sink.Notify(ctx, subject, ComposeMessage(agentID, result)); err != nil {
		log.Error().Err(err).Str("agentID", agentID).Msg("Notification delivery failed")
	}
}

// ComposeMessage renders one batch into a human-readable summary.
func ComposeMessage(agentID string, result *IngestResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent %s raised %d critical alert(s):\n", agentID, len(result.Created))
	for _, alert := range result.Created {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", alert.Severity, alert.Type, alert.Description)
	}
	for _, c := range result.Correlations {
		fmt.Fprintf(&b, "Likely root cause %q explains: %s\n", c.Root, strings.Join(c.Symptoms, ", "))
	}
	if result.Deduplicated > 0 {
		fmt.Fprintf(&b, "(%d duplicate signal(s) suppressed)\n", result.Deduplicated)
	}
	return b.String()
}

// correlate scans one batch for root-cause/symptom pairs. Alerts stay
// separate rows, correlation only annotates the notification.
func correlate(issues []models.Issue) []Correlation {
	present := make(map[string]bool, len(issues))
	for _, issue := range issues {
		present[issue.Type] = true
	}

	var out []Correlation
	for _, issue := range issues {
		symptoms, ok := correlationRules[issue.Type]
		if !ok {
			continue
		}
		var matched []string
		for _, s := range symptoms {
			if present[s] {
				matched = append(matched, s)
			}
		}
		if len(matched) > 0 {
			out = append(out, Correlation{Root: issue.Type, Symptoms: matched})
		}
	}
	return out
}

func alertIDs(alerts []*models.Alert) []int64 {
	ids := make([]int64, len(alerts))
	for i, a := range alerts {
		ids[i] = a.ID
	}
	return ids
}

// Acknowledge marks a new alert as seen by an operator.
func (a *Aggregator) Acknowledge(ctx context.Context, id int64, actor, notes string) (*models.Alert, error) {
	const op = "alerting.Acknowledge"

	alert, err := a.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status != models.AlertNew {
		return nil, internalerrors.InvalidTransition(op, string(alert.Status), string(models.AlertAcknowledged))
	}

	now := time.Now().UTC()
	alert.Status = models.AlertAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = actor
	if notes != "" {
		alert.Notes = notes
	}
	if err := a.store.UpdateAlert(ctx, alert); err != nil {
		return nil, err
	}

	log.Info().Int64("alertID", id).Str("actor", actor).Msg("Alert acknowledged")
	return alert, nil
}

// Resolve closes an alert. Resolving an already resolved alert returns
// the current state unchanged.
func (a *Aggregator) Resolve(ctx context.Context, id int64, actor, notes string) (*models.Alert, error) {
	alert, err := a.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status == models.AlertResolved {
		return alert, nil
	}

	now := time.Now().UTC()
	alert.Status = models.AlertResolved
	alert.ResolvedAt = &now
	if alert.AcknowledgedBy == "" {
		alert.AcknowledgedBy = actor
	}
	if notes != "" {
		alert.Notes = notes
	}
	if err := a.store.UpdateAlert(ctx, alert); err != nil {
		return nil, err
	}

	log.Info().Int64("alertID", id).Str("actor", actor).Msg("Alert resolved")
	return alert, nil
}

// Get returns one alert.
func (a *Aggregator) Get(ctx context.Context, id int64) (*models.Alert, error) {
	return a.store.GetAlert(ctx, id)
}

// List returns alerts matching the filter.
func (a *Aggregator) List(ctx context.Context, filter store.AlertFilter) ([]*models.Alert, error) {
	return a.store.ListAlerts(ctx, filter)
}
