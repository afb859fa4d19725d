// Package forward relays locally produced decisions and alerts to a
// parent monitor. Forwarded items are wrapped in a report attributed to
// this node's own agent id, so a parent sees its children as ordinary
// agents.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	internalerrors "github.com/meshmon/meshmon/internal/errors"
	"github.com/meshmon/meshmon/internal/intake"
	"github.com/meshmon/meshmon/internal/models"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/internal/telemetry"
)

const (
	queueSize      = 256
	maxRetries     = 5
	requestTimeout = 15 * time.Second
)

type item struct {
	decision *models.Decision
	alert    *models.Alert
}

// Forwarder ships decisions and alerts upstream with retries. It
// implements intake.Relay.
type Forwarder struct {
	parentURL string
	apiKey    string
	selfID    string
	store     *store.Store
	client    *http.Client
	queue     chan item

	retryInterval time.Duration
}

func NewForwarder(parentURL, apiKey, selfID string, s *store.Store) *Forwarder {
	return &Forwarder{
		parentURL: parentURL,
		apiKey:    apiKey,
		selfID:    selfID,
		store:     s,
		client:    &http.Client{Timeout: requestTimeout},
		queue:     make(chan item, queueSize),

		retryInterval: time.Second,
	}
}

// EnqueueDecision queues a decision for upstream relay. Non-blocking,
// a full queue drops the item and leaves the local record in its
// unforwarded state for a later resend.
func (f *Forwarder) EnqueueDecision(d *models.Decision) {
	select {
	case f.queue <- item{decision: d}:
	default:
		log.Warn().Int64("decisionID", d.ID).Msg("Forward queue full, decision relay deferred")
	}
}

// EnqueueAlert queues an alert for upstream relay.
func (f *Forwarder) EnqueueAlert(a *models.Alert) {
	select {
	case f.queue <- item{alert: a}:
	default:
		log.Warn().Int64("alertID", a.ID).Msg("Forward queue full, alert relay deferred")
	}
}

// Run drains the queue until the context is cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	log.Info().Str("parent", f.parentURL).Msg("Upstream forwarder started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Upstream forwarder stopped")
			return
		case it := <-f.queue:
			f.process(ctx, it)
		}
	}
}

func (f *Forwarder) process(ctx context.Context, it item) {
	var err error
	kind := "decision"
	switch {
	case it.decision != nil:
		err = f.ForwardDecision(ctx, it.decision)
	case it.alert != nil:
		kind = "alert"
		err = f.ForwardAlert(ctx, it.alert)
	}
	if err != nil {
		telemetry.ForwardAttempts.WithLabelValues(kind, "error").Inc()
		log.Error().Err(err).Msg("Upstream relay failed, local record stays pending relay")
		return
	}
	telemetry.ForwardAttempts.WithLabelValues(kind, "ok").Inc()
}

// ForwardDecision relays one decision to the parent and writes the
// parent's verdict back onto the local record. Already forwarded
// decisions are skipped.
func (f *Forwarder) ForwardDecision(ctx context.Context, d *models.Decision) error {
	if d.ForwardedAt != nil {
		return nil
	}

	report := &models.Report{
		AgentID:   f.selfID,
		Timestamp: time.Now().UTC(),
		Status:    models.HealthWarning,
		Issues: []models.Issue{{
			Level:       models.LevelL2,
			Type:        d.IssueType,
			Description: d.IssueDescription,
			Severity:    models.SeverityHigh,
			ProposedFix: d.ProposedAction,
			Details: map[string]any{
				"originAgentId":    d.AgentID,
				"originDecisionId": d.ID,
			},
			DetectedAt: d.CreatedAt,
		}},
	}

	result, err := f.send(ctx, report, fmt.Sprintf("%s-decision-%d", f.selfID, d.ID))
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := f.store.MarkDecisionForwarded(ctx, d.ID, now); err != nil {
		return err
	}
	d.ForwardedAt = &now

	f.writeBackVerdict(ctx, d, result)
	return nil
}

// writeBackVerdict applies the parent's adjudication to the local
// record. A parent rejection overrides a local approval that has not
// executed yet, the stricter verdict always wins.
func (f *Forwarder) writeBackVerdict(ctx context.Context, d *models.Decision, result *intake.SubmitResult) {
	if result == nil || len(result.Decisions) == 0 {
		return
	}
	upstream := result.Decisions[0]
	if upstream.Error != "" {
		log.Warn().Int64("decisionID", d.ID).Str("error", upstream.Error).Msg("Parent could not adjudicate relayed decision")
		return
	}

	d.Analysis = appendLine(d.Analysis, fmt.Sprintf("upstream verdict: %s (remote decision %d)", upstream.Status, upstream.DecisionID))
	if upstream.Status == string(models.DecisionRejected) && d.Status == models.DecisionApproved {
		d.Status = models.DecisionRejected
		d.Rationale = appendLine(d.Rationale, "overridden by upstream rejection")
	}
	if err := f.store.UpdateDecision(ctx, d); err != nil {
		log.Error().Err(err).Int64("decisionID", d.ID).Msg("Failed to write back upstream verdict")
	}
}

// ForwardAlert relays one alert to the parent. Already forwarded
// alerts are skipped.
func (f *Forwarder) ForwardAlert(ctx context.Context, a *models.Alert) error {
	if a.ForwardedAt != nil {
		return nil
	}

	report := &models.Report{
		AgentID:   f.selfID,
		Timestamp: time.Now().UTC(),
		Status:    models.HealthCritical,
		Issues: []models.Issue{{
			Level:       models.LevelL3,
			Type:        a.Type,
			Description: a.Description,
			Severity:    a.Severity,
			Details: map[string]any{
				"originAgentId": a.AgentID,
				"originAlertId": a.ID,
			},
			DetectedAt: a.CreatedAt,
		}},
	}

	if _, err := f.send(ctx, report, fmt.Sprintf("%s-alert-%d", f.selfID, a.ID)); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := f.store.MarkAlertForwarded(ctx, a.ID, now); err != nil {
		return err
	}
	a.ForwardedAt = &now
	return nil
}

// send posts one wrapped report to the parent's report intake,
// retrying transient failures with exponential backoff. The
// idempotency key makes a resend of an already accepted item a no-op
// on the parent.
func (f *Forwarder) send(ctx context.Context, report *models.Report, idempotencyKey string) (*intake.SubmitResult, error) {
	const op = "forward.send"

	body, err := json.Marshal(report)
	if err != nil {
		return nil, internalerrors.Internal(op, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.retryInterval
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	var result *intake.SubmitResult
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.parentURL+"/api/reports", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
		if f.apiKey != "" {
			req.Header.Set("X-API-Key", f.apiKey)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("parent returned status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			// 4xx will not improve on retry.
			return backoff.Permanent(fmt.Errorf("parent rejected relay with status %d: %s", resp.StatusCode, respBody))
		}

		var parsed intake.SubmitResult
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding parent response: %w", err))
		}
		result = &parsed
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)); err != nil {
		return nil, internalerrors.External(op, err)
	}
	return result, nil
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	return s + "\n" + line
}
