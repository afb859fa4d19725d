// Package heartbeat flips silent agents offline.
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshmon/meshmon/internal/bus"
	"github.com/meshmon/meshmon/internal/intents"
	"github.com/meshmon/meshmon/internal/models"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/internal/telemetry"
)

const (
	// DefaultTimeout is how long an agent may stay silent before it is
	// considered offline.
	DefaultTimeout = 5 * time.Minute
	// DefaultInterval is how often the scan runs.
	DefaultInterval = 60 * time.Second
)

// Monitor periodically scans online agents and marks stale ones
// offline. It never flips agents back online, a fresh report or
// heartbeat does that through the intake path.
type Monitor struct {
	store    *store.Store
	events   *bus.Bus
	recorder *intents.Recorder
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewMonitor(s *store.Store, events *bus.Bus, recorder *intents.Recorder, timeout, interval time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		store:    s,
		events:   events,
		recorder: recorder,
		timeout:  timeout,
		interval: interval,
		now:      time.Now,
	}
}

// Run ticks until the context is cancelled. One scan runs immediately
// on startup so a restart does not leave stale agents online for a
// full interval.
func (m *Monitor) Run(ctx context.Context) {
	log.Info().
		Dur("timeout", m.timeout).
		Dur("interval", m.interval).
		Msg("Heartbeat monitor started")

	m.Sweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Heartbeat monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one scan pass and returns how many agents were flipped
// offline. Each flip uses a compare-and-set on the observed heartbeat
// so a report arriving mid-scan wins over the flip.
func (m *Monitor) Sweep(ctx context.Context) int {
	cutoff := m.now().UTC().Add(-m.timeout)

	stale, err := m.store.ListStaleOnlineAgents(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Heartbeat scan failed")
		return 0
	}

	flipped := 0
	for _, agent := range stale {
		ok, err := m.store.MarkAgentOffline(ctx, agent.ID, agent.LastHeartbeat)
		if err != nil {
			log.Error().Err(err).Str("agentID", agent.ID).Msg("Failed to mark agent offline")
			continue
		}
		if !ok {
			// A fresh heartbeat landed between the scan and the flip.
			continue
		}
		flipped++
		telemetry.HeartbeatFlips.Inc()

		log.Warn().
			Str("agentID", agent.ID).
			Str("name", agent.Name).
			Time("lastHeartbeat", derefTime(agent.LastHeartbeat)).
			Msg("Agent went offline")

		m.recorder.RecordMilestone(ctx, agent.ID, "liveness",
			"agent marked offline after heartbeat timeout",
			map[string]any{"timeoutSeconds": int(m.timeout.Seconds())})

		m.events.Publish(bus.EventAgentStatusChanged, bus.AgentStatusChanged{
			AgentID:   agent.ID,
			OldStatus: string(models.AgentOnline),
			NewStatus: string(models.AgentOffline),
			Reason:    "heartbeat timeout",
		})
	}

	if ov, err := m.store.GetOverview(ctx); err == nil {
		telemetry.AgentsOnline.WithLabelValues(string(models.AgentOnline)).Set(float64(ov.OnlineAgents))
		telemetry.AgentsOnline.WithLabelValues(string(models.AgentOffline)).Set(float64(ov.OfflineAgents))
	}
	return flipped
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
