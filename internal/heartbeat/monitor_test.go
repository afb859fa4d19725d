package heartbeat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshmon/meshmon/internal/bus"
	"github.com/meshmon/meshmon/internal/intents"
	"github.com/meshmon/meshmon/internal/models"
	"github.com/meshmon/meshmon/internal/store"
)

func newTestMonitor(t *testing.T, timeout time.Duration) (*Monitor, *store.Store, *bus.Bus) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "meshmon.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	events := bus.New()
	return NewMonitor(s, events, intents.NewRecorder(s), timeout, time.Minute), s, events
}

func onlineAgent(t *testing.T, s *store.Store, id string, lastHeartbeat time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertAgent(ctx, &models.Agent{ID: id, Name: id}); err != nil {
		t.Fatalf("UpsertAgent failed: %v", err)
	}
	if err := s.TouchHeartbeat(ctx, id, lastHeartbeat, models.HealthHealthy); err != nil {
		t.Fatalf("TouchHeartbeat failed: %v", err)
	}
}

func TestSweepFlipsStaleAgents(t *testing.T) {
	m, s, events := newTestMonitor(t, 5*time.Minute)
	ctx := context.Background()

	onlineAgent(t, s, "stale", time.Now().UTC().Add(-10*time.Minute))
	onlineAgent(t, s, "fresh", time.Now().UTC())

	ch, unsub := events.Subscribe(4)
	defer unsub()

	if flipped := m.Sweep(ctx); flipped != 1 {
		t.Fatalf("flipped = %d, want 1", flipped)
	}

	staleAgent, err := s.GetAgent(ctx, "stale")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if staleAgent.Status != models.AgentOffline {
		t.Errorf("stale agent status = %q, want offline", staleAgent.Status)
	}

	freshAgent, _ := s.GetAgent(ctx, "fresh")
	if freshAgent.Status != models.AgentOnline {
		t.Errorf("fresh agent status = %q, want online", freshAgent.Status)
	}

	select {
	case ev := <-ch:
		if ev.Type != bus.EventAgentStatusChanged {
			t.Fatalf("event type = %q", ev.Type)
		}
		data, ok := ev.Data.(bus.AgentStatusChanged)
		if !ok {
			t.Fatalf("unexpected payload %T", ev.Data)
		}
		if data.AgentID != "stale" || data.NewStatus != string(models.AgentOffline) {
			t.Errorf("payload = %+v", data)
		}
	default:
		t.Fatal("no agent_status_changed event published")
	}

	// No second event for the fresh agent.
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	m, s, events := newTestMonitor(t, 5*time.Minute)
	ctx := context.Background()

	onlineAgent(t, s, "stale", time.Now().UTC().Add(-10*time.Minute))

	ch, unsub := events.Subscribe(4)
	defer unsub()

	if flipped := m.Sweep(ctx); flipped != 1 {
		t.Fatalf("first sweep flipped = %d, want 1", flipped)
	}
	// The agent is offline now, a second sweep sees nothing to do.
	if flipped := m.Sweep(ctx); flipped != 0 {
		t.Fatalf("second sweep flipped = %d, want 0", flipped)
	}

	count := 0
	for _, ev := range drained(ch) {
		if ev.Type == bus.EventAgentStatusChanged {
			count++
		}
	}
	if count != 1 {
		t.Errorf("status change events = %d, want exactly 1", count)
	}
}

func TestSweepDoesNotFlipOfflineToOnline(t *testing.T) {
	m, s, _ := newTestMonitor(t, 5*time.Minute)
	ctx := context.Background()

	if err := s.UpsertAgent(ctx, &models.Agent{ID: "never-seen", Name: "n"}); err != nil {
		t.Fatalf("UpsertAgent failed: %v", err)
	}

	if flipped := m.Sweep(ctx); flipped != 0 {
		t.Fatalf("flipped = %d, want 0 (agent was already offline)", flipped)
	}
}

func TestSweepHonorsInjectedClock(t *testing.T) {
	m, s, _ := newTestMonitor(t, 5*time.Minute)
	ctx := context.Background()

	onlineAgent(t, s, "agent-1", time.Now().UTC())

	// Nothing is stale right now.
	if flipped := m.Sweep(ctx); flipped != 0 {
		t.Fatalf("flipped = %d, want 0", flipped)
	}

	// Jump the clock forward past the timeout.
	m.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	if flipped := m.Sweep(ctx); flipped != 1 {
		t.Fatalf("flipped after clock jump = %d, want 1", flipped)
	}
}

func drained(ch <-chan bus.Event) []bus.Event {
	var out []bus.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
