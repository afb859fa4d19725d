// Package bus carries typed notification events from the core services to
// whoever wants them (the websocket hub, tests, future sinks). Business
// logic only ever publishes here; transport fan-out is a subscriber concern.
package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType identifies one of the four notification shapes the core emits.
type EventType string

const (
	EventReportReceived     EventType = "report_received"
	EventAlertTriggered     EventType = "alert_triggered"
	EventDecisionMade       EventType = "decision_made"
	EventAgentStatusChanged EventType = "agent_status_changed"
)

// Event is one notification. Data holds one of the payload structs below.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// ReportReceived announces a stored inspection report.
type ReportReceived struct {
	ReportID int64  `json:"reportId"`
	AgentID  string `json:"agentId"`
	Status   string `json:"status"`
	Issues   int    `json:"issues"`
}

// AlertTriggered announces a newly created alert.
type AlertTriggered struct {
	AlertID     int64  `json:"alertId"`
	AgentID     string `json:"agentId"`
	Level       string `json:"level"`
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// DecisionMade announces an adjudicated or updated decision.
type DecisionMade struct {
	DecisionID int64  `json:"decisionId"`
	AgentID    string `json:"agentId"`
	Status     string `json:"status"`
	IssueType  string `json:"issueType"`
}

// AgentStatusChanged announces a liveness flip.
type AgentStatusChanged struct {
	AgentID   string `json:"agentId"`
	OldStatus string `json:"oldStatus"`
	NewStatus string `json:"newStatus"`
	Reason    string `json:"reason"`
}

// Bus is a fan-out broadcaster. Subscribers that fall behind lose events
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel together
// with an unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(eventType EventType, data any) {
	event := Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			log.Warn().Str("event", string(eventType)).Msg("Dropping event for slow subscriber")
		}
	}
}

// SubscriberCount returns how many subscribers are attached.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
