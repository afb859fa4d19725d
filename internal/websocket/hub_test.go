package websocket

import (
	"testing"
	"time"

	"github.com/meshmon/meshmon/internal/bus"
)

func waitForClientCount(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", h.ClientCount(), want)
}

func TestHubDropsSlowClientAndKeepsServing(t *testing.T) {
	h := NewHub()
	events := make(chan bus.Event)
	go h.Run(events)
	defer close(events)

	slow := &Client{id: "slow", hub: h, send: make(chan []byte, 1)}
	h.register <- slow
	waitForClientCount(t, h, 1)

	// Nobody drains slow's buffer: the first event fills it, the
	// second overflows it and must evict the client.
	events <- bus.Event{Type: bus.EventReportReceived, Data: bus.ReportReceived{ReportID: 1}}
	events <- bus.Event{Type: bus.EventReportReceived, Data: bus.ReportReceived{ReportID: 2}}
	waitForClientCount(t, h, 0)

	// The hub must still accept registrations afterwards.
	fresh := &Client{id: "fresh", hub: h, send: make(chan []byte, 4)}
	select {
	case h.register <- fresh:
	case <-time.After(2 * time.Second):
		t.Fatal("hub stopped accepting registrations after dropping a slow client")
	}
	waitForClientCount(t, h, 1)

	events <- bus.Event{Type: bus.EventAlertTriggered, Data: bus.AlertTriggered{AlertID: 7}}
	select {
	case msg := <-fresh.send:
		if len(msg) == 0 {
			t.Fatal("empty broadcast payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("surviving client never received the broadcast")
	}

	// The evicted client's channel was closed after delivering its
	// single buffered message.
	<-slow.send
	if _, open := <-slow.send; open {
		t.Error("slow client's send channel was not closed")
	}
}

func TestHubUnregisterIsIdempotent(t *testing.T) {
	h := NewHub()
	events := make(chan bus.Event)
	go h.Run(events)
	defer close(events)

	c := &Client{id: "c", hub: h, send: make(chan []byte, 1)}
	h.register <- c
	waitForClientCount(t, h, 1)

	h.unregister <- c
	waitForClientCount(t, h, 0)

	// A second unregister, as readPump's deferred cleanup would issue
	// after an eviction, must not panic or block.
	select {
	case h.unregister <- c:
	case <-time.After(2 * time.Second):
		t.Fatal("hub blocked on repeated unregister")
	}
	waitForClientCount(t, h, 0)
}
