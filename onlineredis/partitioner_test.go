package onlineredis

import (
	"sync"
	"testing"
)

type recordingHandler struct {
	mu            sync.Mutex
	subscribed    []string
	unsubscribed  []string
	messages      map[string][]byte
	errs          map[string]error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{messages: make(map[string][]byte), errs: make(map[string]error)}
}

func (h *recordingHandler) OnSubscribed(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribed = append(h.subscribed, channel)
}

func (h *recordingHandler) OnMessage(channel string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[channel] = payload
}

func (h *recordingHandler) OnUnsubscribed(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribed = append(h.unsubscribed, channel)
}

func (h *recordingHandler) OnError(channel string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs[channel] = err
}

type countingMetrics struct {
	mu     sync.Mutex
	errors map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{errors: make(map[string]int)}
}

func (m *countingMetrics) RecordAvailabilityError(partition string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[partition]++
}

// Nodes in these tests are never started, so they never become available;
// this exercises the retained-map bookkeeping and no-connected-node paths
// without requiring a live Redis server.

func TestSubscribeRetainsWithoutConnectedNode(t *testing.T) {
	p := New(Config{
		"p0": {{Name: "p0-primary", Addr: "127.0.0.1:1"}},
	}, nil)

	h := newRecordingHandler()
	if err := p.Subscribe("user-1", "on:user-1:1", h); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !p.IsSubscribed("on:user-1:1") {
		t.Fatal("expected channel to be retained even with no connected node")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subscribed) != 0 {
		t.Fatalf("handler should not be acked with zero connected nodes, got %v", h.subscribed)
	}
}

func TestPublishWithNoConnectedNodeReportsErrorAndMetric(t *testing.T) {
	m := newCountingMetrics()
	p := New(Config{
		"p0": {{Name: "p0-primary", Addr: "127.0.0.1:1"}},
	}, m)

	var got Status
	var gotReply Reply
	done := make(chan struct{})
	p.Publish("user-1", "on:user-1:1", []byte("hi"), func(status Status, reply Reply) {
		got = status
		gotReply = reply
		close(done)
	})
	<-done

	if got != StatusErr {
		t.Fatalf("expected StatusErr, got %v", got)
	}
	if gotReply.SubscriberCount != 0 {
		t.Fatalf("expected zero subscriber count, got %d", gotReply.SubscriberCount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errors["p0"] != 1 {
		t.Fatalf("expected one availability error recorded for p0, got %d", m.errors["p0"])
	}
}

func TestUnsubscribeFiresHandlerAndClearsRetained(t *testing.T) {
	p := New(Config{
		"p0": {{Name: "p0-primary", Addr: "127.0.0.1:1"}},
	}, nil)

	h := newRecordingHandler()
	_ = p.Subscribe("user-1", "on:user-1:1", h)
	if err := p.Unsubscribe("user-1", "on:user-1:1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if p.IsSubscribed("on:user-1:1") {
		t.Fatal("expected channel to no longer be retained")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.unsubscribed) != 1 || h.unsubscribed[0] != "on:user-1:1" {
		t.Fatalf("expected OnUnsubscribed to fire once for the channel, got %v", h.unsubscribed)
	}
}
