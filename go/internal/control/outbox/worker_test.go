package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sidelinehq/sideline/go/internal/control"
)

type fakeOutboxStore struct {
	mu     sync.Mutex
	events []control.OutboxEvent
	sent   map[string]bool
}

func newFakeOutboxStore(events ...control.OutboxEvent) *fakeOutboxStore {
	return &fakeOutboxStore{events: events, sent: make(map[string]bool)}
}

func (s *fakeOutboxStore) FetchPendingOutboxEvents(ctx context.Context, limit int32) ([]control.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []control.OutboxEvent
	for _, e := range s.events {
		if !s.sent[e.ID] && int32(len(pending)) < limit {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

func (s *fakeOutboxStore) MarkOutboxEventSent(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[eventID] = true
	return nil
}

func (s *fakeOutboxStore) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []control.OutboxEvent
	failFirst map[string]int
}

func (p *fakePublisher) Publish(ctx context.Context, event control.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.failFirst[event.ID]; n > 0 {
		p.failFirst[event.ID] = n - 1
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, event)
	return nil
}

func (p *fakePublisher) publishedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.published))
	for _, e := range p.published {
		ids = append(ids, e.ID)
	}
	return ids
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    100,
		MaxRetries:   2,
		RetryDelay:   time.Millisecond,
	}
}

func event(id, gameID, eventType string) control.OutboxEvent {
	return control.OutboxEvent{ID: id, GameID: gameID, EventType: eventType, CreatedAt: time.Now()}
}

func TestProcessOutboxPublishesAndMarksSent(t *testing.T) {
	store := newFakeOutboxStore(
		event("e1", "G1", control.EventControlGranted),
		event("e2", "G1", control.EventControlReleased),
	)
	pub := &fakePublisher{}
	w := NewWorker(store, pub, testConfig(), testLogger())

	w.processOutbox(context.Background())

	if got := pub.publishedIDs(); len(got) != 2 {
		t.Fatalf("expected 2 published events, got %v", got)
	}
	if store.sentCount() != 2 {
		t.Fatalf("expected 2 sent events, got %d", store.sentCount())
	}

	// A second pass finds nothing pending.
	w.processOutbox(context.Background())
	if got := pub.publishedIDs(); len(got) != 2 {
		t.Fatalf("sent events republished: %v", got)
	}
}

func TestPublishRetriesTransientFailure(t *testing.T) {
	store := newFakeOutboxStore(event("e1", "G1", control.EventGameStarted))
	pub := &fakePublisher{failFirst: map[string]int{"e1": 2}}
	w := NewWorker(store, pub, testConfig(), testLogger())

	w.processOutbox(context.Background())

	if got := pub.publishedIDs(); len(got) != 1 {
		t.Fatalf("expected publish to succeed after retries, got %v", got)
	}
	if store.sentCount() != 1 {
		t.Fatalf("expected event marked sent, got %d", store.sentCount())
	}
}

func TestFailedEventStaysPending(t *testing.T) {
	store := newFakeOutboxStore(
		event("e1", "G1", control.EventControlGranted),
		event("e2", "G1", control.EventControlReleased),
	)
	pub := &fakePublisher{failFirst: map[string]int{"e1": 10}}
	w := NewWorker(store, pub, testConfig(), testLogger())

	w.processOutbox(context.Background())

	if got := pub.publishedIDs(); len(got) != 1 || got[0] != "e2" {
		t.Fatalf("expected only e2 published, got %v", got)
	}
	if store.sent["e1"] {
		t.Fatal("failed event must stay pending")
	}

	// The broker recovers; the next poll drains the stuck row.
	pub.mu.Lock()
	pub.failFirst["e1"] = 0
	pub.mu.Unlock()
	w.processOutbox(context.Background())
	if !store.sent["e1"] {
		t.Fatal("recovered event still pending")
	}
}

func TestWorkerStartStop(t *testing.T) {
	store := newFakeOutboxStore(event("e1", "G1", control.EventControlGranted))
	pub := &fakePublisher{}
	w := NewWorker(store, pub, testConfig(), testLogger())

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := w.Start(ctx); err == nil {
		t.Fatal("second Start must fail")
	}

	deadline := time.Now().Add(time.Second)
	for store.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.sentCount() != 1 {
		t.Fatal("worker did not drain the outbox")
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := w.Stop(); err == nil {
		t.Fatal("second Stop must fail")
	}
}
