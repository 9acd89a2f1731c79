package gamestart

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type startRecorder struct {
	mu    sync.Mutex
	games []string
	ch    chan string
}

func newStartRecorder() *startRecorder {
	return &startRecorder{ch: make(chan string, 8)}
}

func (r *startRecorder) onStart(gameID string) {
	r.mu.Lock()
	r.games = append(r.games, gameID)
	r.mu.Unlock()
	r.ch <- gameID
}

func (r *startRecorder) starts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.games...)
}

func (r *startRecorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.ch:
		return id
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for start callback")
		return ""
	}
}

func (r *startRecorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case id := <-r.ch:
		t.Fatalf("unexpected start callback for %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPeerSignalFiresAfterDelay(t *testing.T) {
	rec := newStartRecorder()
	clock := clockwork.NewFakeClock()
	c := NewCoordinator(rec.onStart, DefaultPeerDelay, clock)

	c.PeerGameStarting(context.Background(), "G1")
	rec.expectNone(t)

	clock.BlockUntil(1)
	clock.Advance(DefaultPeerDelay)

	if got := rec.wait(t); got != "G1" {
		t.Fatalf("started wrong game %q", got)
	}
	if !c.Delivered("G1") {
		t.Fatal("latch not set after delivery")
	}
}

func TestDocumentSignalFiresImmediately(t *testing.T) {
	rec := newStartRecorder()
	c := NewCoordinator(rec.onStart, DefaultPeerDelay, clockwork.NewFakeClock())

	c.DocumentGameActive("G1")

	if got := rec.wait(t); got != "G1" {
		t.Fatalf("started wrong game %q", got)
	}
}

func TestDocumentWinsInsideDelayWindow(t *testing.T) {
	rec := newStartRecorder()
	clock := clockwork.NewFakeClock()
	c := NewCoordinator(rec.onStart, DefaultPeerDelay, clock)

	// Peer signal arms the timer, document signal lands inside the window.
	c.PeerGameStarting(context.Background(), "G1")
	clock.BlockUntil(1)
	c.DocumentGameActive("G1")

	if got := rec.wait(t); got != "G1" {
		t.Fatalf("started wrong game %q", got)
	}

	// The cancelled timer must not deliver a second start.
	clock.Advance(DefaultPeerDelay)
	rec.expectNone(t)

	if got := rec.starts(); len(got) != 1 {
		t.Fatalf("expected exactly one start, got %v", got)
	}
}

func TestBothOrdersDeliverExactlyOnce(t *testing.T) {
	tests := []struct {
		name  string
		first func(c *Coordinator, ctx context.Context, clock *clockwork.FakeClock)
		then  func(c *Coordinator, ctx context.Context, clock *clockwork.FakeClock)
	}{
		{
			name: "peer then document after latch",
			first: func(c *Coordinator, ctx context.Context, clock *clockwork.FakeClock) {
				c.PeerGameStarting(ctx, "G1")
				clock.BlockUntil(1)
				clock.Advance(DefaultPeerDelay)
			},
			then: func(c *Coordinator, ctx context.Context, clock *clockwork.FakeClock) {
				c.DocumentGameActive("G1")
			},
		},
		{
			name: "document then peer",
			first: func(c *Coordinator, ctx context.Context, clock *clockwork.FakeClock) {
				c.DocumentGameActive("G1")
			},
			then: func(c *Coordinator, ctx context.Context, clock *clockwork.FakeClock) {
				c.PeerGameStarting(ctx, "G1")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newStartRecorder()
			clock := clockwork.NewFakeClock()
			c := NewCoordinator(rec.onStart, DefaultPeerDelay, clock)
			ctx := context.Background()

			tt.first(c, ctx, clock)
			rec.wait(t)

			tt.then(c, ctx, clock)
			rec.expectNone(t)

			if got := rec.starts(); len(got) != 1 {
				t.Fatalf("expected exactly one start, got %v", got)
			}
			if c.SuppressedDuplicates() != 1 {
				t.Fatalf("expected 1 suppressed duplicate, got %d", c.SuppressedDuplicates())
			}
		})
	}
}

func TestRepeatedPeerSignalsSuppressed(t *testing.T) {
	rec := newStartRecorder()
	clock := clockwork.NewFakeClock()
	c := NewCoordinator(rec.onStart, DefaultPeerDelay, clock)
	ctx := context.Background()

	c.PeerGameStarting(ctx, "G1")
	c.PeerGameStarting(ctx, "G1")
	c.PeerGameStarting(ctx, "G1")

	clock.BlockUntil(1)
	clock.Advance(DefaultPeerDelay)
	rec.wait(t)

	if got := rec.starts(); len(got) != 1 {
		t.Fatalf("expected exactly one start, got %v", got)
	}
	if c.SuppressedDuplicates() != 2 {
		t.Fatalf("expected 2 suppressed duplicates, got %d", c.SuppressedDuplicates())
	}
}

func TestContextCancelStopsPendingTimer(t *testing.T) {
	rec := newStartRecorder()
	clock := clockwork.NewFakeClock()
	c := NewCoordinator(rec.onStart, DefaultPeerDelay, clock)

	ctx, cancel := context.WithCancel(context.Background())
	c.PeerGameStarting(ctx, "G1")
	clock.BlockUntil(1)
	cancel()

	// Give the watcher goroutine a moment to observe the cancel.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		pending := len(c.pending)
		c.mu.Unlock()
		if pending == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	clock.Advance(DefaultPeerDelay)
	rec.expectNone(t)
	if c.Delivered("G1") {
		t.Fatal("cancelled timer still delivered")
	}
}

func TestResetClearsLatch(t *testing.T) {
	rec := newStartRecorder()
	c := NewCoordinator(rec.onStart, DefaultPeerDelay, clockwork.NewFakeClock())

	c.DocumentGameActive("G1")
	rec.wait(t)
	c.DocumentGameActive("G1")
	rec.expectNone(t)

	c.Reset()
	if c.Delivered("G1") || c.SuppressedDuplicates() != 0 {
		t.Fatal("Reset did not clear coordinator state")
	}

	c.DocumentGameActive("G1")
	rec.wait(t)
}
