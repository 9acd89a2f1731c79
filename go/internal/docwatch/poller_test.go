package docwatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sidelinehq/sideline/go/internal/control"
	"github.com/sidelinehq/sideline/go/internal/models"
)

type fakeReader struct {
	mu       sync.Mutex
	sessions map[string]models.GameSession
}

func newFakeReader() *fakeReader {
	return &fakeReader{sessions: make(map[string]models.GameSession)}
}

func (r *fakeReader) put(session models.GameSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.GameID] = session
}

func (r *fakeReader) GetGameSession(ctx context.Context, gameID string) (*models.GameSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[gameID]
	if !ok {
		return nil, control.ErrNotFound
	}
	return &session, nil
}

func collectSnapshots() (SnapshotHandler, chan *models.GameSession) {
	ch := make(chan *models.GameSession, 16)
	return func(s *models.GameSession) { ch <- s }, ch
}

func waitSnapshot(t *testing.T, ch chan *models.GameSession) *models.GameSession {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func TestPollerDeliversSnapshots(t *testing.T) {
	reader := newFakeReader()
	reader.put(models.GameSession{GameID: "G1", Revision: 1})
	handler, snapshots := collectSnapshots()
	clock := clockwork.NewFakeClock()

	p := NewPoller(reader, handler, time.Second, clock)
	p.Watch("G1")
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	// Initial poll fires before the first tick.
	first := waitSnapshot(t, snapshots)
	if first.GameID != "G1" || first.Revision != 1 {
		t.Fatalf("unexpected first snapshot: %+v", first)
	}

	reader.put(models.GameSession{GameID: "G1", Revision: 2})
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	second := waitSnapshot(t, snapshots)
	if second.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", second.Revision)
	}
}

func TestPollerPausesWithoutWatchedGame(t *testing.T) {
	reader := newFakeReader()
	reader.put(models.GameSession{GameID: "G1", Revision: 1})
	handler, snapshots := collectSnapshots()
	clock := clockwork.NewFakeClock()

	p := NewPoller(reader, handler, time.Second, clock)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	clock.BlockUntil(1)
	clock.Advance(time.Second)

	select {
	case s := <-snapshots:
		t.Fatalf("snapshot delivered with no watched game: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}

	p.Watch("G1")
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	if got := waitSnapshot(t, snapshots); got.GameID != "G1" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestPollerSkipsMissingDocument(t *testing.T) {
	reader := newFakeReader()
	handler, snapshots := collectSnapshots()
	clock := clockwork.NewFakeClock()

	p := NewPoller(reader, handler, time.Second, clock)
	p.Watch("missing")
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	clock.BlockUntil(1)
	clock.Advance(time.Second)

	select {
	case s := <-snapshots:
		t.Fatalf("snapshot delivered for missing document: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPollerStartStop(t *testing.T) {
	reader := newFakeReader()
	handler, _ := collectSnapshots()

	p := NewPoller(reader, handler, time.Second, clockwork.NewFakeClock())
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := p.Start(ctx); err == nil {
		t.Fatal("second Start must fail")
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := p.Stop(); err == nil {
		t.Fatal("second Stop must fail")
	}
}
