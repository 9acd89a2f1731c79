package docwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/sidelinehq/sideline/go/internal/control"
	"github.com/sidelinehq/sideline/go/internal/models"
)

// SessionReader is the slice of the repository the poller reads.
type SessionReader interface {
	GetGameSession(ctx context.Context, gameID string) (*models.GameSession, error)
}

const defaultPollInterval = 2 * time.Second

// Poller periodically reads the watched game's document and feeds snapshots
// to the handler. It backstops the broker path: a device that missed pushed
// snapshots still converges within one poll interval.
type Poller struct {
	reader   SessionReader
	handler  SnapshotHandler
	interval time.Duration
	clock    clockwork.Clock

	mu      sync.Mutex
	gameID  string
	running bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewPoller(reader SessionReader, handler SnapshotHandler, interval time.Duration, clock clockwork.Clock) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{
		reader:   reader,
		handler:  handler,
		interval: interval,
		clock:    clock,
		stopChan: make(chan struct{}),
	}
}

// Watch sets the game whose document is polled. An empty game ID pauses
// polling without stopping the loop.
func (p *Poller) Watch(gameID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gameID = gameID
}

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("document poller already running")
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)

	log.Info().Dur("interval", p.interval).Msg("document poller started")
	return nil
}

func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("document poller not running")
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	log.Info().Msg("document poller stopped")
	return nil
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.Chan():
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	p.mu.Lock()
	gameID := p.gameID
	p.mu.Unlock()

	if gameID == "" {
		return
	}

	snapshot, err := p.reader.GetGameSession(ctx, gameID)
	if err != nil {
		if errors.Is(err, control.ErrNotFound) {
			log.Warn().Str("game_id", gameID).Msg("watched game has no document")
			return
		}
		log.Error().Err(err).Str("game_id", gameID).Msg("document poll failed")
		return
	}

	log.Debug().
		Str("game_id", gameID).
		Int64("revision", snapshot.Revision).
		Msg("observed polled snapshot")

	p.handler(snapshot)
}
