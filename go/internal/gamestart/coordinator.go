// Package gamestart coordinates the recorder-side reaction to a game
// starting. The start signal arrives on two channels, a peer message and the
// shared document, in no guaranteed order. The coordinator collapses both
// into exactly one callback per game.
package gamestart

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultPeerDelay is how long a peer start signal waits before firing. The
// peer message usually lands before the document write commits; the delay
// lets the document catch up so downstream reads see the started game.
const DefaultPeerDelay = 300 * time.Millisecond

// StartFunc is invoked exactly once per game when the start signal latches.
type StartFunc func(gameID string)

// Coordinator latches the game start signal. Per game the first signal wins,
// every later one from either channel is suppressed and counted.
type Coordinator struct {
	clock       clockwork.Clock
	delay       time.Duration
	onGameStart StartFunc

	mu         sync.Mutex
	delivered  map[string]bool
	pending    map[string]clockwork.Timer
	suppressed int
}

func NewCoordinator(onGameStart StartFunc, delay time.Duration, clock clockwork.Clock) *Coordinator {
	if delay <= 0 {
		delay = DefaultPeerDelay
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		clock:       clock,
		delay:       delay,
		onGameStart: onGameStart,
		delivered:   make(map[string]bool),
		pending:     make(map[string]clockwork.Timer),
	}
}

// PeerGameStarting handles a start signal from the peer channel. Delivery is
// deferred by the configured delay; a document signal arriving inside the
// window takes over and cancels the timer.
func (c *Coordinator) PeerGameStarting(ctx context.Context, gameID string) {
	c.mu.Lock()
	if c.delivered[gameID] {
		c.suppressed++
		c.mu.Unlock()
		log.Debug().Str("game_id", gameID).Msg("peer start signal suppressed, already delivered")
		return
	}
	if _, exists := c.pending[gameID]; exists {
		c.suppressed++
		c.mu.Unlock()
		log.Debug().Str("game_id", gameID).Msg("peer start signal suppressed, timer pending")
		return
	}

	timer := c.clock.NewTimer(c.delay)
	c.pending[gameID] = timer
	c.mu.Unlock()

	log.Info().
		Str("game_id", gameID).
		Dur("delay", c.delay).
		Msg("peer start signal received, delay timer armed")

	go func() {
		select {
		case <-timer.Chan():
			c.deliverFromTimer(gameID, timer)
		case <-ctx.Done():
			c.mu.Lock()
			if c.pending[gameID] == timer {
				delete(c.pending, gameID)
			}
			c.mu.Unlock()
			stopAndDrainTimer(timer)
			log.Debug().Str("game_id", gameID).Msg("start delay timer cancelled")
		}
	}()
}

// DocumentGameActive handles the document channel reporting the game as
// started. It fires immediately and cancels any pending peer timer.
func (c *Coordinator) DocumentGameActive(gameID string) {
	c.mu.Lock()
	if c.delivered[gameID] {
		c.suppressed++
		c.mu.Unlock()
		log.Debug().Str("game_id", gameID).Msg("document start signal suppressed, already delivered")
		return
	}
	if timer, exists := c.pending[gameID]; exists {
		stopAndDrainTimer(timer)
		delete(c.pending, gameID)
		log.Debug().Str("game_id", gameID).Msg("document signal won, peer timer cancelled")
	}
	c.delivered[gameID] = true
	c.mu.Unlock()

	c.fire(gameID, "document")
}

// deliverFromTimer latches the game when its delay timer fires. The timer
// identity check guards against a stale goroutine for a replaced timer.
func (c *Coordinator) deliverFromTimer(gameID string, timer clockwork.Timer) {
	c.mu.Lock()
	if c.pending[gameID] != timer || c.delivered[gameID] {
		c.mu.Unlock()
		return
	}
	delete(c.pending, gameID)
	c.delivered[gameID] = true
	c.mu.Unlock()

	c.fire(gameID, "peer")
}

func (c *Coordinator) fire(gameID, channel string) {
	log.Info().
		Str("game_id", gameID).
		Str("channel", channel).
		Msg("game start latched")
	if c.onGameStart != nil {
		c.onGameStart(gameID)
	}
}

// Delivered reports whether the start signal already latched for the game.
func (c *Coordinator) Delivered(gameID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered[gameID]
}

// SuppressedDuplicates returns how many redundant start signals were dropped.
func (c *Coordinator) SuppressedDuplicates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suppressed
}

// Reset clears the latch and cancels pending timers, for a fresh session.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for gameID, timer := range c.pending {
		stopAndDrainTimer(timer)
		delete(c.pending, gameID)
	}
	c.delivered = make(map[string]bool)
	c.suppressed = 0
}

// stopAndDrainTimer safely stops a timer and drains its channel to prevent
// goroutine leaks.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
