// Package control arbitrates exclusive control of a game session through the
// shared durable document. Ownership is contested by convention: the store
// enforces no mutual exclusion, so concurrent grants resolve last-write-wins
// and diverging local caches converge on their next reconcile.
package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sidelinehq/sideline/go/internal/models"
)

// SessionRepository is the slice of the repository the arbiter needs.
type SessionRepository interface {
	GetGameSession(ctx context.Context, gameID string) (*models.GameSession, error)
	SetControlRequested(ctx context.Context, gameID, identity string) (*models.GameSession, error)
	SetControl(ctx context.Context, gameID, deviceID, userIdentity string) (*models.GameSession, error)
	ClearControl(ctx context.Context, gameID string) (*models.GameSession, error)
	MarkGameStarted(ctx context.Context, gameID string) (*models.GameSession, error)
}

// Arbiter owns this device's view of control for game sessions. The cached
// hasControl/canRequestControl pair is recomputed from every snapshot the
// device observes and is never the source of truth.
type Arbiter struct {
	deviceID string
	repo     SessionRepository

	mu           sync.Mutex
	hasControl   bool
	canRequest   bool
	lastSnapshot *models.GameSession
}

// NewArbiter creates an arbiter for the local device identifier.
func NewArbiter(deviceID string, repo SessionRepository) *Arbiter {
	return &Arbiter{deviceID: deviceID, repo: repo}
}

// RequestControl records intent to take control of the game. It never grants
// control; a human or process elsewhere approves the request.
func (a *Arbiter) RequestControl(ctx context.Context, gameID, requestingIdentity string) error {
	if gameID == "" {
		return ErrMissingGameID
	}
	if requestingIdentity == "" {
		return ErrMissingIdentity
	}

	session, err := a.repo.SetControlRequested(ctx, gameID, requestingIdentity)
	if err != nil {
		return fmt.Errorf("request control of %s: %w", gameID, err)
	}
	a.applySnapshot(session)

	log.Info().
		Str("game_id", gameID).
		Str("requested_by", requestingIdentity).
		Msg("control requested")
	return nil
}

// GrantControl assigns control of the game to this device on behalf of the
// given user identity. Device ID, user identity and the cleared request field
// land in a single write.
func (a *Arbiter) GrantControl(ctx context.Context, gameID, toIdentity string) error {
	if gameID == "" {
		return ErrMissingGameID
	}
	if toIdentity == "" {
		return ErrMissingIdentity
	}

	session, err := a.repo.SetControl(ctx, gameID, a.deviceID, toIdentity)
	if err != nil {
		return fmt.Errorf("grant control of %s: %w", gameID, err)
	}
	a.applySnapshot(session)

	log.Info().
		Str("game_id", gameID).
		Str("identity", toIdentity).
		Int64("revision", session.Revision).
		Msg("control granted to this device")
	return nil
}

// ReleaseControl clears control of the game entirely.
func (a *Arbiter) ReleaseControl(ctx context.Context, gameID string) error {
	if gameID == "" {
		return ErrMissingGameID
	}

	session, err := a.repo.ClearControl(ctx, gameID)
	if err != nil {
		return fmt.Errorf("release control of %s: %w", gameID, err)
	}
	a.applySnapshot(session)

	log.Info().
		Str("game_id", gameID).
		Int64("revision", session.Revision).
		Msg("control released")
	return nil
}

// StartGame stamps the game as started in the document. Controller side; the
// peer channel carries the same transition redundantly.
func (a *Arbiter) StartGame(ctx context.Context, gameID string) (*models.GameSession, error) {
	if gameID == "" {
		return nil, ErrMissingGameID
	}

	session, err := a.repo.MarkGameStarted(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("start game %s: %w", gameID, err)
	}
	a.applySnapshot(session)

	log.Info().
		Str("game_id", gameID).
		Time("started_at", *session.StartedAt).
		Msg("game started")
	return session, nil
}

// Reconcile reads the document and recomputes the cached control booleans
// against it.
func (a *Arbiter) Reconcile(ctx context.Context, gameID string) (*models.GameSession, error) {
	if gameID == "" {
		return nil, ErrMissingGameID
	}

	session, err := a.repo.GetGameSession(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", gameID, err)
	}
	a.applySnapshot(session)
	return session, nil
}

// ApplySnapshot reconciles against a snapshot pushed from the document
// channel instead of a direct read.
func (a *Arbiter) ApplySnapshot(session *models.GameSession) {
	if session == nil {
		return
	}
	a.applySnapshot(session)
}

// HasControl reports whether the last observed snapshot named this device as
// controller.
func (a *Arbiter) HasControl() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasControl
}

// CanRequestControl reports whether the last observed snapshot had no
// controlling device.
func (a *Arbiter) CanRequestControl() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canRequest
}

// LastSnapshot returns the most recently observed document snapshot, or nil
// before the first reconcile.
func (a *Arbiter) LastSnapshot() *models.GameSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSnapshot
}

func (a *Arbiter) applySnapshot(session *models.GameSession) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Snapshots can arrive out of order across the poll and broker paths;
	// never step back to an older revision.
	if a.lastSnapshot != nil && session.Revision < a.lastSnapshot.Revision {
		return
	}

	hadControl := a.hasControl
	a.hasControl = session.ControlledBy(a.deviceID)
	a.canRequest = !session.Controlled()
	a.lastSnapshot = session

	if hadControl != a.hasControl {
		log.Info().
			Str("game_id", session.GameID).
			Bool("has_control", a.hasControl).
			Int64("revision", session.Revision).
			Msg("local control state changed")
	}
}
