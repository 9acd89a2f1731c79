// Package session owns one device's live-game coordination session: the peer
// transport, pairing negotiation, connection state, control arbitration, and
// the game start handoff, behind a single explicitly constructed handle.
// Nothing here is a singleton; the caller builds a session, starts it, and
// closes it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sidelinehq/sideline/go/internal/connstate"
	"github.com/sidelinehq/sideline/go/internal/control"
	"github.com/sidelinehq/sideline/go/internal/gamestart"
	"github.com/sidelinehq/sideline/go/internal/models"
	"github.com/sidelinehq/sideline/go/internal/notify"
	"github.com/sidelinehq/sideline/go/internal/pairing"
	"github.com/sidelinehq/sideline/go/internal/peerlink"
)

// Transport is the slice of the peer transport the session drives.
type Transport interface {
	SetHandlers(h peerlink.Handlers)
	SendGameStarting(gameID string) error
	SendGameAlreadyStarted(gameID string) error
	Close() error
}

// Poller is the document poll loop the session owns.
type Poller interface {
	Watch(gameID string)
	Start(ctx context.Context) error
	Stop() error
}

// Config carries the identity and hooks for one session.
type Config struct {
	Self      models.PeerIdentity
	LocalRole models.Role

	// UserIdentity is the signed-in identity used for control requests.
	UserIdentity string
}

// Session is the explicit handle for one device's coordination session.
type Session struct {
	cfg        Config
	transport  Transport
	negotiator *pairing.Negotiator
	conn       *connstate.Machine
	arbiter    *control.Arbiter
	starter    *gamestart.Coordinator
	poller     Poller
	notifier   notify.Notifier

	mu      sync.Mutex
	gameID  string
	started bool
	closed  bool

	cancel context.CancelFunc
}

// Deps are the collaborators a session is built from. All are required
// except Starter, which only the recorder role uses, and Notifier, which
// falls back to the log.
type Deps struct {
	Transport  Transport
	Negotiator *pairing.Negotiator
	Conn       *connstate.Machine
	Arbiter    *control.Arbiter
	Starter    *gamestart.Coordinator
	Poller     Poller
	Notifier   notify.Notifier
}

func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.Self.ID == "" {
		return nil, errors.New("session: device identity is required")
	}
	if !cfg.LocalRole.Valid() {
		return nil, fmt.Errorf("session: invalid role %q", cfg.LocalRole)
	}
	if deps.Transport == nil || deps.Negotiator == nil || deps.Conn == nil || deps.Arbiter == nil || deps.Poller == nil {
		return nil, errors.New("session: missing required dependency")
	}
	if cfg.LocalRole == models.RoleRecorder && deps.Starter == nil {
		return nil, errors.New("session: recorder requires a start coordinator")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{}
	}

	s := &Session{
		cfg:        cfg,
		transport:  deps.Transport,
		negotiator: deps.Negotiator,
		conn:       deps.Conn,
		arbiter:    deps.Arbiter,
		starter:    deps.Starter,
		poller:     deps.Poller,
		notifier:   deps.Notifier,
	}

	s.negotiator.OnEstablished(s.handleEstablished)
	return s, nil
}

// Start activates pairing in the mode matching the local role and begins
// watching the shared document.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session: already started")
	}
	if s.closed {
		s.mu.Unlock()
		return errors.New("session: closed")
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.transport.SetHandlers(peerlink.Handlers{
		PeerDiscovered: func(peer models.PeerIdentity) {
			s.negotiator.HandlePeerDiscovered(peer)
			s.conn.PeerDiscovered(peer)
		},
		Connected: func(peer models.PeerIdentity, remoteRole models.Role) {
			s.negotiator.HandleConnected(peer, remoteRole)
		},
		GameStarting: func(gameID string) {
			s.handlePeerGameStarting(ctx, gameID)
		},
		GameAlreadyStarted: s.handlePeerGameAlreadyStarted,
	})

	if err := s.negotiator.Activate(ctx); err != nil {
		cancel()
		return err
	}
	s.conn.Activate()

	if err := s.poller.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("session: start document poller: %w", err)
	}

	log.Info().
		Str("device_id", s.cfg.Self.ID).
		Str("role", string(s.cfg.LocalRole)).
		Msg("session started")
	return nil
}

// SetGame selects the game this session coordinates. The document poller
// follows the watched game.
func (s *Session) SetGame(gameID string) {
	s.mu.Lock()
	s.gameID = gameID
	s.mu.Unlock()
	s.poller.Watch(gameID)
}

// GameID returns the currently watched game, or "".
func (s *Session) GameID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gameID
}

// StartGame marks the game started in the shared document and signals the
// peer. Controller side: the two channels are redundant on purpose, the
// recorder deduplicates.
func (s *Session) StartGame(ctx context.Context, gameID string) error {
	if s.cfg.LocalRole != models.RoleController {
		return errors.New("session: only the controller starts the game")
	}

	if _, err := s.arbiter.StartGame(ctx, gameID); err != nil {
		return err
	}

	if err := s.transport.SendGameStarting(gameID); err != nil {
		// The document channel still carries the start; the peer catches
		// up on its next snapshot.
		log.Warn().
			Err(err).
			Str("game_id", gameID).
			Msg("peer channel unavailable for game start")
	}
	return nil
}

// RequestControl records the local user's intent to take control.
func (s *Session) RequestControl(ctx context.Context, gameID string) error {
	return s.arbiter.RequestControl(ctx, gameID, s.cfg.UserIdentity)
}

// GrantControl assigns control of the game to this device.
func (s *Session) GrantControl(ctx context.Context, gameID string) error {
	return s.arbiter.GrantControl(ctx, gameID, s.cfg.UserIdentity)
}

// ReleaseControl gives up control of the game.
func (s *Session) ReleaseControl(ctx context.Context, gameID string) error {
	return s.arbiter.ReleaseControl(ctx, gameID)
}

// ConfirmPairing approves a first-time peer, persisting the trust record.
func (s *Session) ConfirmPairing() error {
	return s.negotiator.Confirm()
}

// Fail injects an externally detected connection failure.
func (s *Session) Fail(reason string) {
	s.conn.Fail(reason)
}

// DismissFailure clears a failed connection banner.
func (s *Session) DismissFailure() {
	s.conn.Dismiss()
}

// Status returns the current connection status.
func (s *Session) Status() models.ConnectionStatus {
	return s.conn.Status()
}

// ConnectionSession returns the pairing session snapshot.
func (s *Session) ConnectionSession() models.ConnectionSession {
	return s.negotiator.Session()
}

// Arbiter exposes the control arbiter for status surfaces.
func (s *Session) Arbiter() *control.Arbiter {
	return s.arbiter
}

// HandleSnapshot feeds an observed document snapshot into the session. Both
// the broker consumer and the poller deliver through here.
func (s *Session) HandleSnapshot(snapshot *models.GameSession) {
	if snapshot == nil {
		return
	}
	s.arbiter.ApplySnapshot(snapshot)

	if s.cfg.LocalRole == models.RoleRecorder && snapshot.Started() && snapshot.GameID == s.GameID() {
		s.starter.DocumentGameActive(snapshot.GameID)
	}
}

// Close tears down the session: transport, poller, pending timers. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s.starter != nil {
		s.starter.Reset()
	}
	if err := s.poller.Stop(); err != nil {
		log.Debug().Err(err).Msg("document poller stop")
	}
	if err := s.transport.Close(); err != nil {
		log.Warn().Err(err).Msg("transport close")
	}

	log.Info().Str("device_id", s.cfg.Self.ID).Msg("session closed")
	return nil
}

// handleEstablished reacts to a completed pairing: update the state machine,
// surface a confirmation prompt for unknown peers, and replay the start
// signal to a peer that connected after the game began.
func (s *Session) handleEstablished(peer models.PeerIdentity, remoteRole models.Role, trusted bool) {
	s.conn.Established(peer, remoteRole)

	if !trusted {
		s.notifier.Notify(
			"New device paired",
			fmt.Sprintf("Confirm pairing with %s", peer.DisplayName),
			fmt.Sprintf("pairing-confirm-%s", peer.ID),
		)
	}

	if s.cfg.LocalRole == models.RoleController {
		if snap := s.arbiter.LastSnapshot(); snap != nil && snap.Started() {
			if err := s.transport.SendGameAlreadyStarted(snap.GameID); err != nil {
				log.Warn().
					Err(err).
					Str("game_id", snap.GameID).
					Msg("failed to replay game start to late peer")
			}
		}
	}
}

func (s *Session) handlePeerGameStarting(ctx context.Context, gameID string) {
	if s.cfg.LocalRole != models.RoleRecorder {
		log.Debug().Str("game_id", gameID).Msg("ignoring game-starting on controller")
		return
	}
	s.starter.PeerGameStarting(ctx, gameID)
	s.notifyGameStart(gameID)
}

func (s *Session) handlePeerGameAlreadyStarted(gameID string) {
	if s.cfg.LocalRole != models.RoleRecorder {
		return
	}
	// The start committed long before this link came up; no settling delay.
	s.starter.DocumentGameActive(gameID)
	s.notifyGameStart(gameID)
}

func (s *Session) notifyGameStart(gameID string) {
	s.notifier.Notify(
		"Game starting",
		"The controller has started the game",
		fmt.Sprintf("game-start-%s", gameID),
	)
}
