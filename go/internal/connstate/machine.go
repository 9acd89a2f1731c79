// Package connstate tracks the user-visible connection lifecycle of a
// pairing session and the transient status banners shown alongside it.
package connstate

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/sidelinehq/sideline/go/internal/models"
)

// Banner auto-hide windows. Failed banners have no window, they stay until
// dismissed.
const (
	SearchingBannerDuration = 2 * time.Second
	ConnectedBannerDuration = 3 * time.Second
)

// ChangeFunc observes every status change. Called with the machine's lock
// held, so it must not call back into the machine.
type ChangeFunc func(status models.ConnectionStatus, bannerVisible bool)

// Machine is the connection state machine. Transitions only move forward:
// Searching to Connecting on the first discovery, Connecting to Connected on
// an established link. Failed is entered only through Fail and left only
// through Dismiss.
type Machine struct {
	clock    clockwork.Clock
	onChange ChangeFunc

	mu            sync.Mutex
	status        models.ConnectionStatus
	bannerVisible bool
	bannerSeq     int
}

func NewMachine(clock clockwork.Clock, onChange ChangeFunc) *Machine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Machine{
		clock:    clock,
		onChange: onChange,
		status:   models.ConnectionStatus{State: models.ConnectionIdle},
	}
}

// Activate enters Searching and shows the searching banner.
func (m *Machine) Activate() {
	m.mu.Lock()
	if m.status.State != models.ConnectionIdle {
		m.mu.Unlock()
		log.Warn().Str("state", string(m.status.State)).Msg("activate ignored, machine already active")
		return
	}
	m.status = models.ConnectionStatus{State: models.ConnectionSearching}
	m.showBannerLocked(SearchingBannerDuration)
	m.notifyLocked()
	m.mu.Unlock()
}

// PeerDiscovered moves Searching to Connecting. Discoveries in any other
// state are ignored; in particular a connected machine never falls back to
// Connecting for a second peer.
func (m *Machine) PeerDiscovered(peer models.PeerIdentity) {
	m.mu.Lock()
	if m.status.State != models.ConnectionSearching {
		m.mu.Unlock()
		log.Debug().
			Str("state", string(m.status.State)).
			Str("peer_id", peer.ID).
			Msg("discovery ignored outside searching")
		return
	}
	m.status = models.ConnectionStatus{State: models.ConnectionConnecting, Peer: &peer}
	m.notifyLocked()
	m.mu.Unlock()
}

// Established moves to Connected and shows the connected banner. Accepted
// from Searching as well as Connecting, an inbound link can land before the
// local browser reports the peer.
func (m *Machine) Established(peer models.PeerIdentity, remoteRole models.Role) {
	m.mu.Lock()
	switch m.status.State {
	case models.ConnectionSearching, models.ConnectionConnecting:
	default:
		m.mu.Unlock()
		log.Warn().
			Str("state", string(m.status.State)).
			Str("peer_id", peer.ID).
			Msg("established ignored in current state")
		return
	}
	m.status = models.ConnectionStatus{
		State:      models.ConnectionConnected,
		Peer:       &peer,
		RemoteRole: remoteRole,
	}
	m.showBannerLocked(ConnectedBannerDuration)
	m.notifyLocked()
	m.mu.Unlock()
}

// Fail records an externally detected failure. The machine never enters
// Failed on its own; the caller decides what counts as a failure. The banner
// stays until Dismiss.
func (m *Machine) Fail(reason string) {
	m.mu.Lock()
	m.cancelBannerLocked()
	m.status = models.ConnectionStatus{State: models.ConnectionFailed, Reason: reason}
	m.bannerVisible = true
	m.notifyLocked()
	m.mu.Unlock()

	log.Error().Str("reason", reason).Msg("connection failed")
}

// Dismiss clears a failed banner and returns the machine to Idle.
func (m *Machine) Dismiss() {
	m.mu.Lock()
	if m.status.State != models.ConnectionFailed {
		m.mu.Unlock()
		return
	}
	m.status = models.ConnectionStatus{State: models.ConnectionIdle}
	m.bannerVisible = false
	m.notifyLocked()
	m.mu.Unlock()
}

// Status returns the current status snapshot.
func (m *Machine) Status() models.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// BannerVisible reports whether a status banner is currently shown.
func (m *Machine) BannerVisible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bannerVisible
}

// showBannerLocked shows the banner and arms its auto-hide timer, replacing
// any previous timer. Callers hold m.mu.
func (m *Machine) showBannerLocked(d time.Duration) {
	m.cancelBannerLocked()
	m.bannerVisible = true
	seq := m.bannerSeq

	timer := m.clock.NewTimer(d)

	go func() {
		<-timer.Chan()
		m.mu.Lock()
		// A newer banner or a failure replaced this timer while it was
		// in flight.
		if m.bannerSeq != seq {
			m.mu.Unlock()
			return
		}
		m.bannerVisible = false
		m.notifyLocked()
		m.mu.Unlock()
	}()
}

// cancelBannerLocked invalidates the in-flight auto-hide timer. The timer is
// left to fire; its goroutine sees the stale sequence and exits, which avoids
// a watcher blocked forever on a stopped timer's channel.
func (m *Machine) cancelBannerLocked() {
	m.bannerSeq++
}

func (m *Machine) notifyLocked() {
	if m.onChange == nil {
		return
	}
	m.onChange(m.status, m.bannerVisible)
}
