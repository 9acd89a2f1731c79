// Package pairing decides how the local role drives the peer transport and
// tracks the resulting connection session.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sidelinehq/sideline/go/internal/models"
	"github.com/sidelinehq/sideline/go/internal/trust"
)

var (
	// ErrInvalidRole indicates the configured local role is not one of the
	// two known roles.
	ErrInvalidRole = errors.New("pairing: invalid local role")
	// ErrNoPendingPeer indicates Confirm was called with no unconfirmed peer.
	ErrNoPendingPeer = errors.New("pairing: no peer awaiting confirmation")
)

// Transport is the slice of the peer transport the negotiator drives.
type Transport interface {
	StartAdvertising(ctx context.Context, roleHint models.Role) error
	StartBrowsing(ctx context.Context) error
}

// TrustStore is the slice of the trust store the negotiator consults.
type TrustStore interface {
	Get(peerID string) (*models.TrustRecord, error)
	Upsert(rec models.TrustRecord) error
	Touch(peerID string, role models.Role, at time.Time) error
}

// EstablishedFunc is invoked once per established connection. Trusted means a
// prior pairing was found and the confirmation step was skipped.
type EstablishedFunc func(peer models.PeerIdentity, remoteRole models.Role, trusted bool)

// Negotiator maps the desired local role onto a transport mode and derives
// the remote role as its logical inverse. Trust-store hits skip the manual
// confirmation step; the transport security handshake is unaffected either
// way.
type Negotiator struct {
	localRole models.Role
	store     TrustStore
	transport Transport

	onEstablished EstablishedFunc

	mu      sync.Mutex
	session models.ConnectionSession
	pending *models.PeerIdentity
}

// NewNegotiator creates a negotiator for the given local role.
func NewNegotiator(localRole models.Role, store TrustStore, transport Transport) (*Negotiator, error) {
	if !localRole.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, localRole)
	}
	return &Negotiator{
		localRole: localRole,
		store:     store,
		transport: transport,
		session: models.ConnectionSession{
			LocalRole: localRole,
			State:     models.ConnectionIdle,
		},
	}, nil
}

// OnEstablished registers the established hook. Must be set before Activate.
func (n *Negotiator) OnEstablished(fn EstablishedFunc) {
	n.onEstablished = fn
}

// RemoteRole returns the role the remote peer plays: always the inverse of
// the local role.
func (n *Negotiator) RemoteRole() models.Role {
	return n.localRole.Inverse()
}

// Activate starts the transport mode matching the local role: a controller
// browses for a recorder, a recorder advertises itself.
func (n *Negotiator) Activate(ctx context.Context) error {
	var err error
	switch n.localRole {
	case models.RoleController:
		err = n.transport.StartBrowsing(ctx)
	case models.RoleRecorder:
		err = n.transport.StartAdvertising(ctx, n.localRole)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, n.localRole)
	}
	if err != nil {
		return fmt.Errorf("activate %s pairing: %w", n.localRole, err)
	}

	n.mu.Lock()
	n.session.State = models.ConnectionSearching
	n.mu.Unlock()

	log.Info().
		Str("local_role", string(n.localRole)).
		Str("remote_role", string(n.RemoteRole())).
		Msg("pairing activated")
	return nil
}

// HandlePeerDiscovered records that a candidate peer appeared. Ignored unless
// currently searching.
func (n *Negotiator) HandlePeerDiscovered(peer models.PeerIdentity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.session.State != models.ConnectionSearching {
		return
	}
	n.session.State = models.ConnectionConnecting
	n.session.RemotePeer = &peer
}

// HandleConnected records an established connection and applies the trust
// shortcut. The advertised remote role is informational; the negotiator
// always assigns the inverse of the local role.
func (n *Negotiator) HandleConnected(peer models.PeerIdentity, advertisedRole models.Role) {
	remoteRole := n.RemoteRole()
	if advertisedRole != remoteRole {
		log.Warn().
			Str("peer_id", peer.ID).
			Str("advertised", string(advertisedRole)).
			Str("assigned", string(remoteRole)).
			Msg("peer advertised unexpected role, assigning inverse of local role")
	}

	trusted := n.lookupTrusted(peer, remoteRole)

	now := time.Now()
	n.mu.Lock()
	n.session.State = models.ConnectionConnected
	n.session.RemotePeer = &peer
	n.session.Trusted = trusted
	n.session.EstablishedAt = &now
	if trusted {
		n.pending = nil
	} else {
		n.pending = &peer
	}
	n.mu.Unlock()

	log.Info().
		Str("peer_id", peer.ID).
		Str("remote_role", string(remoteRole)).
		Bool("trusted", trusted).
		Msg("pairing established")

	if n.onEstablished != nil {
		n.onEstablished(peer, remoteRole, trusted)
	}
}

// Confirm records a first-time pairing the user approved, creating the trust
// record so the next reconnect skips this step.
func (n *Negotiator) Confirm() error {
	n.mu.Lock()
	peer := n.pending
	n.mu.Unlock()
	if peer == nil {
		return ErrNoPendingPeer
	}

	now := time.Now()
	if err := n.store.Upsert(models.TrustRecord{
		Peer:          *peer,
		LastRole:      n.RemoteRole(),
		FirstPairedAt: now,
		LastSeenAt:    now,
	}); err != nil {
		return fmt.Errorf("record pairing confirmation: %w", err)
	}

	n.mu.Lock()
	n.pending = nil
	n.session.Trusted = true
	n.mu.Unlock()

	log.Info().Str("peer_id", peer.ID).Msg("pairing confirmed and trusted")
	return nil
}

// Session returns a snapshot of the current connection session.
func (n *Negotiator) Session() models.ConnectionSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.session
}

// lookupTrusted checks the trust store for a prior pairing and refreshes its
// last-seen time on a hit.
func (n *Negotiator) lookupTrusted(peer models.PeerIdentity, remoteRole models.Role) bool {
	if n.store == nil {
		return false
	}
	_, err := n.store.Get(peer.ID)
	if errors.Is(err, trust.ErrNotFound) {
		return false
	}
	if err != nil {
		log.Warn().Err(err).Str("peer_id", peer.ID).Msg("trust lookup failed, treating peer as new")
		return false
	}
	if err := n.store.Touch(peer.ID, remoteRole, time.Now()); err != nil {
		log.Warn().Err(err).Str("peer_id", peer.ID).Msg("failed to refresh trust record")
	}
	return true
}
