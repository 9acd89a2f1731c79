// Package peerlink establishes and runs the direct device-to-device channel:
// mDNS discovery plus a single 1:1 WebSocket link carrying the peer protocol.
package peerlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"

	"github.com/sidelinehq/sideline/go/internal/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_sideline._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultBrowseInterval is the gap between browse scans while searching.
	DefaultBrowseInterval = 2 * time.Second
	// DefaultScanTimeout bounds each browse scan.
	DefaultScanTimeout = 2 * time.Second
	// DefaultDialTimeout bounds a single connect attempt to a discovered peer.
	DefaultDialTimeout = 5 * time.Second

	// PairPath is the WebSocket endpoint the advertising side serves.
	PairPath = "/ws/pair"
)

var (
	// ErrNotConnected indicates no established peer link exists.
	ErrNotConnected = errors.New("peerlink: no established peer connection")
	// ErrAlreadyStarted indicates the transport is already advertising or browsing.
	ErrAlreadyStarted = errors.New("peerlink: transport already started")
)

type mode int

const (
	modeIdle mode = iota
	modeAdvertising
	modeBrowsing
)

// Config holds transport settings. Zero values fall back to defaults.
type Config struct {
	Self models.PeerIdentity

	Service string
	Domain  string

	// ListenHost/ListenPort bind the WebSocket listener in advertising mode.
	// Port 0 picks an ephemeral port, which is then advertised over mDNS.
	ListenHost string
	ListenPort int

	BrowseInterval time.Duration
	ScanTimeout    time.Duration
	DialTimeout    time.Duration

	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.BrowseInterval <= 0 {
		out.BrowseInterval = DefaultBrowseInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 60 * time.Second
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 30 * time.Second
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = 4096
	}
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = 1024
	}
	if out.WriteBufferSize <= 0 {
		out.WriteBufferSize = 1024
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.browseFn == nil {
		out.browseFn = defaultBrowse
	}
	return out
}

// Handlers are the event hooks a transport consumer subscribes to. Set them
// before starting; they are invoked from transport goroutines.
type Handlers struct {
	PeerDiscovered     func(peer models.PeerIdentity)
	Connected          func(peer models.PeerIdentity, remoteRole models.Role)
	GameStarting       func(gameID string)
	GameAlreadyStarted func(gameID string)
}

// Transport owns discovery and the single peer link. Advertising and browsing
// are mutually exclusive modes: a recorder advertises (offers itself), a
// controller browses (looks for a recorder). The first peer that completes
// the handshake wins; discoveries while connected are ignored.
type Transport struct {
	cfg      Config
	handlers Handlers
	upgrader websocket.Upgrader

	mu         sync.Mutex
	mode       mode
	localRole  models.Role
	link       *link
	dialing    bool
	notified   map[string]bool
	advertiser *zeroconf.Server
	httpServer *http.Server
	listener   net.Listener
	cancel     context.CancelFunc
	closed     bool

	wg sync.WaitGroup
}

// NewTransport creates a transport for the given device identity.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.Self.ID == "" {
		return nil, errors.New("peerlink: self device ID is required")
	}
	cfg = cfg.withDefaults()
	return &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		notified: make(map[string]bool),
	}, nil
}

// SetHandlers registers event hooks. Must be called before StartAdvertising
// or StartBrowsing.
func (t *Transport) SetHandlers(h Handlers) {
	t.handlers = h
}

// StartAdvertising enters recorder mode: listen for a WebSocket pairing
// connection and advertise the endpoint over mDNS with the given role hint.
func (t *Transport) StartAdvertising(ctx context.Context, roleHint models.Role) error {
	t.mu.Lock()
	if t.mode != modeIdle {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	t.mode = modeAdvertising
	t.localRole = roleHint
	t.cancel = cancel
	t.mu.Unlock()

	ln, err := net.Listen("tcp", net.JoinHostPort(t.cfg.ListenHost, strconv.Itoa(t.cfg.ListenPort)))
	if err != nil {
		t.resetMode()
		return fmt.Errorf("listen for peer link: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc(PairPath, t.handlePair)
	srv := &http.Server{Handler: mux}

	t.mu.Lock()
	t.listener = ln
	t.httpServer = srv
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Debug().Err(err).Msg("peer link listener stopped")
		}
	}()

	server, err := t.cfg.registerFn(
		instanceName(t.cfg.Self),
		t.cfg.Service,
		t.cfg.Domain,
		port,
		advertiseTXT(t.cfg.Self, roleHint),
		nil,
	)
	if err != nil {
		t.Close()
		return fmt.Errorf("register mDNS service: %w", err)
	}

	t.mu.Lock()
	t.advertiser = server
	t.mu.Unlock()

	log.Info().
		Str("device_id", t.cfg.Self.ID).
		Str("role", string(roleHint)).
		Int("port", port).
		Msg("advertising for pairing")
	return nil
}

// StartBrowsing enters controller mode: scan for an advertised recorder and
// dial the first eligible peer. Scan failures are retried silently on the
// next interval; there is no "not found" outcome, searching simply continues.
func (t *Transport) StartBrowsing(ctx context.Context) error {
	t.mu.Lock()
	if t.mode != modeIdle {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	t.mode = modeBrowsing
	t.localRole = models.RoleController
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.browseLoop(ctx)

	log.Info().
		Str("device_id", t.cfg.Self.ID).
		Msg("browsing for recorder")
	return nil
}

// ListenAddr returns the bound pairing listener address, or "" when not
// advertising.
func (t *Transport) ListenAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// ConnectedPeers returns the current set of established peers (zero or one).
func (t *Transport) ConnectedPeers() []models.PeerIdentity {
	t.mu.Lock()
	l := t.link
	t.mu.Unlock()
	if l == nil || !l.isEstablished() {
		return nil
	}
	return []models.PeerIdentity{l.peer}
}

// SendGameStarting tells the connected peer the game with the given ID is
// starting. Controller side of the game-start handoff.
func (t *Transport) SendGameStarting(gameID string) error {
	return t.sendGameSignal(MessageGameStarting, gameID)
}

// SendGameAlreadyStarted tells a freshly connected peer the game was already
// started before it connected.
func (t *Transport) SendGameAlreadyStarted(gameID string) error {
	return t.sendGameSignal(MessageGameAlreadyStarted, gameID)
}

func (t *Transport) sendGameSignal(msgType MessageType, gameID string) error {
	if gameID == "" {
		return errors.New("peerlink: game ID is required")
	}
	t.mu.Lock()
	l := t.link
	t.mu.Unlock()
	if l == nil || !l.isEstablished() {
		return ErrNotConnected
	}

	env := newEnvelope(msgType, t.cfg.Self)
	env.GameID = gameID
	data, err := env.Encode()
	if err != nil {
		return err
	}
	l.enqueue(data)
	return nil
}

// Close releases every network resource the transport holds: the mDNS
// advertiser, the pairing listener, the browse loop, and the live link. The
// session handle calls this once at session end; UI teardown never does.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	adv := t.advertiser
	srv := t.httpServer
	l := t.link
	t.mode = modeIdle
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if adv != nil {
		adv.Shutdown()
	}
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		done()
	}
	if l != nil {
		l.close()
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) resetMode() {
	t.mu.Lock()
	t.mode = modeIdle
	t.cancel = nil
	t.mu.Unlock()
}

// handlePair accepts the browsing side's WebSocket connection.
func (t *Transport) handlePair(w http.ResponseWriter, r *http.Request) {
	peer := models.PeerIdentity{
		ID:          r.URL.Query().Get("device_id"),
		DisplayName: r.URL.Query().Get("device_name"),
	}
	if peer.ID == "" || peer.ID == t.cfg.Self.ID {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	t.mu.Lock()
	if t.link != nil {
		t.mu.Unlock()
		http.Error(w, "already paired", http.StatusConflict)
		return
	}
	t.mu.Unlock()

	t.notifyPeerDiscovered(peer)

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("peer_id", peer.ID).Msg("pairing upgrade failed")
		return
	}
	t.adopt(peer, conn)
}

// adopt installs conn as the transport's single link and opens the handshake.
// Loses the race to an existing link: the newcomer is closed, not queued.
func (t *Transport) adopt(peer models.PeerIdentity, conn *websocket.Conn) {
	l := newLink(t, peer, conn)

	t.mu.Lock()
	if t.link != nil || t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.link = l
	localRole := t.localRole
	t.mu.Unlock()

	l.start()

	env := newEnvelope(MessageRoleAdvertise, t.cfg.Self)
	env.Role = localRole
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Msg("failed to encode role-advertise")
		return
	}
	l.enqueue(data)
}

func (t *Transport) dropLink(l *link) {
	t.mu.Lock()
	if t.link != l {
		t.mu.Unlock()
		return
	}
	t.link = nil
	t.mu.Unlock()

	log.Info().
		Str("peer_id", l.peer.ID).
		Msg("peer link closed")
}

// handleEnvelope dispatches a decoded frame from the link.
func (t *Transport) handleEnvelope(l *link, env Envelope) {
	switch env.Type {
	case MessageRoleAdvertise:
		if l.markEstablished(env.Role) {
			log.Info().
				Str("peer_id", l.peer.ID).
				Str("peer_name", l.peer.DisplayName).
				Str("remote_role", string(env.Role)).
				Msg("peer connection established")
			t.notifyConnected(l.peer, env.Role)
		}
	case MessageGameStarting:
		log.Info().
			Str("peer_id", l.peer.ID).
			Str("game_id", env.GameID).
			Msg("received game-starting over peer link")
		if h := t.handlers.GameStarting; h != nil {
			h(env.GameID)
		}
	case MessageGameAlreadyStarted:
		log.Info().
			Str("peer_id", l.peer.ID).
			Str("game_id", env.GameID).
			Msg("received game-already-started over peer link")
		if h := t.handlers.GameAlreadyStarted; h != nil {
			h(env.GameID)
		}
	}
}

func (t *Transport) browseLoop(ctx context.Context) {
	defer t.wg.Done()

	// Prime immediately, then rescan on the interval.
	t.runScan(ctx)

	ticker := time.NewTicker(t.cfg.BrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.runScan(ctx)
		}
	}
}

func (t *Transport) runScan(ctx context.Context) {
	t.mu.Lock()
	busy := t.link != nil || t.dialing
	t.mu.Unlock()
	if busy {
		return
	}

	scanCtx, cancel := context.WithTimeout(ctx, t.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		if err := t.cfg.browseFn(scanCtx, t.cfg.Service, t.cfg.Domain, entries); err != nil {
			log.Debug().Err(err).Msg("mDNS browse failed, retrying on next interval")
			cancel()
		}
	}()

	for {
		select {
		case <-scanCtx.Done():
			return
		case entry := <-entries:
			if entry == nil {
				continue
			}
			cand, ok := parseEntry(entry, t.cfg.Self.ID)
			if !ok {
				continue
			}
			t.handleCandidate(ctx, cand)
		}
	}
}

func (t *Transport) handleCandidate(ctx context.Context, cand candidate) {
	t.mu.Lock()
	if t.link != nil || t.dialing {
		t.mu.Unlock()
		return
	}
	first := !t.notified[cand.peer.ID]
	t.notified[cand.peer.ID] = true
	t.mu.Unlock()

	if first {
		log.Info().
			Str("peer_id", cand.peer.ID).
			Str("peer_name", cand.peer.DisplayName).
			Str("advertised_role", string(cand.role)).
			Msg("discovered peer")
		t.notifyPeerDiscovered(cand.peer)
	}

	t.dialPeer(ctx, cand)
}

func (t *Transport) dialPeer(ctx context.Context, cand candidate) {
	t.mu.Lock()
	if t.link != nil || t.dialing {
		t.mu.Unlock()
		return
	}
	t.dialing = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.dialing = false
		t.mu.Unlock()
	}()

	query := url.Values{}
	query.Set("device_id", t.cfg.Self.ID)
	query.Set("device_name", t.cfg.Self.DisplayName)

	for _, host := range cand.hosts {
		u := url.URL{
			Scheme:   "ws",
			Host:     net.JoinHostPort(host, strconv.Itoa(cand.port)),
			Path:     PairPath,
			RawQuery: query.Encode(),
		}

		dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
		conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
		cancel()
		if err != nil {
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			log.Debug().
				Err(err).
				Str("peer_id", cand.peer.ID).
				Str("addr", u.Host).
				Msg("peer dial failed")
			continue
		}

		t.adopt(cand.peer, conn)
		return
	}
}

func (t *Transport) notifyPeerDiscovered(peer models.PeerIdentity) {
	if h := t.handlers.PeerDiscovered; h != nil {
		h(peer)
	}
}

func (t *Transport) notifyConnected(peer models.PeerIdentity, role models.Role) {
	if h := t.handlers.Connected; h != nil {
		h(peer, role)
	}
}
