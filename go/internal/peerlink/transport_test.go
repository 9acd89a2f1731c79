package peerlink

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/sidelinehq/sideline/go/internal/models"
)

type connectedEvent struct {
	peer models.PeerIdentity
	role models.Role
}

type recordedEvents struct {
	discovered chan models.PeerIdentity
	connected  chan connectedEvent
	starting   chan string
	already    chan string
}

func newRecordedEvents() *recordedEvents {
	return &recordedEvents{
		discovered: make(chan models.PeerIdentity, 8),
		connected:  make(chan connectedEvent, 8),
		starting:   make(chan string, 8),
		already:    make(chan string, 8),
	}
}

func (e *recordedEvents) handlers() Handlers {
	return Handlers{
		PeerDiscovered:     func(p models.PeerIdentity) { e.discovered <- p },
		Connected:          func(p models.PeerIdentity, r models.Role) { e.connected <- connectedEvent{p, r} },
		GameStarting:       func(id string) { e.starting <- id },
		GameAlreadyStarted: func(id string) { e.already <- id },
	}
}

func waitConnected(t *testing.T, ch chan connectedEvent) connectedEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection")
		return connectedEvent{}
	}
}

// fakeRegister records the advertised port instead of touching mDNS.
type fakeRegister struct {
	mu   sync.Mutex
	port int
	txt  []string
}

func (f *fakeRegister) register(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.port = port
	f.txt = text
	return nil, nil
}

func (f *fakeRegister) advertisedPort() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.port
}

// fakeBrowse emits the given entries on every scan.
func fakeBrowse(entries ...*zeroconf.ServiceEntry) browseFunc {
	return func(ctx context.Context, service, domain string, out chan<- *zeroconf.ServiceEntry) error {
		for _, entry := range entries {
			select {
			case out <- entry:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	}
}

func loopbackEntry(deviceID, name string, role models.Role, port int) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: name,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: "localhost.",
		Port:     port,
		Text: []string{
			"device_id=" + deviceID,
			"device_name=" + name,
			"role=" + string(role),
		},
		AddrIPv4: []net.IP{net.ParseIP("127.0.0.1")},
	}
}

func fastConfig(self models.PeerIdentity) Config {
	return Config{
		Self:           self,
		ListenHost:     "127.0.0.1",
		BrowseInterval: 100 * time.Millisecond,
		ScanTimeout:    300 * time.Millisecond,
		DialTimeout:    time.Second,
	}
}

// startPair wires a recorder (advertising) and a controller (browsing) over a
// loopback WebSocket with discovery faked out, and returns both transports'
// recorded events.
func startPair(t *testing.T) (controller, recorder *Transport, ctrlEvents, recEvents *recordedEvents) {
	t.Helper()
	ctx := context.Background()

	selfA := models.PeerIdentity{ID: "device-a", DisplayName: "Scoreboard"}
	selfB := models.PeerIdentity{ID: "device-b", DisplayName: "Camera"}

	reg := &fakeRegister{}
	recCfg := fastConfig(selfB)
	recCfg.registerFn = reg.register
	rec, err := NewTransport(recCfg)
	if err != nil {
		t.Fatalf("NewTransport recorder: %v", err)
	}
	recEvents = newRecordedEvents()
	rec.SetHandlers(recEvents.handlers())

	if err := rec.StartAdvertising(ctx, models.RoleRecorder); err != nil {
		t.Fatalf("StartAdvertising failed: %v", err)
	}
	t.Cleanup(func() { rec.Close() })

	port := reg.advertisedPort()
	if port == 0 {
		t.Fatal("recorder did not advertise a port")
	}

	ctrlCfg := fastConfig(selfA)
	ctrlCfg.browseFn = fakeBrowse(loopbackEntry(selfB.ID, selfB.DisplayName, models.RoleRecorder, port))
	ctrl, err := NewTransport(ctrlCfg)
	if err != nil {
		t.Fatalf("NewTransport controller: %v", err)
	}
	ctrlEvents = newRecordedEvents()
	ctrl.SetHandlers(ctrlEvents.handlers())

	if err := ctrl.StartBrowsing(ctx); err != nil {
		t.Fatalf("StartBrowsing failed: %v", err)
	}
	t.Cleanup(func() { ctrl.Close() })

	return ctrl, rec, ctrlEvents, recEvents
}

func TestPairingHandshake(t *testing.T) {
	ctrl, rec, ctrlEvents, recEvents := startPair(t)

	gotA := waitConnected(t, ctrlEvents.connected)
	if gotA.peer.ID != "device-b" || gotA.role != models.RoleRecorder {
		t.Fatalf("controller connected to %q as %q, want device-b as RECORDER", gotA.peer.ID, gotA.role)
	}

	gotB := waitConnected(t, recEvents.connected)
	if gotB.peer.ID != "device-a" || gotB.role != models.RoleController {
		t.Fatalf("recorder connected to %q as %q, want device-a as CONTROLLER", gotB.peer.ID, gotB.role)
	}

	peers := ctrl.ConnectedPeers()
	if len(peers) != 1 || peers[0].ID != "device-b" {
		t.Fatalf("unexpected controller peer set: %+v", peers)
	}
	peers = rec.ConnectedPeers()
	if len(peers) != 1 || peers[0].ID != "device-a" {
		t.Fatalf("unexpected recorder peer set: %+v", peers)
	}
}

func TestGameSignalsOverLink(t *testing.T) {
	ctrl, _, ctrlEvents, recEvents := startPair(t)
	waitConnected(t, ctrlEvents.connected)
	waitConnected(t, recEvents.connected)

	if err := ctrl.SendGameStarting("G1"); err != nil {
		t.Fatalf("SendGameStarting failed: %v", err)
	}
	select {
	case id := <-recEvents.starting:
		if id != "G1" {
			t.Fatalf("recorder received game-starting for %q, want G1", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for game-starting")
	}

	if err := ctrl.SendGameAlreadyStarted("G1"); err != nil {
		t.Fatalf("SendGameAlreadyStarted failed: %v", err)
	}
	select {
	case id := <-recEvents.already:
		if id != "G1" {
			t.Fatalf("recorder received game-already-started for %q, want G1", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for game-already-started")
	}
}

func TestSendWithoutConnection(t *testing.T) {
	tr, err := NewTransport(fastConfig(models.PeerIdentity{ID: "device-a"}))
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	if err := tr.SendGameStarting("G1"); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := tr.SendGameStarting(""); err == nil {
		t.Fatal("expected error for empty game ID")
	}
}

func TestThirdPeerIgnoredWhileConnected(t *testing.T) {
	ctrl, _, ctrlEvents, recEvents := startPair(t)
	waitConnected(t, ctrlEvents.connected)
	waitConnected(t, recEvents.connected)

	// A late discovery of a different peer must not replace the live link.
	ctrl.handleCandidate(context.Background(), candidate{
		peer:  models.PeerIdentity{ID: "device-c", DisplayName: "Intruder"},
		role:  models.RoleRecorder,
		hosts: []string{"127.0.0.1"},
		port:  1,
	})

	select {
	case p := <-ctrlEvents.discovered:
		// The first discovery of device-b is expected; device-c is not.
		if p.ID == "device-c" {
			t.Fatal("third peer surfaced while connected")
		}
	default:
	}

	peers := ctrl.ConnectedPeers()
	if len(peers) != 1 || peers[0].ID != "device-b" {
		t.Fatalf("peer set changed after third-peer discovery: %+v", peers)
	}
}

func TestModesAreExclusive(t *testing.T) {
	reg := &fakeRegister{}
	cfg := fastConfig(models.PeerIdentity{ID: "device-a"})
	cfg.registerFn = reg.register
	tr, err := NewTransport(cfg)
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	if err := tr.StartAdvertising(context.Background(), models.RoleRecorder); err != nil {
		t.Fatalf("StartAdvertising failed: %v", err)
	}
	if err := tr.StartBrowsing(context.Background()); err != ErrAlreadyStarted {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestParseEntrySkipsSelfAndBadEntries(t *testing.T) {
	if _, ok := parseEntry(loopbackEntry("device-a", "Me", models.RoleRecorder, 9000), "device-a"); ok {
		t.Fatal("parsed an entry advertised by self")
	}

	entry := loopbackEntry("device-b", "Camera", models.RoleRecorder, 9000)
	entry.Text = []string{"version=1"}
	if _, ok := parseEntry(entry, "device-a"); ok {
		t.Fatal("parsed an entry without device_id")
	}

	entry = loopbackEntry("device-b", "Camera", models.RoleRecorder, 0)
	if _, ok := parseEntry(entry, "device-a"); ok {
		t.Fatal("parsed an entry without a port")
	}

	cand, ok := parseEntry(loopbackEntry("device-b", "Camera", models.RoleRecorder, 9000), "device-a")
	if !ok {
		t.Fatal("expected a valid candidate")
	}
	if cand.peer.DisplayName != "Camera" || cand.role != models.RoleRecorder {
		t.Fatalf("unexpected candidate: %+v", cand)
	}
	if cand.hosts[0] != "127.0.0.1" {
		t.Fatalf("unexpected hosts: %v", cand.hosts)
	}
	if cand.port != 9000 {
		t.Fatalf("unexpected port: %d", cand.port)
	}
}
