package lifecycle

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gtnet/catalog"
	"gtnet/models"
	"gtnet/network"
	"gtnet/scheduler"
	"gtnet/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, err := storage.Open(storage.Options{
		Driver: storage.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "gtnet.db"),
	})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})
	return store
}

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()

	c := catalog.New()
	if err := catalog.RegisterBuiltins(c); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	return c
}

// recordingTransport implements network.Transport for lifecycle tests. An
// optional reply hook answers Exchange calls.
type recordingTransport struct {
	mu       sync.Mutex
	sent     []network.Envelope
	checkErr map[string]error
	reply    func(env network.Envelope) (network.Envelope, error)
}

func (r *recordingTransport) Send(ctx context.Context, addr string, env network.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

func (r *recordingTransport) Exchange(ctx context.Context, addr string, env network.Envelope) (network.Envelope, error) {
	if err := r.Send(ctx, addr, env); err != nil {
		return network.Envelope{}, err
	}
	r.mu.Lock()
	reply := r.reply
	r.mu.Unlock()
	if reply != nil {
		return reply(env)
	}
	return network.Envelope{}, network.ErrNoResponse
}

func (r *recordingTransport) Check(ctx context.Context, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkErr[addr]
}

func (r *recordingTransport) sentCodes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	codes := make([]byte, 0, len(r.sent))
	for _, env := range r.sent {
		codes = append(codes, env.MessageCode)
	}
	return codes
}

func newTestCoordinator(t *testing.T, options Options, store *storage.Store, transport network.Transport) *Coordinator {
	t.Helper()

	cat := newTestCatalog(t)
	deliverer := network.NewDeliverer(cat, store, transport, options.Domain, nil, slog.Default())
	identity := network.Identity{Domain: options.Domain, Timezone: options.Timezone}
	initiator := network.NewInitiator(cat, store, transport, identity, nil, slog.Default())
	tasks := scheduler.New(1, time.Minute, slog.Default())
	tasks.Start()
	t.Cleanup(tasks.Stop)
	return New(options, store, deliverer, initiator, transport, network.NewAddressBook(), tasks, slog.Default())
}

func savePeer(t *testing.T, store *storage.Store, domain, state string) {
	t.Helper()
	if err := store.SavePeer(storage.Peer{Domain: domain, ServerOnline: state}); err != nil {
		t.Fatalf("save peer %q: %v", domain, err)
	}
}

func TestStartupSkippedWhenDisabled(t *testing.T) {
	store := newTestStore(t)
	transport := &recordingTransport{}
	coordinator := newTestCoordinator(t, Options{Enabled: false, Domain: "alpha.example"}, store, transport)

	if err := coordinator.Startup(context.Background()); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if len(transport.sentCodes()) != 0 {
		t.Fatal("disabled coordinator must not touch the transport")
	}
	if _, err := store.GetPeer("alpha.example"); err == nil {
		t.Fatal("disabled coordinator must not create the local peer")
	}
}

func TestStartupMarksLocalPeerAndBroadcastsOnline(t *testing.T) {
	store := newTestStore(t)
	savePeer(t, store, "beta.example", storage.ServerOnlineUnknown)

	transport := &recordingTransport{}
	coordinator := newTestCoordinator(t, Options{
		Enabled:          true,
		Domain:           "alpha.example",
		Timezone:         "Europe/Berlin",
		DeliveryInterval: 20 * time.Millisecond,
		StatusCheckDelay: time.Hour,
	}, store, transport)

	if err := coordinator.Startup(context.Background()); err != nil {
		t.Fatalf("startup: %v", err)
	}

	peer, err := store.GetPeer("alpha.example")
	if err != nil {
		t.Fatalf("local peer: %v", err)
	}
	if peer.ServerOnline != storage.ServerOnlineOnline {
		t.Fatalf("local peer state = %q, want online", peer.ServerOnline)
	}

	// The online broadcast drains through the scheduled delivery worker.
	deadline := time.Now().Add(3 * time.Second)
	for {
		codes := transport.sentCodes()
		if len(codes) == 1 && codes[0] == catalog.CodeOnlineAll {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("online broadcast never delivered, sent %v", codes)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdownBroadcastsOfflineSynchronously(t *testing.T) {
	store := newTestStore(t)
	savePeer(t, store, "alpha.example", storage.ServerOnlineOnline)
	savePeer(t, store, "beta.example", storage.ServerOnlineOnline)
	savePeer(t, store, "gamma.example", storage.ServerOnlineOnline)

	transport := &recordingTransport{}
	coordinator := newTestCoordinator(t, Options{Enabled: true, Domain: "alpha.example"}, store, transport)

	coordinator.Shutdown(context.Background())

	codes := transport.sentCodes()
	if len(codes) != 2 {
		t.Fatalf("offline sends = %d, want 2 (self excluded)", len(codes))
	}
	for _, code := range codes {
		if code != catalog.CodeOfflineAll {
			t.Fatalf("sent code = %d, want offline broadcast", code)
		}
	}

	peer, err := store.GetPeer("alpha.example")
	if err != nil {
		t.Fatalf("local peer: %v", err)
	}
	if peer.ServerOnline != storage.ServerOnlineOffline {
		t.Fatalf("local peer state = %q, want offline", peer.ServerOnline)
	}
}

func TestDiscoveredQueuesHandshakeForUnknownPeer(t *testing.T) {
	store := newTestStore(t)
	transport := &recordingTransport{}
	transport.reply = func(env network.Envelope) (network.Envelope, error) {
		return env.Reply("beta.example", catalog.CodeFirstHandshakeAccept, &models.HandshakeAccept{
			Domain:   "beta.example",
			Timezone: "Europe/Zurich",
			Capabilities: []models.CapabilityInfo{
				{Kind: catalog.KindLastprice, AcceptRequest: storage.AcceptRequestOpen, ServerState: storage.ServerStateOpen},
			},
		})
	}
	coordinator := newTestCoordinator(t, Options{Enabled: true, Domain: "alpha.example"}, store, transport)

	coordinator.Discovered("beta.example", "10.0.0.8:18310")

	// The handshake runs on the scheduler; wait for the peer row.
	deadline := time.Now().Add(3 * time.Second)
	for {
		peer, err := store.GetPeer("beta.example")
		if err == nil {
			if peer.ServerOnline != storage.ServerOnlineOnline {
				t.Fatalf("discovered peer state = %q, want online", peer.ServerOnline)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handshake never registered the discovered peer, sent %v", transport.sentCodes())
		}
		time.Sleep(10 * time.Millisecond)
	}

	codes := transport.sentCodes()
	if len(codes) != 1 || codes[0] != catalog.CodeFirstHandshake {
		t.Fatalf("sent codes = %v, want one first handshake", codes)
	}
	if coordinator.resolve("beta.example") != "10.0.0.8:18310" {
		t.Fatal("announced address must win over the domain-derived default")
	}

	// A known peer is not contacted again.
	coordinator.Discovered("beta.example", "10.0.0.8:18310")
	time.Sleep(50 * time.Millisecond)
	if got := transport.sentCodes(); len(got) != 1 {
		t.Fatalf("rediscovery of a known peer sent %v, want no new traffic", got)
	}

	// The local instance never handshakes itself.
	coordinator.Discovered("alpha.example", "127.0.0.1:18310")
	time.Sleep(50 * time.Millisecond)
	if got := transport.sentCodes(); len(got) != 1 {
		t.Fatalf("self discovery sent %v, want no new traffic", got)
	}
}

func TestStatusCheckMarksUnreachablePeersOffline(t *testing.T) {
	store := newTestStore(t)
	savePeer(t, store, "alpha.example", storage.ServerOnlineOnline)
	savePeer(t, store, "beta.example", storage.ServerOnlineOnline)
	savePeer(t, store, "gamma.example", storage.ServerOnlineOffline)

	transport := &recordingTransport{checkErr: map[string]error{
		network.PeerAddress("beta.example"): context.DeadlineExceeded,
	}}
	coordinator := newTestCoordinator(t, Options{Enabled: true, Domain: "alpha.example"}, store, transport)

	if err := coordinator.statusCheck(context.Background()); err != nil {
		t.Fatalf("status check: %v", err)
	}

	peer, _ := store.GetPeer("beta.example")
	if peer.ServerOnline != storage.ServerOnlineOffline {
		t.Fatalf("unreachable peer state = %q, want offline", peer.ServerOnline)
	}
	peer, _ = store.GetPeer("gamma.example")
	if peer.ServerOnline != storage.ServerOnlineOnline {
		t.Fatalf("reachable peer state = %q, want online", peer.ServerOnline)
	}
	// The local peer is never probed.
	peer, _ = store.GetPeer("alpha.example")
	if peer.ServerOnline != storage.ServerOnlineOnline {
		t.Fatalf("local peer state = %q, want untouched online", peer.ServerOnline)
	}
}
