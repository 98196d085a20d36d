package network

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"gtnet/catalog"
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

func newTestHandler(t *testing.T, store *storage.Store, identity Identity) *Handler {
	t.Helper()

	if identity.Domain == "" {
		identity.Domain = "alpha.example"
	}
	if identity.Timezone == "" {
		identity.Timezone = "Europe/Berlin"
	}
	return NewHandler(newTestCatalog(t), store, identity, slog.Default())
}

func mustSavePeer(t *testing.T, store *storage.Store, domain string) {
	t.Helper()

	err := store.SavePeer(storage.Peer{
		Domain:       domain,
		Timezone:     "Europe/Zurich",
		ServerOnline: storage.ServerOnlineUnknown,
	})
	if err != nil {
		t.Fatalf("save peer %q: %v", domain, err)
	}
}

func mustEnvelope(t *testing.T, sourceDomain string, code byte, payload any) Envelope {
	t.Helper()

	env, err := NewEnvelope(sourceDomain, code, payload)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

// fakeTransport records outbound traffic and fails on demand.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []Envelope
	exchanged []Envelope
	failSends int
	reply     func(env Envelope) (Envelope, error)
	checkErr  error
}

var errTransportDown = errors.New("transport down")

func (f *fakeTransport) Send(ctx context.Context, addr string, env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends != 0 {
		if f.failSends > 0 {
			f.failSends--
		}
		return errTransportDown
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Exchange(ctx context.Context, addr string, env Envelope) (Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends != 0 {
		if f.failSends > 0 {
			f.failSends--
		}
		return Envelope{}, errTransportDown
	}
	f.exchanged = append(f.exchanged, env)
	if f.reply == nil {
		return Envelope{}, ErrNoResponse
	}
	return f.reply(env)
}

func (f *fakeTransport) Check(ctx context.Context, addr string) error {
	return f.checkErr
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent) + len(f.exchanged)
}
