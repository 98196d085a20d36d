package storage

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(Options{
		Driver: DriverSQLite,
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

func mustSavePeer(t *testing.T, store *Store, domain string) {
	t.Helper()

	err := store.SavePeer(Peer{
		Domain:         domain,
		Timezone:       "Europe/Berlin",
		ServerOnline:   ServerOnlineUnknown,
		AddedTimestamp: nowUnixMilli(),
	})
	if err != nil {
		t.Fatalf("save peer %q: %v", domain, err)
	}
}

func mustSaveMessage(t *testing.T, store *Store, messageID string, code byte, direction string, peerDomain *string) {
	t.Helper()

	err := store.SaveMessage(Message{
		MessageID:   messageID,
		MessageCode: code,
		Direction:   direction,
		PeerDomain:  peerDomain,
		Timestamp:   nowUnixMilli(),
	})
	if err != nil {
		t.Fatalf("save message %q: %v", messageID, err)
	}
}
