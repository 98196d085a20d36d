package network

import (
	"errors"
	"testing"

	"gtnet/catalog"
	"gtnet/models"
	"gtnet/storage"
)

func handshakeRequest(domain string) *models.HandshakeRequest {
	return &models.HandshakeRequest{
		Domain:   domain,
		Timezone: "Europe/Zurich",
		Capabilities: []models.CapabilityInfo{
			{Kind: catalog.KindLastprice, AcceptRequest: storage.AcceptRequestOpen, ServerState: storage.ServerStateOpen},
		},
	}
}

func TestHandshakeAcceptsKnownPeer(t *testing.T) {
	store := newTestStore(t)
	mustSavePeer(t, store, "beta.example")
	handler := newTestHandler(t, store, Identity{
		AcceptModes: map[byte]string{catalog.KindLastprice: storage.AcceptRequestOpen},
	})

	env := mustEnvelope(t, "beta.example", catalog.CodeFirstHandshake, handshakeRequest("beta.example"))
	reply, err := handler.Handle(env)
	if err != nil {
		t.Fatalf("handle handshake: %v", err)
	}
	if reply == nil || reply.MessageCode != catalog.CodeFirstHandshakeAccept {
		t.Fatalf("reply = %+v, want accept", reply)
	}

	peer, err := store.GetPeer("beta.example")
	if err != nil {
		t.Fatalf("get peer: %v", err)
	}
	if peer.ServerOnline != storage.ServerOnlineOnline {
		t.Fatalf("peer online = %q, want online", peer.ServerOnline)
	}

	capability, err := store.CapabilityFor("beta.example", catalog.KindLastprice)
	if err != nil {
		t.Fatalf("capability: %v", err)
	}
	if capability.AcceptRequest != storage.AcceptRequestOpen {
		t.Fatalf("capability mode = %q, want open", capability.AcceptRequest)
	}
}

func TestHandshakeAutoCreatesUnknownPeerWhenAllowed(t *testing.T) {
	store := newTestStore(t)
	handler := newTestHandler(t, store, Identity{AllowServerCreation: true})

	env := mustEnvelope(t, "beta.example", catalog.CodeFirstHandshake, handshakeRequest("beta.example"))
	reply, err := handler.Handle(env)
	if err != nil {
		t.Fatalf("handle handshake: %v", err)
	}
	if reply.MessageCode != catalog.CodeFirstHandshakeAccept {
		t.Fatalf("reply code = %d, want accept", reply.MessageCode)
	}

	peer, err := store.GetPeer("beta.example")
	if err != nil {
		t.Fatalf("auto-created peer missing: %v", err)
	}
	if peer.ServerOnline != storage.ServerOnlineOnline {
		t.Fatalf("peer online = %q, want online", peer.ServerOnline)
	}
}

func TestHandshakeRejectsUnknownPeerWithoutCreation(t *testing.T) {
	store := newTestStore(t)
	handler := newTestHandler(t, store, Identity{AllowServerCreation: false})

	env := mustEnvelope(t, "beta.example", catalog.CodeFirstHandshake, handshakeRequest("beta.example"))
	reply, err := handler.Handle(env)
	if err != nil {
		t.Fatalf("handle handshake: %v", err)
	}
	if reply.MessageCode != catalog.CodeFirstHandshakeRejectNotInList {
		t.Fatalf("reply code = %d, want reject-not-in-list", reply.MessageCode)
	}

	// Rejections never mutate the peer table.
	if _, err := store.GetPeer("beta.example"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("peer lookup after reject = %v, want ErrNotFound", err)
	}
}

func TestHandshakePolicyRejectWhenBusy(t *testing.T) {
	store := newTestStore(t)
	mustSavePeer(t, store, "beta.example")
	handler := newTestHandler(t, store, Identity{ServerBusy: true})

	env := mustEnvelope(t, "beta.example", catalog.CodeFirstHandshake, handshakeRequest("beta.example"))
	reply, err := handler.Handle(env)
	if err != nil {
		t.Fatalf("handle handshake: %v", err)
	}
	if reply.MessageCode != catalog.CodeFirstHandshakeReject {
		t.Fatalf("reply code = %d, want policy reject", reply.MessageCode)
	}

	peer, err := store.GetPeer("beta.example")
	if err != nil {
		t.Fatalf("get peer: %v", err)
	}
	if peer.ServerOnline != storage.ServerOnlineUnknown {
		t.Fatalf("peer mutated on reject: online = %q", peer.ServerOnline)
	}
}

func TestReceivedRequestIsRecordedWithReplyReference(t *testing.T) {
	store := newTestStore(t)
	mustSavePeer(t, store, "beta.example")
	handler := newTestHandler(t, store, Identity{})

	env := mustEnvelope(t, "beta.example", catalog.CodeFirstHandshake, handshakeRequest("beta.example"))
	reply, err := handler.Handle(env)
	if err != nil {
		t.Fatalf("handle handshake: %v", err)
	}

	message, err := store.GetMessage(env.ID)
	if err != nil {
		t.Fatalf("received message not recorded: %v", err)
	}
	if message.Direction != storage.DirectionReceived {
		t.Fatalf("direction = %q, want received", message.Direction)
	}
	if message.ReplyToID == nil || *message.ReplyToID != reply.ID {
		t.Fatalf("reply reference = %v, want %q", message.ReplyToID, reply.ID)
	}
}

func TestDataRequestGrantsOpenSyncableKinds(t *testing.T) {
	store := newTestStore(t)
	mustSavePeer(t, store, "beta.example")
	handler := newTestHandler(t, store, Identity{
		AcceptModes: map[byte]string{
			catalog.KindLastprice:    storage.AcceptRequestOpen,
			catalog.KindHistoryquote: storage.AcceptRequestClosed,
		},
	})

	// KindInstrument is on-demand, never part of a bulk grant.
	env := mustEnvelope(t, "beta.example", catalog.CodeDataRequest,
		&models.DataRequest{Kinds: []byte{catalog.KindLastprice, catalog.KindHistoryquote, catalog.KindInstrument}})
	reply, err := handler.Handle(env)
	if err != nil {
		t.Fatalf("handle data request: %v", err)
	}
	if reply.MessageCode != catalog.CodeDataRequestAccept {
		t.Fatalf("reply code = %d, want accept", reply.MessageCode)
	}

	payload, err := reply.DecodePayload(newTestCatalog(t))
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	granted := payload.(*models.DataRequestAccept).Kinds
	if len(granted) != 1 || granted[0] != catalog.KindLastprice {
		t.Fatalf("granted kinds = %v, want [lastprice]", granted)
	}
}

func TestDataRequestRejectedWhenNothingIsOpen(t *testing.T) {
	store := newTestStore(t)
	mustSavePeer(t, store, "beta.example")
	handler := newTestHandler(t, store, Identity{})

	env := mustEnvelope(t, "beta.example", catalog.CodeDataRequest,
		&models.DataRequest{Kinds: []byte{catalog.KindLastprice}})
	reply, err := handler.Handle(env)
	if err != nil {
		t.Fatalf("handle data request: %v", err)
	}
	if reply.MessageCode != catalog.CodeDataRequestRejected {
		t.Fatalf("reply code = %d, want rejected", reply.MessageCode)
	}
}

func TestDataRevokeRemovesCapabilities(t *testing.T) {
	store := newTestStore(t)
	mustSavePeer(t, store, "beta.example")
	err := store.UpsertCapability(storage.PeerCapability{
		PeerDomain:    "beta.example",
		Kind:          catalog.KindLastprice,
		AcceptRequest: storage.AcceptRequestOpen,
		ServerState:   storage.ServerStateOpen,
	})
	if err != nil {
		t.Fatalf("seed capability: %v", err)
	}
	handler := newTestHandler(t, store, Identity{})

	env := mustEnvelope(t, "beta.example", catalog.CodeDataRevoke,
		&models.DataRevoke{Kinds: []byte{catalog.KindLastprice}})
	reply, err := handler.Handle(env)
	if err != nil {
		t.Fatalf("handle revoke: %v", err)
	}
	if reply != nil {
		t.Fatalf("revoke is fire-and-forget, got reply %+v", reply)
	}

	if _, err := store.CapabilityFor("beta.example", catalog.KindLastprice); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("capability after revoke = %v, want ErrNotFound", err)
	}
}

func exchangeEnvelope(t *testing.T, isin string, ts *int64, last *float64) Envelope {
	t.Helper()

	record := models.InstrumentPriceRecord{Isin: &isin, Currency: "USD", Timestamp: ts, Last: last}
	return mustEnvelope(t, "beta.example", catalog.CodeLastpriceExchange,
		&models.LastpriceExchange{Securities: []models.InstrumentPriceRecord{record}})
}

func int64Ref(v int64) *int64       { return &v }
func float64Ref(v float64) *float64 { return &v }

func TestLastpriceExchangeOpenAbsorbsFresherCaller(t *testing.T) {
	store := newTestStore(t)
	mustSavePeer(t, store, "beta.example")

	id, err := store.UpsertSecurity("US0378331005", "USD")
	if err != nil {
		t.Fatalf("seed instrument: %v", err)
	}
	base := int64(1_700_000_000_000)
	if err := store.UpdateLastprices([]storage.Lastprice{{InstrumentID: id, Timestamp: int64Ref(base), Last: float64Ref(100)}}); err != nil {
		t.Fatalf("seed price: %v", err)
	}

	handler := newTestHandler(t, store, Identity{
		AcceptModes: map[byte]string{catalog.KindLastprice: storage.AcceptRequestOpen},
	})

	env := exchangeEnvelope(t, "US0378331005", int64Ref(base+1000), float64Ref(105))
	reply, err := handler.Handle(env)
	if err != nil {
		t.Fatalf("handle exchange: %v", err)
	}
	if reply.MessageCode != catalog.CodeLastpriceExchangeReply {
		t.Fatalf("reply code = %d, want exchange reply", reply.MessageCode)
	}

	payload, err := reply.DecodePayload(newTestCatalog(t))
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	response := payload.(*models.LastpriceExchangeReply)
	if len(response.Securities) != 0 {
		t.Fatalf("absorbing exchange must emit nothing, got %v", response.Securities)
	}

	prices, err := store.LastpricesByInstrumentIDs([]int64{id})
	if err != nil {
		t.Fatalf("load prices: %v", err)
	}
	if got := prices[id]; got.Last == nil || *got.Last != 105 {
		t.Fatalf("local last = %v, want 105", got.Last)
	}
}

func TestLastpriceExchangeClosedYieldsEmptyReply(t *testing.T) {
	store := newTestStore(t)
	mustSavePeer(t, store, "beta.example")
	handler := newTestHandler(t, store, Identity{})

	env := exchangeEnvelope(t, "US0378331005", int64Ref(1), float64Ref(1))
	reply, err := handler.Handle(env)
	if err != nil {
		t.Fatalf("handle exchange: %v", err)
	}
	if reply.MessageCode != catalog.CodeLastpriceExchangeReply {
		t.Fatalf("reply code = %d, want exchange reply", reply.MessageCode)
	}
	if reply.Note == "" {
		t.Fatal("closed exchange must carry an explanatory note")
	}

	payload, err := reply.DecodePayload(newTestCatalog(t))
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	response := payload.(*models.LastpriceExchangeReply)
	if len(response.Securities) != 0 || len(response.Currencypairs) != 0 {
		t.Fatalf("closed exchange must be empty, got %+v", response)
	}
}

func TestLastpriceExchangeDailyLimit(t *testing.T) {
	store := newTestStore(t)
	mustSavePeer(t, store, "beta.example")
	handler := newTestHandler(t, store, Identity{
		DailyRequestLimit: 2,
		AcceptModes:       map[byte]string{catalog.KindLastprice: storage.AcceptRequestOpen},
	})

	// Status broadcasts never count against the budget.
	online := mustEnvelope(t, "beta.example", catalog.CodeOnlineAll, nil)
	if _, err := handler.Handle(online); err != nil {
		t.Fatalf("status broadcast: %v", err)
	}

	for run := 1; run <= 2; run++ {
		env := exchangeEnvelope(t, "US0378331005", int64Ref(1), float64Ref(1))
		reply, err := handler.Handle(env)
		if err != nil {
			t.Fatalf("exchange %d: %v", run, err)
		}
		if reply.Note != "" {
			t.Fatalf("exchange %d note = %q, want none", run, reply.Note)
		}
	}

	third := exchangeEnvelope(t, "US0378331005", int64Ref(1), float64Ref(1))
	reply, err := handler.Handle(third)
	if err != nil {
		t.Fatalf("third exchange: %v", err)
	}
	if reply.Note == "" {
		t.Fatal("third exchange must be limited")
	}
}

func TestLastpriceExchangePushOpenBootstrapsPool(t *testing.T) {
	store := newTestStore(t)
	mustSavePeer(t, store, "beta.example")

	poolChanged := false
	handler := newTestHandler(t, store, Identity{
		AcceptModes: map[byte]string{catalog.KindLastprice: storage.AcceptRequestPushOpen},
	})
	handler.OnPoolChange = func() { poolChanged = true }

	env := exchangeEnvelope(t, "US0378331005", int64Ref(1_700_000_000_000), float64Ref(50))
	reply, err := handler.Handle(env)
	if err != nil {
		t.Fatalf("handle exchange: %v", err)
	}

	payload, err := reply.DecodePayload(newTestCatalog(t))
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	response := payload.(*models.LastpriceExchangeReply)
	if len(response.Securities) != 1 {
		t.Fatalf("bootstrap must echo the record, got %v", response.Securities)
	}

	entries, err := store.ListPool()
	if err != nil {
		t.Fatalf("list pool: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("pool entries = %d, want 1", len(entries))
	}
	if entries[0].Instrument.CreatedByDomain != "alpha.example" {
		t.Fatalf("pool attribution = %q, want alpha.example", entries[0].Instrument.CreatedByDomain)
	}
	if !poolChanged {
		t.Fatal("pool change hook did not fire")
	}
}

func TestMaintenanceNoticeIsIdempotentByReplacement(t *testing.T) {
	store := newTestStore(t)
	mustSavePeer(t, store, "beta.example")
	handler := newTestHandler(t, store, Identity{})

	first := mustEnvelope(t, "beta.example", catalog.CodeMaintenance,
		&models.MaintenanceNotice{FromTimestamp: 1000, UntilTimestamp: 2000})
	if _, err := handler.Handle(first); err != nil {
		t.Fatalf("first maintenance notice: %v", err)
	}
	second := mustEnvelope(t, "beta.example", catalog.CodeMaintenance,
		&models.MaintenanceNotice{FromTimestamp: 3000, UntilTimestamp: 4000})
	if _, err := handler.Handle(second); err != nil {
		t.Fatalf("second maintenance notice: %v", err)
	}

	open, err := store.OpenNoticeOfClass("beta.example", storage.NoticeClassMaintenance)
	if err != nil {
		t.Fatalf("open notice: %v", err)
	}
	if open.FromTimestamp != 3000 {
		t.Fatalf("open notice from = %d, want the replacement 3000", open.FromTimestamp)
	}

	cancel := mustEnvelope(t, "beta.example", catalog.CodeMaintenanceCancel, nil)
	if _, err := handler.Handle(cancel); err != nil {
		t.Fatalf("cancel notice: %v", err)
	}
	if _, err := store.OpenNoticeOfClass("beta.example", storage.NoticeClassMaintenance); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("notice after cancel = %v, want ErrNotFound", err)
	}
}

func TestMaintenanceMirrorsPeerBusyFlag(t *testing.T) {
	store := newTestStore(t)
	mustSavePeer(t, store, "beta.example")
	handler := newTestHandler(t, store, Identity{})

	notice := mustEnvelope(t, "beta.example", catalog.CodeMaintenance,
		&models.MaintenanceNotice{FromTimestamp: 1000, UntilTimestamp: 2000})
	if _, err := handler.Handle(notice); err != nil {
		t.Fatalf("maintenance notice: %v", err)
	}
	peer, err := store.GetPeer("beta.example")
	if err != nil {
		t.Fatalf("get peer: %v", err)
	}
	if !peer.ServerBusy {
		t.Fatal("peer not flagged busy during its maintenance window")
	}

	cancel := mustEnvelope(t, "beta.example", catalog.CodeMaintenanceCancel, nil)
	if _, err := handler.Handle(cancel); err != nil {
		t.Fatalf("cancel notice: %v", err)
	}
	peer, _ = store.GetPeer("beta.example")
	if peer.ServerBusy {
		t.Fatal("busy flag not cleared on maintenance cancel")
	}

	// A notice from a peer without a row keeps only the notice.
	unknown := mustEnvelope(t, "gamma.example", catalog.CodeMaintenance,
		&models.MaintenanceNotice{FromTimestamp: 1000})
	if _, err := handler.Handle(unknown); err != nil {
		t.Fatalf("notice from unknown peer must not fail: %v", err)
	}
}

func TestInboundTrafficTouchesPeerLastSeen(t *testing.T) {
	store := newTestStore(t)
	mustSavePeer(t, store, "beta.example")

	peer, err := store.GetPeer("beta.example")
	if err != nil {
		t.Fatalf("get peer: %v", err)
	}
	if peer.LastSeenTimestamp != nil {
		t.Fatalf("fresh peer last seen = %v, want unset", *peer.LastSeenTimestamp)
	}

	handler := newTestHandler(t, store, Identity{})
	online := mustEnvelope(t, "beta.example", catalog.CodeOnlineAll, nil)
	if _, err := handler.Handle(online); err != nil {
		t.Fatalf("handle broadcast: %v", err)
	}

	peer, _ = store.GetPeer("beta.example")
	if peer.LastSeenTimestamp == nil {
		t.Fatal("inbound traffic did not touch the peer's last-seen timestamp")
	}
}

func TestDiscontinuationRebroadcastIsIgnored(t *testing.T) {
	store := newTestStore(t)
	mustSavePeer(t, store, "beta.example")
	handler := newTestHandler(t, store, Identity{})

	notice := &models.OperationDiscontinued{EffectiveTimestamp: 5000}
	first := mustEnvelope(t, "beta.example", catalog.CodeOperationDiscontinued, notice)
	if _, err := handler.Handle(first); err != nil {
		t.Fatalf("first discontinuation: %v", err)
	}
	second := mustEnvelope(t, "beta.example", catalog.CodeOperationDiscontinued, notice)
	if _, err := handler.Handle(second); err != nil {
		t.Fatalf("rebroadcast must not fail: %v", err)
	}
}

func TestStatusBroadcastsMarkPeer(t *testing.T) {
	store := newTestStore(t)
	mustSavePeer(t, store, "beta.example")
	handler := newTestHandler(t, store, Identity{})

	online := mustEnvelope(t, "beta.example", catalog.CodeOnlineAll, nil)
	if _, err := handler.Handle(online); err != nil {
		t.Fatalf("handle online broadcast: %v", err)
	}
	peer, _ := store.GetPeer("beta.example")
	if peer.ServerOnline != storage.ServerOnlineOnline {
		t.Fatalf("peer online = %q, want online", peer.ServerOnline)
	}

	offline := mustEnvelope(t, "beta.example", catalog.CodeOfflineAll, nil)
	if _, err := handler.Handle(offline); err != nil {
		t.Fatalf("handle offline broadcast: %v", err)
	}
	peer, _ = store.GetPeer("beta.example")
	if peer.ServerOnline != storage.ServerOnlineOffline {
		t.Fatalf("peer online = %q, want offline", peer.ServerOnline)
	}

	// A broadcast from an unknown peer is ignored without error.
	unknown := mustEnvelope(t, "gamma.example", catalog.CodeOnlineAll, nil)
	if _, err := handler.Handle(unknown); err != nil {
		t.Fatalf("broadcast from unknown peer must not fail: %v", err)
	}
}
