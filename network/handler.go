package network

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gtnet/catalog"
	"gtnet/exchange"
	"gtnet/models"
	"gtnet/storage"
)

// Identity describes the local instance to inbound peers.
type Identity struct {
	Domain              string
	Timezone            string
	AllowServerCreation bool
	ServerBusy          bool
	// DailyRequestLimit caps inbound requests per peer per day; 0 means
	// unlimited.
	DailyRequestLimit int
	// AcceptModes maps an entity-kind value to this instance's accept mode
	// for that kind. Missing kinds are closed.
	AcceptModes map[byte]string
}

// AcceptModeFor returns the local accept mode for a kind, defaulting to
// closed.
func (i Identity) AcceptModeFor(kind byte) string {
	if mode, ok := i.AcceptModes[kind]; ok {
		return mode
	}
	return storage.AcceptRequestClosed
}

// Handler dispatches inbound envelopes by message code. Every received
// request is persisted append-only; replies are correlated back through the
// stored message's reply reference.
type Handler struct {
	catalog  *catalog.Catalog
	store    *storage.Store
	identity Identity
	logger   *slog.Logger

	// OnPoolChange, when set, fires after a push-open exchange mutated the
	// shared pool. The API hub and the price cache subscribe through it.
	OnPoolChange func()
}

// NewHandler wires the inbound dispatcher.
func NewHandler(c *catalog.Catalog, store *storage.Store, identity Identity, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		catalog:  c,
		store:    store,
		identity: identity,
		logger:   logger.With("component", "gtnet-handler"),
	}
}

// Handle processes one inbound envelope and returns the reply envelope, or
// nil for fire-and-forget codes.
func (h *Handler) Handle(env Envelope) (*Envelope, error) {
	code, err := h.catalog.CodeByValue(env.MessageCode)
	if err != nil {
		return nil, err
	}
	if code.ServerReply {
		// Replies travel on the requester's connection; one arriving here
		// is a stray and carries nothing to act on.
		h.logger.Debug("ignoring stray server reply", "code", code.Name, "from", env.SourceDomain)
		return nil, nil
	}

	payload, err := env.DecodePayload(h.catalog)
	if err != nil {
		return nil, err
	}

	if err := h.recordReceived(env); err != nil {
		// A duplicate delivery of the same message id lands here; the
		// exchange itself still proceeds.
		h.logger.Warn("recording received message failed", "id", env.ID, "error", err)
	}
	// Any inbound traffic proves the peer is alive. Unknown peers are a
	// silent no-op here.
	if err := h.store.TouchPeerSeen(env.SourceDomain); err != nil {
		h.logger.Warn("touching peer last-seen failed", "peer", env.SourceDomain, "error", err)
	}

	var reply *Envelope
	switch env.MessageCode {
	case catalog.CodeFirstHandshake:
		reply, err = h.handleFirstHandshake(env, payload.(*models.HandshakeRequest))
	case catalog.CodeDataRequest:
		reply, err = h.handleDataRequest(env, payload.(*models.DataRequest))
	case catalog.CodeDataRevoke:
		err = h.handleDataRevoke(env, payload.(*models.DataRevoke))
	case catalog.CodeLastpriceExchange:
		reply, err = h.handleLastpriceExchange(env, payload.(*models.LastpriceExchange))
	case catalog.CodeMaintenance:
		err = h.handleMaintenance(env, payload.(*models.MaintenanceNotice))
	case catalog.CodeMaintenanceCancel:
		err = h.handleMaintenanceCancel(env)
	case catalog.CodeOperationDiscontinued:
		err = h.handleDiscontinued(env, payload.(*models.OperationDiscontinued))
	case catalog.CodeOperationDiscontinuedCancel:
		err = h.store.CancelNotice(env.SourceDomain, storage.NoticeClassDiscontinued)
	case catalog.CodeOnlineAll:
		err = h.markPeerOnline(env.SourceDomain, storage.ServerOnlineOnline)
	case catalog.CodeOfflineAll:
		err = h.markPeerOnline(env.SourceDomain, storage.ServerOnlineOffline)
	default:
		err = fmt.Errorf("network: no handler for message code %q", code.Name)
	}
	if err != nil {
		return nil, err
	}

	if reply != nil {
		if err := h.store.AttachReply(env.ID, reply.ID); err != nil {
			h.logger.Warn("attaching reply reference failed", "id", env.ID, "error", err)
		}
	}
	return reply, nil
}

func (h *Handler) recordReceived(env Envelope) error {
	domain := env.SourceDomain
	return h.store.SaveMessage(storage.Message{
		MessageID:   env.ID,
		MessageCode: env.MessageCode,
		Direction:   storage.DirectionReceived,
		PeerDomain:  &domain,
		Timestamp:   env.Timestamp,
		Note:        env.Note,
		Params:      string(env.Payload),
	})
}

// handleFirstHandshake runs the responder side of first contact. Rejections
// never mutate the peer table.
func (h *Handler) handleFirstHandshake(env Envelope, req *models.HandshakeRequest) (*Envelope, error) {
	if req.Domain == "" || req.Domain != env.SourceDomain {
		return h.reply(env, catalog.CodeFirstHandshakeReject,
			&models.HandshakeReject{Reason: "handshake domain does not match envelope source"})
	}
	if h.identity.ServerBusy {
		return h.reply(env, catalog.CodeFirstHandshakeReject,
			&models.HandshakeReject{Reason: "server is busy"})
	}

	peer, err := h.store.GetPeer(req.Domain)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		if !h.identity.AllowServerCreation {
			return h.reply(env, catalog.CodeFirstHandshakeRejectNotInList,
				&models.HandshakeReject{Reason: "unknown peer and auto-registration is disabled"})
		}
		peer = storage.Peer{Domain: req.Domain}
	default:
		return nil, err
	}

	peer.Timezone = req.Timezone
	peer.ServerOnline = storage.ServerOnlineOnline
	now := time.Now().UnixMilli()
	peer.LastSeenTimestamp = &now
	if err := h.store.SavePeer(peer); err != nil {
		return nil, err
	}
	for _, capability := range req.Capabilities {
		err := h.store.UpsertCapability(storage.PeerCapability{
			PeerDomain:    req.Domain,
			Kind:          capability.Kind,
			AcceptRequest: capability.AcceptRequest,
			ServerState:   capability.ServerState,
		})
		if err != nil {
			h.logger.Warn("storing handshake capability failed",
				"peer", req.Domain, "kind", capability.Kind, "error", err)
		}
	}

	h.logger.Info("handshake accepted", "peer", req.Domain)
	return h.reply(env, catalog.CodeFirstHandshakeAccept, &models.HandshakeAccept{
		Domain:       h.identity.Domain,
		Timezone:     h.identity.Timezone,
		Capabilities: h.localCapabilities(),
	})
}

// handleDataRequest grants the requested kinds this instance is willing to
// synchronize. An empty grant is a rejection.
func (h *Handler) handleDataRequest(env Envelope, req *models.DataRequest) (*Envelope, error) {
	if _, err := h.store.GetPeer(env.SourceDomain); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return h.reply(env, catalog.CodeDataRequestRejected,
				&models.DataRequestRejected{Kinds: req.Kinds, Reason: "no handshake on record"})
		}
		return nil, err
	}

	var granted []byte
	for _, value := range req.Kinds {
		kind, err := h.catalog.KindByValue(value)
		if err != nil || !kind.Syncable {
			continue
		}
		mode := h.identity.AcceptModeFor(value)
		if mode == storage.AcceptRequestClosed {
			continue
		}
		granted = append(granted, value)
	}
	if len(granted) == 0 {
		return h.reply(env, catalog.CodeDataRequestRejected,
			&models.DataRequestRejected{Kinds: req.Kinds, Reason: "no requested kind is open"})
	}

	for _, value := range granted {
		err := h.store.UpsertCapability(storage.PeerCapability{
			PeerDomain:    env.SourceDomain,
			Kind:          value,
			AcceptRequest: h.identity.AcceptModeFor(value),
			ServerState:   storage.ServerStateOpen,
		})
		if err != nil {
			h.logger.Warn("granting data request failed", "peer", env.SourceDomain, "kind", value, "error", err)
		}
	}
	return h.reply(env, catalog.CodeDataRequestAccept, &models.DataRequestAccept{Kinds: granted})
}

// handleDataRevoke cancels a previously accepted exchange. Fire and forget.
func (h *Handler) handleDataRevoke(env Envelope, req *models.DataRevoke) error {
	return h.store.RemoveCapabilities(env.SourceDomain, req.Kinds)
}

// handleLastpriceExchange validates the caller against the capability model
// and dispatches to the strategy selected by the local accept mode. A closed
// mode or an exhausted daily limit produces an empty reply with a note, the
// only legal response code for the exchange.
func (h *Handler) handleLastpriceExchange(env Envelope, req *models.LastpriceExchange) (*Envelope, error) {
	if _, err := h.store.GetPeer(env.SourceDomain); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return h.emptyExchangeReply(env, "no handshake on record")
		}
		return nil, err
	}

	if h.identity.DailyRequestLimit > 0 {
		since := startOfDay(time.Now()).UnixMilli()
		count, err := h.store.CountReceivedRequestsSince(env.SourceDomain, since, h.requestCodes())
		if err != nil {
			return nil, err
		}
		// The request at hand is already recorded and counts against the
		// limit.
		if count > h.identity.DailyRequestLimit {
			return h.emptyExchangeReply(env, "daily request limit reached")
		}
	}

	kind, err := h.catalog.KindByValue(catalog.KindLastprice)
	if err != nil {
		return nil, err
	}
	mode := h.identity.AcceptModeFor(kind.Value)
	if mode == storage.AcceptRequestPushOpen && !kind.SupportsPush {
		return h.emptyExchangeReply(env, "kind does not support the push pool")
	}

	strategy := exchange.ForAcceptMode(mode, h.store, h.identity.Domain, h.logger)
	if strategy == nil {
		return h.emptyExchangeReply(env, "lastprice exchange is closed")
	}

	var reply models.LastpriceExchangeReply
	securities, err := strategy.QuerySecurities(req.Securities, nil)
	if err != nil {
		h.logger.Error("security exchange failed", "peer", env.SourceDomain, "error", err)
	} else {
		reply.Securities = securities
	}
	currencypairs, err := strategy.QueryCurrencypairs(req.Currencypairs, nil)
	if err != nil {
		h.logger.Error("currencypair exchange failed", "peer", env.SourceDomain, "error", err)
	} else {
		reply.Currencypairs = currencypairs
	}

	if mode == storage.AcceptRequestPushOpen && h.OnPoolChange != nil {
		h.OnPoolChange()
	}
	return h.reply(env, catalog.CodeLastpriceExchangeReply, &reply)
}

func (h *Handler) handleMaintenance(env Envelope, notice *models.MaintenanceNotice) error {
	var until *int64
	if notice.UntilTimestamp != 0 {
		until = &notice.UntilTimestamp
	}
	_, err := h.store.OpenNotice(storage.Notice{
		Class:          storage.NoticeClassMaintenance,
		Domain:         env.SourceDomain,
		FromTimestamp:  notice.FromTimestamp,
		UntilTimestamp: until,
		Note:           notice.Note,
	})
	if err != nil {
		return err
	}
	h.setPeerBusy(env.SourceDomain, true)
	return nil
}

func (h *Handler) handleMaintenanceCancel(env Envelope) error {
	if err := h.store.CancelNotice(env.SourceDomain, storage.NoticeClassMaintenance); err != nil {
		return err
	}
	h.setPeerBusy(env.SourceDomain, false)
	return nil
}

// setPeerBusy mirrors a maintenance window onto the peer's busy flag.
// Notices from peers we never did a handshake with have no row to flag.
func (h *Handler) setPeerBusy(domain string, busy bool) {
	err := h.store.SetPeerBusy(domain, busy)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.logger.Warn("setting peer busy flag failed", "peer", domain, "busy", busy, "error", err)
	}
}

func (h *Handler) handleDiscontinued(env Envelope, notice *models.OperationDiscontinued) error {
	_, err := h.store.OpenNotice(storage.Notice{
		Class:         storage.NoticeClassDiscontinued,
		Domain:        env.SourceDomain,
		FromTimestamp: notice.EffectiveTimestamp,
		Note:          notice.Note,
	})
	if errors.Is(err, storage.ErrNoticeAlreadyOpen) {
		// Rebroadcast of a still-open notice, nothing to change.
		return nil
	}
	return err
}

// requestCodes lists the codes that count against the daily request limit:
// targeted requests only, so a peer's status and notice broadcasts never
// consume its exchange budget.
func (h *Handler) requestCodes() []byte {
	var codes []byte
	for _, code := range h.catalog.AllCodes() {
		if code.RequiresResponse && !code.ServerReply {
			codes = append(codes, code.Value)
		}
	}
	return codes
}

func (h *Handler) markPeerOnline(domain, state string) error {
	err := h.store.SetPeerOnlineState(domain, state)
	if errors.Is(err, storage.ErrNotFound) {
		h.logger.Debug("status broadcast from unknown peer", "peer", domain, "state", state)
		return nil
	}
	return err
}

func (h *Handler) reply(env Envelope, code byte, payload any) (*Envelope, error) {
	reply, err := env.Reply(h.identity.Domain, code, payload)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

func (h *Handler) emptyExchangeReply(env Envelope, note string) (*Envelope, error) {
	reply, err := h.reply(env, catalog.CodeLastpriceExchangeReply, &models.LastpriceExchangeReply{})
	if err != nil {
		return nil, err
	}
	reply.Note = note
	return reply, nil
}

func (h *Handler) localCapabilities() []models.CapabilityInfo {
	out := make([]models.CapabilityInfo, 0, len(h.identity.AcceptModes))
	for kind, mode := range h.identity.AcceptModes {
		state := storage.ServerStateOpen
		if mode == storage.AcceptRequestClosed {
			state = storage.ServerStateClosed
		}
		out = append(out, models.CapabilityInfo{
			Kind:          kind,
			AcceptRequest: mode,
			ServerState:   state,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
