package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gtnet/catalog"
	"gtnet/models"
	"gtnet/storage"
)

// ErrHandshakeRejected is the terminal outcome of a refused handshake or
// data request. It is an expected protocol result, not a transport fault.
var ErrHandshakeRejected = errors.New("network: rejected by peer")

// Initiator runs the requester side of the handshake and data negotiation
// flows. Each call is one synchronous request/response exchange; the
// outcome is persisted the same way inbound traffic is.
type Initiator struct {
	catalog   *catalog.Catalog
	store     *storage.Store
	transport Transport
	resolve   Resolver
	identity  Identity
	logger    *slog.Logger
}

// NewInitiator wires the requester-side flows.
func NewInitiator(c *catalog.Catalog, store *storage.Store, transport Transport, identity Identity, resolve Resolver, logger *slog.Logger) *Initiator {
	if resolve == nil {
		resolve = PeerAddress
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Initiator{
		catalog:   c,
		store:     store,
		transport: transport,
		resolve:   resolve,
		identity:  identity,
		logger:    logger.With("component", "gtnet-initiator"),
	}
}

func (i *Initiator) localCapabilities() []models.CapabilityInfo {
	out := make([]models.CapabilityInfo, 0, len(i.identity.AcceptModes))
	for kind, mode := range i.identity.AcceptModes {
		state := storage.ServerStateOpen
		if mode == storage.AcceptRequestClosed {
			state = storage.ServerStateClosed
		}
		out = append(out, models.CapabilityInfo{Kind: kind, AcceptRequest: mode, ServerState: state})
	}
	return out
}

// Handshake performs first contact with a peer domain. On accept both the
// local record of the peer and its capabilities are stored and the peer is
// marked online; rejections leave the peer table untouched and surface as
// ErrHandshakeRejected.
func (i *Initiator) Handshake(ctx context.Context, targetDomain string) error {
	env, err := NewEnvelope(i.identity.Domain, catalog.CodeFirstHandshake, &models.HandshakeRequest{
		Domain:       i.identity.Domain,
		Timezone:     i.identity.Timezone,
		Capabilities: i.localCapabilities(),
	})
	if err != nil {
		return err
	}

	reply, err := i.exchange(ctx, targetDomain, env)
	if err != nil {
		return err
	}

	switch reply.MessageCode {
	case catalog.CodeFirstHandshakeAccept:
		payload, err := reply.DecodePayload(i.catalog)
		if err != nil {
			return err
		}
		accept := payload.(*models.HandshakeAccept)

		domain := targetDomain
		if accept.Domain != "" {
			domain = accept.Domain
		}
		now := time.Now().UnixMilli()
		peer := storage.Peer{
			Domain:            domain,
			Timezone:          accept.Timezone,
			ServerOnline:      storage.ServerOnlineOnline,
			LastSeenTimestamp: &now,
		}
		if existing, err := i.store.GetPeer(domain); err == nil {
			peer.SpreadCapability = existing.SpreadCapability
			peer.DailyRequestLimit = existing.DailyRequestLimit
			peer.AllowServerCreation = existing.AllowServerCreation
			peer.AddedTimestamp = existing.AddedTimestamp
		}
		if err := i.store.SavePeer(peer); err != nil {
			return err
		}
		for _, capability := range accept.Capabilities {
			err := i.store.UpsertCapability(storage.PeerCapability{
				PeerDomain:    domain,
				Kind:          capability.Kind,
				AcceptRequest: capability.AcceptRequest,
				ServerState:   capability.ServerState,
			})
			if err != nil {
				i.logger.Warn("storing peer capability failed", "peer", domain, "kind", capability.Kind, "error", err)
			}
		}
		i.logger.Info("handshake accepted by peer", "peer", domain)
		return nil

	case catalog.CodeFirstHandshakeReject, catalog.CodeFirstHandshakeRejectNotInList:
		code, _ := i.catalog.CodeByValue(reply.MessageCode)
		i.logger.Info("handshake rejected by peer", "peer", targetDomain, "response", code.Name)
		return fmt.Errorf("%w: %s", ErrHandshakeRejected, code.Name)

	default:
		return fmt.Errorf("network: unexpected handshake response code %d", reply.MessageCode)
	}
}

// RequestData asks a peer to open bulk synchronization. A nil kind set
// defaults to every syncable kind. The granted kinds are returned.
func (i *Initiator) RequestData(ctx context.Context, targetDomain string, kinds []byte) ([]byte, error) {
	if len(kinds) == 0 {
		for _, kind := range i.catalog.SyncableKinds() {
			kinds = append(kinds, kind.Value)
		}
	}

	env, err := NewEnvelope(i.identity.Domain, catalog.CodeDataRequest, &models.DataRequest{Kinds: kinds})
	if err != nil {
		return nil, err
	}
	reply, err := i.exchange(ctx, targetDomain, env)
	if err != nil {
		return nil, err
	}

	switch reply.MessageCode {
	case catalog.CodeDataRequestAccept:
		payload, err := reply.DecodePayload(i.catalog)
		if err != nil {
			return nil, err
		}
		return payload.(*models.DataRequestAccept).Kinds, nil
	case catalog.CodeDataRequestRejected:
		return nil, fmt.Errorf("%w: data request refused", ErrHandshakeRejected)
	default:
		return nil, fmt.Errorf("network: unexpected data request response code %d", reply.MessageCode)
	}
}

// RevokeData cancels a previously accepted exchange for the given kinds.
// Fire and forget; the message goes through the delivery queue semantics of
// a direct send.
func (i *Initiator) RevokeData(ctx context.Context, targetDomain string, kinds []byte) error {
	env, err := NewEnvelope(i.identity.Domain, catalog.CodeDataRevoke, &models.DataRevoke{Kinds: kinds})
	if err != nil {
		return err
	}
	if err := i.transport.Send(ctx, i.resolve(targetDomain), env); err != nil {
		return err
	}
	return i.recordSent(env, targetDomain, storage.DeliveryStatusDelivered)
}

func (i *Initiator) exchange(ctx context.Context, targetDomain string, env Envelope) (Envelope, error) {
	reply, err := i.transport.Exchange(ctx, i.resolve(targetDomain), env)
	if recordErr := i.recordSent(env, targetDomain, deliveryStatus(err)); recordErr != nil {
		i.logger.Warn("recording sent message failed", "id", env.ID, "error", recordErr)
	}
	if err != nil {
		return Envelope{}, err
	}
	if reply.InReplyTo != env.ID {
		return Envelope{}, fmt.Errorf("network: reply correlates to %q, not %q", reply.InReplyTo, env.ID)
	}
	return reply, nil
}

func (i *Initiator) recordSent(env Envelope, target, status string) error {
	err := i.store.SaveMessage(storage.Message{
		MessageID:   env.ID,
		MessageCode: env.MessageCode,
		Direction:   storage.DirectionSent,
		PeerDomain:  &target,
		Timestamp:   env.Timestamp,
		Note:        env.Note,
		Params:      string(env.Payload),
	})
	if err != nil {
		return err
	}
	if err := i.store.AddAttempts(env.ID, []string{target}); err != nil {
		return err
	}
	if status == storage.DeliveryStatusDelivered {
		return i.store.MarkAttemptDelivered(env.ID, target)
	}
	_, err = i.store.RecordAttemptFailure(env.ID, target, 1)
	return err
}

func deliveryStatus(err error) string {
	if err == nil {
		return storage.DeliveryStatusDelivered
	}
	return storage.DeliveryStatusFailed
}
