package network

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"gtnet/catalog"
	"gtnet/storage"
)

// Resolver maps a peer domain to a dialable address. The default treats the
// domain itself as the address, filling in the standard port.
type Resolver func(domain string) string

// Deliverer persists outbound messages with one pending attempt per target
// and drains those attempts as a scheduler task body. Transport success
// finalizes an attempt as delivered; failures count against the message
// type's retry ceiling and become terminal failed beyond it.
type Deliverer struct {
	catalog   *catalog.Catalog
	store     *storage.Store
	transport Transport
	resolve   Resolver
	domain    string
	logger    *slog.Logger
	batchSize int
}

// NewDeliverer wires the delivery worker for the local domain.
func NewDeliverer(c *catalog.Catalog, store *storage.Store, transport Transport, domain string, resolve Resolver, logger *slog.Logger) *Deliverer {
	if resolve == nil {
		resolve = PeerAddress
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		catalog:   c,
		store:     store,
		transport: transport,
		resolve:   resolve,
		domain:    domain,
		logger:    logger.With("component", "gtnet-deliverer"),
		batchSize: 50,
	}
}

// Broadcast persists one outbound message addressed to every known peer and
// queues one pending attempt per peer. The message id is returned.
func (d *Deliverer) Broadcast(code byte, payload any, note string) (string, error) {
	peers, err := d.store.ListPeers()
	if err != nil {
		return "", err
	}
	targets := make([]string, 0, len(peers))
	for _, peer := range peers {
		if peer.Domain == d.domain {
			continue
		}
		targets = append(targets, peer.Domain)
	}
	return d.queue(code, payload, note, targets)
}

// SendTargeted persists one outbound message for a single peer and queues
// its pending attempt.
func (d *Deliverer) SendTargeted(target string, code byte, payload any, note string) (string, error) {
	return d.queue(code, payload, note, []string{target})
}

func (d *Deliverer) queue(code byte, payload any, note string, targets []string) (string, error) {
	if _, err := d.catalog.ModelByCode(code); err != nil {
		return "", err
	}

	params := ""
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal outbound payload for code %d: %w", code, err)
		}
		params = string(raw)
	}

	messageID := uuid.NewString()
	err := d.store.SaveMessage(storage.Message{
		MessageID:   messageID,
		MessageCode: code,
		Direction:   storage.DirectionSent,
		Note:        note,
		Params:      params,
	})
	if err != nil {
		return "", err
	}
	if err := d.store.AddAttempts(messageID, targets); err != nil {
		return "", err
	}
	return messageID, nil
}

// RunOnce drains one batch of due pending attempts. It is the task body
// handed to the background scheduler; per-run timeouts come from the
// scheduler's context.
func (d *Deliverer) RunOnce(ctx context.Context) error {
	due, err := d.store.DuePendingAttempts(d.batchSize)
	if err != nil {
		return err
	}

	for _, delivery := range due {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		d.deliver(ctx, delivery)
	}
	return nil
}

func (d *Deliverer) deliver(ctx context.Context, delivery storage.PendingDelivery) {
	message := delivery.Message
	target := delivery.Attempt.TargetDomain

	model, err := d.catalog.ModelByCode(message.MessageCode)
	if err != nil {
		d.logger.Error("stored message has no model, failing attempt",
			"id", message.MessageID, "code", message.MessageCode, "error", err)
		if _, err := d.store.RecordAttemptFailure(message.MessageID, target, 1); err != nil {
			d.logger.Error("recording failure failed", "id", message.MessageID, "error", err)
		}
		return
	}

	env := Envelope{
		ID:           message.MessageID,
		SourceDomain: d.domain,
		MessageCode:  message.MessageCode,
		Timestamp:    message.Timestamp,
		Note:         message.Note,
	}
	if message.Params != "" {
		env.Payload = json.RawMessage(message.Params)
	}

	addr := d.resolve(target)
	if model.ResponseExpected {
		_, err = d.transport.Exchange(ctx, addr, env)
	} else {
		err = d.transport.Send(ctx, addr, env)
	}
	if err == nil {
		if err := d.store.MarkAttemptDelivered(message.MessageID, target); err != nil {
			d.logger.Error("marking delivered failed", "id", message.MessageID, "target", target, "error", err)
		}
		return
	}

	status, recordErr := d.store.RecordAttemptFailure(message.MessageID, target, model.RepeatSendAsMany)
	if recordErr != nil {
		d.logger.Error("recording failure failed", "id", message.MessageID, "target", target, "error", recordErr)
		return
	}
	if status == storage.DeliveryStatusFailed {
		d.logger.Warn("delivery exhausted, attempt is terminal",
			"id", message.MessageID, "target", target, "ceiling", model.RepeatSendAsMany, "error", err)
	} else {
		d.logger.Debug("delivery failed, will retry",
			"id", message.MessageID, "target", target, "error", err)
	}
}
