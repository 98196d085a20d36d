// Package lifecycle coordinates the GTNet startup and shutdown broadcasts.
// Startup work is deferred to the background scheduler once the instance is
// ready to serve; the shutdown offline broadcast runs synchronously so
// peers are not left assuming this instance is reachable.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"gtnet/catalog"
	"gtnet/network"
	"gtnet/scheduler"
	"gtnet/storage"
)

// Scheduler names used by the coordinator.
const (
	TaskDelivery    = "gtnet-delivery"
	TaskStatusCheck = "gtnet-status-check"
	TaskSync        = "gtnet-lastprice-sync"

	// TaskHandshakePrefix prefixes the per-domain handshake tasks queued
	// for discovered instances.
	TaskHandshakePrefix = "gtnet-handshake:"
)

// DefaultStatusCheckDelay defers the startup reachability sweep until the
// online broadcast has had a chance to go out.
const DefaultStatusCheckDelay = 30 * time.Second

// Options configure the coordinator.
type Options struct {
	Enabled bool
	Domain  string
	// Timezone of the local instance, recorded on its own peer row.
	Timezone string
	// DeliveryInterval re-runs the delivery worker; zero disables it.
	DeliveryInterval time.Duration
	// StatusCheckDelay overrides DefaultStatusCheckDelay.
	StatusCheckDelay time.Duration
	// ShutdownTimeout bounds the synchronous offline broadcast.
	ShutdownTimeout time.Duration
}

// Coordinator owns the online/offline lifecycle of the local instance.
type Coordinator struct {
	options   Options
	store     *storage.Store
	deliverer *network.Deliverer
	initiator *network.Initiator
	transport network.Transport
	book      *network.AddressBook
	resolve   network.Resolver
	tasks     *scheduler.Scheduler
	logger    *slog.Logger
}

// New wires the lifecycle coordinator. The initiator and address book are
// optional; without them discovered instances are recorded but never
// contacted.
func New(options Options, store *storage.Store, deliverer *network.Deliverer, initiator *network.Initiator, transport network.Transport, book *network.AddressBook, tasks *scheduler.Scheduler, logger *slog.Logger) *Coordinator {
	if options.StatusCheckDelay <= 0 {
		options.StatusCheckDelay = DefaultStatusCheckDelay
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 15 * time.Second
	}
	resolve := network.Resolver(network.PeerAddress)
	if book != nil {
		resolve = book.Resolve
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		options:   options,
		store:     store,
		deliverer: deliverer,
		initiator: initiator,
		transport: transport,
		book:      book,
		resolve:   resolve,
		tasks:     tasks,
		logger:    logger.With("component", "lifecycle"),
	}
}

// enabled reports whether lifecycle actions apply. A disabled GTNet or a
// missing peer-identity is a valid configuration, not an error.
func (c *Coordinator) enabled() bool {
	return c.options.Enabled && c.options.Domain != ""
}

// Startup marks the local peer record online, broadcasts ONLINE_ALL and
// schedules the deferred status check. It must be called once the instance
// is fully ready to serve traffic. Failures are logged and never block
// readiness.
func (c *Coordinator) Startup(ctx context.Context) error {
	if !c.enabled() {
		c.logger.Info("gtnet disabled or no peer identity configured, skipping online broadcast")
		return nil
	}

	if err := c.ensureLocalPeerOnline(); err != nil {
		c.logger.Warn("marking local peer online failed", "error", err)
	}

	if _, err := c.deliverer.Broadcast(catalog.CodeOnlineAll, nil, ""); err != nil {
		c.logger.Warn("queueing online broadcast failed", "error", err)
	}

	if c.options.DeliveryInterval > 0 {
		err := c.tasks.Enqueue(scheduler.Task{
			Name:   TaskDelivery,
			Repeat: c.options.DeliveryInterval,
			Run:    c.deliverer.RunOnce,
		})
		if err != nil {
			c.logger.Warn("scheduling delivery worker failed", "error", err)
		}
	}

	err := c.tasks.Enqueue(scheduler.Task{
		Name:          TaskStatusCheck,
		EarliestStart: time.Now().Add(c.options.StatusCheckDelay),
		Run:           c.statusCheck,
	})
	if err != nil {
		c.logger.Warn("scheduling status check failed", "error", err)
	}
	return nil
}

// Discovered reacts to a discovery announcement. The announced address is
// recorded for future dials; domains not yet in the peer table get a
// background handshake so first contact happens without operator action.
func (c *Coordinator) Discovered(domain, addr string) {
	if !c.enabled() || domain == "" || domain == c.options.Domain {
		return
	}
	if c.book != nil {
		c.book.Set(domain, addr)
	}

	if _, err := c.store.GetPeer(domain); err == nil {
		return
	}
	if c.initiator == nil {
		return
	}

	err := c.tasks.Enqueue(scheduler.Task{
		Name: TaskHandshakePrefix + domain,
		Run: func(ctx context.Context) error {
			return c.initiator.Handshake(ctx, domain)
		},
	})
	if err != nil {
		c.logger.Warn("scheduling handshake failed", "peer", domain, "error", err)
		return
	}
	c.logger.Info("handshake queued for discovered instance", "peer", domain, "addr", addr)
}

// Shutdown broadcasts OFFLINE_ALL synchronously to every known peer before
// teardown continues. Failures are logged; the shutdown sequence always
// completes.
func (c *Coordinator) Shutdown(ctx context.Context) {
	if !c.enabled() {
		c.logger.Info("gtnet disabled or no peer identity configured, skipping offline broadcast")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.options.ShutdownTimeout)
	defer cancel()

	env, err := network.NewEnvelope(c.options.Domain, catalog.CodeOfflineAll, nil)
	if err != nil {
		c.logger.Error("building offline broadcast failed", "error", err)
		return
	}

	peers, err := c.store.ListPeers()
	if err != nil {
		c.logger.Error("listing peers for offline broadcast failed", "error", err)
		return
	}

	for _, peer := range peers {
		if peer.Domain == c.options.Domain {
			continue
		}
		if err := c.transport.Send(ctx, c.resolve(peer.Domain), env); err != nil {
			c.logger.Warn("offline broadcast to peer failed", "peer", peer.Domain, "error", err)
		}
	}

	if err := c.store.SetPeerOnlineState(c.options.Domain, storage.ServerOnlineOffline); err != nil {
		c.logger.Warn("marking local peer offline failed", "error", err)
	}
	c.logger.Info("offline broadcast completed", "peers", len(peers))
}

func (c *Coordinator) ensureLocalPeerOnline() error {
	peer, err := c.store.GetPeer(c.options.Domain)
	if err != nil {
		peer = storage.Peer{
			Domain:   c.options.Domain,
			Timezone: c.options.Timezone,
		}
	}
	peer.ServerOnline = storage.ServerOnlineOnline
	return c.store.SavePeer(peer)
}

// statusCheck probes reachability of every known peer and records the
// result. Unreachable peers are marked offline until a later contact.
func (c *Coordinator) statusCheck(ctx context.Context) error {
	peers, err := c.store.ListPeers()
	if err != nil {
		return err
	}

	for _, peer := range peers {
		if peer.Domain == c.options.Domain {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		state := storage.ServerOnlineOnline
		if err := c.transport.Check(ctx, c.resolve(peer.Domain)); err != nil {
			state = storage.ServerOnlineOffline
		}
		if state == peer.ServerOnline {
			continue
		}
		if err := c.store.SetPeerOnlineState(peer.Domain, state); err != nil {
			c.logger.Warn("recording peer state failed", "peer", peer.Domain, "error", err)
			continue
		}
		c.logger.Info("peer state changed", "peer", peer.Domain, "state", state)
	}
	return nil
}
