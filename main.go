package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gtnet/api"
	"gtnet/cache"
	"gtnet/calendars"
	"gtnet/catalog"
	"gtnet/config"
	"gtnet/discovery"
	"gtnet/lifecycle"
	"gtnet/network"
	"gtnet/scheduler"
	"gtnet/storage"
)

const deliveryInterval = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the instance configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	store, err := openStore(cfg.Storage)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("database close failed", "error", err)
		}
	}()

	cat := catalog.New()
	if err := catalog.RegisterBuiltins(cat); err != nil {
		log.Fatalf("startup failed while registering the message catalogue: %v", err)
	}

	identity := network.Identity{
		Domain:              cfg.GTNet.Domain,
		Timezone:            cfg.GTNet.Timezone,
		AllowServerCreation: cfg.GTNet.AllowServerCreation,
		ServerBusy:          cfg.GTNet.ServerBusy,
		DailyRequestLimit:   cfg.GTNet.DailyRequestLimit,
		AcceptModes:         acceptModes(cat, cfg),
	}

	apiServer := api.NewServer(cat, store, cfg.GTNet.Domain, logger)

	var priceCache *cache.Cache
	if cfg.Cache.Enabled {
		priceCache, err = cache.New(cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB,
			time.Duration(cfg.Cache.TTLSeconds)*time.Second)
		if err != nil {
			logger.Warn("price cache unavailable, continuing without it", "error", err)
		} else {
			defer priceCache.Close()
			apiServer.SetPriceCache(priceCache)
		}
	}

	handler := network.NewHandler(cat, store, identity, logger)
	handler.OnPoolChange = func() {
		apiServer.NotifyPoolUpdate()
		if priceCache != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := priceCache.RefreshPool(ctx, store); err != nil {
				logger.Warn("refreshing price cache failed", "error", err)
			}
		}
	}

	if cfg.GTNet.Enabled {
		server, err := network.Listen(fmt.Sprintf(":%d", cfg.GTNet.ListenPort), handler, logger)
		if err != nil {
			log.Fatalf("startup failed while opening the gtnet listener: %v", err)
		}
		defer func() {
			if err := server.Close(); err != nil {
				logger.Error("gtnet listener close failed", "error", err)
			}
		}()
		logger.Info("gtnet listening", "addr", server.Addr().String(), "domain", cfg.GTNet.Domain)
	}

	tasks := scheduler.New(cfg.Scheduler.Workers,
		time.Duration(cfg.Scheduler.TaskTimeoutSeconds)*time.Second, logger)
	tasks.Start()
	defer tasks.Stop()

	client := network.NewClient(network.ClientOptions{})
	book := network.NewAddressBook()
	deliverer := network.NewDeliverer(cat, store, client, cfg.GTNet.Domain, book.Resolve, logger)
	syncer := network.NewSyncer(cat, store, client, cfg.GTNet.Domain, book.Resolve, logger)
	initiator := network.NewInitiator(cat, store, client, identity, book.Resolve, logger)

	if cfg.GTNet.Enabled {
		gate := calendars.ForMIC(cfg.Sync.MarketMIC)
		interval := time.Duration(cfg.Sync.IntervalSeconds) * time.Second
		err := tasks.Enqueue(scheduler.Task{
			Name:   lifecycle.TaskSync,
			Repeat: interval,
			Run: func(ctx context.Context) error {
				if !gate.IsOpen(time.Now()) {
					logger.Debug("market closed, skipping lastprice sync")
					return nil
				}
				return syncer.RunOnce(ctx)
			},
		})
		if err != nil {
			logger.Warn("scheduling lastprice sync failed", "error", err)
		}
	}

	coordinator := lifecycle.New(lifecycle.Options{
		Enabled:          cfg.GTNet.Enabled,
		Domain:           cfg.GTNet.Domain,
		Timezone:         cfg.GTNet.Timezone,
		DeliveryInterval: deliveryInterval,
	}, store, deliverer, initiator, client, book, tasks, logger)

	if cfg.Discovery.Enabled && cfg.GTNet.Enabled {
		discoveryService, err := discovery.Start(discovery.Config{
			Service:         cfg.Discovery.Service,
			RefreshInterval: time.Duration(cfg.Discovery.RefreshSeconds) * time.Second,
			SelfDomain:      cfg.GTNet.Domain,
			ListenPort:      cfg.GTNet.ListenPort,
			OnInstance: func(instance discovery.Instance) {
				logger.Info("gtnet instance discovered",
					"domain", instance.Domain, "addr", instance.Address())
				coordinator.Discovered(instance.Domain, instance.Address())
			},
		})
		if err != nil {
			logger.Warn("discovery startup failed", "error", err)
		} else {
			defer discoveryService.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coordinator.Startup(ctx); err != nil {
		logger.Error("lifecycle startup failed", "error", err)
	}

	go func() {
		if err := apiServer.Run(cfg.API.Host, cfg.API.Port); err != nil {
			logger.Error("api server stopped", "error", err)
			stop()
		}
	}()
	logger.Info("instance running", "name", cfg.Name, "api_port", cfg.API.Port)

	<-ctx.Done()
	logger.Info("shutting down")
	coordinator.Shutdown(context.Background())
}

func newLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func openStore(cfg config.StorageConfig) (*storage.Store, error) {
	switch cfg.DBType {
	case "postgres":
		return storage.Open(storage.Options{Driver: storage.DriverPostgres, DSN: cfg.DBConnectionString})
	default:
		return storage.Open(storage.Options{Driver: storage.DriverSQLite, DSN: cfg.DBPath})
	}
}

// acceptModes translates the configured kind-name keyed accept map into the
// kind-value keyed form the handler works with.
func acceptModes(cat *catalog.Catalog, cfg *config.Config) map[byte]string {
	modes := make(map[byte]string)
	for _, kind := range cat.AllKinds() {
		mode := cfg.AcceptModeFor(kind.Name)
		if mode == config.AcceptClosed {
			continue
		}
		modes[kind.Value] = mode
	}
	return modes
}
