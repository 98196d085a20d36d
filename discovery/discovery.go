// Package discovery announces this GTNet instance over mDNS and scans for
// other instances on the local network. Discovered domains are handed to a
// callback; whether they become peers is decided by the handshake policy,
// not here.
package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_gtnet._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background scan interval.
	DefaultRefreshInterval = 30 * time.Second
	// DefaultScanTimeout bounds each browse operation.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Instance is one GTNet instance seen on the local network.
type Instance struct {
	Domain    string
	Addresses []string
	Port      int
	LastSeen  time.Time
}

// Config controls mDNS announcement and scanning.
type Config struct {
	Service         string
	MDNSDomain      string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	// SelfDomain is this instance's GTNet domain, announced in TXT and
	// filtered out of scan results.
	SelfDomain string
	ListenPort int

	// OnInstance fires for every newly seen or changed instance.
	OnInstance func(Instance)

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.MDNSDomain == "" {
		out.MDNSDomain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SelfDomain) == "" {
		return errors.New("discovery: self domain is required")
	}
	if c.ListenPort <= 0 {
		return errors.New("discovery: listen port must be > 0")
	}
	return nil
}

// Service announces this instance and scans for others.
type Service struct {
	cfg    Config
	server *zeroconf.Server
	browse browseFunc

	mu   sync.RWMutex
	seen map[string]Instance

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Start registers the mDNS announcement and begins periodic scanning.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	txt := []string{"domain=" + cfg.SelfDomain}
	server, err := cfg.registerFn(cfg.SelfDomain, cfg.Service, cfg.MDNSDomain, cfg.ListenPort, txt, nil)
	if err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			if server != nil {
				server.Shutdown()
			}
			return nil, err
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	service := &Service{
		cfg:    cfg,
		server: server,
		browse: browse,
		seen:   make(map[string]Instance),
		ctx:    ctx,
		cancel: cancel,
	}

	service.wg.Add(1)
	go service.scanLoop()
	return service, nil
}

// Stop shuts down announcement and scanning.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		if s.server != nil {
			s.server.Shutdown()
		}
	})
}

// Instances returns the currently known instances.
func (s *Service) Instances() []Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Instance, 0, len(s.seen))
	for _, instance := range s.seen {
		out = append(out, instance)
	}
	return out
}

func (s *Service) scanLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	s.scanOnce()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce()
		}
	}
}

func (s *Service) scanOnce() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			s.record(entry)
		}
	}()

	if err := s.browse(ctx, s.cfg.Service, s.cfg.MDNSDomain, entries); err != nil {
		return
	}
	<-ctx.Done()
	<-done
}

func (s *Service) record(entry *zeroconf.ServiceEntry) {
	if entry == nil {
		return
	}

	domain := txtValue(entry.Text, "domain")
	if domain == "" || domain == s.cfg.SelfDomain {
		return
	}

	instance := Instance{
		Domain:   domain,
		Port:     entry.Port,
		LastSeen: time.Now(),
	}
	for _, ip := range entry.AddrIPv4 {
		instance.Addresses = append(instance.Addresses, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		instance.Addresses = append(instance.Addresses, ip.String())
	}

	s.mu.Lock()
	previous, known := s.seen[domain]
	s.seen[domain] = instance
	s.mu.Unlock()

	changed := !known || previous.Port != instance.Port ||
		strings.Join(previous.Addresses, ",") != strings.Join(instance.Addresses, ",")
	if changed && s.cfg.OnInstance != nil {
		s.cfg.OnInstance(instance)
	}
}

// Address returns a dialable endpoint for an instance.
func (i Instance) Address() string {
	if len(i.Addresses) == 0 {
		return ""
	}
	return net.JoinHostPort(i.Addresses[0], strconv.Itoa(i.Port))
}

func txtValue(records []string, key string) string {
	prefix := key + "="
	for _, record := range records {
		if strings.HasPrefix(record, prefix) {
			return strings.TrimPrefix(record, prefix)
		}
	}
	return ""
}
