// Package config loads and validates the YAML instance configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultListenPort is the GTNet TCP port used when no override exists.
	DefaultListenPort = 9944
	// DefaultAPIPort serves the read-only operator API.
	DefaultAPIPort = 8089
	// DefaultSchedulerWorkers runs background tasks.
	DefaultSchedulerWorkers = 2
	// DefaultTaskTimeout bounds one background task run.
	DefaultTaskTimeout = 30 * time.Second
)

// Accept modes for the gtnet accept map.
const (
	AcceptClosed   = "closed"
	AcceptOpen     = "open"
	AcceptPushOpen = "push_open"
)

// Config is the root instance configuration.
type Config struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`

	GTNet     GTNetConfig     `yaml:"gtnet"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	API       APIConfig       `yaml:"api"`
	Sync      SyncConfig      `yaml:"sync"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// GTNetConfig identifies this instance on the network and declares its
// capabilities. An enabled instance must carry a domain; disabling GTNet
// entirely is a valid, common configuration.
type GTNetConfig struct {
	Enabled             bool              `yaml:"enabled"`
	Domain              string            `yaml:"domain"`
	Timezone            string            `yaml:"timezone"`
	ListenPort          int               `yaml:"listen_port"`
	AllowServerCreation bool              `yaml:"allow_server_creation"`
	ServerBusy          bool              `yaml:"server_busy"`
	DailyRequestLimit   int               `yaml:"daily_request_limit"`
	Accept              map[string]string `yaml:"accept"`
}

// StorageConfig selects the durable record backend.
type StorageConfig struct {
	DBType             string `yaml:"db_type"`
	DBPath             string `yaml:"db_path"`
	DBConnectionString string `yaml:"db_connection_string"`
}

// CacheConfig enables the optional Redis latest-price projection.
type CacheConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// DiscoveryConfig controls mDNS announcement and scanning.
type DiscoveryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Service        string `yaml:"service"`
	RefreshSeconds int    `yaml:"refresh_seconds"`
}

// APIConfig binds the read-only operator API.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// SyncConfig drives the periodic lastprice exchange job. An empty MarketMIC
// disables the trading-calendar gate.
type SyncConfig struct {
	IntervalSeconds int    `yaml:"interval_seconds"`
	MarketMIC       string `yaml:"market_mic"`
}

// SchedulerConfig sizes the background task scheduler.
type SchedulerConfig struct {
	Workers            int `yaml:"workers"`
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Save persists the configuration back to disk.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.GTNet.ListenPort == 0 {
		c.GTNet.ListenPort = DefaultListenPort
	}
	if c.GTNet.Timezone == "" {
		c.GTNet.Timezone = "UTC"
	}
	if c.API.Port == 0 {
		c.API.Port = DefaultAPIPort
	}
	if c.Storage.DBType == "" {
		c.Storage.DBType = "sqlite"
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = DefaultSchedulerWorkers
	}
	if c.Scheduler.TaskTimeoutSeconds <= 0 {
		c.Scheduler.TaskTimeoutSeconds = int(DefaultTaskTimeout / time.Second)
	}
	if c.Discovery.RefreshSeconds <= 0 {
		c.Discovery.RefreshSeconds = 30
	}
	if c.Sync.IntervalSeconds <= 0 {
		c.Sync.IntervalSeconds = 300
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = 300
	}
}

// Validate performs basic configuration validation.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("application name cannot be empty")
	}

	if c.GTNet.Enabled {
		if c.GTNet.Domain == "" {
			return fmt.Errorf("gtnet.domain is required when gtnet is enabled")
		}
		if c.GTNet.ListenPort <= 0 || c.GTNet.ListenPort > 65535 {
			return fmt.Errorf("invalid gtnet listen port: %d", c.GTNet.ListenPort)
		}
		if c.GTNet.DailyRequestLimit < 0 {
			return fmt.Errorf("gtnet.daily_request_limit cannot be negative")
		}
		if _, err := time.LoadLocation(c.GTNet.Timezone); err != nil {
			return fmt.Errorf("invalid gtnet timezone %q: %w", c.GTNet.Timezone, err)
		}
		for kind, mode := range c.GTNet.Accept {
			switch mode {
			case AcceptClosed, AcceptOpen, AcceptPushOpen:
			default:
				return fmt.Errorf("invalid accept mode %q for kind %q", mode, kind)
			}
		}
	}

	switch c.Storage.DBType {
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required for sqlite")
		}
	case "postgres":
		if c.Storage.DBConnectionString == "" {
			return fmt.Errorf("storage.db_connection_string is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported storage db_type %q", c.Storage.DBType)
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("cache.addr is required when the cache is enabled")
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}

	return nil
}

// AcceptModeFor returns the configured accept mode for an entity-kind name,
// defaulting to closed.
func (c *Config) AcceptModeFor(kindName string) string {
	if mode, ok := c.GTNet.Accept[kindName]; ok {
		return mode
	}
	return AcceptClosed
}
