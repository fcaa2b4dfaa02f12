package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MasterConfig holds master client configuration
type MasterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxRetries    int           `yaml:"max_retries"`
}

// Config represents the complete configuration for the region server
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Master     MasterConfig     `yaml:"master"`
	Storage    StorageConfig    `yaml:"storage"`
	Compaction CompactionConfig `yaml:"compaction"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Gossip     GossipConfig     `yaml:"gossip"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DataDir      string  `yaml:"data_dir"`
	MaxDiskUsage float64 `yaml:"max_disk_usage"`
}

// CompactionConfig holds compaction and split configuration
type CompactionConfig struct {
	// PollInterval bounds how long the worker waits on an empty queue
	// before re-checking for shutdown.
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxStoreFiles int           `yaml:"max_store_files"`
	MaxRegionSize int64         `yaml:"max_region_size"`
}

// CatalogConfig holds catalog database configuration
type CatalogConfig struct {
	Backend  string `yaml:"backend"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/pairdb"
	}
	if cfg.Storage.MaxDiskUsage == 0 {
		cfg.Storage.MaxDiskUsage = 0.9
	}

	if cfg.Compaction.PollInterval == 0 {
		cfg.Compaction.PollInterval = 20 * time.Second
	}
	if cfg.Compaction.MaxStoreFiles == 0 {
		cfg.Compaction.MaxStoreFiles = 8
	}
	if cfg.Compaction.MaxRegionSize == 0 {
		cfg.Compaction.MaxRegionSize = 256 * 1024 * 1024 // 256MB
	}

	if cfg.Catalog.Backend == "" {
		cfg.Catalog.Backend = "postgres"
	}
	if cfg.Catalog.Host == "" {
		cfg.Catalog.Host = "localhost"
	}
	if cfg.Catalog.Port == 0 {
		cfg.Catalog.Port = 5432
	}
	if cfg.Catalog.Database == "" {
		cfg.Catalog.Database = "pairdb"
	}
	if cfg.Catalog.MaxConns == 0 {
		cfg.Catalog.MaxConns = 10
	}
	if cfg.Catalog.MinConns == 0 {
		cfg.Catalog.MinConns = 2
	}

	if cfg.Master.Port == 0 {
		cfg.Master.Port = 8080
	}
	if cfg.Master.RetryInterval == 0 {
		cfg.Master.RetryInterval = 5 * time.Second
	}
	if cfg.Master.MaxRetries == 0 {
		cfg.Master.MaxRetries = 10
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9100
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Storage.MaxDiskUsage < 0 || c.Storage.MaxDiskUsage > 1 {
		return fmt.Errorf("storage.max_disk_usage must be between 0 and 1")
	}
	if c.Compaction.PollInterval < 0 {
		return fmt.Errorf("compaction.poll_interval must not be negative")
	}
	if c.Compaction.MaxStoreFiles < 2 {
		return fmt.Errorf("compaction.max_store_files must be at least 2")
	}
	switch c.Catalog.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("catalog.backend must be postgres or memory")
	}
	return nil
}
