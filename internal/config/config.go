package config

import (
	"fmt"
	"os"
	"time"

	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/service"
	"github.com/devrev/pairdb/disktable/internal/storage/sstable"
	"github.com/devrev/pairdb/disktable/internal/table"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config represents the complete configuration of a disktable node
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Storage    StorageConfig     `yaml:"storage"`
	CommitLog  CommitLogConfig   `yaml:"commit_log"`
	MemTable   MemTableConfig    `yaml:"mem_table"`
	SSTable    SSTableConfig     `yaml:"sstable"`
	Cache      CacheConfig       `yaml:"cache"`
	Compaction CompactionConfig  `yaml:"compaction"`
	GC         GCConfig          `yaml:"gc"`
	Gossip     GossipConfig      `yaml:"gossip"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Logging    LoggingConfig     `yaml:"logging"`
	Tables     []model.TableMeta `yaml:"tables"`
}

// StorageConfig holds the tier roots. Each table lives under the root of
// its storage mode in a {tid}_{pid} directory.
type StorageConfig struct {
	SSDRootPath   string        `yaml:"ssd_root_path"`
	HDDRootPath   string        `yaml:"hdd_root_path"`
	MaxDiskUsage  float64       `yaml:"max_disk_usage"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// CommitLogConfig holds commit log configuration
type CommitLogConfig struct {
	SyncWrites bool `yaml:"sync_writes"`
	BufferSize int  `yaml:"buffer_size"`
}

// MemTableConfig holds memtable configuration
type MemTableConfig struct {
	FlushThreshold int64 `yaml:"flush_threshold"`
}

// SSTableConfig holds SSTable configuration
type SSTableConfig struct {
	BloomFilterFP float64 `yaml:"bloom_filter_fp"`
	Compression   string  `yaml:"compression"`
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// CompactionConfig holds compaction configuration
type CompactionConfig struct {
	L0Trigger int           `yaml:"l0_trigger"`
	Workers   int           `yaml:"workers"`
	Interval  time.Duration `yaml:"interval"`
}

// GCConfig holds the expiry knobs shared by every table
type GCConfig struct {
	Interval          time.Duration `yaml:"interval"`
	HeadInterval      time.Duration `yaml:"head_interval"`
	SafeOffset        time.Duration `yaml:"safe_offset"`
	TraverseBudget    uint64        `yaml:"traverse_budget"`
	PoolSize          int           `yaml:"pool_size"`
	DeletedIndexBatch int           `yaml:"deleted_index_batch"`
	Batch             int           `yaml:"batch"`
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
	Enabled  bool          `yaml:"enabled"`
	Port     int           `yaml:"port"`
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
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
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
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
		cfg.Server.Port = 50052
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.HDDRootPath == "" {
		cfg.Storage.HDDRootPath = "/var/lib/disktable/hdd"
	}
	if cfg.Storage.MaxDiskUsage == 0 {
		cfg.Storage.MaxDiskUsage = 0.9
	}
	if cfg.Storage.CheckInterval == 0 {
		cfg.Storage.CheckInterval = 10 * time.Second
	}

	if cfg.MemTable.FlushThreshold == 0 {
		cfg.MemTable.FlushThreshold = 64 * 1024 * 1024
	}
	if cfg.SSTable.BloomFilterFP == 0 {
		cfg.SSTable.BloomFilterFP = 0.01
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 10000
	}

	if cfg.Compaction.L0Trigger == 0 {
		cfg.Compaction.L0Trigger = 4
	}
	if cfg.Compaction.Workers == 0 {
		cfg.Compaction.Workers = 2
	}
	if cfg.Compaction.Interval == 0 {
		cfg.Compaction.Interval = time.Hour
	}

	if cfg.GC.Interval == 0 {
		cfg.GC.Interval = 60 * time.Minute
	}
	if cfg.GC.PoolSize == 0 {
		cfg.GC.PoolSize = 4
	}
	if cfg.GC.DeletedIndexBatch == 0 {
		cfg.GC.DeletedIndexBatch = 1000
	}
	if cfg.GC.Batch == 0 {
		cfg.GC.Batch = 512
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9091
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Interval == 0 {
		cfg.Metrics.Interval = 15 * time.Second
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
	if c.SSTable.BloomFilterFP <= 0 || c.SSTable.BloomFilterFP >= 1 {
		return fmt.Errorf("sstable.bloom_filter_fp must be between 0 and 1")
	}
	if _, err := sstable.ParseCompression(c.SSTable.Compression); err != nil {
		return fmt.Errorf("sstable.compression: %w", err)
	}
	if c.GC.SafeOffset < 0 {
		return fmt.Errorf("gc.safe_offset must not be negative")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}

	roots := c.RootPaths()
	seen := make(map[string]bool, len(c.Tables))
	for i := range c.Tables {
		meta := &c.Tables[i]
		mode, err := model.ParseStorageMode(string(meta.StorageMode))
		if err != nil {
			return fmt.Errorf("tables[%d]: %w", i, err)
		}
		meta.StorageMode = mode
		if err := meta.Validate(); err != nil {
			return fmt.Errorf("tables[%d]: %w", i, err)
		}
		if _, err := roots.For(meta.StorageMode); err != nil {
			return fmt.Errorf("tables[%d]: %w", i, err)
		}
		dir := meta.PartitionDir()
		if seen[dir] {
			return fmt.Errorf("tables[%d]: partition %s is declared twice", i, dir)
		}
		seen[dir] = true
	}
	return nil
}

// RootPaths returns the tier roots
func (c *Config) RootPaths() table.RootPaths {
	return table.RootPaths{SSD: c.Storage.SSDRootPath, HDD: c.Storage.HDDRootPath}
}

// StorageTemplate builds the substrate configuration shared by all tables
func (c *Config) StorageTemplate() (service.StorageConfig, error) {
	compression, err := sstable.ParseCompression(c.SSTable.Compression)
	if err != nil {
		return service.StorageConfig{}, err
	}
	return service.StorageConfig{
		CommitLog: service.CommitLogConfig{
			SyncWrites: c.CommitLog.SyncWrites,
			BufferSize: c.CommitLog.BufferSize,
		},
		MemTable: service.MemTableConfig{FlushThreshold: c.MemTable.FlushThreshold},
		SSTable: service.SSTableConfig{
			BloomFilterFP: c.SSTable.BloomFilterFP,
			Compression:   compression,
		},
		Cache:      service.CacheConfig{MaxEntries: c.Cache.MaxEntries},
		Compaction: service.CompactionConfig{L0Trigger: c.Compaction.L0Trigger},
	}, nil
}

// GossipService converts the gossip section
func (c *Config) GossipService() *service.GossipConfig {
	return &service.GossipConfig{
		Enabled:        c.Gossip.Enabled,
		BindPort:       c.Gossip.BindPort,
		SeedNodes:      c.Gossip.SeedNodes,
		GossipInterval: c.Gossip.GossipInterval,
		ProbeTimeout:   c.Gossip.ProbeTimeout,
		ProbeInterval:  c.Gossip.ProbeInterval,
	}
}
