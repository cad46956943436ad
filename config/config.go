// Package config loads simcache settings from YAML for embedders that
// prefer declarative configuration over the functional-options API. The
// loaded Config converts to the same options the builder consumes, so
// both paths configure identical caches.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/simcache/distance"
	"github.com/hupe1980/simcache/lsh"
)

// Config is the complete shard-creation configuration surface. None of
// it is runtime-mutable: changing hash-family parameters invalidates
// every stored fingerprint.
type Config struct {
	Cache       CacheConfig       `yaml:"cache"`
	Index       IndexConfig       `yaml:"index"`
	Eviction    EvictionConfig    `yaml:"eviction"`
	Replication ReplicationConfig `yaml:"replication"`
	Routing     RoutingConfig     `yaml:"routing"`
}

// CacheConfig holds the core cache geometry.
type CacheConfig struct {
	// Dimension is the fixed vector dimensionality D.
	Dimension int `yaml:"dimension"`

	// Metric is "cosine" or "euclidean".
	Metric string `yaml:"metric"`

	// Shards is the number of logical partitions.
	Shards int `yaml:"shards"`

	// CapacityBytes bounds each shard's resident set.
	CapacityBytes int64 `yaml:"capacity_bytes"`

	// DistanceThreshold is the default match threshold for lookups that
	// do not pass their own.
	DistanceThreshold float32 `yaml:"distance_threshold"`
}

// IndexConfig holds the LSH family parameters.
type IndexConfig struct {
	Tables      int     `yaml:"tables"`
	Hyperplanes int     `yaml:"hyperplanes"`
	BucketWidth float64 `yaml:"bucket_width"`
	MultiProbe  int     `yaml:"multi_probe"`
	Seed        int64   `yaml:"seed"`
}

// EvictionConfig holds the admission/eviction policy settings.
type EvictionConfig struct {
	// Policy is "hybrid", "lru" or "lfu".
	Policy string `yaml:"policy"`

	FrequencyWeight float64 `yaml:"frequency_weight"`
	RecencyWeight   float64 `yaml:"recency_weight"`

	// TTL expires entries by age; zero disables the sweeper.
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ReplicationConfig holds the replica fan-out settings.
type ReplicationConfig struct {
	// Replicas per shard; zero runs primaries only.
	Replicas int `yaml:"replicas"`

	SyncInterval time.Duration `yaml:"sync_interval"`
	BatchSize    int           `yaml:"batch_size"`
	LogRetention int           `yaml:"log_retention"`

	// StalenessBound marks replica-served reads older than this as
	// stale. A warning surface, never an error.
	StalenessBound time.Duration `yaml:"staleness_bound"`
}

// RoutingConfig holds the shard-router settings.
type RoutingConfig struct {
	VirtualNodes   int           `yaml:"virtual_nodes"`
	PartitionBits  int           `yaml:"partition_bits"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// FailOpen degrades lookups on unavailable shards to misses. On by
	// default; disable to surface ErrUnavailable instead.
	FailOpen *bool `yaml:"fail_open"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML config bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Cache.Metric == "" {
		c.Cache.Metric = distance.MetricCosine.String()
	}
	if c.Cache.Shards == 0 {
		c.Cache.Shards = 1
	}
	if c.Cache.DistanceThreshold == 0 {
		c.Cache.DistanceThreshold = 0.10
	}
	if c.Index.Tables == 0 {
		c.Index.Tables = 8
	}
	if c.Index.Hyperplanes == 0 {
		c.Index.Hyperplanes = 16
	}
	if c.Eviction.Policy == "" {
		c.Eviction.Policy = "hybrid"
	}
	if c.Eviction.FrequencyWeight == 0 {
		c.Eviction.FrequencyWeight = 1.0
	}
	if c.Eviction.RecencyWeight == 0 {
		c.Eviction.RecencyWeight = 0.05
	}
	if c.Replication.SyncInterval == 0 {
		c.Replication.SyncInterval = 20 * time.Millisecond
	}
	if c.Replication.BatchSize == 0 {
		c.Replication.BatchSize = 256
	}
	if c.Replication.StalenessBound == 0 {
		c.Replication.StalenessBound = time.Second
	}
	if c.Routing.VirtualNodes == 0 {
		c.Routing.VirtualNodes = 128
	}
	if c.Routing.PartitionBits == 0 {
		c.Routing.PartitionBits = 4
	}
	if c.Routing.RequestTimeout == 0 {
		c.Routing.RequestTimeout = 2 * time.Second
	}
	if c.Routing.FailOpen == nil {
		failOpen := true
		c.Routing.FailOpen = &failOpen
	}
}

// Validate rejects configurations the engine would refuse or silently
// misbehave under.
func (c *Config) Validate() error {
	if c.Cache.Dimension <= 0 {
		return fmt.Errorf("config: cache.dimension must be positive, got %d", c.Cache.Dimension)
	}
	if _, err := distance.ParseMetric(c.Cache.Metric); err != nil {
		return fmt.Errorf("config: cache.metric: %w", err)
	}
	if c.Cache.Shards <= 0 {
		return fmt.Errorf("config: cache.shards must be positive, got %d", c.Cache.Shards)
	}
	if c.Cache.CapacityBytes <= 0 {
		return fmt.Errorf("config: cache.capacity_bytes must be positive, got %d", c.Cache.CapacityBytes)
	}
	if c.Cache.DistanceThreshold < 0 {
		return fmt.Errorf("config: cache.distance_threshold must not be negative, got %g", c.Cache.DistanceThreshold)
	}
	if c.Index.Tables <= 0 {
		return fmt.Errorf("config: index.tables must be positive, got %d", c.Index.Tables)
	}
	if c.Index.Hyperplanes <= 0 || c.Index.Hyperplanes > lsh.MaxHyperplanes {
		return fmt.Errorf("config: index.hyperplanes must be in 1..%d, got %d", lsh.MaxHyperplanes, c.Index.Hyperplanes)
	}
	switch c.Eviction.Policy {
	case "hybrid", "lru", "lfu":
	default:
		return fmt.Errorf("config: eviction.policy must be hybrid, lru or lfu, got %q", c.Eviction.Policy)
	}
	if c.Eviction.TTL < 0 {
		return fmt.Errorf("config: eviction.ttl must not be negative, got %s", c.Eviction.TTL)
	}
	if c.Replication.Replicas < 0 {
		return fmt.Errorf("config: replication.replicas must not be negative, got %d", c.Replication.Replicas)
	}
	return nil
}

// Metric returns the parsed distance metric. Call after Validate.
func (c *Config) Metric() distance.Metric {
	m, _ := distance.ParseMetric(c.Cache.Metric)
	return m
}
