package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/simcache/distance"
)

const minimalYAML = `
cache:
  dimension: 384
  capacity_bytes: 104857600
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 384, cfg.Cache.Dimension)
	assert.Equal(t, distance.MetricCosine, cfg.Metric())
	assert.Equal(t, 1, cfg.Cache.Shards)
	assert.InDelta(t, 0.10, cfg.Cache.DistanceThreshold, 1e-6)
	assert.Equal(t, 8, cfg.Index.Tables)
	assert.Equal(t, 16, cfg.Index.Hyperplanes)
	assert.Equal(t, "hybrid", cfg.Eviction.Policy)
	assert.Equal(t, 20*time.Millisecond, cfg.Replication.SyncInterval)
	assert.Equal(t, 128, cfg.Routing.VirtualNodes)
	require.NotNil(t, cfg.Routing.FailOpen)
	assert.True(t, *cfg.Routing.FailOpen)
}

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(`
cache:
  dimension: 768
  metric: euclidean
  shards: 4
  capacity_bytes: 536870912
  distance_threshold: 0.25
index:
  tables: 12
  hyperplanes: 10
  bucket_width: 2.5
  multi_probe: 2
  seed: 99
eviction:
  policy: lru
  ttl: 15m
replication:
  replicas: 2
  sync_interval: 5ms
  staleness_bound: 500ms
routing:
  virtual_nodes: 64
  request_timeout: 250ms
  fail_open: false
`))
	require.NoError(t, err)

	assert.Equal(t, distance.MetricEuclidean, cfg.Metric())
	assert.Equal(t, 4, cfg.Cache.Shards)
	assert.Equal(t, 12, cfg.Index.Tables)
	assert.Equal(t, int64(99), cfg.Index.Seed)
	assert.Equal(t, "lru", cfg.Eviction.Policy)
	assert.Equal(t, 15*time.Minute, cfg.Eviction.TTL)
	assert.Equal(t, 2, cfg.Replication.Replicas)
	assert.Equal(t, 500*time.Millisecond, cfg.Replication.StalenessBound)
	assert.False(t, *cfg.Routing.FailOpen)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing dimension",
			yaml: "cache:\n  capacity_bytes: 1024\n",
			want: "dimension",
		},
		{
			name: "missing capacity",
			yaml: "cache:\n  dimension: 64\n",
			want: "capacity_bytes",
		},
		{
			name: "bad metric",
			yaml: "cache:\n  dimension: 64\n  metric: manhattan\n  capacity_bytes: 1024\n",
			want: "metric",
		},
		{
			name: "bad policy",
			yaml: "cache:\n  dimension: 64\n  capacity_bytes: 1024\neviction:\n  policy: fifo\n",
			want: "policy",
		},
		{
			name: "too many hyperplanes",
			yaml: "cache:\n  dimension: 64\n  capacity_bytes: 1024\nindex:\n  hyperplanes: 65\n",
			want: "hyperplanes",
		},
		{
			name: "negative replicas",
			yaml: "cache:\n  dimension: 64\n  capacity_bytes: 1024\nreplication:\n  replicas: -1\n",
			want: "replicas",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 384, cfg.Cache.Dimension)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
