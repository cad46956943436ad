// Package metrics adapts the engine's values-only observer callbacks to
// Prometheus collectors. The engine never depends on this package; it is
// one implementation of engine.MetricsObserver an embedder may wire in.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hupe1980/simcache/engine"
	"github.com/hupe1980/simcache/model"
)

const namespace = "simcache"

// Observer exposes shard activity as Prometheus metrics. One Observer
// serves every shard in the process; per-shard series are split by a
// shard label. All methods are safe for concurrent use.
type Observer struct {
	lookups       *prometheus.CounterVec
	lookupSeconds *prometheus.HistogramVec
	candidates    *prometheus.HistogramVec

	inserts   *prometheus.CounterVec
	inserted  *prometheus.CounterVec
	evictions *prometheus.CounterVec
	sweeps    *prometheus.CounterVec
	repairs   *prometheus.CounterVec

	currentBytes  *prometheus.GaugeVec
	capacityBytes *prometheus.GaugeVec
	entries       *prometheus.GaugeVec

	replicaLag       *prometheus.GaugeVec
	replicaStaleness *prometheus.GaugeVec
	failOpens        prometheus.Counter
}

// NewObserver registers the simcache collectors with reg (use
// prometheus.DefaultRegisterer for the process default).
func NewObserver(reg prometheus.Registerer) *Observer {
	factory := promauto.With(reg)

	return &Observer{
		lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Lookups served, split by hit/miss.",
		}, []string{"shard", "result"}),

		lookupSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_duration_seconds",
			Help:      "Lookup latency.",
			Buckets:   prometheus.ExponentialBuckets(10e-6, 4, 10),
		}, []string{"shard"}),

		candidates: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_candidates",
			Help:      "Candidate-set size per lookup after bucket union.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"shard"}),

		inserts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inserts_total",
			Help:      "Insert admissions, split by outcome.",
		}, []string{"shard", "outcome"}),

		inserted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inserted_bytes_total",
			Help:      "Bytes admitted into the cache.",
		}, []string{"shard"}),

		evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Entries evicted, split by reason.",
		}, []string{"shard", "reason"}),

		sweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ttl_sweep_expired_total",
			Help:      "Entries expired by TTL sweeps.",
		}, []string{"shard"}),

		repairs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_repairs_total",
			Help:      "Bucket rebuilds triggered by dangling postings.",
		}, []string{"shard"}),

		currentBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resident_bytes",
			Help:      "Bytes currently resident in a shard.",
		}, []string{"shard"}),

		capacityBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capacity_bytes",
			Help:      "Configured shard capacity.",
		}, []string{"shard"}),

		entries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries",
			Help:      "Live entries in a shard.",
		}, []string{"shard"}),

		replicaLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replica_pending_mutations",
			Help:      "Mutations committed on the primary but not yet applied by a replica.",
		}, []string{"shard", "replica"}),

		replicaStaleness: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replica_staleness_seconds",
			Help:      "Age of a replica's last applied mutation.",
		}, []string{"shard", "replica"}),

		failOpens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_fail_opens_total",
			Help:      "Lookups degraded to a miss because the owning shard was unavailable.",
		}),
	}
}

// ShardObserver binds the process-wide collectors to one shard's label.
// Pass the result to engine.WithMetricsObserver.
func (o *Observer) ShardObserver(shard model.ShardID) engine.MetricsObserver {
	return &shardObserver{parent: o, shard: shardLabel(shard)}
}

// OnReplicationLag records one replica's sync progress. Wire it via
// replication.WithLagFunc.
func (o *Observer) OnReplicationLag(shard model.ShardID, replica string, pending uint64, staleness time.Duration) {
	s := shardLabel(shard)
	o.replicaLag.WithLabelValues(s, replica).Set(float64(pending))
	o.replicaStaleness.WithLabelValues(s, replica).Set(staleness.Seconds())
}

// OnRouteFailOpen counts a lookup degraded to a miss by the fail-open
// policy.
func (o *Observer) OnRouteFailOpen() {
	o.failOpens.Inc()
}

func shardLabel(shard model.ShardID) string {
	return strconv.FormatUint(uint64(shard), 10)
}

type shardObserver struct {
	parent *Observer
	shard  string
}

func (so *shardObserver) OnLookup(hit bool, candidates int, duration time.Duration) {
	result := "miss"
	if hit {
		result = "hit"
	}
	so.parent.lookups.WithLabelValues(so.shard, result).Inc()
	so.parent.lookupSeconds.WithLabelValues(so.shard).Observe(duration.Seconds())
	so.parent.candidates.WithLabelValues(so.shard).Observe(float64(candidates))
}

func (so *shardObserver) OnInsert(outcome engine.AdmitOutcome, sizeBytes int64, evicted int) {
	so.parent.inserts.WithLabelValues(so.shard, outcome.String()).Inc()
	if outcome != engine.AdmitRejected {
		so.parent.inserted.WithLabelValues(so.shard).Add(float64(sizeBytes))
	}
}

func (so *shardObserver) OnEviction(reason engine.EvictionReason, count int, bytes int64) {
	so.parent.evictions.WithLabelValues(so.shard, reason.String()).Add(float64(count))
}

func (so *shardObserver) OnSweep(expired int, duration time.Duration) {
	so.parent.sweeps.WithLabelValues(so.shard).Add(float64(expired))
}

func (so *shardObserver) OnIntegrityRepair(table int, postings int) {
	so.parent.repairs.WithLabelValues(so.shard).Inc()
}

func (so *shardObserver) OnUsage(currentBytes, capacityBytes int64, entries int) {
	so.parent.currentBytes.WithLabelValues(so.shard).Set(float64(currentBytes))
	so.parent.capacityBytes.WithLabelValues(so.shard).Set(float64(capacityBytes))
	so.parent.entries.WithLabelValues(so.shard).Set(float64(entries))
}
