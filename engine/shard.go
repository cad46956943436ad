package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/simcache/distance"
	"github.com/hupe1980/simcache/lsh"
	"github.com/hupe1980/simcache/model"
)

// thresholdEpsilon absorbs float32 rounding in distance comparisons, so an
// exact duplicate under threshold 0 is always a hit.
const thresholdEpsilon = 1e-6

// ShardConfig fixes a shard's identity and hash family at creation. None
// of it is runtime-mutable; changing LSH parameters requires an index
// rebuild from live entries.
type ShardConfig struct {
	// ID is the shard's position in the cluster keyspace.
	ID model.ShardID

	// Dimension is the vector dimensionality D.
	Dimension int

	// Metric is the distance metric for hashing and exact verification.
	Metric distance.Metric

	// Tables (L) and Hyperplanes (k) shape the LSH family. More tables
	// raise recall and memory; more hyperplanes raise precision and
	// shrink buckets.
	Tables      int
	Hyperplanes int

	// CapacityBytes bounds the shard's resident set. Accounting covers
	// vector + payload + fixed per-entry overhead.
	CapacityBytes int64

	// Seed derives the hash family. Every replica of the shard must use
	// the same seed so fingerprints agree across the replica set.
	Seed int64
}

// Shard is one logical partition: LSH index + entry store + eviction
// state, with a mutation log feeding the shard's replicas.
//
// Concurrency: lookups take only table/stripe read locks. Writers
// (insert, delete, eviction, apply) serialize through admissionMu so the
// admission check, the eviction it triggers and the byte accounting are
// one atomic step, without ever blocking readers.
type Shard struct {
	id      model.ShardID
	dim     int
	metric  distance.Metric
	distFn  distance.Func
	family  *lsh.Family
	index   *lsh.Index
	store   *store
	scorer  Scorer
	primary atomic.Bool

	capacity int64
	current  atomic.Int64

	defaultThreshold float32
	multiProbe       int
	bucketWidth      float64
	maxAge           time.Duration
	sweepInterval    time.Duration
	logRetention     int

	admissionMu sync.Mutex
	nextLocal   atomic.Uint32

	log           *MutationLog
	lastApplied   atomic.Uint64
	lastAppliedTS atomic.Int64

	observer MetricsObserver
	logger   *slog.Logger
	pool     *WorkerPool

	closed    atomic.Bool
	stopSweep chan struct{}
	sweepDone chan struct{}

	hits       atomic.Uint64
	misses     atomic.Uint64
	inserts    atomic.Uint64
	evictions  atomic.Uint64
	rejections atomic.Uint64
	repairs    atomic.Uint64
}

// NewShard creates a shard primary for cfg. Replica-side shards pass
// WithReplicaRole and receive their state through ApplyMutation.
func NewShard(cfg ShardConfig, opts ...ShardOption) (*Shard, error) {
	distFn, err := distance.Provider(cfg.Metric)
	if err != nil {
		return nil, err
	}
	if cfg.CapacityBytes <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", cfg.CapacityBytes)
	}

	s := &Shard{
		id:               cfg.ID,
		dim:              cfg.Dimension,
		metric:           cfg.Metric,
		distFn:           distFn,
		store:            newStore(),
		scorer:           HybridScorer(DefaultFreqWeight, DefaultRecencyWeight),
		capacity:         cfg.CapacityBytes,
		defaultThreshold: 0,
		observer:         &NoopMetricsObserver{},
		logger:           slog.New(slog.DiscardHandler),
	}
	s.primary.Store(true)

	for _, opt := range opts {
		opt(s)
	}

	s.family, err = lsh.NewFamily(lsh.Params{
		Dimension:   cfg.Dimension,
		Metric:      cfg.Metric,
		Tables:      cfg.Tables,
		Hyperplanes: cfg.Hyperplanes,
		BucketWidth: s.bucketWidth,
		Seed:        cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	s.index, err = lsh.NewIndex(cfg.Tables)
	if err != nil {
		return nil, err
	}
	s.log = NewMutationLog(s.logRetention)

	if s.maxAge > 0 {
		if s.sweepInterval <= 0 {
			s.sweepInterval = defaultSweepInterval(s.maxAge)
		}
		s.stopSweep = make(chan struct{})
		s.sweepDone = make(chan struct{})
		GoSafe(s.logger, s.sweepLoop)
	}

	return s, nil
}

// defaultSweepInterval spaces sweeps at a tenth of the max age, clamped to
// [1s, 1m].
func defaultSweepInterval(maxAge time.Duration) time.Duration {
	iv := maxAge / 10
	if iv < time.Second {
		iv = time.Second
	}
	if iv > time.Minute {
		iv = time.Minute
	}
	return iv
}

// ID returns the shard's partition ID.
func (s *Shard) ID() model.ShardID { return s.id }

// Dimension returns the configured vector dimensionality.
func (s *Shard) Dimension() int { return s.dim }

// IsPrimary reports whether the shard currently accepts writes.
func (s *Shard) IsPrimary() bool { return s.primary.Load() }

// Params returns the shard's LSH family parameters.
func (s *Shard) Params() lsh.Params { return s.family.Params() }

// Log exposes the shard's mutation stream for replication.
func (s *Shard) Log() *MutationLog { return s.log }

// Seq returns the last committed mutation sequence number.
func (s *Shard) Seq() uint64 { return s.log.Seq() }

// MutationsSince returns up to max committed mutations after seq, or
// ErrLogTruncated when seq has fallen out of the retention window.
func (s *Shard) MutationsSince(seq uint64, max int) ([]model.Mutation, error) {
	return s.log.Since(seq, max)
}

// CurrentBytes returns the shard's resident byte count.
func (s *Shard) CurrentBytes() int64 { return s.current.Load() }

// CapacityBytes returns the shard's byte budget.
func (s *Shard) CapacityBytes() int64 { return s.capacity }

// Len returns the number of live entries.
func (s *Shard) Len() int { return s.store.len() }

// prepareQuery validates dimensionality and normalizes for cosine.
// ok=false means a zero-norm vector under cosine: undefined direction.
func (s *Shard) prepareQuery(vec []float32) ([]float32, bool, error) {
	if len(vec) != s.dim {
		return nil, false, &ErrDimensionMismatch{Expected: s.dim, Actual: len(vec)}
	}
	if s.metric == distance.MetricCosine {
		q, ok := distance.NormalizeL2Copy(vec)
		return q, ok, nil
	}
	return vec, true, nil
}

// candidateSet fingerprints q and unions the matching buckets. The probed
// codes come back alongside so the integrity check can tell a benign
// eviction race from a dangling posting.
func (s *Shard) candidateSet(q []float32) (*roaring.Bitmap, [][]uint64, error) {
	if s.multiProbe > 0 {
		ps, err := s.family.FingerprintProbes(q, s.multiProbe)
		if err != nil {
			return nil, nil, err
		}
		return s.index.CandidatesProbes(ps), ps.Codes, nil
	}

	fp, err := s.family.Fingerprint(q)
	if err != nil {
		return nil, nil, err
	}
	probed := make([][]uint64, len(fp.Codes))
	for t, c := range fp.Codes {
		probed[t] = []uint64{c}
	}
	return s.index.Candidates(fp), probed, nil
}

// Lookup resolves the closest stored entry within threshold of vec.
// A nil Match means miss: an expected outcome, never an error. Negative
// thresholds select the shard default. A hit advances the entry's access
// metadata as an observable side effect.
func (s *Shard) Lookup(ctx context.Context, vec []float32, threshold float32) (*model.Match, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	if threshold < 0 {
		threshold = s.defaultThreshold
	}

	q, ok, err := s.prepareQuery(vec)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Zero-norm query under cosine matches nothing.
		s.misses.Add(1)
		s.observer.OnLookup(false, 0, time.Since(start))
		return nil, nil
	}

	cands, probed, err := s.candidateSet(q)
	if err != nil {
		return nil, err
	}
	nCand := int(cands.GetCardinality())

	var (
		best     *entry
		bestDist float32
		dangling []uint32
	)
	it := cands.Iterator()
	for it.HasNext() {
		local := it.Next()
		e, live := s.store.peek(local)
		if !live {
			// Usually an eviction that raced this lookup; verified below.
			dangling = append(dangling, local)
			continue
		}
		d := s.distFn(q, e.vector)
		if d <= threshold+thresholdEpsilon && (best == nil || d < bestDist) {
			best, bestDist = e, d
		}
	}

	if len(dangling) > 0 {
		s.verifyIntegrity(probed, dangling)
	}

	if best == nil {
		s.misses.Add(1)
		s.observer.OnLookup(false, nCand, time.Since(start))
		return nil, nil
	}

	now := time.Now().UnixNano()
	best.lastAccess.Store(now)
	best.accessCount.Add(1)

	s.hits.Add(1)
	s.observer.OnLookup(true, nCand, time.Since(start))

	if bestDist < 0 {
		bestDist = 0
	}
	return &model.Match{
		ID:         model.NewEntryID(s.id, best.local),
		Payload:    best.payload,
		Distance:   bestDist,
		Candidates: nCand,
		Staleness:  s.Staleness(),
	}, nil
}

// Insert admits, stores and indexes a new entry, committing an insert
// mutation for the shard's replicas. The vector and payload are copied.
// Returns ErrCapacityExceeded when the entry alone exceeds capacity.
func (s *Shard) Insert(ctx context.Context, vec []float32, payload []byte) (model.EntryID, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if !s.primary.Load() {
		return 0, ErrNotPrimary
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(vec) != s.dim {
		return 0, &ErrDimensionMismatch{Expected: s.dim, Actual: len(vec)}
	}

	var v []float32
	if s.metric == distance.MetricCosine {
		var ok bool
		v, ok = distance.NormalizeL2Copy(vec)
		if !ok {
			return 0, ErrInvalidVector
		}
	} else {
		v = slices.Clone(vec)
	}
	p := slices.Clone(payload)

	size := entrySize(v, p)
	fp, err := s.family.Fingerprint(v)
	if err != nil {
		return 0, err
	}

	now := time.Now().UnixNano()

	s.admissionMu.Lock()

	if size > s.capacity {
		s.admissionMu.Unlock()
		s.rejections.Add(1)
		s.observer.OnInsert(AdmitRejected, size, 0)
		return 0, &ErrCapacityExceeded{SizeBytes: size, CapacityBytes: s.capacity}
	}

	var evictedBytes int64
	var victims []*entry
	if s.current.Load()+size > s.capacity {
		victims = selectVictims(s.store, s.scorer, s.current.Load(), size, s.capacity, now)
		for _, victim := range victims {
			s.removeLocked(victim, model.OpEvict)
			evictedBytes += victim.size
		}
	}

	local := s.nextLocal.Add(1)
	e := &entry{
		local:       local,
		vector:      v,
		payload:     p,
		size:        size,
		fingerprint: fp,
		createdAt:   now,
	}
	e.lastAccess.Store(now)

	s.store.put(e)
	s.index.Insert(fp, local)
	s.current.Add(size)

	id := model.NewEntryID(s.id, local)
	s.log.Append(model.OpInsert, id, v, p)

	s.admissionMu.Unlock()

	s.inserts.Add(1)
	outcome := AdmitAccepted
	if len(victims) > 0 {
		outcome = AdmitAfterEviction
		s.evictions.Add(uint64(len(victims)))
		s.observer.OnEviction(EvictCapacity, len(victims), evictedBytes)
	}
	s.observer.OnInsert(outcome, size, len(victims))
	s.observer.OnUsage(s.current.Load(), s.capacity, s.store.len())

	return id, nil
}

// removeLocked destroys an entry: bucket postings first so new candidate
// fetches no longer see it, then the store record, then the accounting
// and the mutation record. Caller holds admissionMu.
func (s *Shard) removeLocked(e *entry, op model.MutationOp) {
	s.index.Remove(e.fingerprint, e.local)
	s.store.delete(e.local)
	s.current.Add(-e.size)
	s.log.Append(op, model.NewEntryID(s.id, e.local), nil, nil)
}

// Delete removes an entry by ID (explicit invalidation). Idempotent
// cleanup is the caller's concern: a second delete returns ErrNotFound.
func (s *Shard) Delete(ctx context.Context, id model.EntryID) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.primary.Load() {
		return ErrNotPrimary
	}
	if id.Shard() != s.id {
		return ErrNotFound
	}

	s.admissionMu.Lock()
	e, ok := s.store.peek(id.Local())
	if !ok {
		s.admissionMu.Unlock()
		return ErrNotFound
	}
	s.removeLocked(e, model.OpDelete)
	s.admissionMu.Unlock()

	s.observer.OnUsage(s.current.Load(), s.capacity, s.store.len())
	return nil
}

// InvalidateVector removes the entry storing exactly vec (distance 0).
// Near matches are left alone: invalidation must be precise.
func (s *Shard) InvalidateVector(ctx context.Context, vec []float32) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.primary.Load() {
		return ErrNotPrimary
	}

	q, ok, err := s.prepareQuery(vec)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	cands, _, err := s.candidateSet(q)
	if err != nil {
		return err
	}

	var target *entry
	it := cands.Iterator()
	for it.HasNext() {
		e, live := s.store.peek(it.Next())
		if !live {
			continue
		}
		if s.distFn(q, e.vector) <= thresholdEpsilon {
			target = e
			break
		}
	}
	if target == nil {
		return ErrNotFound
	}
	return s.Delete(ctx, model.NewEntryID(s.id, target.local))
}

// Get returns the entry by ID, advancing its access metadata.
func (s *Shard) Get(id model.EntryID) (model.CacheEntry, bool) {
	if s.closed.Load() || id.Shard() != s.id {
		return model.CacheEntry{}, false
	}
	e, ok := s.store.get(id.Local(), time.Now().UnixNano())
	if !ok {
		return model.CacheEntry{}, false
	}
	return e.view(s.id), true
}

// ApplyMutation applies one primary-committed mutation on a replica.
// Mutations must arrive in contiguous Seq order; a gap returns
// ErrOutOfOrder and the replicator resyncs from a snapshot.
func (s *Shard) ApplyMutation(mut model.Mutation) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.primary.Load() {
		return ErrNotReplica
	}

	expected := s.lastApplied.Load() + 1
	if mut.Seq != expected {
		return &ErrOutOfOrder{Expected: expected, Got: mut.Seq}
	}

	s.admissionMu.Lock()
	defer s.admissionMu.Unlock()

	switch mut.Op {
	case model.OpInsert:
		fp, err := s.family.Fingerprint(mut.Vector)
		if err != nil {
			return err
		}
		// An insert committed while a resync copy streamed arrives twice:
		// once through LoadEntry, once through the log replay. Replace the
		// live entry so currentBytes stays the sum of live sizes.
		if old, ok := s.store.peek(mut.ID.Local()); ok {
			s.index.Remove(old.fingerprint, old.local)
			s.current.Add(-old.size)
		}
		e := &entry{
			local:       mut.ID.Local(),
			vector:      mut.Vector,
			payload:     mut.Payload,
			size:        entrySize(mut.Vector, mut.Payload),
			fingerprint: fp,
			createdAt:   mut.Timestamp,
		}
		e.lastAccess.Store(mut.Timestamp)
		s.store.put(e)
		s.index.Insert(fp, e.local)
		s.current.Add(e.size)
		s.advanceLocal(e.local)

	case model.OpDelete, model.OpEvict:
		if e, ok := s.store.peek(mut.ID.Local()); ok {
			s.index.Remove(e.fingerprint, e.local)
			s.store.delete(e.local)
			s.current.Add(-e.size)
		}

	default:
		return fmt.Errorf("unknown mutation op: %v", mut.Op)
	}

	s.lastApplied.Store(mut.Seq)
	s.lastAppliedTS.Store(mut.Timestamp)
	return nil
}

// advanceLocal keeps the local ID counter above every replicated ID so a
// later promotion never reissues a live ID.
func (s *Shard) advanceLocal(local uint32) {
	for {
		cur := s.nextLocal.Load()
		if local <= cur || s.nextLocal.CompareAndSwap(cur, local) {
			return
		}
	}
}

// LastApplied returns the replica's last applied sequence number.
func (s *Shard) LastApplied() uint64 { return s.lastApplied.Load() }

// SetLastApplied primes replica progress after a snapshot restore.
func (s *Shard) SetLastApplied(seq uint64, tsNanos int64) {
	s.lastApplied.Store(seq)
	s.lastAppliedTS.Store(tsNanos)
}

// Staleness is the age of the newest applied mutation: the bound a
// replica-served read carries. Zero on primaries and on replicas that
// have not applied anything yet.
func (s *Shard) Staleness() time.Duration {
	if s.primary.Load() {
		return 0
	}
	ts := s.lastAppliedTS.Load()
	if ts == 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() - ts)
}

// Promote turns a replica into the shard's primary. Mutations the old
// primary committed but never shipped are lost, which cache semantics
// absorb: the caller recomputes on the next miss. The mutation log
// restarts after the last applied sequence.
func (s *Shard) Promote() {
	if !s.primary.CompareAndSwap(false, true) {
		return
	}
	seq := s.lastApplied.Load()
	s.log.SeedSeq(seq)
	s.logger.Info("replica promoted to primary",
		"shard", uint32(s.id),
		"seq", seq,
	)
}

// Dump iterates a point-in-time view of live entries with their
// fingerprints, for snapshots and resyncs. Access metadata is not
// disturbed.
func (s *Shard) Dump(fn func(model.CacheEntry, model.Fingerprint) bool) {
	s.store.rangeEntries(func(e *entry) bool {
		return fn(e.view(s.id), e.fingerprint)
	})
}

// LoadEntry installs one snapshot entry, bypassing admission: snapshot
// contents already passed the source shard's accounting.
func (s *Shard) LoadEntry(ce model.CacheEntry, fp model.Fingerprint) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(ce.Vector) != s.dim {
		return &ErrDimensionMismatch{Expected: s.dim, Actual: len(ce.Vector)}
	}

	e := &entry{
		local:       ce.ID.Local(),
		vector:      ce.Vector,
		payload:     ce.Payload,
		size:        ce.SizeBytes,
		fingerprint: fp,
		createdAt:   ce.CreatedAt.UnixNano(),
	}
	e.lastAccess.Store(ce.LastAccessedAt.UnixNano())
	e.accessCount.Store(ce.AccessCount)

	s.admissionMu.Lock()
	s.store.put(e)
	s.index.Insert(fp, e.local)
	s.current.Add(e.size)
	s.advanceLocal(e.local)
	s.admissionMu.Unlock()
	return nil
}

// Clear drops every entry and bucket. Accounting resets to zero; the
// mutation log is untouched (callers reseed it when that matters).
func (s *Shard) Clear() {
	s.admissionMu.Lock()
	s.store.clear()
	s.index.Clear()
	s.current.Store(0)
	s.admissionMu.Unlock()
}

// SweepExpired evicts entries created more than maxAge ago. Runs only on
// primaries: replicas receive the resulting evict mutations through the
// stream instead of sweeping independently, preserving the single
// mutation order.
func (s *Shard) SweepExpired(now time.Time) int {
	if s.maxAge <= 0 || !s.primary.Load() || s.closed.Load() {
		return 0
	}

	start := time.Now()
	cutoff := now.Add(-s.maxAge).UnixNano()

	var expired []uint32
	s.store.rangeEntries(func(e *entry) bool {
		if e.createdAt < cutoff {
			expired = append(expired, e.local)
		}
		return true
	})
	if len(expired) == 0 {
		return 0
	}

	var n int
	var freed int64
	s.admissionMu.Lock()
	for _, local := range expired {
		e, ok := s.store.peek(local)
		if !ok || e.createdAt >= cutoff {
			continue
		}
		s.removeLocked(e, model.OpEvict)
		n++
		freed += e.size
	}
	s.admissionMu.Unlock()

	if n > 0 {
		s.evictions.Add(uint64(n))
		s.observer.OnEviction(EvictTTL, n, freed)
		s.observer.OnUsage(s.current.Load(), s.capacity, s.store.len())
	}
	s.observer.OnSweep(n, time.Since(start))
	return n
}

func (s *Shard) sweepLoop() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case now := <-ticker.C:
			s.SweepExpired(now)
		}
	}
}

// verifyIntegrity distinguishes a benign eviction race from a dangling
// posting. Entries are unindexed before they are destroyed, and local IDs
// are never reused, so a store miss whose ID is still in a probed bucket
// is an engine fault. The bucket is rebuilt from live entries off the
// request path; the lookup that found it has already proceeded without
// the candidate.
func (s *Shard) verifyIntegrity(probed [][]uint64, dangling []uint32) {
	type bucketRef struct {
		table int
		code  uint64
	}
	var faults []bucketRef

	for _, local := range dangling {
		for t, codes := range probed {
			for _, code := range codes {
				if s.index.Contains(t, code, local) {
					faults = append(faults, bucketRef{table: t, code: code})
				}
			}
		}
	}
	if len(faults) == 0 {
		return
	}

	seen := make(map[bucketRef]bool, len(faults))
	for _, f := range faults {
		if seen[f] {
			continue
		}
		seen[f] = true

		s.logger.Error("dangling bucket posting detected, scheduling rebuild",
			"shard", uint32(s.id),
			"table", f.table,
			"code", f.code,
		)

		table, code := f.table, f.code
		job := func() {
			n := s.index.RebuildBucket(table, code, s.liveEntries)
			s.repairs.Add(1)
			s.observer.OnIntegrityRepair(table, n)
		}
		if s.pool == nil || !s.pool.TrySubmit(job) {
			GoSafe(s.logger, job)
		}
	}
}

// liveEntries feeds index rebuilds from the store's live set.
func (s *Shard) liveEntries(yield func(lsh.LiveEntry) bool) {
	s.store.rangeEntries(func(e *entry) bool {
		return yield(lsh.LiveEntry{Local: e.local, Fingerprint: e.fingerprint})
	})
}

// RebuildIndex reconstructs every bucket from live entries: the explicit
// maintenance path after integrity faults or parameter migration.
func (s *Shard) RebuildIndex() {
	s.index.Rebuild(s.liveEntries)
}

// ShardStats is a point-in-time snapshot of shard counters.
type ShardStats struct {
	ShardID          model.ShardID
	Primary          bool
	Entries          int
	CurrentBytes     int64
	CapacityBytes    int64
	Hits             uint64
	Misses           uint64
	Inserts          uint64
	Evictions        uint64
	Rejections       uint64
	IntegrityRepairs uint64
	Seq              uint64
	LastApplied      uint64
	Staleness        time.Duration
	Index            lsh.Stats
}

// Stats gathers the shard's counters. Values only: no behavior hangs off
// of them.
func (s *Shard) Stats() ShardStats {
	return ShardStats{
		ShardID:          s.id,
		Primary:          s.primary.Load(),
		Entries:          s.store.len(),
		CurrentBytes:     s.current.Load(),
		CapacityBytes:    s.capacity,
		Hits:             s.hits.Load(),
		Misses:           s.misses.Load(),
		Inserts:          s.inserts.Load(),
		Evictions:        s.evictions.Load(),
		Rejections:       s.rejections.Load(),
		IntegrityRepairs: s.repairs.Load(),
		Seq:              s.log.Seq(),
		LastApplied:      s.lastApplied.Load(),
		Staleness:        s.Staleness(),
		Index:            s.index.Stats(),
	}
}

// Close stops the sweeper and marks the shard unusable. Idempotent.
func (s *Shard) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.stopSweep != nil {
		close(s.stopSweep)
		<-s.sweepDone
	}
	return nil
}
