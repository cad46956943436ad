package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/simcache/blobstore"
	"github.com/hupe1980/simcache/codec"
	"github.com/hupe1980/simcache/model"
)

// Manifest is the small JSON document naming the latest snapshot per
// shard. It is the only mutable pointer in the blobstore: archives are
// immutable, a new snapshot becomes current by publishing a new manifest
// generation.
type Manifest struct {
	Generation uint64                  `json:"generation"`
	UpdatedAt  time.Time               `json:"updated_at"`
	Shards     map[string]ShardArchive `json:"shards"`
}

// ShardArchive points at one shard's current snapshot blob.
type ShardArchive struct {
	Key       string    `json:"key"`
	LastSeq   uint64    `json:"last_seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Archive returns the current archive pointer for a shard.
func (m *Manifest) Archive(shard model.ShardID) (ShardArchive, bool) {
	a, ok := m.Shards[shardKey(shard)]
	return a, ok
}

func shardKey(shard model.ShardID) string {
	return strconv.FormatUint(uint64(shard), 10)
}

const manifestPrefix = "manifest/"

// manifestName formats a generation into a zero-padded blob name so
// lexical List order is generation order.
func manifestName(gen uint64) string {
	return fmt.Sprintf("%s%020d.json", manifestPrefix, gen)
}

// ManifestStore publishes manifests through a BlobStore. Generations are
// fenced with PutIfAbsent when the store supports it (the DynamoDB commit
// store and the in-memory store do); plain stores degrade to
// last-writer-wins, acceptable for a single snapshotter per cluster.
type ManifestStore struct {
	blobs blobstore.BlobStore
	codec codec.Codec
}

// NewManifestStore creates a manifest store over blobs.
func NewManifestStore(blobs blobstore.BlobStore, c codec.Codec) *ManifestStore {
	if c == nil {
		c = codec.Default
	}
	return &ManifestStore{blobs: blobs, codec: c}
}

// Load returns the latest manifest generation, or an empty manifest when
// none has been published yet.
func (ms *ManifestStore) Load(ctx context.Context) (*Manifest, error) {
	names, err := ms.blobs.List(ctx, manifestPrefix)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return &Manifest{Shards: make(map[string]ShardArchive)}, nil
	}
	sort.Strings(names)

	data, err := blobstore.ReadAll(ctx, ms.blobs, names[len(names)-1])
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := ms.codec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("snapshot: decode manifest: %w", err)
	}
	if m.Shards == nil {
		m.Shards = make(map[string]ShardArchive)
	}
	return &m, nil
}

// Publish records a shard's new archive as current, bumping the manifest
// generation. Concurrent publishers retry on generation collisions.
func (ms *ManifestStore) Publish(ctx context.Context, shard model.ShardID, archive ShardArchive) (*Manifest, error) {
	for {
		m, err := ms.Load(ctx)
		if err != nil {
			return nil, err
		}

		next := &Manifest{
			Generation: m.Generation + 1,
			UpdatedAt:  time.Now().UTC(),
			Shards:     make(map[string]ShardArchive, len(m.Shards)+1),
		}
		for k, v := range m.Shards {
			next.Shards[k] = v
		}
		next.Shards[shardKey(shard)] = archive

		data, err := ms.codec.Marshal(next)
		if err != nil {
			return nil, err
		}

		name := manifestName(next.Generation)
		if cp, ok := ms.blobs.(blobstore.ConditionalPutter); ok {
			err = cp.PutIfAbsent(ctx, name, data)
			if errors.Is(err, blobstore.ErrExists) {
				// Another publisher won this generation; reload and retry.
				continue
			}
		} else {
			err = ms.blobs.Put(ctx, name, data)
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}
}

// Prune deletes manifest generations older than the latest keep ones.
// Archive blobs the pruned manifests pointed at are left alone; archive
// garbage collection is an operator concern.
func (ms *ManifestStore) Prune(ctx context.Context, keep int) error {
	if keep < 1 {
		keep = 1
	}
	names, err := ms.blobs.List(ctx, manifestPrefix)
	if err != nil {
		return err
	}
	sort.Strings(names)
	if len(names) <= keep {
		return nil
	}
	for _, name := range names[:len(names)-keep] {
		if !strings.HasPrefix(name, manifestPrefix) {
			continue
		}
		if err := ms.blobs.Delete(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveKey names a shard snapshot blob: shard ID plus the sequence cut,
// unique per (shard, seq) and sortable by time of capture.
func ArchiveKey(shard model.ShardID, seq uint64, at time.Time) string {
	return fmt.Sprintf("shards/%d/%d-%020d.snap", shard, at.UTC().Unix(), seq)
}
