package minio

import (
	"context"
	"os"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/simcache/blobstore"
)

// TestMinioStore_Integration requires a running MinIO instance; it skips
// itself when none is reachable.
func TestMinioStore_Integration(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:9000"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx := context.Background()

	if _, err = client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	bucket := "test-simcache"
	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	store := NewStore(client, bucket, "test-prefix/")

	manifest := []byte(`{"archive":"shard-0/000001.snap","seq":42}`)
	require.NoError(t, store.Put(ctx, "manifest.json", manifest))

	blob, err := store.Open(ctx, "manifest.json")
	require.NoError(t, err)
	require.Equal(t, int64(len(manifest)), blob.Size())

	buf := make([]byte, len(manifest))
	n, err := blob.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(manifest), n)
	require.Equal(t, manifest, buf)
	require.NoError(t, blob.Close())

	// Ranged read picks out the middle of the blob.
	blob2, err := store.Open(ctx, "manifest.json")
	require.NoError(t, err)
	rc, err := blob2.ReadRange(ctx, 12, 7)
	require.NoError(t, err)
	part := make([]byte, 7)
	_, err = rc.Read(part)
	require.NoError(t, err)
	assert.Equal(t, "shard-0", string(part))
	require.NoError(t, rc.Close())
	require.NoError(t, blob2.Close())

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, names, "manifest.json")

	require.NoError(t, store.Delete(ctx, "manifest.json"))

	_, err = store.Open(ctx, "manifest.json")
	require.ErrorIs(t, err, blobstore.ErrNotFound)

	// Streaming create for archive-sized blobs.
	wb, err := store.Create(ctx, "shard-0/000001.snap")
	require.NoError(t, err)
	_, err = wb.Write([]byte("archive bytes"))
	require.NoError(t, err)
	require.NoError(t, wb.Close())

	blob3, err := store.Open(ctx, "shard-0/000001.snap")
	require.NoError(t, err)
	assert.Equal(t, int64(13), blob3.Size())
	require.NoError(t, blob3.Close())

	_ = store.Delete(ctx, "shard-0/000001.snap")
}
