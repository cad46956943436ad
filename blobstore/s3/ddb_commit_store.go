package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/simcache/blobstore"
)

// CurrentName is the virtual blob holding the name of the latest
// committed snapshot manifest.
const CurrentName = "CURRENT"

// DDBCommitStore layers DynamoDB commit semantics over a blob store.
// Snapshot archives and manifests pass through to the inner store; the
// CURRENT pointer lives in DynamoDB, where a conditional write gives the
// compare-and-swap that object stores lack. Concurrent snapshotters race
// on the version number and exactly one wins per version.
//
// Table schema:
//   - Partition key: store_key (string), one keyspace per shard or node
//   - Sort key: version (number), monotonically increasing
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name simcache-commits \
//	  --attribute-definitions AttributeName=store_key,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=store_key,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitStore struct {
	inner     blobstore.BlobStore
	ddbClient DDBClient
	tableName string
	storeKey  string
}

// DDBClient is the subset of the DynamoDB API used for commits.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// ErrConcurrentCommit is returned when another writer committed the same
// version first.
var ErrConcurrentCommit = errors.New("concurrent snapshot commit detected")

// NewDDBCommitStore wraps inner with DynamoDB-backed CURRENT commits.
// storeKey partitions the commit log, e.g. "s3://bucket/prefix/shard-0".
func NewDDBCommitStore(inner blobstore.BlobStore, ddbClient DDBClient, tableName, storeKey string) *DDBCommitStore {
	return &DDBCommitStore{
		inner:     inner,
		ddbClient: ddbClient,
		tableName: tableName,
		storeKey:  storeKey,
	}
}

// Open opens a blob. CURRENT is resolved from DynamoDB and served as a
// virtual blob containing the manifest name.
func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name == CurrentName {
		version, manifest, err := s.latestCommit(ctx)
		if err != nil {
			return nil, err
		}
		if version == 0 {
			return nil, blobstore.ErrNotFound
		}
		return &virtualBlob{content: []byte(manifest)}, nil
	}
	return s.inner.Open(ctx, name)
}

// Put writes a blob. Writing CURRENT commits a new manifest version.
func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name == CurrentName {
		return s.commit(ctx, string(data))
	}
	return s.inner.Put(ctx, name, data)
}

// PutIfAbsent delegates to the inner store when it supports conditional
// writes. CURRENT goes through the commit path, which is already fenced.
func (s *DDBCommitStore) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	if name == CurrentName {
		return s.commit(ctx, string(data))
	}
	if cp, ok := s.inner.(blobstore.ConditionalPutter); ok {
		return cp.PutIfAbsent(ctx, name, data)
	}
	return s.inner.Put(ctx, name, data)
}

// Create passes through to the inner store.
func (s *DDBCommitStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	return s.inner.Create(ctx, name)
}

// Delete passes through to the inner store.
func (s *DDBCommitStore) Delete(ctx context.Context, name string) error {
	return s.inner.Delete(ctx, name)
}

// List passes through to the inner store.
func (s *DDBCommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

// latestCommit returns the highest committed version and its manifest
// name, or version 0 when nothing has been committed.
func (s *DDBCommitStore) latestCommit(ctx context.Context) (uint64, string, error) {
	resp, err := s.ddbClient.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("store_key = :k"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":k": &ddbtypes.AttributeValueMemberS{Value: s.storeKey},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("query commit log: %w", err)
	}

	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("commit item missing version attribute")
	}
	manifestAttr, ok := item["manifest"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("commit item missing manifest attribute")
	}

	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse commit version: %w", err)
	}

	return version, manifestAttr.Value, nil
}

// commit writes version latest+1 with a conditional put. Losing the race
// surfaces as ErrConcurrentCommit so the snapshotter can re-read and
// decide whether its snapshot is still worth committing.
func (s *DDBCommitStore) commit(ctx context.Context, manifest string) error {
	current, _, err := s.latestCommit(ctx)
	if err != nil {
		return err
	}

	_, err = s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]ddbtypes.AttributeValue{
			"store_key": &ddbtypes.AttributeValueMemberS{Value: s.storeKey},
			"version":   &ddbtypes.AttributeValueMemberN{Value: strconv.FormatUint(current+1, 10)},
			"manifest":  &ddbtypes.AttributeValueMemberS{Value: manifest},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentCommit
		}
		return fmt.Errorf("commit manifest version %d: %w", current+1, err)
	}

	return nil
}

// virtualBlob serves the CURRENT content from memory.
type virtualBlob struct {
	content []byte
}

func (b *virtualBlob) Close() error {
	return nil
}

func (b *virtualBlob) Size() int64 {
	return int64(len(b.content))
}

func (b *virtualBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off >= int64(len(b.content)) {
		return 0, io.EOF
	}
	n := copy(p, b.content[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *virtualBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	if off >= int64(len(b.content)) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := off + length
	if end > int64(len(b.content)) {
		end = int64(len(b.content))
	}
	return io.NopCloser(bytes.NewReader(b.content[off:end])), nil
}
