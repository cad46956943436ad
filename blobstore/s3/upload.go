package s3

import (
	"bytes"
	"context"
	"encoding/base64"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hupe1980/simcache/internal/hash"
)

// UploadConfig tunes multipart uploads of snapshot archives.
type UploadConfig struct {
	// PartSize is the part size for multipart uploads. Archives for a
	// loaded shard run to gigabytes, so parts larger than the SDK's 5MB
	// default cut request overhead. Default: 8MB.
	PartSize int64

	// Concurrency is the number of parts uploaded in parallel.
	// Default: 5.
	Concurrency int

	// EnableChecksum attaches CRC32C validation to archive uploads.
	// Default: true.
	EnableChecksum bool

	// LeavePartsOnError keeps uploaded parts around after a failed
	// multipart upload instead of aborting it. Default: false.
	LeavePartsOnError bool
}

// DefaultUploadConfig returns the production defaults.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		PartSize:          8 * 1024 * 1024,
		Concurrency:       5,
		EnableChecksum:    true,
		LeavePartsOnError: false,
	}
}

func newUploader(client Client, cfg UploadConfig) *manager.Uploader {
	return manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = cfg.PartSize
		u.Concurrency = cfg.Concurrency
		u.LeavePartsOnError = cfg.LeavePartsOnError
	})
}

// computeCRC32C returns the checksum in S3 wire format: base64-encoded
// big-endian bytes.
func computeCRC32C(data []byte) string {
	sum := hash.CRC32C(data)
	b := []byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)}
	return base64.StdEncoding.EncodeToString(b)
}

// putWithChecksum uploads a small blob in one request with CRC32C
// validation. ifNoneMatch, when set, makes the put conditional on the key
// not existing.
func putWithChecksum(ctx context.Context, client Client, bucket, key string, data []byte, ifNoneMatch *string) error {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         aws.String(bucket),
		Key:            aws.String(key),
		Body:           bytes.NewReader(data),
		ContentLength:  aws.Int64(int64(len(data))),
		ChecksumCRC32C: aws.String(computeCRC32C(data)),
		IfNoneMatch:    ifNoneMatch,
	})
	return err
}
