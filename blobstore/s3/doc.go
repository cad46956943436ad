// Package s3 stores snapshot archives and manifests in Amazon S3.
//
// # Usage
//
//	client := s3.NewFromConfig(cfg)
//	store := s3blob.NewStore(client, "my-bucket", "simcache/prod/")
//
// Archives stream up as multipart uploads with CRC32C validation and
// stream down as ranged GETs. Manifests are small keys written with
// conditional puts so concurrent snapshotters cannot clobber each other.
//
// For deployments that need a linear commit history across writers, wrap
// the store in a DDBCommitStore: the CURRENT manifest pointer then lives
// in DynamoDB behind a conditional write.
package s3
