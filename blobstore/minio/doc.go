// Package minio stores snapshot archives and manifests in MinIO or any
// S3-compatible object store (Ceph, Garage, SeaweedFS). It uses the
// official MinIO Go client, which keeps air-gapped deployments free of
// AWS dependencies.
//
// # Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := minioblob.NewStore(client, "simcache", "prod/")
//
// The store does not support conditional writes; manifest commits fall
// back to last-writer-wins. Deployments with concurrent snapshotters
// should fence commits externally or use the S3+DynamoDB commit store.
package minio
