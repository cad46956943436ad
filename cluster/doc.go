// Package cluster assembles shards, replicas, routing and replication
// into a running node. A Node owns the shared worker pool and resource
// governor, feeds replicas through in-process transports, and keeps the
// router ring in sync with gossip membership when membership is enabled.
//
// Single-node operation needs no membership at all; that is the default
// and the common embedded configuration.
package cluster
