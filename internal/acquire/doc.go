// Package acquire defines the core types and interfaces shared by the document
// acquisition pipeline: descriptors produced by discovery, outcomes produced by
// the download scheduler, and the durable records owned by the ledger.
package acquire
