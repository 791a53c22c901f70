// Package checkpoint stores hashed, write-once snapshots of pipeline state.
//
// A checkpoint is the canonical JSON of a payload, stored in a core.BlobStore
// under "<jobID>/<stage>/<sha256>" and indexed by a core.CheckpointIndex row.
// Nothing is ever mutated in place: a later Put for the same stage appends a
// new row and a new blob. Readers recompute the hash with Verify before
// trusting a payload.
//
// Blob backends: storage.GormStorage (relational table), badgerblob (embedded
// key-value store) and s3blob (S3-compatible object storage). MemoryBlobs is
// an in-process backend for tests and one-shot commands.
package checkpoint
