// Package core provides the fundamental types and interfaces for docpipe.
//
// This package contains:
//   - Job, Checkpoint, Chunk and Connection data models with GORM annotations
//   - Store contracts (JobStore, CheckpointIndex, BlobStore, ChunkReader, ConnectionStore)
//   - Event types for pipeline monitoring
//   - The error taxonomy and classified error wrappers
//
// Most users should import the root package github.com/jdziat/docpipe
// instead of this package directly.
package core
