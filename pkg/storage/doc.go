// Package storage provides the GORM implementation of the docpipe stores.
//
// GormStorage satisfies core.JobStore, core.CheckpointIndex, core.BlobStore,
// core.ChunkReader and core.ConnectionStore on one database. SQLite and
// PostgreSQL are supported through Open.
package storage
