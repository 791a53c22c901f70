package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jdziat/docpipe/pkg/core"
)

// Store writes and reads checkpoints over an index and a blob backend.
type Store struct {
	index   core.CheckpointIndex
	blobs   core.BlobStore
	emitter core.Emitter
}

// Option configures a Store.
type Option func(*Store)

// WithEmitter publishes a CheckpointSaved event for every Put.
func WithEmitter(e core.Emitter) Option {
	return func(s *Store) { s.emitter = e }
}

// New creates a checkpoint store.
func New(index core.CheckpointIndex, blobs core.BlobStore, opts ...Option) *Store {
	s := &Store{index: index, blobs: blobs}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Canonical returns the canonical serialization of payload: compact JSON with
// sorted map keys. Byte slices and json.RawMessage are taken as JSON already.
func Canonical(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return compact(p)
	case []byte:
		return compact(p)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize checkpoint: %w", err)
	}
	return b, nil
}

func compact(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("serialize checkpoint: %w", err)
	}
	return buf.Bytes(), nil
}

// Hash returns the lowercase hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the hash of payload and compares it with hash.
// A mismatch wraps core.ErrCheckpointCorrupted in a *CorruptionError.
func Verify(payload []byte, hash string) error {
	actual := Hash(payload)
	if actual != hash {
		return &CorruptionError{Expected: hash, Actual: actual}
	}
	return nil
}

// CorruptionError reports a checkpoint whose bytes do not match its hash.
type CorruptionError struct {
	Expected string
	Actual   string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%v: expected %s, got %s", core.ErrCheckpointCorrupted, e.Expected, e.Actual)
}

func (e *CorruptionError) Unwrap() error {
	return core.ErrCheckpointCorrupted
}

// BlobKey is the content-addressed key of a checkpoint payload.
func BlobKey(jobID, stage, hash string) string {
	return jobID + "/" + stage + "/" + hash
}

// Put serializes payload, stores it and appends an index row.
// The blob is written and read back before the row, so a row never points
// at a missing or unverifiable blob.
func (s *Store) Put(ctx context.Context, jobID, stage string, payload any) (string, error) {
	data, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	hash := Hash(data)
	key := BlobKey(jobID, stage, hash)

	if err := s.writeBlob(ctx, key, data, hash); err != nil {
		return "", err
	}
	cp := &core.Checkpoint{
		JobID:   jobID,
		Stage:   stage,
		Hash:    hash,
		BlobKey: key,
		Size:    len(data),
	}
	if err := s.index.SaveCheckpoint(ctx, cp); err != nil {
		return "", fmt.Errorf("index checkpoint %s: %w", key, err)
	}

	if s.emitter != nil {
		s.emitter.Emit(&core.CheckpointSaved{
			JobID:     jobID,
			Stage:     stage,
			Hash:      hash,
			Size:      len(data),
			Timestamp: time.Now(),
		})
	}
	return hash, nil
}

// writeBlob stores data under key. Backends keep the first write to a key,
// so a blob already there that fails its hash is deleted and written again.
func (s *Store) writeBlob(ctx context.Context, key string, data []byte, hash string) error {
	for attempt := 0; ; attempt++ {
		if err := s.blobs.PutBlob(ctx, key, data); err != nil {
			return fmt.Errorf("put checkpoint blob %s: %w", key, err)
		}
		stored, err := s.blobs.GetBlob(ctx, key)
		if err != nil {
			return fmt.Errorf("read back checkpoint blob %s: %w", key, err)
		}
		verr := Verify(stored, hash)
		if verr == nil {
			return nil
		}
		if attempt > 0 {
			return fmt.Errorf("checkpoint blob %s: %w", key, verr)
		}
		if err := s.blobs.DeleteBlobs(ctx, key); err != nil {
			return fmt.Errorf("replace corrupted checkpoint blob %s: %w", key, err)
		}
	}
}

// Discard deletes the blob behind ref. Index rows stay; a later Put of the
// same payload writes the blob again.
func (s *Store) Discard(ctx context.Context, jobID string, ref core.CheckpointRef) error {
	cp, err := s.index.FindCheckpoint(ctx, jobID, ref)
	if err != nil || cp == nil {
		return err
	}
	if err := s.blobs.DeleteBlobs(ctx, cp.BlobKey); err != nil {
		return fmt.Errorf("discard checkpoint blob %s: %w", cp.BlobKey, err)
	}
	return nil
}

// Get returns the newest checkpoint for stage with its recorded hash.
// ok is false when no checkpoint exists or its blob is gone. The payload is
// not verified.
func (s *Store) Get(ctx context.Context, jobID, stage string) ([]byte, string, bool, error) {
	cp, err := s.index.LatestCheckpoint(ctx, jobID, stage)
	if err != nil {
		return nil, "", false, err
	}
	return s.read(ctx, cp)
}

// Load returns the checkpoint named by ref with its recorded hash.
// ok is false when no checkpoint matches or its blob is gone. The payload is
// not verified.
func (s *Store) Load(ctx context.Context, jobID string, ref core.CheckpointRef) ([]byte, string, bool, error) {
	cp, err := s.index.FindCheckpoint(ctx, jobID, ref)
	if err != nil {
		return nil, "", false, err
	}
	return s.read(ctx, cp)
}

func (s *Store) read(ctx context.Context, cp *core.Checkpoint) ([]byte, string, bool, error) {
	if cp == nil {
		return nil, "", false, nil
	}
	data, err := s.blobs.GetBlob(ctx, cp.BlobKey)
	if errors.Is(err, core.ErrBlobNotFound) {
		return nil, cp.Hash, false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("get checkpoint blob %s: %w", cp.BlobKey, err)
	}
	return data, cp.Hash, true, nil
}
