package core

import (
	"time"
)

// Connection is a persisted, engine-attributed relationship between two chunks.
//
// UserValidated is owned by the reading UI. The orchestrator never writes it.
type Connection struct {
	ID               string   `gorm:"primaryKey;size:36"`
	SourceChunkID    string   `gorm:"uniqueIndex:idx_connection_triple;size:64;not null"`
	TargetChunkID    string   `gorm:"uniqueIndex:idx_connection_triple;size:64;not null"`
	EngineType       string   `gorm:"uniqueIndex:idx_connection_triple;size:64;not null"`
	Strength         float64  `gorm:"not null"`
	PreviousStrength *float64 // Strength before the most recent re-detection
	RawStrength      float64  // Engine strength before weighting
	Weight           float64  `gorm:"default:1"`
	Metadata         []byte   `gorm:"type:bytes"`
	AutoDetected     bool     `gorm:"default:true"`
	UserValidated    *bool
	DetectedAt       time.Time
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

// ConnectionKey is the dedup identity of a connection.
type ConnectionKey struct {
	SourceChunkID string
	TargetChunkID string
	EngineType    string
}

// Key returns the dedup identity of c.
func (c *Connection) Key() ConnectionKey {
	return ConnectionKey{SourceChunkID: c.SourceChunkID, TargetChunkID: c.TargetChunkID, EngineType: c.EngineType}
}

// ProgressFunc receives progress reports: an overall percentage, the stage name
// and a human-readable detail string.
type ProgressFunc func(percent int, stage, detail string)

// Report calls f when it is non-nil.
func (f ProgressFunc) Report(percent int, stage, detail string) {
	if f != nil {
		f(percent, stage, detail)
	}
}
