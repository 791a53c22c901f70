package core

import (
	"time"

	"gorm.io/datatypes"
)

// Chunk is an externally-owned unit of document content. The core only reads it.
type Chunk struct {
	ID              string     `gorm:"primaryKey;size:64" json:"id"`
	DocumentID      string     `gorm:"index;size:64;not null" json:"documentId"`
	ChunkIndex      int        `gorm:"default:0" json:"chunkIndex"`
	Content         string     `gorm:"type:text" json:"content"`
	Embedding       Vector     `gorm:"type:text" json:"embedding,omitempty"`
	ImportanceScore float64    `gorm:"default:0" json:"importanceScore"`
	ConceptTags     StringList `gorm:"type:text" json:"conceptTags,omitempty"`
	Polarity        float64    `gorm:"default:0" json:"polarity"` // -1 negative .. 1 positive
	Domain          string     `gorm:"size:255" json:"domain,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"-"`
}

// Vector is an embedding persisted as a JSON array.
type Vector = datatypes.JSONSlice[float32]

// StringList is a list of tags persisted as a JSON array.
type StringList = datatypes.JSONSlice[string]
