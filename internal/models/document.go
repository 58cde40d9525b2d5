package models

import (
	"time"

	"collabsync/internal/clock"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Document is a collaboratively edited document.
// Learning: Using KSUID instead of UUID provides:
// - Time-based sorting (first 32 bits are timestamp)
// - Better database index performance (sequential, less B-tree fragmentation)
// - Smaller string representation (27 chars vs 36 for UUID)
//
// The content itself lives in Snapshot: the full encoded CRDT state as of
// SnapshotVersion. Operations after that version live in the operation log.
type Document struct {
	ID              string            `json:"id" gorm:"type:varchar(27);primaryKey"`
	Title           string            `json:"title" gorm:"type:text;not null"`
	OwnerID         string            `json:"owner_id" gorm:"type:varchar(64);not null;index"`
	Snapshot        []byte            `json:"-"`
	SnapshotVersion uint64            `json:"snapshot_version" gorm:"not null;default:0"`
	VectorClock     clock.VectorClock `json:"vector_clock" gorm:"type:text;serializer:json"`
	LastModified    time.Time         `json:"last_modified" gorm:"index"`
	CreatedAt       time.Time         `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time         `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt       gorm.DeletedAt    `json:"deleted_at,omitempty" gorm:"column:deleted_at;index"` // Soft delete support
}

// BeforeCreate hook generates KSUID before inserting
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = ksuid.New().String()
	}
	return nil
}

// Snapshot is a point-in-time encoding of a document replica
type Snapshot struct {
	DocumentID   string
	State        []byte
	Version      uint64
	VectorClock  clock.VectorClock
	LastModified time.Time
}

type DocumentCreate struct {
	Title string `json:"title"`
}
