package models

import (
	"time"

	"collabsync/internal/clock"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: APPEND-ONLY OPERATION LOG

Every update the sync engine merges is recorded here, in order:

  Client edit → binary CRDT update → merged by the document worker
  → clock advanced → appended with the next sequence number

Sequence numbers per document are gap-free and start at 1, so
"replay entries after version N" is a simple range query. Entries are
immutable; old ones are purged by age once a snapshot covers them.
*/

// OperationLogEntry is one applied update
type OperationLogEntry struct {
	ID               string            `gorm:"type:varchar(27);primaryKey" json:"id"`
	DocumentID       string            `gorm:"type:varchar(27);not null;uniqueIndex:idx_oplog_doc_seq,priority:1" json:"document_id"`
	SequenceNumber   uint64            `gorm:"not null;uniqueIndex:idx_oplog_doc_seq,priority:2" json:"sequence_number"`
	AuthorID         string            `gorm:"type:varchar(64);not null" json:"author_id"`
	Payload          []byte            `gorm:"not null" json:"payload"`
	VectorClock      clock.VectorClock `gorm:"type:text;serializer:json" json:"vector_clock"`
	LamportTimestamp uint64            `gorm:"not null" json:"lamport_timestamp"`
	Timestamp        time.Time         `gorm:"not null;index" json:"timestamp"`
}

// BeforeCreate generates KSUID
func (e *OperationLogEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (OperationLogEntry) TableName() string {
	return "operation_log"
}
