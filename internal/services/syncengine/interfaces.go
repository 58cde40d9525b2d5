package syncengine

import (
	"context"

	"collabsync/internal/models"
)

// DocumentStore is what the engine needs from snapshot storage
type DocumentStore interface {
	Load(ctx context.Context, documentID string) (*models.Snapshot, error)
	Save(ctx context.Context, snap *models.Snapshot) error
}

// OperationLog is what the engine needs from the operation log
type OperationLog interface {
	Append(ctx context.Context, entry *models.OperationLogEntry) error
	Query(ctx context.Context, documentID string, afterSeq uint64) ([]*models.OperationLogEntry, error)
}
