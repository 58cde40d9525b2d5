package repository

import (
	"context"
	"fmt"
	"time"

	"collabsync/internal/models"

	"gorm.io/gorm"
)

// OperationLogRepositoryImpl stores applied updates as an append-only log
type OperationLogRepositoryImpl struct {
	db *gorm.DB
}

func NewOperationLogRepository(db *gorm.DB) *OperationLogRepositoryImpl {
	return &OperationLogRepositoryImpl{db: db}
}

// Append stores one entry. The (document_id, sequence_number) unique index
// rejects a second write for the same sequence.
func (r *OperationLogRepositoryImpl) Append(ctx context.Context, entry *models.OperationLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append operation %d for %s: %w", entry.SequenceNumber, entry.DocumentID, err)
	}

	return nil
}

// Query returns entries with sequence > afterSeq in sequence order
// Learning: afterSeq = 0 returns the full log, which is how a document is rebuilt from scratch
func (r *OperationLogRepositoryImpl) Query(ctx context.Context, documentID string, afterSeq uint64) ([]*models.OperationLogEntry, error) {
	var entries []*models.OperationLogEntry

	err := r.db.WithContext(ctx).
		Where("document_id = ? AND sequence_number > ?", documentID, afterSeq).
		Order("sequence_number ASC").
		Find(&entries).Error

	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}

	return entries, nil
}

// LatestSequence returns the highest stored sequence, 0 for an empty log
func (r *OperationLogRepositoryImpl) LatestSequence(ctx context.Context, documentID string) (uint64, error) {
	var latest uint64

	err := r.db.WithContext(ctx).
		Model(&models.OperationLogEntry{}).
		Where("document_id = ?", documentID).
		Select("COALESCE(MAX(sequence_number), 0)").
		Scan(&latest).Error

	if err != nil {
		return 0, fmt.Errorf("failed to read latest sequence: %w", err)
	}

	return latest, nil
}

// PurgeOlderThan deletes entries written before cutoff across all documents.
// Only entries already covered by their document's snapshot are removed, so a
// document can always be rebuilt from snapshot + remaining log.
func (r *OperationLogRepositoryImpl) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	covered := r.db.Unscoped().Model(&models.Document{}).
		Select("snapshot_version").
		Where("documents.id = operation_log.document_id")

	result := r.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Where("sequence_number <= (?)", covered).
		Delete(&models.OperationLogEntry{})

	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge operations: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// DeleteByDocument removes the whole log of a document
func (r *OperationLogRepositoryImpl) DeleteByDocument(ctx context.Context, documentID string) error {
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Delete(&models.OperationLogEntry{}).Error

	if err != nil {
		return fmt.Errorf("failed to delete operations: %w", err)
	}

	return nil
}
