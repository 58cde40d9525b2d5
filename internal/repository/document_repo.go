package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collabsync/internal/clock"
	"collabsync/internal/models"

	"gorm.io/gorm"
)

// DocumentRepositoryImpl handles document metadata and snapshots using GORM
// Learning: This is the IMPLEMENTATION. It doesn't know about any interface.
// The sync engine and api packages declare the interfaces they need.
type DocumentRepositoryImpl struct {
	db *gorm.DB
}

// NewDocumentRepository creates a new document repository
// Returns concrete type - "Accept interfaces, return structs"
func NewDocumentRepository(db *gorm.DB) *DocumentRepositoryImpl {
	return &DocumentRepositoryImpl{db: db}
}

// Create inserts a new document and makes ownerID its owner.
// initialState is the encoded empty replica.
func (r *DocumentRepositoryImpl) Create(ctx context.Context, title, ownerID string, initialState []byte) (*models.Document, error) {
	if title == "" {
		title = "Untitled Document"
	}

	document := &models.Document{
		Title:        title,
		OwnerID:      ownerID,
		Snapshot:     initialState,
		VectorClock:  clock.New(),
		LastModified: time.Now(),
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(document).Error; err != nil {
			return err
		}
		return tx.Create(&models.DocumentAccess{
			DocumentID: document.ID,
			UserID:     ownerID,
			Role:       models.RoleOwner,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	return document, nil
}

// GetByID retrieves a document by its KSUID
// Soft-deleted documents are automatically excluded
func (r *DocumentRepositoryImpl) GetByID(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document

	err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return &doc, nil
}

// ListForUser returns documents the user has any role on, most recently modified first
func (r *DocumentRepositoryImpl) ListForUser(ctx context.Context, userID string, limit, offset int) ([]*models.Document, error) {
	var documents []*models.Document

	granted := r.db.Model(&models.DocumentAccess{}).
		Select("document_id").
		Where("user_id = ?", userID)

	err := r.db.WithContext(ctx).
		Omit("snapshot").
		Where("id IN (?)", granted).
		Order("last_modified DESC").
		Limit(limit).
		Offset(offset).
		Find(&documents).Error

	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	return documents, nil
}

// Delete performs a soft delete on the document
// Learning: GORM automatically sets DeletedAt timestamp instead of removing the row
func (r *DocumentRepositoryImpl) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&models.Document{}, "id = ?", id)

	if result.Error != nil {
		return fmt.Errorf("failed to delete document: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}

	return nil
}

// Load returns the latest snapshot of a document
func (r *DocumentRepositoryImpl) Load(ctx context.Context, id string) (*models.Snapshot, error) {
	doc, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	vc := doc.VectorClock
	if vc == nil {
		vc = clock.New()
	}

	return &models.Snapshot{
		DocumentID:   doc.ID,
		State:        doc.Snapshot,
		Version:      doc.SnapshotVersion,
		VectorClock:  vc,
		LastModified: doc.LastModified,
	}, nil
}

// Save stores a new snapshot. Older snapshots never overwrite newer ones.
func (r *DocumentRepositoryImpl) Save(ctx context.Context, snap *models.Snapshot) error {
	result := r.db.WithContext(ctx).
		Model(&models.Document{}).
		Where("id = ? AND snapshot_version <= ?", snap.DocumentID, snap.Version).
		Select("snapshot", "snapshot_version", "vector_clock", "last_modified").
		Updates(&models.Document{
			Snapshot:        snap.State,
			SnapshotVersion: snap.Version,
			VectorClock:     snap.VectorClock,
			LastModified:    snap.LastModified,
		})

	if result.Error != nil {
		return fmt.Errorf("failed to save snapshot: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, snap.DocumentID); err != nil {
			return err
		}
		// a newer snapshot is already stored
	}

	return nil
}
