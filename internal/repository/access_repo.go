package repository

import (
	"context"
	"errors"
	"fmt"

	"collabsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AccessRepositoryImpl answers "what may this user do with this document"
type AccessRepositoryImpl struct {
	db *gorm.DB
}

func NewAccessRepository(db *gorm.DB) *AccessRepositoryImpl {
	return &AccessRepositoryImpl{db: db}
}

// RoleOf returns the user's role on a document.
// Unknown documents yield ErrDocumentNotFound, known documents without an entry yield RoleNone.
func (r *AccessRepositoryImpl) RoleOf(ctx context.Context, documentID, userID string) (models.Role, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Document{}).Where("id = ?", documentID).Count(&count).Error; err != nil {
		return models.RoleNone, fmt.Errorf("failed to look up document: %w", err)
	}
	if count == 0 {
		return models.RoleNone, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}

	var entry models.DocumentAccess
	err := r.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", documentID, userID).
		First(&entry).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.RoleNone, nil
	}
	if err != nil {
		return models.RoleNone, fmt.Errorf("failed to read access: %w", err)
	}

	return entry.Role, nil
}

// Grant sets the user's role, replacing any previous one
func (r *AccessRepositoryImpl) Grant(ctx context.Context, documentID, userID string, role models.Role) error {
	if !role.Valid() || role == models.RoleNone {
		return fmt.Errorf("invalid role %q", role)
	}

	entry := &models.DocumentAccess{DocumentID: documentID, UserID: userID, Role: role}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "updated_at"}),
	}).Create(entry).Error

	if err != nil {
		return fmt.Errorf("failed to grant access: %w", err)
	}

	return nil
}

// Revoke removes the user's entry. Removing a missing entry is not an error.
func (r *AccessRepositoryImpl) Revoke(ctx context.Context, documentID, userID string) error {
	err := r.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", documentID, userID).
		Delete(&models.DocumentAccess{}).Error

	if err != nil {
		return fmt.Errorf("failed to revoke access: %w", err)
	}

	return nil
}

// ListAccess returns every entry of a document
func (r *AccessRepositoryImpl) ListAccess(ctx context.Context, documentID string) ([]*models.DocumentAccess, error) {
	var entries []*models.DocumentAccess

	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC").
		Find(&entries).Error

	if err != nil {
		return nil, fmt.Errorf("failed to list access: %w", err)
	}

	return entries, nil
}
