package collaboration

import (
	"context"

	"collabsync/internal/models"
	"collabsync/internal/services/syncengine"
)

// Learning: Interfaces live with their consumer. The gateway only needs
// these few methods, which keeps handler tests free of a database.

// SyncEngine applies updates and serves document state
type SyncEngine interface {
	ApplyUpdate(ctx context.Context, documentID string, update []byte, authorID string) (*syncengine.Result, error)
	GetState(ctx context.Context, documentID string) (*syncengine.State, error)
	Evict(ctx context.Context, documentID string) error
}

// AccessGuard resolves a user's role on a document
type AccessGuard interface {
	RoleOf(ctx context.Context, documentID, userID string) (models.Role, error)
}

// Presence tracks sessions and cursors
type Presence interface {
	Join(documentID string, user models.UserInfo, connectionID string) *models.Session
	Leave(documentID, userID, connectionID string)
	ForgetConnection(connectionID string)
	UpdateCursor(connectionID, documentID, userID string, cursor *models.Cursor) bool
	Snapshot(documentID string) []*models.Session
}
