package api

import (
	"context"

	"collabsync/internal/models"
	"collabsync/internal/services/collaboration"
	"collabsync/internal/services/syncengine"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of repositories and services, so
the interfaces it needs live HERE. The handler only declares the methods it
calls, which keeps fakes small and avoids import cycles.
*/

// DocumentStore is what handlers need from the document repository
type DocumentStore interface {
	Create(ctx context.Context, title, ownerID string, initialState []byte) (*models.Document, error)
	GetByID(ctx context.Context, id string) (*models.Document, error)
	ListForUser(ctx context.Context, userID string, limit, offset int) ([]*models.Document, error)
	Delete(ctx context.Context, id string) error
}

// AccessStore manages per-document roles
type AccessStore interface {
	RoleOf(ctx context.Context, documentID, userID string) (models.Role, error)
	Grant(ctx context.Context, documentID, userID string, role models.Role) error
	Revoke(ctx context.Context, documentID, userID string) error
	ListAccess(ctx context.Context, documentID string) ([]*models.DocumentAccess, error)
}

// OperationLog is the read side of the update log
type OperationLog interface {
	Query(ctx context.Context, documentID string, afterSeq uint64) ([]*models.OperationLogEntry, error)
	DeleteByDocument(ctx context.Context, documentID string) error
}

// SyncEngine exposes document state and engine counters
type SyncEngine interface {
	GetState(ctx context.Context, documentID string) (*syncengine.State, error)
	Evict(ctx context.Context, documentID string) error
	Stats() syncengine.Stats
}

// Rooms reports live collaboration rooms
type Rooms interface {
	MemberCount(documentID string) int
	RoomCount() int
}

// GatewayMetrics is implemented by *collaboration.Metrics
type GatewayMetrics interface {
	Snapshot() collaboration.MetricsSnapshot
}

// Pinger checks database reachability
type Pinger interface {
	Ping() error
}
