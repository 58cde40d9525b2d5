package models

import "time"

// Role is a user's permission level on one document.
// The hierarchy is a strict order: owner > editor > viewer.
type Role string

const (
	RoleNone   Role = ""
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

// Level returns the rank of the role; RoleNone and unknown roles rank 0
func (r Role) Level() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleOwner:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether r grants at least the permissions of min
func (r Role) AtLeast(min Role) bool {
	return r.Level() > 0 && r.Level() >= min.Level()
}

// Valid reports whether r is one of the assignable roles
func (r Role) Valid() bool {
	return r.Level() > 0
}

// DocumentAccess grants a user a role on a document
type DocumentAccess struct {
	DocumentID string    `json:"document_id" gorm:"type:varchar(27);primaryKey"`
	UserID     string    `json:"user_id" gorm:"type:varchar(64);primaryKey;index"`
	Role       Role      `json:"role" gorm:"type:varchar(16);not null"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (DocumentAccess) TableName() string {
	return "document_access"
}
