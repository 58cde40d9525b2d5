package models

import (
	"time"
)

// Cursor is a user's caret and selection inside a document
type Cursor struct {
	Position       int `json:"position"`
	SelectionStart int `json:"selectionStart"`
	SelectionEnd   int `json:"selectionEnd"`
}

// Session is the ephemeral presence record of one connection in one document.
// Learning: This is separate from document content - it's ephemeral user state.
// The same user in two tabs has two sessions because ConnectionID differs.
type Session struct {
	DocumentID   string    `json:"document_id"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	ConnectionID string    `json:"connection_id"`
	Color        string    `json:"color"`
	Cursor       *Cursor   `json:"cursor,omitempty"`
	Connected    bool      `json:"connected"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// SessionKey identifies a session
type SessionKey struct {
	DocumentID   string
	UserID       string
	ConnectionID string
}

func (s *Session) Key() SessionKey {
	return SessionKey{DocumentID: s.DocumentID, UserID: s.UserID, ConnectionID: s.ConnectionID}
}

// UserInfo represents information about a connected user
type UserInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func NewSession(documentID string, user UserInfo, connectionID, color string, now time.Time) *Session {
	return &Session{
		DocumentID:   documentID,
		UserID:       user.ID,
		UserName:     user.Name,
		ConnectionID: connectionID,
		Color:        color,
		Connected:    true,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
