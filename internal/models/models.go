package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// User represents a user in the system.
type User struct {
	ID          string `json:"id"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	Moderator   bool   `json:"moderator,omitempty"`
}

type MessageState string

const (
	MessagePending   MessageState = "pending"
	MessageConfirmed MessageState = "confirmed"
	MessageFailed    MessageState = "failed"
)

// ChatMessage represents a single chat message. Before server confirmation
// ID carries the client-generated correlation id; once confirmed it carries
// the server-assigned identity. CorrelationID is set at send time and never
// changes, so an optimistic entry can be matched to its server echo.
type ChatMessage struct {
	ID            string       `json:"id"`
	CorrelationID string       `json:"correlationId,omitempty"`
	Seq           int64        `json:"seq,omitempty"`
	AuthorID      string       `json:"authorId"`
	AuthorName    string       `json:"authorName"`
	Content       string       `json:"content"`
	HTML          string       `json:"html,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	State         MessageState `json:"state,omitempty"`
}

// PresenceEntry is one user in the online roster. IsOnline is derived from
// LastSeenAt at read time, never stored.
type PresenceEntry struct {
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	IsOnline   bool      `json:"isOnline,omitempty"`
}
