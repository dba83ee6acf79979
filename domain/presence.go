package domain

import "time"

type SignalKind string

const (
	Typing SignalKind = "TYPING"
	Read   SignalKind = "READ"
)

// PresenceSignal is ephemeral. It is never persisted and is superseded by
// the next signal of the same kind from the same user.
type PresenceSignal struct {
	ConversationID string     `json:"conversationId"`
	UserID         string     `json:"userId"`
	Kind           SignalKind `json:"kind"`
	At             time.Time  `json:"at"`
	Typing         bool       `json:"typing,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Cursor         uint64     `json:"cursor,omitempty"`
	RefMessageID   string     `json:"refMessageId,omitempty"`
}
