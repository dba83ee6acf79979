package event

import (
	"negotiation-lab/domain"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	OfferCreated      Kind = "OfferCreated"
	OfferTransitioned Kind = "OfferTransitioned"
	TypingChanged     Kind = "TypingChanged"
	ReadChanged       Kind = "ReadChanged"
	// CommandRejected is only ever sent to the connection that issued the command.
	CommandRejected Kind = "CommandRejected"
)

// Envelope is the unit delivered to participants of a conversation.
// Seq is monotonic per conversation; replayed envelopes reuse the
// high-water mark at join time and are flagged with Replay.
type Envelope struct {
	ID             uuid.UUID              `json:"id"`
	Seq            uint64                 `json:"seq"`
	Kind           Kind                   `json:"kind"`
	ConversationID string                 `json:"conversationId"`
	At             time.Time              `json:"at"`
	Replay         bool                   `json:"replay,omitempty"`
	Offer          *domain.Offer          `json:"offer,omitempty"`
	Superseded     *domain.Offer          `json:"superseded,omitempty"`
	Presence       *domain.PresenceSignal `json:"presence,omitempty"`
	Rejection      *Rejection             `json:"rejection,omitempty"`
}

func (e Envelope) Conversation() string { return e.ConversationID }

// Rejection explains why a command failed. Current carries the
// authoritative head offer for illegal transitions.
type Rejection struct {
	RequestID string        `json:"requestId,omitempty"`
	Code      string        `json:"code"`
	Reason    string        `json:"reason"`
	Current   *domain.Offer `json:"current,omitempty"`
}
