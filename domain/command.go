package domain

import "time"

// Command is anything a participant sends into a conversation.
type Command interface {
	Conversation() string
}

type ProposeOfferCommand struct {
	ConversationID string
	Terms          OfferTerms
}

func (c ProposeOfferCommand) Conversation() string { return c.ConversationID }

type CounterOfferCommand struct {
	ConversationID string
	Terms          OfferTerms
}

func (c CounterOfferCommand) Conversation() string { return c.ConversationID }

type AcceptOfferCommand struct {
	ConversationID string
}

func (c AcceptOfferCommand) Conversation() string { return c.ConversationID }

type RejectOfferCommand struct {
	ConversationID string
}

func (c RejectOfferCommand) Conversation() string { return c.ConversationID }

type SetTypingCommand struct {
	ConversationID string
	Typing         bool
	At             time.Time
}

func (c SetTypingCommand) Conversation() string { return c.ConversationID }

type MarkReadCommand struct {
	ConversationID string
	Cursor         uint64
	RefMessageID   string
	At             time.Time
}

func (c MarkReadCommand) Conversation() string { return c.ConversationID }
