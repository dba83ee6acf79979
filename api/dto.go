package api

import (
	"encoding/json"
	"negotiation-lab/domain"
	"negotiation-lab/errors"
	"negotiation-lab/runtime"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type openConversationRequest struct {
	ListingID string `json:"listingId" validate:"required,max=128"`
	SellerID  string `json:"sellerId" validate:"required,max=128"`
}

type termsRequest struct {
	Amount   json.Number     `json:"amount" validate:"required"`
	Currency string          `json:"currency" validate:"required,len=3"`
	Message  string          `json:"message"`
	Metadata domain.Metadata `json:"metadata,omitempty"`
}

func (r termsRequest) terms() (domain.OfferTerms, error) {
	if err := validate.Struct(r); err != nil {
		return domain.OfferTerms{}, errors.Validation("terms: %v", err)
	}
	amount, err := domain.NewAmount(r.Amount.String(), r.Currency)
	if err != nil {
		return domain.OfferTerms{}, err
	}
	return domain.OfferTerms{Amount: amount, Message: r.Message, Metadata: r.Metadata}, nil
}

type typingRequest struct {
	Typing bool `json:"typing"`
}

type readRequest struct {
	Cursor       uint64 `json:"cursor" validate:"required"`
	RefMessageID string `json:"refMessageId" validate:"max=128"`
}

type activityRequest struct {
	ActivityType  string          `json:"activityType" validate:"required,max=64"`
	Metadata      domain.Metadata `json:"metadata,omitempty"`
	ObservedAt    time.Time       `json:"observedAt"`
	WindowSeconds int             `json:"windowSeconds" validate:"gte=0"`
}

type conversationResponse struct {
	Conversation domain.Conversation `json:"conversation"`
	Latest       *domain.Offer       `json:"latest,omitempty"`
}

type historyResponse struct {
	Offers []domain.Offer `json:"offers"`
}

type replyResponse struct {
	Seq        uint64                 `json:"seq"`
	Offer      *domain.Offer          `json:"offer,omitempty"`
	Superseded *domain.Offer          `json:"superseded,omitempty"`
	Presence   *domain.PresenceSignal `json:"presence,omitempty"`
}

func toReplyResponse(reply runtime.Reply) replyResponse {
	return replyResponse{
		Seq:        reply.Seq,
		Offer:      reply.Offer,
		Superseded: reply.Superseded,
		Presence:   reply.Presence,
	}
}

type errorResponse struct {
	Code    string        `json:"code"`
	Error   string        `json:"error"`
	Current *domain.Offer `json:"current,omitempty"`
}

// inboundCommand is a command sent over the websocket.
type inboundCommand struct {
	Type         string        `json:"type" validate:"required,oneof=propose counter accept reject typing read"`
	RequestID    string        `json:"requestId,omitempty"`
	Terms        *termsRequest `json:"terms,omitempty"`
	Typing       bool          `json:"typing,omitempty"`
	Cursor       uint64        `json:"cursor,omitempty"`
	RefMessageID string        `json:"refMessageId,omitempty"`
}

func (c inboundCommand) command(conversationID string) (domain.Command, error) {
	if err := validate.Struct(c); err != nil {
		return nil, errors.Validation("command: %v", err)
	}
	switch c.Type {
	case "propose", "counter":
		if c.Terms == nil {
			return nil, errors.Validation("%s requires terms", c.Type)
		}
		terms, err := c.Terms.terms()
		if err != nil {
			return nil, err
		}
		if c.Type == "propose" {
			return domain.ProposeOfferCommand{ConversationID: conversationID, Terms: terms}, nil
		}
		return domain.CounterOfferCommand{ConversationID: conversationID, Terms: terms}, nil
	case "accept":
		return domain.AcceptOfferCommand{ConversationID: conversationID}, nil
	case "reject":
		return domain.RejectOfferCommand{ConversationID: conversationID}, nil
	case "typing":
		return domain.SetTypingCommand{ConversationID: conversationID, Typing: c.Typing}, nil
	default:
		if c.Cursor == 0 {
			return nil, errors.Validation("read requires a cursor")
		}
		return domain.MarkReadCommand{ConversationID: conversationID, Cursor: c.Cursor, RefMessageID: c.RefMessageID}, nil
	}
}
