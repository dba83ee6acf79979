// Package domain contains core concepts of the negotiation system.
// This file defines Offers, negotiation threads and their invariants.
// No runtime, network, or storage logic should be added here.
package domain

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

type OfferStatus string

const (
	Pending   OfferStatus = "PENDING"
	Accepted  OfferStatus = "ACCEPTED"
	Rejected  OfferStatus = "REJECTED"
	Countered OfferStatus = "COUNTERED"
)

// IsTerminal reports whether a thread whose head has this status is closed.
// Countered is never a head status: the counter replaces it.
func (s OfferStatus) IsTerminal() bool {
	return s == Accepted || s == Rejected
}

// ThreadKey identifies the negotiation between one buyer and one seller for
// one listing inside one conversation. Successive rounds share the key.
type ThreadKey struct {
	ConversationID string `json:"conversationId" validate:"required"`
	ListingID      string `json:"listingId" validate:"required"`
	BuyerID        string `json:"buyerId" validate:"required"`
	SellerID       string `json:"sellerId" validate:"required,nefield=BuyerID"`
}

// String is the escaped storage form "conversation:listing:buyer:seller".
func (k ThreadKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s",
		url.QueryEscape(k.ConversationID),
		url.QueryEscape(k.ListingID),
		url.QueryEscape(k.BuyerID),
		url.QueryEscape(k.SellerID),
	)
}

func (k ThreadKey) IsParty(userID string) bool {
	return userID != "" && (userID == k.BuyerID || userID == k.SellerID)
}

// Counterpart returns the other party of the negotiation.
func (k ThreadKey) Counterpart(userID string) (string, bool) {
	switch userID {
	case k.BuyerID:
		return k.SellerID, true
	case k.SellerID:
		return k.BuyerID, true
	default:
		return "", false
	}
}

// Offer is a single proposed price within a negotiation thread.
type Offer struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID string      `json:"conversationId"`
	ListingID      string      `json:"listingId"`
	BuyerID        string      `json:"buyerId"`
	SellerID       string      `json:"sellerId"`
	ProposedBy     string      `json:"proposedBy"`
	Round          int         `json:"round"`
	Amount         Amount      `json:"amount"`
	Message        string      `json:"message,omitempty"`
	Status         OfferStatus `json:"status"`
	Metadata       Metadata    `json:"metadata,omitempty"`
	CounterOfferTo *uuid.UUID  `json:"counterOfferTo,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

func (o Offer) Key() ThreadKey {
	return ThreadKey{
		ConversationID: o.ConversationID,
		ListingID:      o.ListingID,
		BuyerID:        o.BuyerID,
		SellerID:       o.SellerID,
	}
}

func (o Offer) IsLive() bool { return o.Status == Pending }

func (o Offer) IsCounter() bool { return o.CounterOfferTo != nil }

// WithStatus returns a copy moved to status at the given instant.
// The createdAt..updatedAt order is kept monotonic.
func (o Offer) WithStatus(status OfferStatus, at time.Time) Offer {
	o.Status = status
	if at.Before(o.CreatedAt) {
		at = o.CreatedAt
	}
	o.UpdatedAt = at
	o.Metadata = o.Metadata.Clone()
	return o
}

// Change is one transition applied to the head offer of a thread.
type Change struct {
	Status    OfferStatus
	Successor *Offer
	At        time.Time
}

// Transition is what the ledger committed for a Change.
type Transition struct {
	Updated   Offer
	Successor *Offer
	Version   uint64
}

// Head returns the offer that is now the head of the thread.
func (t Transition) Head() Offer {
	if t.Successor != nil {
		return *t.Successor
	}
	return t.Updated
}
