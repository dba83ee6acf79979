package domain

import (
	"negotiation-lab/errors"
	"time"
)

// Conversation binds a buyer and a seller around one listing.
// They are the only parties allowed to act in it.
type Conversation struct {
	ID        string    `json:"id" validate:"required"`
	ListingID string    `json:"listingId" validate:"required"`
	BuyerID   string    `json:"buyerId" validate:"required"`
	SellerID  string    `json:"sellerId" validate:"required,nefield=BuyerID"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c Conversation) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Validation("conversation: %v", err)
	}
	return nil
}

func (c Conversation) ThreadKey() ThreadKey {
	return ThreadKey{
		ConversationID: c.ID,
		ListingID:      c.ListingID,
		BuyerID:        c.BuyerID,
		SellerID:       c.SellerID,
	}
}

func (c Conversation) IsParty(userID string) bool {
	return c.ThreadKey().IsParty(userID)
}

func (c Conversation) Participants() []string {
	return []string{c.BuyerID, c.SellerID}
}
