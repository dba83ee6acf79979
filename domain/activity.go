package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActivityEvent is a coarse user activity, recorded once per occurrence.
type ActivityEvent struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"userId" validate:"required"`
	ActivityType string    `json:"activityType" validate:"required,max=64"`
	Metadata     Metadata  `json:"metadata,omitempty"`
	ObservedAt   time.Time `json:"observedAt" validate:"required"`
}

func (e ActivityEvent) Validate() error {
	return validate.Struct(e)
}
