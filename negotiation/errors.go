package negotiation

import (
	"fmt"
	"negotiation-lab/domain"
	"negotiation-lab/errors"
)

// IllegalTransitionError is returned when a negotiation rule is violated.
// Current is the authoritative head of the thread at the time of refusal,
// nil when the thread is empty.
type IllegalTransitionError struct {
	Action  Action
	Reason  string
	Current *domain.Offer
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s: %s %s", errors.ErrIllegalTransition, e.Action, e.Reason)
}

func (e *IllegalTransitionError) Unwrap() error { return errors.ErrIllegalTransition }

// CurrentOffer extracts the head attached to an illegal transition, if any.
func CurrentOffer(err error) (*domain.Offer, bool) {
	var illegal *IllegalTransitionError
	if !errors.As(err, &illegal) {
		return nil, false
	}
	return illegal.Current, true
}
