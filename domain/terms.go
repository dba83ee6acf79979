package domain

import (
	"negotiation-lab/errors"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

const MaxOfferMessageLength = 1000

// OfferTerms are the caller supplied parts of a propose or counter.
type OfferTerms struct {
	Amount   Amount
	Message  string
	Metadata Metadata
}

// Validate runs before any state is touched so a failure is side effect free.
func (t OfferTerms) Validate() error {
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	if utf8.RuneCountInString(t.Message) > MaxOfferMessageLength {
		return errors.Validation("message longer than %d characters", MaxOfferMessageLength)
	}
	if !utf8.ValidString(t.Message) {
		return errors.Validation("message is not valid UTF-8")
	}
	for k, v := range t.Metadata {
		if v == nil {
			return errors.Validation("metadata %q has no value", k)
		}
	}
	return nil
}

func (k ThreadKey) Validate() error {
	if err := validate.Struct(k); err != nil {
		return errors.Validation("thread key: %v", err)
	}
	return nil
}
