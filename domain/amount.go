package domain

import (
	"fmt"
	"negotiation-lab/errors"
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnits lists ISO 4217 currencies whose minor unit differs from 2.
var minorUnits = map[string]int32{
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0,
	"KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0,
	"XOF": 0, "XPF": 0,
}

// Amount is a positive price scoped to a currency.
type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency" validate:"required,iso4217"`
}

func NewAmount(value, currency string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Amount{}, errors.Validation("amount %q is not a decimal", value)
	}
	return Amount{Value: d, Currency: strings.ToUpper(strings.TrimSpace(currency))}, nil
}

func MustAmount(value, currency string) Amount {
	a, err := NewAmount(value, currency)
	if err != nil {
		panic(err)
	}
	return a
}

// Validate rejects non-positive values and values with more decimals than
// the currency's minor unit allows.
func (a Amount) Validate() error {
	if err := validate.Struct(a); err != nil {
		return errors.Validation("currency %q: %v", a.Currency, err)
	}
	if !a.Value.IsPositive() {
		return errors.Validation("amount must be positive, got %s", a.Value)
	}
	places := a.MinorUnits()
	if !a.Value.Equal(a.Value.Truncate(places)) {
		return errors.Validation("amount %s has more than %d decimals for %s", a.Value, places, a.Currency)
	}
	return nil
}

func (a Amount) MinorUnits() int32 {
	if places, ok := minorUnits[a.Currency]; ok {
		return places
	}
	return 2
}

func (a Amount) Equal(other Amount) bool {
	return a.Currency == other.Currency && a.Value.Equal(other.Value)
}

func (a Amount) String() string {
	return fmt.Sprintf("%s %s", a.Value.StringFixed(a.MinorUnits()), a.Currency)
}
