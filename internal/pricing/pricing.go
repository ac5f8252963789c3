// Package pricing quotes consultation prices. Amounts are always derived
// server-side from the consultation type and the patient's region; client
// supplied amounts are never trusted.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownConsultation = errors.New("unknown consultation type")
	ErrUnsupportedCurrency = errors.New("unsupported currency for region")
)

const (
	RegionIndia         = "IN"
	RegionInternational = "INTL"
)

// FirstBookingDiscount is the fraction taken off a patient's first appointment.
var FirstBookingDiscount = decimal.RequireFromString("0.20")

type Price struct {
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Symbol     string          `json:"symbol"`
	Region     string          `json:"region"`
	Discounted bool            `json:"discounted"`
}

// MinorUnits returns the amount in the currency's minor unit (paise, cents).
func (p Price) MinorUnits() int64 {
	return p.Amount.Shift(2).Round(0).IntPart()
}

func (p Price) String() string {
	return p.Symbol + p.Amount.StringFixed(2)
}

type rate struct {
	symbol string
	byType map[string]decimal.Decimal
}

var table = map[string]map[string]rate{
	RegionIndia: {
		"INR": {symbol: "₹", byType: map[string]decimal.Decimal{
			"initial":   decimal.NewFromInt(999),
			"follow-up": decimal.NewFromInt(699),
			"urgent":    decimal.NewFromInt(1499),
		}},
	},
	RegionInternational: {
		"USD": {symbol: "$", byType: map[string]decimal.Decimal{
			"initial":   decimal.NewFromInt(29),
			"follow-up": decimal.NewFromInt(19),
			"urgent":    decimal.NewFromInt(49),
		}},
		"EUR": {symbol: "€", byType: map[string]decimal.Decimal{
			"initial":   decimal.NewFromInt(27),
			"follow-up": decimal.NewFromInt(18),
			"urgent":    decimal.NewFromInt(45),
		}},
		"GBP": {symbol: "£", byType: map[string]decimal.Decimal{
			"initial":   decimal.NewFromInt(24),
			"follow-up": decimal.NewFromInt(16),
			"urgent":    decimal.NewFromInt(39),
		}},
	},
}

// RegionFor maps an ISO country code to a pricing region.
func RegionFor(country string) string {
	switch strings.ToUpper(strings.TrimSpace(country)) {
	case "IN", "IND", "INDIA":
		return RegionIndia
	}
	return RegionInternational
}

// DefaultCurrency is used when the caller does not pick one.
func DefaultCurrency(region string) string {
	if region == RegionIndia {
		return "INR"
	}
	return "USD"
}

// Quote returns the undiscounted price for a consultation.
func Quote(consultationType, country, currency string) (Price, error) {
	region := RegionFor(country)
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = DefaultCurrency(region)
	}

	r, ok := table[region][currency]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s in %s", ErrUnsupportedCurrency, currency, region)
	}
	amount, ok := r.byType[consultationType]
	if !ok {
		return Price{}, fmt.Errorf("%w: %q", ErrUnknownConsultation, consultationType)
	}

	return Price{
		Amount:   amount,
		Currency: currency,
		Symbol:   r.symbol,
		Region:   region,
	}, nil
}

// WithFirstBookingDiscount applies the first-appointment discount once.
func WithFirstBookingDiscount(p Price) Price {
	if p.Discounted {
		return p
	}
	p.Amount = p.Amount.Mul(decimal.NewFromInt(1).Sub(FirstBookingDiscount)).Round(2)
	p.Discounted = true
	return p
}
