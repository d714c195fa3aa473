package tax

import (
	"math"

	"github.com/smallbiznis/coachpay/internal/config"
)

// DefaultRate is the KDV rate applied to every invoice.
const DefaultRate = config.InvoiceTaxRate

// Breakdown is the integer-safe result of applying a rate to a subtotal.
type Breakdown struct {
	Subtotal int64   `json:"subtotal"`
	Rate     float64 `json:"rate"`
	Tax      int64   `json:"tax"`
	Total    int64   `json:"total"`
}

// ComputeTaxExclusive calculates tax added on top of subtotal.
// Rounding happens only here to keep stored values integer-safe.
func ComputeTaxExclusive(subtotal int64, rate float64) int64 {
	if subtotal <= 0 || rate <= 0 {
		return 0
	}
	result := int64(math.Round(float64(subtotal) * rate))
	if result < 0 {
		return 0
	}
	return result
}

// ComputeTaxInclusive calculates the tax portion included in subtotal.
func ComputeTaxInclusive(subtotal int64, rate float64) int64 {
	if subtotal <= 0 || rate <= 0 {
		return 0
	}
	result := int64(math.Round(float64(subtotal) * (rate / (1 + rate))))
	if result < 0 {
		return 0
	}
	return result
}

// Exclusive returns the breakdown for a tax-exclusive subtotal.
// Total always equals Subtotal + Tax.
func Exclusive(subtotal int64, rate float64) Breakdown {
	tax := ComputeTaxExclusive(subtotal, rate)
	return Breakdown{
		Subtotal: subtotal,
		Rate:     rate,
		Tax:      tax,
		Total:    subtotal + tax,
	}
}

// Resolver picks the rate for an invoice from the live pricing catalog.
type Resolver struct {
	pricing *config.PricingConfigHolder
}

func NewResolver(pricing *config.PricingConfigHolder) *Resolver {
	return &Resolver{pricing: pricing}
}

// Rate returns the configured rate, falling back to DefaultRate.
func (r *Resolver) Rate() float64 {
	if r == nil || r.pricing == nil {
		return DefaultRate
	}
	return r.pricing.Get().TaxRate
}
