package tax

import (
	"testing"

	"github.com/smallbiznis/coachpay/internal/config"
)

func TestExclusiveGoldBadge(t *testing.T) {
	got := Exclusive(29900, 0.18)
	if got.Tax != 5382 {
		t.Fatalf("expected tax 5382, got %d", got.Tax)
	}
	if got.Total != 35282 {
		t.Fatalf("expected total 35282, got %d", got.Total)
	}
}

func TestExclusiveTotalInvariant(t *testing.T) {
	for _, amount := range []int64{1, 99, 9900, 12345, 29900, 100001} {
		got := Exclusive(amount, DefaultRate)
		if got.Total != got.Subtotal+got.Tax {
			t.Fatalf("total mismatch for %d: %+v", amount, got)
		}
	}
}

func TestComputeTaxRounding(t *testing.T) {
	if got := ComputeTaxExclusive(3, 0.18); got != 1 {
		t.Fatalf("expected 0.54 to round to 1, got %d", got)
	}
	if got := ComputeTaxExclusive(2, 0.18); got != 0 {
		t.Fatalf("expected 0.36 to round to 0, got %d", got)
	}
	if got := ComputeTaxExclusive(-100, 0.18); got != 0 {
		t.Fatalf("expected zero tax for negative subtotal, got %d", got)
	}
	if got := ComputeTaxInclusive(11800, 0.18); got != 1800 {
		t.Fatalf("expected inclusive tax 1800, got %d", got)
	}
}

func TestResolverReadsPricingCatalog(t *testing.T) {
	r := NewResolver(config.NewStaticPricingHolder(config.DefaultPricingConfig()))
	if r.Rate() != 0.18 {
		t.Fatalf("expected 0.18, got %v", r.Rate())
	}

	var empty *Resolver
	if empty.Rate() != DefaultRate {
		t.Fatalf("expected default rate, got %v", empty.Rate())
	}
}
