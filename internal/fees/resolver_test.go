package fees

import (
	"testing"

	"github.com/shopspring/decimal"

	"profitpeek/internal/domain"
	"profitpeek/internal/money"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestResolveUsesActualFeeVerbatim(t *testing.T) {
	actual := dec("3.77")
	res := NewResolver(decimal.Zero, decimal.Zero).Resolve(
		domain.Transaction{Gateway: "shopify_payments", Amount: dec("100")},
		&actual,
		domain.Settings{},
	)
	if res.Estimated {
		t.Fatal("actual fee must not be flagged estimated")
	}
	if !res.Amount.Equal(actual) {
		t.Fatalf("expected 3.77, got %s", res.Amount)
	}
}

func TestResolveEstimatesWithGlobalDefault(t *testing.T) {
	res := NewResolver(decimal.Zero, decimal.Zero).Resolve(
		domain.Transaction{Gateway: "manual", Amount: dec("247.50")},
		nil,
		domain.Settings{},
	)
	if !res.Estimated {
		t.Fatal("expected estimated fee")
	}
	// 247.50 * 2.9% + 0.30 = 7.4775, presented as 7.48.
	if !res.Amount.Equal(dec("7.4775")) {
		t.Fatalf("expected full-precision 7.4775, got %s", res.Amount)
	}
	if got := money.Round2(res.Amount).String(); got != "7.48" {
		t.Fatalf("expected presentation 7.48, got %s", got)
	}
}

func TestResolvePrefersGatewayOverride(t *testing.T) {
	settings := domain.Settings{
		FeeDefaultPct:   dec("3.5"),
		FeeDefaultFixed: dec("0.50"),
		FeeOverrides: map[string]domain.GatewayFee{
			"paypal": {Pct: dec("3.49"), Fixed: dec("0.49")},
		},
	}

	res := NewResolver(decimal.Zero, decimal.Zero).Resolve(
		domain.Transaction{Gateway: "paypal", Amount: dec("100")},
		nil,
		settings,
	)
	if !res.Amount.Equal(dec("3.98")) {
		t.Fatalf("expected 3.98 from override, got %s", res.Amount)
	}

	res = NewResolver(decimal.Zero, decimal.Zero).Resolve(
		domain.Transaction{Gateway: "manual", Amount: dec("100")},
		nil,
		settings,
	)
	if !res.Amount.Equal(dec("4.00")) {
		t.Fatalf("expected 4.00 from shop default, got %s", res.Amount)
	}
}
