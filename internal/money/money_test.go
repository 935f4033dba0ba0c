package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmountKeepsPrecision(t *testing.T) {
	d, err := ParseAmount("123.4567")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.String() != "123.4567" {
		t.Fatalf("expected 123.4567, got %s", d.String())
	}
}

func TestParseAmountRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "  ", "abc", "12.3.4", "NaN", "Inf"} {
		if _, err := ParseAmount(s); !errors.Is(err, ErrInvalidMoneyFormat) {
			t.Fatalf("expected ErrInvalidMoneyFormat for %q, got %v", s, err)
		}
	}
}

func TestParseAmountRejectsNegative(t *testing.T) {
	if _, err := ParseAmount("-5.00"); !errors.Is(err, ErrInvalidMoneyFormat) {
		t.Fatalf("expected ErrInvalidMoneyFormat, got %v", err)
	}
}

func TestParseSignedAmountAllowsNegative(t *testing.T) {
	d, err := ParseSignedAmount("-5.00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Equal(decimal.RequireFromString("-5")) {
		t.Fatalf("expected -5, got %s", d.String())
	}
}

func TestNormalizeFlagsPresentmentCurrency(t *testing.T) {
	ps := PriceSet{
		ShopMoney:        Money{Amount: "100.00", CurrencyCode: "USD"},
		PresentmentMoney: Money{Amount: "135.50", CurrencyCode: "CAD"},
	}
	amount, multi, err := Normalize(ps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !multi {
		t.Fatal("expected multi-currency flag")
	}
	if !amount.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("expected shop amount 100, got %s", amount.String())
	}
}

func TestNormalizeSameCurrency(t *testing.T) {
	ps := PriceSet{
		ShopMoney:        Money{Amount: "42.13", CurrencyCode: "EUR"},
		PresentmentMoney: Money{Amount: "42.13", CurrencyCode: "EUR"},
	}
	_, multi, err := Normalize(ps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if multi {
		t.Fatal("did not expect multi-currency flag")
	}
}

func TestRound2HalfAwayFromZero(t *testing.T) {
	if got := Round2(decimal.RequireFromString("129.0225")).String(); got != "129.02" {
		t.Fatalf("expected 129.02, got %s", got)
	}
	if got := Round2(decimal.RequireFromString("7.4775")).String(); got != "7.48" {
		t.Fatalf("expected 7.48, got %s", got)
	}
}
