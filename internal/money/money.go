// Package money normalises Shopify's dual-currency price sets into single
// shop-currency decimal amounts. Intermediate values keep full precision;
// rounding to two places happens only at presentation.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidMoneyFormat indicates an amount string that is not a finite,
// correctly signed decimal.
var ErrInvalidMoneyFormat = errors.New("invalid money format")

// Money mirrors Shopify's money object: a decimal string plus ISO code.
type Money struct {
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currency_code"`
}

// PriceSet carries the same amount in shop and presentment currency.
type PriceSet struct {
	ShopMoney        Money `json:"shop_money"`
	PresentmentMoney Money `json:"presentment_money"`
}

// ParseAmount parses a non-negative decimal amount string.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative amount %q outside refund context", ErrInvalidMoneyFormat, s)
	}
	return d, nil
}

// ParseSignedAmount parses a decimal amount string that may be explicitly
// negative. Refund contexts are the only callers.
func ParseSignedAmount(s string) (decimal.Decimal, error) {
	return parse(s)
}

func parse(s string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%w: empty amount", ErrInvalidMoneyFormat)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidMoneyFormat, s)
	}
	return d, nil
}

// Normalize converts a price set to a single shop-currency amount.
// The second return reports whether the buyer paid in a different
// presentment currency, which callers surface as the multi_currency flag.
func Normalize(ps PriceSet) (decimal.Decimal, bool, error) {
	amount, err := ParseAmount(ps.ShopMoney.Amount)
	if err != nil {
		return decimal.Zero, false, err
	}
	multi := ps.PresentmentMoney.CurrencyCode != "" &&
		ps.PresentmentMoney.CurrencyCode != ps.ShopMoney.CurrencyCode
	return amount, multi, nil
}

// NormalizeSigned is Normalize for refund price sets, where negative
// shop-money amounts are legal.
func NormalizeSigned(ps PriceSet) (decimal.Decimal, bool, error) {
	amount, err := ParseSignedAmount(ps.ShopMoney.Amount)
	if err != nil {
		return decimal.Zero, false, err
	}
	multi := ps.PresentmentMoney.CurrencyCode != "" &&
		ps.PresentmentMoney.CurrencyCode != ps.ShopMoney.CurrencyCode
	return amount, multi, nil
}

// Round2 applies presentation rounding: two decimal places, half away
// from zero. Never use it on values that feed further arithmetic.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
