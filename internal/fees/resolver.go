// Package fees resolves processing fees per transaction: the gateway's
// actual fee when reported, otherwise a configurable percentage+fixed
// estimate.
package fees

import (
	"github.com/shopspring/decimal"

	"profitpeek/internal/domain"
)

// Global defaults when a shop has no override for the gateway:
// 2.9% plus $0.30, the common card-processing rate.
var (
	DefaultPct   = decimal.RequireFromString("2.9")
	DefaultFixed = decimal.RequireFromString("0.30")
)

// Resolution is the resolved fee for one transaction.
type Resolution struct {
	Amount    decimal.Decimal
	Estimated bool
}

// Resolver applies shop settings on top of the global defaults.
type Resolver struct {
	defaultPct   decimal.Decimal
	defaultFixed decimal.Decimal
}

// NewResolver uses the provided defaults, falling back to the global
// 2.9% + 0.30 when either is zero-valued.
func NewResolver(pct, fixed decimal.Decimal) *Resolver {
	if pct.IsZero() {
		pct = DefaultPct
	}
	if fixed.IsZero() {
		fixed = DefaultFixed
	}
	return &Resolver{defaultPct: pct, defaultFixed: fixed}
}

// Resolve returns the fee for tx. actualFee is the gateway-reported fee
// when the payload carried one; it is used verbatim. Otherwise the fee
// is estimated from the shop's per-gateway override or the defaults.
func (r *Resolver) Resolve(tx domain.Transaction, actualFee *decimal.Decimal, settings domain.Settings) Resolution {
	if actualFee != nil {
		return Resolution{Amount: *actualFee, Estimated: false}
	}

	pct := r.defaultPct
	fixed := r.defaultFixed
	if !settings.FeeDefaultPct.IsZero() {
		pct = settings.FeeDefaultPct
	}
	if !settings.FeeDefaultFixed.IsZero() {
		fixed = settings.FeeDefaultFixed
	}
	if override, ok := settings.FeeOverrides[tx.Gateway]; ok {
		pct = override.Pct
		fixed = override.Fixed
	}

	hundred := decimal.NewFromInt(100)
	amount := tx.Amount.Mul(pct).Div(hundred).Add(fixed)
	return Resolution{Amount: amount, Estimated: true}
}
