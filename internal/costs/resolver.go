// Package costs resolves the unit cost of a sold line item through an
// ordered fallback chain: point-in-time snapshot, most recent CSV
// import, then a configured COGS-ratio estimate.
package costs

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"profitpeek/internal/domain"
)

// DefaultCogsRatio is the estimate used when a shop has configured
// nothing else: unit cost assumed at 40% of the sale price.
var DefaultCogsRatio = decimal.RequireFromString("0.4")

// Resolution is the outcome of one resolver run. Source is
// CostSourceNone when the cost had to be estimated.
type Resolution struct {
	UnitCost decimal.Decimal
	Source   domain.CostSource
}

// Estimated reports whether the cost came from the ratio fallback.
func (r Resolution) Estimated() bool {
	return r.Source == domain.CostSourceNone
}

// Strategy attempts to resolve a unit cost from one provenance. It
// returns ok=false when it has no match, letting the next strategy run.
type Strategy interface {
	Resolve(line domain.OrderLine, orderCreatedAt time.Time, history []domain.InventoryItemCostSnapshot) (Resolution, bool)
}

// Resolver evaluates strategies in order. It is pure and deterministic
// for a fixed snapshot history, so recomputation stays idempotent.
type Resolver struct {
	strategies []Strategy
	ratio      decimal.Decimal
}

// NewResolver builds the standard chain with the given estimate ratio.
// A zero ratio falls back to DefaultCogsRatio.
func NewResolver(ratio decimal.Decimal) *Resolver {
	if ratio.IsZero() {
		ratio = DefaultCogsRatio
	}
	return &Resolver{
		strategies: []Strategy{snapshotStrategy{}, csvStrategy{}},
		ratio:      ratio,
	}
}

// Resolve runs the chain and falls through to the ratio estimate when
// no strategy matches.
func (r *Resolver) Resolve(line domain.OrderLine, orderCreatedAt time.Time, history []domain.InventoryItemCostSnapshot) Resolution {
	for _, s := range r.strategies {
		if res, ok := s.Resolve(line, orderCreatedAt, history); ok {
			return res
		}
	}
	return Resolution{
		UnitCost: line.Price.Mul(r.ratio),
		Source:   domain.CostSourceNone,
	}
}

// snapshotStrategy picks the snapshot with the greatest effective_date
// that is <= the order's created_at. Ties on effective_date go to the
// most recently created snapshot.
type snapshotStrategy struct{}

func (snapshotStrategy) Resolve(line domain.OrderLine, orderCreatedAt time.Time, history []domain.InventoryItemCostSnapshot) (Resolution, bool) {
	candidates := filterSnapshots(history, line.InventoryItemID, func(s domain.InventoryItemCostSnapshot) bool {
		return s.Source != domain.CostSourceCSV && !s.EffectiveDate.After(orderCreatedAt)
	})
	if len(candidates) == 0 {
		return Resolution{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].EffectiveDate.Equal(candidates[j].EffectiveDate) {
			return candidates[i].EffectiveDate.After(candidates[j].EffectiveDate)
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	best := candidates[0]
	return Resolution{UnitCost: best.UnitCost, Source: best.Source}, true
}

// csvStrategy falls back to the most recent CSV-imported cost
// regardless of effective date.
type csvStrategy struct{}

func (csvStrategy) Resolve(line domain.OrderLine, _ time.Time, history []domain.InventoryItemCostSnapshot) (Resolution, bool) {
	candidates := filterSnapshots(history, line.InventoryItemID, func(s domain.InventoryItemCostSnapshot) bool {
		return s.Source == domain.CostSourceCSV
	})
	if len(candidates) == 0 {
		return Resolution{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].EffectiveDate.Equal(candidates[j].EffectiveDate) {
			return candidates[i].EffectiveDate.After(candidates[j].EffectiveDate)
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	best := candidates[0]
	return Resolution{UnitCost: best.UnitCost, Source: domain.CostSourceCSV}, true
}

func filterSnapshots(history []domain.InventoryItemCostSnapshot, inventoryItemID string, keep func(domain.InventoryItemCostSnapshot) bool) []domain.InventoryItemCostSnapshot {
	var out []domain.InventoryItemCostSnapshot
	for _, s := range history {
		if s.InventoryItemID != inventoryItemID {
			continue
		}
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}
