package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"profitpeek/internal/domain"
	"profitpeek/internal/metrics"
	"profitpeek/internal/money"
	"profitpeek/internal/retry"
	"profitpeek/internal/store"
)

// ErrRollupIntegrity indicates a stored rollup whose net profit no
// longer equals its components. Summaries refuse to serve it.
var ErrRollupIntegrity = errors.New("rollup integrity violation")

// Aggregator maintains daily rollups by retract-and-replace: an order's
// previous contribution is subtracted before its new one is added, so
// recalculation never double counts.
type Aggregator struct {
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	retry   retry.Config
}

// New creates an aggregator with the default commit retry policy.
func New(st store.Store, logger *slog.Logger, m *metrics.Metrics) *Aggregator {
	cfg := retry.DefaultConfig()
	cfg.BaseDelay = 50 * time.Millisecond
	cfg.MaxDelay = time.Second
	return &Aggregator{
		store:   st,
		logger:  logger.With("component", "rollup"),
		metrics: m,
		retry:   cfg,
	}
}

// ApplyOrder incorporates one profit breakdown into the rollup for the
// order's shop-local processed_at date. Voided orders only retract.
func (a *Aggregator) ApplyOrder(ctx context.Context, shop domain.Shop, order domain.Order, breakdown domain.ProfitBreakdown) error {
	date := DateKeyIn(order.ProcessedAt, shop.Location())

	next := domain.OrderContribution{
		ShopID:       shop.ID,
		OrderID:      order.ShopOrderID,
		Date:         date,
		NetRevenue:   breakdown.NetRevenue,
		COGS:         breakdown.COGS,
		Fees:         breakdown.Fees,
		ShippingCost: breakdown.ShippingCost,
		OrdersCount:  1,
	}
	if order.FinancialStatus == domain.FinancialVoided {
		next = zeroContribution(shop.ID, order.ShopOrderID, date)
	}

	_, err := retry.Do(ctx, a.retry, func(ctx context.Context) (struct{}, error) {
		err := a.applyOnce(ctx, shop.ID, next)
		if errors.Is(err, store.ErrVersionConflict) {
			a.metrics.RollupConflicts.Inc()
			a.metrics.RollupCommits.WithLabelValues("conflict").Inc()
		}
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("apply order %s: %w", order.ShopOrderID, err)
	}
	a.metrics.RollupCommits.WithLabelValues("committed").Inc()
	return nil
}

func (a *Aggregator) applyOnce(ctx context.Context, shopID string, next domain.OrderContribution) error {
	prev, err := a.store.GetOrderContribution(ctx, shopID, next.OrderID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load contribution: %w", err)
	}

	// When the order moved to a different day, retract from the old day
	// first. The contribution row is zeroed in the same commit so a crash
	// between the two commits cannot retract twice.
	if prev != nil && prev.Date != next.Date {
		zeroed := zeroContribution(shopID, next.OrderID, prev.Date)
		if err := a.commitDelta(ctx, shopID, prev.Date, prev, zeroed); err != nil {
			return err
		}
		prev = &zeroed
	}

	var fromDate *domain.OrderContribution
	if prev != nil && prev.Date == next.Date {
		fromDate = prev
	}
	return a.commitDelta(ctx, shopID, next.Date, fromDate, next)
}

// commitDelta replaces old's contribution with next's inside the rollup
// for date, under the rollup's current version.
func (a *Aggregator) commitDelta(ctx context.Context, shopID, date string, old *domain.OrderContribution, next domain.OrderContribution) error {
	rollup, err := a.store.GetDailyRollup(ctx, shopID, date)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load rollup: %w", err)
		}
		rollup = &domain.DailyRollup{ShopID: shopID, Date: date, AdSpend: map[string]decimal.Decimal{}}
	}

	if old != nil {
		rollup.NetRevenue = rollup.NetRevenue.Sub(old.NetRevenue)
		rollup.COGS = rollup.COGS.Sub(old.COGS)
		rollup.Fees = rollup.Fees.Sub(old.Fees)
		rollup.ShippingCost = rollup.ShippingCost.Sub(old.ShippingCost)
		rollup.OrdersCount -= old.OrdersCount
	}
	rollup.NetRevenue = rollup.NetRevenue.Add(next.NetRevenue)
	rollup.COGS = rollup.COGS.Add(next.COGS)
	rollup.Fees = rollup.Fees.Add(next.Fees)
	rollup.ShippingCost = rollup.ShippingCost.Add(next.ShippingCost)
	rollup.OrdersCount += next.OrdersCount

	recomputeProfit(rollup)
	return a.store.CommitRollup(ctx, *rollup, &next, rollup.Version)
}

// ApplyAdSpend records spend for one shop, day and channel and folds it
// into that day's rollup.
func (a *Aggregator) ApplyAdSpend(ctx context.Context, shop domain.Shop, spend domain.AdSpendDaily) error {
	if err := a.store.UpsertAdSpend(ctx, spend); err != nil {
		return fmt.Errorf("record ad spend: %w", err)
	}

	_, err := retry.Do(ctx, a.retry, func(ctx context.Context) (struct{}, error) {
		rollup, err := a.store.GetDailyRollup(ctx, shop.ID, spend.Date)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return struct{}{}, fmt.Errorf("load rollup: %w", err)
			}
			rollup = &domain.DailyRollup{ShopID: shop.ID, Date: spend.Date, AdSpend: map[string]decimal.Decimal{}}
		}
		if rollup.AdSpend == nil {
			rollup.AdSpend = map[string]decimal.Decimal{}
		}
		rollup.AdSpend[spend.Channel] = spend.Amount
		recomputeProfit(rollup)

		err = a.store.CommitRollup(ctx, *rollup, nil, rollup.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			a.metrics.RollupConflicts.Inc()
			a.metrics.RollupCommits.WithLabelValues("conflict").Inc()
		}
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("apply ad spend %s/%s: %w", spend.Date, spend.Channel, err)
	}
	a.metrics.RollupCommits.WithLabelValues("committed").Inc()
	return nil
}

// Summary buckets rollups into the requested period. Each rollup is
// verified against its own components before it contributes.
func (a *Aggregator) Summary(ctx context.Context, shop domain.Shop, period Period, now time.Time) (*domain.DashboardSummary, error) {
	window, err := PeriodRange(period, now, shop.Location())
	if err != nil {
		return nil, err
	}

	rollups, err := a.store.ListDailyRollups(ctx, shop.ID, window.StartDate(), window.EndDate())
	if err != nil {
		return nil, fmt.Errorf("list rollups: %w", err)
	}

	out := &domain.DashboardSummary{
		Period:     string(period),
		ComputedAt: now.UTC(),
		Currency:   shop.Currency,
	}
	for _, r := range rollups {
		if err := verifyRollup(r); err != nil {
			return nil, err
		}
		out.NetRevenue = out.NetRevenue.Add(r.NetRevenue)
		out.COGS = out.COGS.Add(r.COGS)
		out.Fees = out.Fees.Add(r.Fees)
		out.ShippingCost = out.ShippingCost.Add(r.ShippingCost)
		out.AdSpend = out.AdSpend.Add(r.AdSpendTotal())
		out.NetProfit = out.NetProfit.Add(r.NetProfit)
		out.OrdersCount += r.OrdersCount
	}
	if !out.NetRevenue.IsZero() {
		out.MarginPct = money.Round2(out.NetProfit.Div(out.NetRevenue).Mul(decimal.NewFromInt(100)))
	}
	if out.OrdersCount > 0 {
		out.AOV = money.Round2(out.NetRevenue.Div(decimal.NewFromInt(out.OrdersCount)))
	}
	return out, nil
}

func verifyRollup(r domain.DailyRollup) error {
	expected := r.NetRevenue.Sub(r.COGS).Sub(r.Fees).Sub(r.ShippingCost).Sub(r.AdSpendTotal())
	if !expected.Equal(r.NetProfit) {
		return fmt.Errorf("%w: %s/%s stored %s, components %s",
			ErrRollupIntegrity, r.ShopID, r.Date, r.NetProfit, expected)
	}
	return nil
}

func recomputeProfit(r *domain.DailyRollup) {
	r.NetProfit = r.NetRevenue.Sub(r.COGS).Sub(r.Fees).Sub(r.ShippingCost).Sub(r.AdSpendTotal())
	if r.NetRevenue.IsPositive() {
		r.MarginPct = money.Round2(r.NetProfit.Div(r.NetRevenue).Mul(decimal.NewFromInt(100)))
	} else {
		r.MarginPct = decimal.Zero
	}
}

func zeroContribution(shopID, orderID, date string) domain.OrderContribution {
	return domain.OrderContribution{
		ShopID:       shopID,
		OrderID:      orderID,
		Date:         date,
		NetRevenue:   decimal.Zero,
		COGS:         decimal.Zero,
		Fees:         decimal.Zero,
		ShippingCost: decimal.Zero,
		OrdersCount:  0,
	}
}
