package rollup

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"profitpeek/internal/domain"
	"profitpeek/internal/metrics"
	"profitpeek/internal/store"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testAggregator(t *testing.T) (*Aggregator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	return New(st, logger, metrics.Registry("profitpeek_test")), st
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testShop() domain.Shop {
	return domain.Shop{ID: "shop-1", Domain: "demo.myshopify.com", Timezone: "UTC", Currency: "USD"}
}

func breakdown(revenue, cogs, fees, shipping string) domain.ProfitBreakdown {
	return domain.ProfitBreakdown{
		NetRevenue:   dec(revenue),
		COGS:         dec(cogs),
		Fees:         dec(fees),
		ShippingCost: dec(shipping),
	}
}

func order(id string, processedAt time.Time) domain.Order {
	return domain.Order{
		ShopID:          "shop-1",
		ShopOrderID:     id,
		ProcessedAt:     processedAt,
		FinancialStatus: domain.FinancialPaid,
	}
}

func TestApplyOrderAccumulates(t *testing.T) {
	agg, st := testAggregator(t)
	ctx := context.Background()
	shop := testShop()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := agg.ApplyOrder(ctx, shop, order("o1", day), breakdown("100", "40", "3", "5")); err != nil {
		t.Fatalf("apply o1: %v", err)
	}
	if err := agg.ApplyOrder(ctx, shop, order("o2", day), breakdown("50", "20", "1.50", "5")); err != nil {
		t.Fatalf("apply o2: %v", err)
	}

	r, err := st.GetDailyRollup(ctx, "shop-1", "2026-03-01")
	if err != nil {
		t.Fatalf("get rollup: %v", err)
	}
	if !r.NetRevenue.Equal(dec("150")) {
		t.Fatalf("expected revenue 150, got %s", r.NetRevenue)
	}
	if r.OrdersCount != 2 {
		t.Fatalf("expected 2 orders, got %d", r.OrdersCount)
	}
	if !r.NetProfit.Equal(dec("75.50")) {
		t.Fatalf("expected profit 75.50, got %s", r.NetProfit)
	}
}

func TestApplyOrderReplacesNotDoubles(t *testing.T) {
	agg, st := testAggregator(t)
	ctx := context.Background()
	shop := testShop()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := agg.ApplyOrder(ctx, shop, order("o1", day), breakdown("100", "40", "3", "5")); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	// Recalculation after a refund: smaller contribution replaces the old one.
	if err := agg.ApplyOrder(ctx, shop, order("o1", day), breakdown("60", "24", "3", "5")); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	r, err := st.GetDailyRollup(ctx, "shop-1", "2026-03-01")
	if err != nil {
		t.Fatalf("get rollup: %v", err)
	}
	if !r.NetRevenue.Equal(dec("60")) {
		t.Fatalf("expected revenue 60 after replacement, got %s", r.NetRevenue)
	}
	if r.OrdersCount != 1 {
		t.Fatalf("expected 1 order, got %d", r.OrdersCount)
	}
}

func TestApplyOrderMovesAcrossDates(t *testing.T) {
	agg, st := testAggregator(t)
	ctx := context.Background()
	shop := testShop()

	day1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	if err := agg.ApplyOrder(ctx, shop, order("o1", day1), breakdown("100", "40", "3", "5")); err != nil {
		t.Fatalf("apply day1: %v", err)
	}
	if err := agg.ApplyOrder(ctx, shop, order("o1", day2), breakdown("100", "40", "3", "5")); err != nil {
		t.Fatalf("apply day2: %v", err)
	}

	r1, err := st.GetDailyRollup(ctx, "shop-1", "2026-03-01")
	if err != nil {
		t.Fatalf("get day1 rollup: %v", err)
	}
	if !r1.NetRevenue.IsZero() || r1.OrdersCount != 0 {
		t.Fatalf("expected day1 fully retracted, got revenue %s count %d", r1.NetRevenue, r1.OrdersCount)
	}

	r2, err := st.GetDailyRollup(ctx, "shop-1", "2026-03-02")
	if err != nil {
		t.Fatalf("get day2 rollup: %v", err)
	}
	if !r2.NetRevenue.Equal(dec("100")) || r2.OrdersCount != 1 {
		t.Fatalf("expected day2 to hold the order, got revenue %s count %d", r2.NetRevenue, r2.OrdersCount)
	}
}

func TestApplyOrderVoidedRetractsOnly(t *testing.T) {
	agg, st := testAggregator(t)
	ctx := context.Background()
	shop := testShop()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := agg.ApplyOrder(ctx, shop, order("o1", day), breakdown("100", "40", "3", "5")); err != nil {
		t.Fatalf("apply: %v", err)
	}

	voided := order("o1", day)
	voided.FinancialStatus = domain.FinancialVoided
	if err := agg.ApplyOrder(ctx, shop, voided, breakdown("100", "40", "3", "5")); err != nil {
		t.Fatalf("apply voided: %v", err)
	}

	r, err := st.GetDailyRollup(ctx, "shop-1", "2026-03-01")
	if err != nil {
		t.Fatalf("get rollup: %v", err)
	}
	if !r.NetRevenue.IsZero() || r.OrdersCount != 0 {
		t.Fatalf("expected voided order retracted, got revenue %s count %d", r.NetRevenue, r.OrdersCount)
	}
}

func TestApplyAdSpendFoldsIntoProfit(t *testing.T) {
	agg, st := testAggregator(t)
	ctx := context.Background()
	shop := testShop()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := agg.ApplyOrder(ctx, shop, order("o1", day), breakdown("100", "40", "3", "5")); err != nil {
		t.Fatalf("apply order: %v", err)
	}
	if err := agg.ApplyAdSpend(ctx, shop, domain.AdSpendDaily{
		ShopID: "shop-1", Date: "2026-03-01", Channel: "meta", Amount: dec("20"), Currency: "USD",
	}); err != nil {
		t.Fatalf("apply ad spend: %v", err)
	}

	r, err := st.GetDailyRollup(ctx, "shop-1", "2026-03-01")
	if err != nil {
		t.Fatalf("get rollup: %v", err)
	}
	if !r.NetProfit.Equal(dec("32")) {
		t.Fatalf("expected profit 32 after ad spend, got %s", r.NetProfit)
	}

	// Re-posting the same channel replaces, never accumulates.
	if err := agg.ApplyAdSpend(ctx, shop, domain.AdSpendDaily{
		ShopID: "shop-1", Date: "2026-03-01", Channel: "meta", Amount: dec("30"), Currency: "USD",
	}); err != nil {
		t.Fatalf("re-apply ad spend: %v", err)
	}
	r, err = st.GetDailyRollup(ctx, "shop-1", "2026-03-01")
	if err != nil {
		t.Fatalf("get rollup: %v", err)
	}
	if !r.NetProfit.Equal(dec("22")) {
		t.Fatalf("expected profit 22 after replacement, got %s", r.NetProfit)
	}
}

func TestSummaryBucketsAndAOV(t *testing.T) {
	agg, _ := testAggregator(t)
	ctx := context.Background()
	shop := testShop()

	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	for i, day := range []time.Time{
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC),
	} {
		id := string(rune('a' + i))
		if err := agg.ApplyOrder(ctx, shop, order(id, day), breakdown("100", "40", "3", "5")); err != nil {
			t.Fatalf("apply %s: %v", id, err)
		}
	}

	sum, err := agg.Summary(ctx, shop, Period7D, now)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !sum.NetRevenue.Equal(dec("300")) {
		t.Fatalf("expected revenue 300, got %s", sum.NetRevenue)
	}
	if sum.OrdersCount != 3 {
		t.Fatalf("expected 3 orders, got %d", sum.OrdersCount)
	}
	if !sum.AOV.Equal(dec("100")) {
		t.Fatalf("expected AOV 100, got %s", sum.AOV)
	}
	if !sum.NetProfit.Equal(dec("156")) {
		t.Fatalf("expected profit 156, got %s", sum.NetProfit)
	}

	yesterday, err := agg.Summary(ctx, shop, PeriodYesterday, now)
	if err != nil {
		t.Fatalf("yesterday summary: %v", err)
	}
	if yesterday.OrdersCount != 1 {
		t.Fatalf("expected 1 order yesterday, got %d", yesterday.OrdersCount)
	}
}

func TestSummaryDetectsCorruptRollup(t *testing.T) {
	agg, st := testAggregator(t)
	ctx := context.Background()
	shop := testShop()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	corrupt := domain.DailyRollup{
		ShopID:     "shop-1",
		Date:       "2026-03-01",
		NetRevenue: dec("100"),
		COGS:       dec("40"),
		NetProfit:  dec("99"), // components say 60
		AdSpend:    map[string]decimal.Decimal{},
	}
	if err := st.CommitRollup(ctx, corrupt, nil, 0); err != nil {
		t.Fatalf("seed corrupt rollup: %v", err)
	}

	if _, err := agg.Summary(ctx, shop, PeriodToday, now); !errors.Is(err, ErrRollupIntegrity) {
		t.Fatalf("expected ErrRollupIntegrity, got %v", err)
	}
}

func TestFractionalComponentsSurviveRoundTrip(t *testing.T) {
	agg, st := testAggregator(t)
	ctx := context.Background()
	shop := testShop()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Estimated fees and ratio-derived COGS carry more than two
	// decimals; the store must hand them back untouched or the
	// integrity check cannot hold.
	if err := agg.ApplyOrder(ctx, shop, order("o1", now), breakdown("246.66", "98.664", "7.47489", "0")); err != nil {
		t.Fatalf("apply: %v", err)
	}

	r, err := st.GetDailyRollup(ctx, "shop-1", "2026-03-01")
	if err != nil {
		t.Fatalf("get rollup: %v", err)
	}
	if !r.COGS.Equal(dec("98.664")) || !r.Fees.Equal(dec("7.47489")) {
		t.Fatalf("components rounded in storage: cogs %s, fees %s", r.COGS, r.Fees)
	}

	sum, err := agg.Summary(ctx, shop, PeriodToday, now)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !sum.NetProfit.Equal(dec("140.52111")) {
		t.Fatalf("expected profit 140.52111, got %s", sum.NetProfit)
	}
}

func TestSummaryNegativeRevenueMargin(t *testing.T) {
	agg, _ := testAggregator(t)
	ctx := context.Background()
	shop := testShop()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// A refund-heavy day can push period revenue negative; the margin
	// must be reported the same way the per-order calculator does, not
	// silenced to zero.
	if err := agg.ApplyOrder(ctx, shop, order("o1", now), breakdown("-50", "0", "0", "0")); err != nil {
		t.Fatalf("apply: %v", err)
	}

	sum, err := agg.Summary(ctx, shop, PeriodToday, now)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !sum.MarginPct.Equal(dec("100")) {
		t.Fatalf("expected margin 100 (-50 profit over -50 revenue), got %s", sum.MarginPct)
	}
}

func TestSummaryZeroRevenueZeroMargin(t *testing.T) {
	agg, _ := testAggregator(t)
	ctx := context.Background()
	shop := testShop()

	sum, err := agg.Summary(ctx, shop, PeriodToday, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !sum.MarginPct.IsZero() || !sum.AOV.IsZero() {
		t.Fatalf("expected zero margin and AOV on empty period, got %s / %s", sum.MarginPct, sum.AOV)
	}
}
