package health

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"profitpeek/internal/domain"
	"profitpeek/internal/store"
)

func testScorer(t *testing.T, st store.Store) *Scorer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(discard{}, nil))
	return NewScorer(st, logger, DefaultThresholds(), 30*24*time.Hour)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func seedOrder(t *testing.T, st store.Store, id string, processedAt time.Time, flags domain.OrderFlags) {
	t.Helper()
	_, err := st.UpsertOrder(context.Background(), domain.Order{
		ShopID:          "shop-1",
		ShopOrderID:     id,
		CreatedAt:       processedAt,
		ProcessedAt:     processedAt,
		UpdatedAt:       processedAt,
		TotalPrice:      decimal.RequireFromString("10"),
		FinancialStatus: domain.FinancialPaid,
		Flags:           flags,
	})
	if err != nil {
		t.Fatalf("seed order %s: %v", id, err)
	}
}

func TestScoreCleanShop(t *testing.T) {
	st := store.NewMemory()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		seedOrder(t, st, string(rune('a'+i)), now.AddDate(0, 0, -i), domain.OrderFlags{})
	}

	m, err := testScorer(t, st).Score(context.Background(), "shop-1", now)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if m.DataCompletenessScore != 1.0 {
		t.Fatalf("expected score 1.0, got %v", m.DataCompletenessScore)
	}
	if len(m.Recommendations) != 0 {
		t.Fatalf("expected no recommendations, got %v", m.Recommendations)
	}
}

func TestScoreWeighsFlagsEqually(t *testing.T) {
	st := store.NewMemory()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	// 4 orders: 2 with estimated fees, 1 missing unit costs.
	seedOrder(t, st, "a", now, domain.OrderFlags{FeesEstimated: true})
	seedOrder(t, st, "b", now, domain.OrderFlags{FeesEstimated: true})
	seedOrder(t, st, "c", now, domain.OrderFlags{NoUnitCost: true})
	seedOrder(t, st, "d", now, domain.OrderFlags{})

	m, err := testScorer(t, st).Score(context.Background(), "shop-1", now)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	// 1 - 0.5*(2/4) - 0.5*(1/4) = 0.625
	if m.DataCompletenessScore != 0.625 {
		t.Fatalf("expected score 0.625, got %v", m.DataCompletenessScore)
	}
	if m.OrdersWithEstimatedFees != 2 || m.OrdersMissingUnitCosts != 1 {
		t.Fatalf("unexpected counts: fees=%d costs=%d", m.OrdersWithEstimatedFees, m.OrdersMissingUnitCosts)
	}
}

func TestScoreEmptyShopIsClean(t *testing.T) {
	st := store.NewMemory()
	m, err := testScorer(t, st).Score(context.Background(), "shop-1", time.Now())
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if m.DataCompletenessScore != 1.0 {
		t.Fatalf("expected 1.0 with no orders, got %v", m.DataCompletenessScore)
	}
}

func TestScoreRecommendsCSVImport(t *testing.T) {
	st := store.NewMemory()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	// 2 of 10 orders missing costs: above the 10% warning threshold.
	for i := 0; i < 10; i++ {
		flags := domain.OrderFlags{}
		if i < 2 {
			flags.NoUnitCost = true
		}
		seedOrder(t, st, string(rune('a'+i)), now, flags)
	}

	m, err := testScorer(t, st).Score(context.Background(), "shop-1", now)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	found := false
	for _, rec := range m.Recommendations {
		if strings.Contains(rec, "Import unit costs via CSV") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected CSV import recommendation, got %v", m.Recommendations)
	}
}

func TestScoreIgnoresOrdersOutsideLookback(t *testing.T) {
	st := store.NewMemory()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	seedOrder(t, st, "old", now.AddDate(0, -2, 0), domain.OrderFlags{NoUnitCost: true})
	seedOrder(t, st, "new", now, domain.OrderFlags{})

	m, err := testScorer(t, st).Score(context.Background(), "shop-1", now)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if m.TotalOrders != 1 {
		t.Fatalf("expected 1 order in window, got %d", m.TotalOrders)
	}
	if m.DataCompletenessScore != 1.0 {
		t.Fatalf("expected old order excluded, score %v", m.DataCompletenessScore)
	}
}

func TestPercentile95(t *testing.T) {
	lags := make([]time.Duration, 100)
	for i := range lags {
		lags[i] = time.Duration(i+1) * time.Second
	}
	if got := percentile95(lags); got != 95*time.Second {
		t.Fatalf("expected 95s, got %s", got)
	}
	if got := percentile95(nil); got != 0 {
		t.Fatalf("expected 0 for empty input, got %s", got)
	}
}
