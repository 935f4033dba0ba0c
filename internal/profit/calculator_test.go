package profit

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"profitpeek/internal/domain"
	"profitpeek/internal/money"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func baseOrder() domain.Order {
	return domain.Order{
		ID:              "order-1",
		ShopID:          "shop-1",
		ShopOrderID:     "1001",
		CreatedAt:       time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
		ProcessedAt:     time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
		Currency:        "USD",
		FinancialStatus: domain.FinancialPaid,
		TotalPrice:      dec("247.50"),
	}
}

// The order from the worked example: 2 x 123.75 with no unit cost, no
// actual fee, flat $12 shipping.
func TestCalculateEstimatedEverything(t *testing.T) {
	in := Input{
		Order: baseOrder(),
		Lines: []domain.OrderLine{{
			LineID:   "line-1",
			Quantity: 2,
			Price:    dec("123.75"),
			// No resolved cost: estimated at the 40% ratio.
			CostSource: domain.CostSourceNone,
		}},
		Transactions: []domain.Transaction{{
			TransactionID: "tx-1",
			Gateway:       "manual",
			Status:        domain.TransactionSuccess,
			Amount:        dec("247.50"),
		}},
		Fees: []domain.TransactionFee{{
			TransactionID: "tx-1",
			Amount:        dec("7.4775"),
			Estimated:     true,
		}},
		Settings: domain.Settings{
			ShippingCostRule: domain.ShippingCostRule{Type: "flat", Value: dec("12.00")},
		},
	}

	b, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := money.Round2(b.NetRevenue).String(); got != "247.5" {
		t.Fatalf("net revenue: got %s", got)
	}
	if got := money.Round2(b.COGS).String(); got != "99" {
		t.Fatalf("cogs: expected 99 at 40%% ratio, got %s", got)
	}
	if got := money.Round2(b.NetProfit).String(); got != "129.02" {
		t.Fatalf("net profit: expected 129.02, got %s", got)
	}
	if got := b.MarginPct.Round(1).String(); got != "52.1" {
		t.Fatalf("margin: expected 52.1, got %s", got)
	}
	if !b.Flags.FeesEstimated || !b.Flags.NoUnitCost {
		t.Fatalf("expected fees_estimated and no_unit_cost flags, got %+v", b.Flags)
	}
}

func TestCalculateRefundsReduceProportionally(t *testing.T) {
	cost := dec("20")
	order := baseOrder()
	order.FinancialStatus = domain.FinancialPartiallyRefunded
	in := Input{
		Order: order,
		Lines: []domain.OrderLine{{
			LineID:            "line-1",
			Quantity:          4,
			Price:             dec("50"),
			EffectiveUnitCost: &cost,
			CostSource:        domain.CostSourceSnapshot,
		}},
		Refunds: []domain.RefundLine{{
			LineID:           "line-1",
			RefundedQuantity: 1,
			RefundedAmount:   dec("50"),
		}},
	}

	b, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.NetRevenue.Equal(dec("150")) {
		t.Fatalf("expected revenue 150, got %s", b.NetRevenue)
	}
	if !b.COGS.Equal(dec("60")) {
		t.Fatalf("expected cogs 60 over unrefunded quantity, got %s", b.COGS)
	}
	if !b.NetProfit.Equal(dec("90")) {
		t.Fatalf("expected profit 90, got %s", b.NetProfit)
	}
	if !b.Flags.HasRefunds {
		t.Fatal("expected has_refunds flag")
	}
}

func TestCalculateRejectsOverRefund(t *testing.T) {
	in := Input{
		Order: baseOrder(),
		Lines: []domain.OrderLine{{LineID: "line-1", Quantity: 2, Price: dec("10")}},
		Refunds: []domain.RefundLine{
			{LineID: "line-1", RefundedQuantity: 2, RefundedAmount: dec("20")},
			{LineID: "line-1", RefundedQuantity: 1, RefundedAmount: dec("10")},
		},
	}
	if _, err := Calculate(in); !errors.Is(err, ErrRefundExceedsQuantity) {
		t.Fatalf("expected ErrRefundExceedsQuantity, got %v", err)
	}
}

func TestCalculateMarginSafeAtZeroRevenue(t *testing.T) {
	b, err := Calculate(Input{Order: baseOrder()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.MarginPct.IsZero() {
		t.Fatalf("expected zero margin at zero revenue, got %s", b.MarginPct)
	}
}

func TestCalculateIgnoresFeesOfUnsuccessfulTransactions(t *testing.T) {
	in := Input{
		Order: baseOrder(),
		Lines: []domain.OrderLine{{LineID: "line-1", Quantity: 1, Price: dec("100"), CostSource: domain.CostSourceNone}},
		Transactions: []domain.Transaction{
			{TransactionID: "tx-ok", Status: domain.TransactionSuccess, Amount: dec("100")},
			{TransactionID: "tx-bad", Status: domain.TransactionFailure, Amount: dec("100")},
		},
		Fees: []domain.TransactionFee{
			{TransactionID: "tx-ok", Amount: dec("3.20")},
			{TransactionID: "tx-bad", Amount: dec("3.20")},
		},
	}

	b, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Fees.Equal(dec("3.20")) {
		t.Fatalf("expected only successful transaction fees, got %s", b.Fees)
	}
}

func TestCalculatePercentageShipping(t *testing.T) {
	in := Input{
		Order: baseOrder(),
		Lines: []domain.OrderLine{{LineID: "line-1", Quantity: 1, Price: dec("200"), CostSource: domain.CostSourceNone}},
		Settings: domain.Settings{
			ShippingCostRule: domain.ShippingCostRule{Type: "percentage", Value: dec("5")},
		},
	}
	b, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.ShippingCost.Equal(dec("10")) {
		t.Fatalf("expected 5%% of 200 = 10, got %s", b.ShippingCost)
	}
}

func TestCalculateConservation(t *testing.T) {
	cost := dec("13.37")
	in := Input{
		Order: baseOrder(),
		Lines: []domain.OrderLine{{
			LineID:            "line-1",
			Quantity:          3,
			Price:             dec("33.33"),
			DiscountAllocated: dec("5.01"),
			EffectiveUnitCost: &cost,
			CostSource:        domain.CostSourceCSV,
		}},
		Transactions: []domain.Transaction{{TransactionID: "tx-1", Status: domain.TransactionSuccess, Amount: dec("94.98")}},
		Fees:         []domain.TransactionFee{{TransactionID: "tx-1", Amount: dec("3.0542")}},
		Settings: domain.Settings{
			ShippingCostRule: domain.ShippingCostRule{Type: "percentage", Value: dec("7.5")},
		},
	}

	b, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	identity := b.NetRevenue.Sub(b.COGS).Sub(b.Fees).Sub(b.ShippingCost)
	if !identity.Equal(b.NetProfit) {
		t.Fatalf("conservation violated: %s != %s", identity, b.NetProfit)
	}
}

func TestCalculateIsDeterministic(t *testing.T) {
	cost := dec("20")
	in := Input{
		Order: baseOrder(),
		Lines: []domain.OrderLine{{
			LineID:            "line-1",
			Quantity:          4,
			Price:             dec("50"),
			EffectiveUnitCost: &cost,
			CostSource:        domain.CostSourceSnapshot,
		}},
		Refunds: []domain.RefundLine{{LineID: "line-1", RefundedQuantity: 1, RefundedAmount: dec("50")}},
	}

	first, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 25; i++ {
		again, err := Calculate(in)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if again.NetProfit.String() != first.NetProfit.String() ||
			again.MarginPct.String() != first.MarginPct.String() {
			t.Fatalf("output drifted across runs: %+v vs %+v", first, again)
		}
	}
}
