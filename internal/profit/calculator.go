// Package profit combines normalised revenue, resolved costs, resolved
// fees and refunds into a per-order profit breakdown. Calculation is
// pure and deterministic so backfill can re-run it safely.
package profit

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"profitpeek/internal/domain"
)

// ErrRefundExceedsQuantity rejects refund input whose cumulative
// quantity exceeds the original line quantity. Violations are rejected,
// never silently clamped.
var ErrRefundExceedsQuantity = errors.New("cumulative refunded quantity exceeds line quantity")

// Input is everything the calculator needs for one order.
type Input struct {
	Order        domain.Order
	Lines        []domain.OrderLine
	Refunds      []domain.RefundLine
	Transactions []domain.Transaction
	Fees         []domain.TransactionFee
	Settings     domain.Settings
}

// Calculate produces the order's profit breakdown.
//
// net_revenue = sum(line price*qty - discounts) - sum(refund amounts)
// cogs        = sum(unit cost * unrefunded qty)
// fees        = sum(fees of successful transactions)
// shipping    = merchant shipping-cost rule, not customer-paid shipping
// margin_pct  = net_profit / net_revenue * 100, 0 when revenue is 0
//
// Refunded orders still produce a breakdown; refunds reduce revenue and
// COGS proportionally rather than zeroing the order.
func Calculate(in Input) (domain.ProfitBreakdown, error) {
	refundedQty, err := refundedQuantities(in.Lines, in.Refunds)
	if err != nil {
		return domain.ProfitBreakdown{}, err
	}

	netRevenue := decimal.Zero
	cogs := decimal.Zero
	flags := in.Order.Flags

	for _, line := range in.Lines {
		gross := line.Price.Mul(decimal.NewFromInt(line.Quantity)).Sub(line.DiscountAllocated)
		netRevenue = netRevenue.Add(gross)

		remaining := line.Quantity - refundedQty[line.LineID]
		if remaining < 0 {
			remaining = 0
		}
		unitCost := line.Price.Mul(defaultRatio(in.Settings))
		if line.EffectiveUnitCost != nil {
			unitCost = *line.EffectiveUnitCost
		} else if line.CostSource == domain.CostSourceNone {
			flags.NoUnitCost = true
		}
		cogs = cogs.Add(unitCost.Mul(decimal.NewFromInt(remaining)))
	}

	for _, refund := range in.Refunds {
		netRevenue = netRevenue.Sub(refund.RefundedAmount)
	}
	if len(in.Refunds) > 0 {
		flags.HasRefunds = true
	}

	feeTotal := decimal.Zero
	successful := successfulTransactions(in.Transactions)
	for _, fee := range in.Fees {
		if !successful[fee.TransactionID] {
			continue
		}
		feeTotal = feeTotal.Add(fee.Amount)
		if fee.Estimated {
			flags.FeesEstimated = true
		}
	}

	shipping := shippingCost(in.Settings.ShippingCostRule, netRevenue)
	netProfit := netRevenue.Sub(cogs).Sub(feeTotal).Sub(shipping)

	marginPct := decimal.Zero
	if !netRevenue.IsZero() {
		marginPct = netProfit.Div(netRevenue).Mul(decimal.NewFromInt(100))
	}

	return domain.ProfitBreakdown{
		NetRevenue:   netRevenue,
		COGS:         cogs,
		Fees:         feeTotal,
		ShippingCost: shipping,
		NetProfit:    netProfit,
		MarginPct:    marginPct,
		Flags:        flags,
	}, nil
}

// ValidateRefunds checks the cumulative refunded quantity per line
// against the ordered quantity without computing a breakdown. It lets
// the ingest path reject an over-refund before anything is stored.
func ValidateRefunds(lines []domain.OrderLine, refunds []domain.RefundLine) error {
	_, err := refundedQuantities(lines, refunds)
	return err
}

func refundedQuantities(lines []domain.OrderLine, refunds []domain.RefundLine) (map[string]int64, error) {
	byLine := map[string]int64{}
	for _, r := range refunds {
		byLine[r.LineID] += r.RefundedQuantity
	}
	for _, line := range lines {
		if byLine[line.LineID] > line.Quantity {
			return nil, fmt.Errorf("%w: line %s refunded %d of %d", ErrRefundExceedsQuantity, line.LineID, byLine[line.LineID], line.Quantity)
		}
	}
	return byLine, nil
}

func successfulTransactions(txs []domain.Transaction) map[string]bool {
	out := map[string]bool{}
	for _, tx := range txs {
		if tx.Status == domain.TransactionSuccess {
			out[tx.TransactionID] = true
		}
	}
	return out
}

func shippingCost(rule domain.ShippingCostRule, netRevenue decimal.Decimal) decimal.Decimal {
	switch rule.Type {
	case "percentage":
		return netRevenue.Mul(rule.Value).Div(decimal.NewFromInt(100))
	case "flat":
		return rule.Value
	default:
		return decimal.Zero
	}
}

func defaultRatio(settings domain.Settings) decimal.Decimal {
	if settings.CogsDefaultRatio.IsZero() {
		return decimal.RequireFromString("0.4")
	}
	return settings.CogsDefaultRatio
}
