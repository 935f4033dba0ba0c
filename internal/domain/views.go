package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SummaryFlags accompany every dashboard summary so the presentation
// layer can mark estimated numbers as such.
type SummaryFlags struct {
	FeesEstimated   bool    `json:"fees_estimated"`
	MissingCosts    bool    `json:"missing_costs"`
	DataHealthScore float64 `json:"data_health_score"`
}

// DashboardSummary is the period-bucketed rollup view consumed by the
// presentation layer.
type DashboardSummary struct {
	Period       string          `json:"period"`
	NetRevenue   decimal.Decimal `json:"net_revenue"`
	COGS         decimal.Decimal `json:"cogs"`
	Fees         decimal.Decimal `json:"fees"`
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	AdSpend      decimal.Decimal `json:"ad_spend"`
	NetProfit    decimal.Decimal `json:"net_profit"`
	MarginPct    decimal.Decimal `json:"margin_pct"`
	OrdersCount  int64           `json:"orders_count"`
	AOV          decimal.Decimal `json:"aov"`
	ComputedAt   time.Time       `json:"computed_at"`
	Currency     string          `json:"currency"`
	Flags        SummaryFlags    `json:"flags"`
}

// OrderDetail is the drill-down view for one order.
type OrderDetail struct {
	Order           Order            `json:"order"`
	Lines           []OrderLine      `json:"lines"`
	Refunds         []RefundLine     `json:"refunds"`
	Transactions    []Transaction    `json:"transactions"`
	Fees            []TransactionFee `json:"fees"`
	ProfitBreakdown ProfitBreakdown  `json:"profit_breakdown"`
	Flags           OrderFlags       `json:"flags"`
}

// DataHealthMetrics reports completeness/trust of a shop's data.
type DataHealthMetrics struct {
	TotalOrders             int64         `json:"total_orders"`
	OrdersWithEstimatedFees int64         `json:"orders_with_estimated_fees"`
	OrdersMissingUnitCosts  int64         `json:"orders_missing_unit_costs"`
	WebhookLagP95           time.Duration `json:"webhook_lag_p95"`
	DataCompletenessScore   float64       `json:"data_completeness_score"`
	Recommendations         []string      `json:"recommendations"`
	LastUpdated             time.Time     `json:"last_updated"`
}
