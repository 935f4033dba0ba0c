// Package domain holds the entities shared by the reconciliation core.
// Monetary fields are shop-currency decimals already normalised from
// Shopify price sets.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FinancialStatus values mirror Shopify's order financial_status.
type FinancialStatus string

const (
	FinancialPending           FinancialStatus = "pending"
	FinancialAuthorized        FinancialStatus = "authorized"
	FinancialPartiallyPaid     FinancialStatus = "partially_paid"
	FinancialPaid              FinancialStatus = "paid"
	FinancialPartiallyRefunded FinancialStatus = "partially_refunded"
	FinancialRefunded          FinancialStatus = "refunded"
	FinancialVoided            FinancialStatus = "voided"
)

// TransactionStatus values mirror Shopify's transaction status.
type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionFailure TransactionStatus = "failure"
	TransactionSuccess TransactionStatus = "success"
	TransactionError   TransactionStatus = "error"
)

// CostSource records where a resolved unit cost came from. The empty
// value means no real cost was found and COGS was estimated.
type CostSource string

const (
	CostSourceSnapshot CostSource = "snapshot"
	CostSourceCSV      CostSource = "csv"
	CostSourceAPI      CostSource = "api"
	CostSourceNone     CostSource = ""
)

// WebhookStatus is the dedup record lifecycle state.
type WebhookStatus string

const (
	WebhookPending    WebhookStatus = "pending"
	WebhookProcessing WebhookStatus = "processing"
	WebhookCompleted  WebhookStatus = "completed"
	WebhookFailed     WebhookStatus = "failed"
)

// Shop is the tenant boundary; every other entity is keyed by ShopID.
type Shop struct {
	ID        string
	Domain    string
	Timezone  string
	Currency  string
	Email     string
	Plan      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Location resolves the shop timezone, falling back to UTC.
func (s Shop) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}

// OrderFlags surface data-quality caveats on an order so consumers can
// mark derived numbers as estimated rather than presenting them as fact.
type OrderFlags struct {
	FeesEstimated bool `json:"fees_estimated"`
	NoUnitCost    bool `json:"no_unit_cost"`
	MultiCurrency bool `json:"multi_currency"`
	HasRefunds    bool `json:"has_refunds"`
}

// Order is one Shopify order, upserted idempotently by shop_order_id.
// Cancellation is a status change, never a deletion.
type Order struct {
	ID                  string
	ShopID              string
	ShopOrderID         string
	OrderNumber         int64
	CreatedAt           time.Time
	ProcessedAt         time.Time
	UpdatedAt           time.Time
	Currency            string
	PresentmentCurrency string
	TotalPrice          decimal.Decimal
	TotalDiscounts      decimal.Decimal
	TotalTax            decimal.Decimal
	TotalDuties         decimal.Decimal
	// Customer-paid shipping, kept for display only. Merchant shipping
	// cost in the breakdown comes from the shop's shipping cost rule.
	TotalShippingPrice decimal.Decimal
	FinancialStatus    FinancialStatus
	FulfillmentStatus  *string
	CustomerID         *string
	Flags              OrderFlags
}

// OrderLine is one line item of an order.
type OrderLine struct {
	ID                  string
	ShopID              string
	OrderID             string
	LineID              string
	ProductID           string
	VariantID           string
	InventoryItemID     string
	Quantity            int64
	Price               decimal.Decimal
	DiscountAllocated   decimal.Decimal
	PresentmentCurrency string
	ShopCurrency        string
	EffectiveUnitCost   *decimal.Decimal
	CostSource          CostSource
	CreatedAt           time.Time
}

// RefundLine reduces a line's effective revenue and quantity. Cumulative
// refunded quantity per line may never exceed the original quantity.
type RefundLine struct {
	ID               string
	ShopID           string
	OrderID          string
	LineID           string
	RefundID         string
	RefundedQuantity int64
	RefundedAmount   decimal.Decimal
	CreatedAt        time.Time
}

// Transaction is one gateway charge/capture/refund event.
type Transaction struct {
	ID            string
	ShopID        string
	OrderID       string
	TransactionID string
	Gateway       string
	Kind          string
	Status        TransactionStatus
	Amount        decimal.Decimal
	ProcessedAt   time.Time
}

// TransactionFee is the resolved processing fee for one transaction,
// actual when the gateway reported it, otherwise estimated.
type TransactionFee struct {
	ID            string
	ShopID        string
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Estimated     bool
	CreatedAt     time.Time
}

// InventoryItemCostSnapshot is a point-in-time unit cost for one
// inventory item, effective from EffectiveDate onward.
type InventoryItemCostSnapshot struct {
	ID              string
	ShopID          string
	InventoryItemID string
	EffectiveDate   time.Time
	UnitCost        decimal.Decimal
	Currency        string
	Source          CostSource
	CreatedAt       time.Time
}

// DailyRollup is the pre-aggregated profit summary for one shop and one
// calendar day in the shop's timezone. It is derived data: recomputed by
// retract-and-replace, never hand-edited, never deleted.
type DailyRollup struct {
	ID           string
	ShopID       string
	Date         string // YYYY-MM-DD in shop timezone
	NetRevenue   decimal.Decimal
	COGS         decimal.Decimal
	Fees         decimal.Decimal
	ShippingCost decimal.Decimal
	AdSpend      map[string]decimal.Decimal
	NetProfit    decimal.Decimal
	MarginPct    decimal.Decimal
	OrdersCount  int64
	// Version guards concurrent retract-and-replace writers.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AdSpendTotal sums spend across channels.
func (r DailyRollup) AdSpendTotal() decimal.Decimal {
	total := decimal.Zero
	for _, v := range r.AdSpend {
		total = total.Add(v)
	}
	return total
}

// OrderContribution records what one order currently contributes to its
// day's rollup, so a recalculation can retract the previous contribution
// before adding the new one.
type OrderContribution struct {
	ShopID       string
	OrderID      string
	Date         string
	NetRevenue   decimal.Decimal
	COGS         decimal.Decimal
	Fees         decimal.Decimal
	ShippingCost decimal.Decimal
	OrdersCount  int64
	UpdatedAt    time.Time
}

// AdSpendDaily is externally supplied spend per shop, day and channel.
type AdSpendDaily struct {
	ID        string
	ShopID    string
	Date      string
	Channel   string
	Amount    decimal.Decimal
	Currency  string
	CreatedAt time.Time
}

// WebhookEvent is the dedup/audit record for one webhook delivery.
type WebhookEvent struct {
	ID             string
	ShopID         string
	Topic          string
	ShopResourceID string
	DedupKey       string
	Payload        []byte
	Status         WebhookStatus
	Error          *string
	Attempts       int
	ReceivedAt     time.Time
	ProcessedAt    *time.Time
	UpdatedAt      time.Time
}

// ShippingCostRule models merchant-borne shipping cost: a flat amount
// per order or a percentage of net revenue.
type ShippingCostRule struct {
	Type  string          `json:"type"` // "flat" or "percentage"
	Value decimal.Decimal `json:"value"`
}

// GatewayFee is a per-gateway fee override.
type GatewayFee struct {
	Pct   decimal.Decimal `json:"pct"`
	Fixed decimal.Decimal `json:"fixed"`
}

// Settings is the per-shop configuration read by the resolvers.
type Settings struct {
	ShopID           string
	FeeDefaultPct    decimal.Decimal
	FeeDefaultFixed  decimal.Decimal
	FeeOverrides     map[string]GatewayFee
	CogsDefaultRatio decimal.Decimal
	ShippingCostRule ShippingCostRule
	DigestLocalTime  string
	AdSpendChannels  []string
	UpdatedAt        time.Time
}

// ProfitBreakdown is the calculator's per-order output.
type ProfitBreakdown struct {
	NetRevenue   decimal.Decimal `json:"net_revenue"`
	COGS         decimal.Decimal `json:"cogs"`
	Fees         decimal.Decimal `json:"fees"`
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	NetProfit    decimal.Decimal `json:"net_profit"`
	MarginPct    decimal.Decimal `json:"margin_pct"`
	Flags        OrderFlags      `json:"flags"`
}
