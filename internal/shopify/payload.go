// Package shopify parses and validates Shopify webhook payloads and
// normalises them into domain entities. Validation is strict: a payload
// missing required identifiers or carrying unparseable money strings is
// rejected whole, never half-ingested.
package shopify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"profitpeek/internal/domain"
	"profitpeek/internal/money"
)

// ErrMalformedPayload indicates a webhook body that fails validation.
// Callers mark the dedup record failed rather than retrying.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Webhook topics handled by the ingest pipeline.
const (
	TopicOrdersCreate       = "orders/create"
	TopicOrdersUpdated      = "orders/updated"
	TopicOrdersCancelled    = "orders/cancelled"
	TopicRefundsCreate      = "refunds/create"
	TopicTransactionsCreate = "order_transactions/create"
)

// OrderPayload mirrors the Shopify order webhook body.
type OrderPayload struct {
	ID                    int64                `json:"id"`
	OrderNumber           int64                `json:"order_number"`
	CreatedAt             string               `json:"created_at"`
	UpdatedAt             string               `json:"updated_at"`
	ProcessedAt           string               `json:"processed_at"`
	Currency              string               `json:"currency"`
	PresentmentCurrency   string               `json:"presentment_currency"`
	TotalPrice            string               `json:"total_price"`
	TotalDiscounts        string               `json:"total_discounts"`
	TotalTax              string               `json:"total_tax"`
	TotalDuties           string               `json:"total_duties"`
	TotalShippingPriceSet money.PriceSet       `json:"total_shipping_price_set"`
	FinancialStatus       string               `json:"financial_status"`
	FulfillmentStatus     *string              `json:"fulfillment_status"`
	Customer              *CustomerPayload     `json:"customer"`
	LineItems             []LineItemPayload    `json:"line_items"`
	Refunds               []RefundPayload      `json:"refunds"`
	Transactions          []TransactionPayload `json:"transactions"`
}

// CustomerPayload carries the only customer field the core keeps.
type CustomerPayload struct {
	ID int64 `json:"id"`
}

// LineItemPayload mirrors one order line item.
type LineItemPayload struct {
	ID                  int64                       `json:"id"`
	ProductID           int64                       `json:"product_id"`
	VariantID           int64                       `json:"variant_id"`
	InventoryItemID     int64                       `json:"inventory_item_id"`
	Quantity            int64                       `json:"quantity"`
	Price               string                      `json:"price"`
	PriceSet            money.PriceSet              `json:"price_set"`
	DiscountAllocations []DiscountAllocationPayload `json:"discount_allocations"`
}

// DiscountAllocationPayload is one discount applied to a line.
type DiscountAllocationPayload struct {
	Amount    string         `json:"amount"`
	AmountSet money.PriceSet `json:"amount_set"`
}

// RefundPayload mirrors the refunds/create webhook body. The same shape
// appears embedded in order payloads.
type RefundPayload struct {
	ID              int64               `json:"id"`
	OrderID         int64               `json:"order_id"`
	CreatedAt       string              `json:"created_at"`
	RefundLineItems []RefundLinePayload `json:"refund_line_items"`
}

// RefundLinePayload is one refunded line item.
type RefundLinePayload struct {
	ID          int64          `json:"id"`
	LineItemID  int64          `json:"line_item_id"`
	Quantity    int64          `json:"quantity"`
	RestockType string         `json:"restock_type"`
	Subtotal    string         `json:"subtotal"`
	SubtotalSet money.PriceSet `json:"subtotal_set"`
}

// TransactionPayload mirrors the order_transactions/create webhook body.
type TransactionPayload struct {
	ID          int64  `json:"id"`
	OrderID     int64  `json:"order_id"`
	Gateway     string `json:"gateway"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	ProcessedAt string `json:"processed_at"`
	CreatedAt   string `json:"created_at"`
	// Receipt is where some gateways report the actual processing fee.
	Receipt *ReceiptPayload `json:"receipt"`
}

// ReceiptPayload carries gateway-reported fee data when present.
type ReceiptPayload struct {
	Fee string `json:"fee"`
}

// ParseOrder decodes and validates an order webhook body.
func ParseOrder(data []byte) (*OrderPayload, error) {
	var p OrderPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.ID == 0 {
		return nil, fmt.Errorf("%w: missing order id", ErrMalformedPayload)
	}
	if p.CreatedAt == "" || p.UpdatedAt == "" {
		return nil, fmt.Errorf("%w: order %d missing timestamps", ErrMalformedPayload, p.ID)
	}
	if p.Currency == "" {
		return nil, fmt.Errorf("%w: order %d missing currency", ErrMalformedPayload, p.ID)
	}
	if p.FinancialStatus == "" {
		return nil, fmt.Errorf("%w: order %d missing financial_status", ErrMalformedPayload, p.ID)
	}
	for _, li := range p.LineItems {
		if li.ID == 0 {
			return nil, fmt.Errorf("%w: order %d has a line item without id", ErrMalformedPayload, p.ID)
		}
		if li.Quantity <= 0 {
			return nil, fmt.Errorf("%w: order %d line %d has non-positive quantity", ErrMalformedPayload, p.ID, li.ID)
		}
	}
	return &p, nil
}

// ParseRefund decodes and validates a refunds/create webhook body.
func ParseRefund(data []byte) (*RefundPayload, error) {
	var p RefundPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.ID == 0 || p.OrderID == 0 {
		return nil, fmt.Errorf("%w: refund missing id or order_id", ErrMalformedPayload)
	}
	if p.CreatedAt == "" {
		return nil, fmt.Errorf("%w: refund %d missing created_at", ErrMalformedPayload, p.ID)
	}
	for _, rl := range p.RefundLineItems {
		if rl.LineItemID == 0 {
			return nil, fmt.Errorf("%w: refund %d has a line without line_item_id", ErrMalformedPayload, p.ID)
		}
		if rl.Quantity < 0 {
			return nil, fmt.Errorf("%w: refund %d line %d has negative quantity", ErrMalformedPayload, p.ID, rl.LineItemID)
		}
	}
	return &p, nil
}

// ParseTransaction decodes and validates an order_transactions/create body.
func ParseTransaction(data []byte) (*TransactionPayload, error) {
	var p TransactionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.ID == 0 || p.OrderID == 0 {
		return nil, fmt.Errorf("%w: transaction missing id or order_id", ErrMalformedPayload)
	}
	if p.Amount == "" {
		return nil, fmt.Errorf("%w: transaction %d missing amount", ErrMalformedPayload, p.ID)
	}
	return &p, nil
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformedPayload, s)
	}
	return t.UTC(), nil
}

// NormalizeOrder converts a validated order payload into domain entities
// keyed to shopID. All money lands in shop currency; any price set whose
// presentment side differs from the shop currency raises the
// multi_currency flag.
func (p *OrderPayload) NormalizeOrder(shopID string) (*domain.Order, []domain.OrderLine, []domain.RefundLine, []domain.Transaction, error) {
	createdAt, err := parseTime(p.CreatedAt)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	updatedAt, err := parseTime(p.UpdatedAt)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	processedAt := createdAt
	if p.ProcessedAt != "" {
		if processedAt, err = parseTime(p.ProcessedAt); err != nil {
			return nil, nil, nil, nil, err
		}
	}

	multi := p.PresentmentCurrency != "" && p.PresentmentCurrency != p.Currency

	totalPrice, err := money.ParseAmount(p.TotalPrice)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("order %d total_price: %w", p.ID, err)
	}
	totalDiscounts, err := parseOptionalAmount(p.TotalDiscounts)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("order %d total_discounts: %w", p.ID, err)
	}
	totalTax, err := parseOptionalAmount(p.TotalTax)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("order %d total_tax: %w", p.ID, err)
	}
	totalDuties, err := parseOptionalAmount(p.TotalDuties)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("order %d total_duties: %w", p.ID, err)
	}

	shipping := decimal.Zero
	if p.TotalShippingPriceSet.ShopMoney.Amount != "" {
		var shipMulti bool
		shipping, shipMulti, err = money.Normalize(p.TotalShippingPriceSet)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("order %d shipping price set: %w", p.ID, err)
		}
		multi = multi || shipMulti
	}

	order := &domain.Order{
		ShopID:              shopID,
		ShopOrderID:         formatID(p.ID),
		OrderNumber:         p.OrderNumber,
		CreatedAt:           createdAt,
		ProcessedAt:         processedAt,
		UpdatedAt:           updatedAt,
		Currency:            p.Currency,
		PresentmentCurrency: p.PresentmentCurrency,
		TotalPrice:          totalPrice,
		TotalDiscounts:      totalDiscounts,
		TotalTax:            totalTax,
		TotalDuties:         totalDuties,
		TotalShippingPrice:  shipping,
		FinancialStatus:     domain.FinancialStatus(strings.ToLower(p.FinancialStatus)),
		FulfillmentStatus:   p.FulfillmentStatus,
	}
	if p.Customer != nil && p.Customer.ID != 0 {
		id := formatID(p.Customer.ID)
		order.CustomerID = &id
	}

	lines := make([]domain.OrderLine, 0, len(p.LineItems))
	for _, li := range p.LineItems {
		line, lineMulti, err := li.normalize(shopID, order.ShopOrderID, p.Currency, createdAt)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		multi = multi || lineMulti
		lines = append(lines, *line)
	}

	var refundLines []domain.RefundLine
	for _, r := range p.Refunds {
		rls, refundMulti, err := r.normalizeLines(shopID, order.ShopOrderID, createdAt)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		multi = multi || refundMulti
		refundLines = append(refundLines, rls...)
	}

	var txns []domain.Transaction
	for _, t := range p.Transactions {
		txn, err := t.normalize(shopID, order.ShopOrderID, createdAt)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		txns = append(txns, *txn)
	}

	order.Flags.MultiCurrency = multi
	order.Flags.HasRefunds = len(refundLines) > 0
	return order, lines, refundLines, txns, nil
}

func (li LineItemPayload) normalize(shopID, shopOrderID, shopCurrency string, createdAt time.Time) (*domain.OrderLine, bool, error) {
	price, err := money.ParseAmount(li.Price)
	if err != nil {
		return nil, false, fmt.Errorf("line %d price: %w", li.ID, err)
	}
	multi := false
	if li.PriceSet.ShopMoney.Amount != "" {
		// Price sets are authoritative over the bare price string.
		var m bool
		price, m, err = money.Normalize(li.PriceSet)
		if err != nil {
			return nil, false, fmt.Errorf("line %d price set: %w", li.ID, err)
		}
		multi = m
	}

	discount := decimal.Zero
	for _, da := range li.DiscountAllocations {
		amt := da.Amount
		if da.AmountSet.ShopMoney.Amount != "" {
			var m bool
			var d decimal.Decimal
			d, m, err = money.Normalize(da.AmountSet)
			if err != nil {
				return nil, false, fmt.Errorf("line %d discount allocation: %w", li.ID, err)
			}
			multi = multi || m
			discount = discount.Add(d)
			continue
		}
		d, err := money.ParseAmount(amt)
		if err != nil {
			return nil, false, fmt.Errorf("line %d discount allocation: %w", li.ID, err)
		}
		discount = discount.Add(d)
	}

	presentment := li.PriceSet.PresentmentMoney.CurrencyCode
	if presentment == "" {
		presentment = shopCurrency
	}
	return &domain.OrderLine{
		ShopID:              shopID,
		OrderID:             shopOrderID,
		LineID:              formatID(li.ID),
		ProductID:           formatID(li.ProductID),
		VariantID:           formatID(li.VariantID),
		InventoryItemID:     formatID(li.InventoryItemID),
		Quantity:            li.Quantity,
		Price:               price,
		DiscountAllocated:   discount,
		PresentmentCurrency: presentment,
		ShopCurrency:        shopCurrency,
		CostSource:          domain.CostSourceNone,
		CreatedAt:           createdAt,
	}, multi, nil
}

// NormalizeRefund converts a standalone refund payload into refund lines
// for the order it belongs to.
func (p *RefundPayload) NormalizeRefund(shopID string) (shopOrderID string, lines []domain.RefundLine, multi bool, err error) {
	lines, multi, err = p.normalizeLines(shopID, formatID(p.OrderID), time.Time{})
	return formatID(p.OrderID), lines, multi, err
}

// fallback stamps refund lines of payloads that omit created_at, such
// as refunds embedded in an order body; it keeps normalization
// deterministic across re-runs.
func (p *RefundPayload) normalizeLines(shopID, shopOrderID string, fallback time.Time) ([]domain.RefundLine, bool, error) {
	createdAt := fallback
	if p.CreatedAt != "" {
		var err error
		if createdAt, err = parseTime(p.CreatedAt); err != nil {
			return nil, false, err
		}
	}
	multi := false
	out := make([]domain.RefundLine, 0, len(p.RefundLineItems))
	for _, rl := range p.RefundLineItems {
		amount, err := money.ParseSignedAmount(rl.Subtotal)
		if err != nil {
			return nil, false, fmt.Errorf("refund %d line %d subtotal: %w", p.ID, rl.LineItemID, err)
		}
		if rl.SubtotalSet.ShopMoney.Amount != "" {
			var m bool
			amount, m, err = money.NormalizeSigned(rl.SubtotalSet)
			if err != nil {
				return nil, false, fmt.Errorf("refund %d line %d subtotal set: %w", p.ID, rl.LineItemID, err)
			}
			multi = multi || m
		}
		// Shopify reports refund subtotals as positive reductions.
		out = append(out, domain.RefundLine{
			ShopID:           shopID,
			OrderID:          shopOrderID,
			LineID:           formatID(rl.LineItemID),
			RefundID:         formatID(p.ID),
			RefundedQuantity: rl.Quantity,
			RefundedAmount:   amount.Abs(),
			CreatedAt:        createdAt,
		})
	}
	return out, multi, nil
}

func (t TransactionPayload) normalize(shopID, shopOrderID string, fallback time.Time) (*domain.Transaction, error) {
	amount, err := money.ParseAmount(t.Amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %d amount: %w", t.ID, err)
	}
	processedAt := fallback
	switch {
	case t.ProcessedAt != "":
		if processedAt, err = parseTime(t.ProcessedAt); err != nil {
			return nil, err
		}
	case t.CreatedAt != "":
		if processedAt, err = parseTime(t.CreatedAt); err != nil {
			return nil, err
		}
	}
	return &domain.Transaction{
		ShopID:        shopID,
		OrderID:       shopOrderID,
		TransactionID: formatID(t.ID),
		Gateway:       t.Gateway,
		Kind:          t.Kind,
		Status:        domain.TransactionStatus(strings.ToLower(t.Status)),
		Amount:        amount,
		ProcessedAt:   processedAt,
	}, nil
}

// NormalizeTransaction converts a standalone transaction payload.
func (t *TransactionPayload) NormalizeTransaction(shopID string) (*domain.Transaction, error) {
	return t.normalize(shopID, formatID(t.OrderID), time.Now().UTC())
}

// ActualFee extracts the gateway-reported fee when the receipt carries
// one. A nil return means the fee must be estimated.
func (t TransactionPayload) ActualFee() (*decimal.Decimal, error) {
	if t.Receipt == nil || t.Receipt.Fee == "" {
		return nil, nil
	}
	fee, err := money.ParseAmount(t.Receipt.Fee)
	if err != nil {
		return nil, fmt.Errorf("transaction %d receipt fee: %w", t.ID, err)
	}
	return &fee, nil
}

func parseOptionalAmount(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return money.ParseAmount(s)
}
