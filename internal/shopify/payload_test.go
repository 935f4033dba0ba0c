package shopify

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

const sampleOrderJSON = `{
  "id": 450789469,
  "order_number": 1001,
  "created_at": "2026-03-01T10:15:00Z",
  "updated_at": "2026-03-01T10:15:00Z",
  "processed_at": "2026-03-01T10:16:00Z",
  "currency": "USD",
  "presentment_currency": "USD",
  "total_price": "247.50",
  "total_discounts": "10.00",
  "total_tax": "12.50",
  "financial_status": "paid",
  "fulfillment_status": null,
  "customer": {"id": 207119551},
  "total_shipping_price_set": {
    "shop_money": {"amount": "7.50", "currency_code": "USD"},
    "presentment_money": {"amount": "7.50", "currency_code": "USD"}
  },
  "line_items": [
    {
      "id": 669751112,
      "product_id": 7513594,
      "variant_id": 4264112,
      "inventory_item_id": 2133001,
      "quantity": 3,
      "price": "45.00",
      "price_set": {
        "shop_money": {"amount": "45.00", "currency_code": "USD"},
        "presentment_money": {"amount": "45.00", "currency_code": "USD"}
      },
      "discount_allocations": [
        {"amount": "6.00", "amount_set": {
          "shop_money": {"amount": "6.00", "currency_code": "USD"},
          "presentment_money": {"amount": "6.00", "currency_code": "USD"}
        }},
        {"amount": "4.00", "amount_set": {
          "shop_money": {"amount": "4.00", "currency_code": "USD"},
          "presentment_money": {"amount": "4.00", "currency_code": "USD"}
        }}
      ]
    }
  ],
  "refunds": [],
  "transactions": [
    {
      "id": 389404469,
      "order_id": 450789469,
      "gateway": "shopify_payments",
      "kind": "sale",
      "status": "success",
      "amount": "247.50",
      "currency": "USD",
      "processed_at": "2026-03-01T10:16:05Z"
    }
  ]
}`

func TestParseOrderNormalizes(t *testing.T) {
	p, err := ParseOrder([]byte(sampleOrderJSON))
	if err != nil {
		t.Fatalf("parse order: %v", err)
	}

	order, lines, refunds, txns, err := p.NormalizeOrder("shop-1")
	if err != nil {
		t.Fatalf("normalize order: %v", err)
	}
	if order.ShopOrderID != "450789469" {
		t.Fatalf("expected shop_order_id 450789469, got %s", order.ShopOrderID)
	}
	if order.CustomerID == nil || *order.CustomerID != "207119551" {
		t.Fatal("expected customer id 207119551")
	}
	if !order.TotalShippingPrice.Equal(decimal.RequireFromString("7.50")) {
		t.Fatalf("expected shipping 7.50, got %s", order.TotalShippingPrice)
	}
	if order.Flags.MultiCurrency {
		t.Fatal("single-currency order flagged multi_currency")
	}
	if order.Flags.HasRefunds {
		t.Fatal("order without refunds flagged has_refunds")
	}

	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !lines[0].DiscountAllocated.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("expected summed discount 10.00, got %s", lines[0].DiscountAllocated)
	}
	if lines[0].EffectiveUnitCost != nil {
		t.Fatal("normalization must not invent a unit cost")
	}
	if len(refunds) != 0 {
		t.Fatalf("expected no refund lines, got %d", len(refunds))
	}
	if len(txns) != 1 || txns[0].TransactionID != "389404469" {
		t.Fatal("expected one transaction 389404469")
	}
}

func TestParseOrderMultiCurrencyFlag(t *testing.T) {
	body := []byte(`{
  "id": 1, "order_number": 1,
  "created_at": "2026-03-01T10:15:00Z", "updated_at": "2026-03-01T10:15:00Z",
  "currency": "USD", "presentment_currency": "EUR",
  "total_price": "100.00", "financial_status": "paid",
  "line_items": [], "refunds": [], "transactions": []
}`)
	p, err := ParseOrder(body)
	if err != nil {
		t.Fatalf("parse order: %v", err)
	}
	order, _, _, _, err := p.NormalizeOrder("shop-1")
	if err != nil {
		t.Fatalf("normalize order: %v", err)
	}
	if !order.Flags.MultiCurrency {
		t.Fatal("expected multi_currency flag for EUR presentment")
	}
}

func TestParseOrderRejectsMissingFields(t *testing.T) {
	cases := map[string]string{
		"missing id":       `{"order_number": 1, "created_at": "2026-03-01T10:15:00Z", "updated_at": "2026-03-01T10:15:00Z", "currency": "USD", "financial_status": "paid"}`,
		"missing currency": `{"id": 1, "created_at": "2026-03-01T10:15:00Z", "updated_at": "2026-03-01T10:15:00Z", "financial_status": "paid"}`,
		"missing status":   `{"id": 1, "created_at": "2026-03-01T10:15:00Z", "updated_at": "2026-03-01T10:15:00Z", "currency": "USD"}`,
		"zero quantity":    `{"id": 1, "created_at": "2026-03-01T10:15:00Z", "updated_at": "2026-03-01T10:15:00Z", "currency": "USD", "financial_status": "paid", "line_items": [{"id": 2, "quantity": 0, "price": "1.00"}]}`,
		"not json":         `{nope`,
	}
	for name, body := range cases {
		if _, err := ParseOrder([]byte(body)); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("%s: expected ErrMalformedPayload, got %v", name, err)
		}
	}
}

func TestParseOrderRejectsGarbageMoney(t *testing.T) {
	body := []byte(`{
  "id": 1, "created_at": "2026-03-01T10:15:00Z", "updated_at": "2026-03-01T10:15:00Z",
  "currency": "USD", "financial_status": "paid", "total_price": "12,34abc",
  "line_items": [], "refunds": [], "transactions": []
}`)
	p, err := ParseOrder(body)
	if err != nil {
		t.Fatalf("parse order: %v", err)
	}
	if _, _, _, _, err := p.NormalizeOrder("shop-1"); err == nil {
		t.Fatal("expected error for malformed total_price")
	}
}

func TestNormalizeRefundUsesAbsoluteAmounts(t *testing.T) {
	body := []byte(`{
  "id": 509562969,
  "order_id": 450789469,
  "created_at": "2026-03-02T09:00:00Z",
  "refund_line_items": [
    {
      "id": 104, "line_item_id": 669751112, "quantity": 1,
      "restock_type": "return", "subtotal": "45.00",
      "subtotal_set": {
        "shop_money": {"amount": "-45.00", "currency_code": "USD"},
        "presentment_money": {"amount": "-45.00", "currency_code": "USD"}
      }
    }
  ]
}`)
	p, err := ParseRefund(body)
	if err != nil {
		t.Fatalf("parse refund: %v", err)
	}
	orderID, lines, _, err := p.NormalizeRefund("shop-1")
	if err != nil {
		t.Fatalf("normalize refund: %v", err)
	}
	if orderID != "450789469" {
		t.Fatalf("expected order id 450789469, got %s", orderID)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 refund line, got %d", len(lines))
	}
	if !lines[0].RefundedAmount.Equal(decimal.RequireFromString("45.00")) {
		t.Fatalf("expected refunded amount 45.00, got %s", lines[0].RefundedAmount)
	}
	if lines[0].RefundID != "509562969" {
		t.Fatalf("expected refund id 509562969, got %s", lines[0].RefundID)
	}
}

func TestParseRefundRequiresCreatedAt(t *testing.T) {
	body := []byte(`{
  "id": 509562969,
  "order_id": 450789469,
  "refund_line_items": [
    {"id": 104, "line_item_id": 669751112, "quantity": 1, "subtotal": "45.00"}
  ]
}`)
	if _, err := ParseRefund(body); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}
}

func TestTransactionActualFee(t *testing.T) {
	body := []byte(`{
  "id": 7, "order_id": 9, "gateway": "shopify_payments", "kind": "sale",
  "status": "success", "amount": "100.00",
  "receipt": {"fee": "3.20"}
}`)
	p, err := ParseTransaction(body)
	if err != nil {
		t.Fatalf("parse transaction: %v", err)
	}
	fee, err := p.ActualFee()
	if err != nil {
		t.Fatalf("actual fee: %v", err)
	}
	if fee == nil || !fee.Equal(decimal.RequireFromString("3.20")) {
		t.Fatal("expected actual fee 3.20")
	}

	p.Receipt = nil
	fee, err = p.ActualFee()
	if err != nil || fee != nil {
		t.Fatal("expected nil fee without receipt")
	}
}
