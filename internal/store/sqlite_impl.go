package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"profitpeek/internal/domain"
)

// Timestamps are written from Go rather than SQL defaults so that
// value formats stay consistent across drivers.

func randomUUID() string { return uuid.NewString() }

func nullableDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

// -- Shops & settings --

func (s *SQLiteStore) UpsertShop(ctx context.Context, shop domain.Shop) (*domain.Shop, error) {
	now := time.Now().UTC()
	const q = `
INSERT INTO shops (id, shop_domain, timezone, currency, email, plan, created_at, updated_at)
VALUES (?, ?, COALESCE(NULLIF(?, ''), 'UTC'), ?, ?, ?, ?, ?)
ON CONFLICT (shop_domain) DO UPDATE SET
    timezone = COALESCE(NULLIF(excluded.timezone, ''), shops.timezone),
    currency = COALESCE(NULLIF(excluded.currency, ''), shops.currency),
    email = COALESCE(NULLIF(excluded.email, ''), shops.email),
    plan = COALESCE(NULLIF(excluded.plan, ''), shops.plan),
    updated_at = excluded.updated_at
RETURNING id, shop_domain, timezone, currency, email, plan, created_at, updated_at;
`
	row := s.db.QueryRowContext(ctx, q, randomUUID(), shop.Domain, shop.Timezone, shop.Currency, shop.Email, shop.Plan, now, now)
	var out domain.Shop
	if err := row.Scan(&out.ID, &out.Domain, &out.Timezone, &out.Currency, &out.Email, &out.Plan, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, fmt.Errorf("upsert shop: %w", err)
	}
	return &out, nil
}

func (s *SQLiteStore) GetShop(ctx context.Context, shopID string) (*domain.Shop, error) {
	const q = `
SELECT id, shop_domain, timezone, currency, email, plan, created_at, updated_at
FROM shops WHERE id = ? LIMIT 1;
`
	return s.scanShop(s.db.QueryRowContext(ctx, q, shopID))
}

func (s *SQLiteStore) GetShopByDomain(ctx context.Context, shopDomain string) (*domain.Shop, error) {
	const q = `
SELECT id, shop_domain, timezone, currency, email, plan, created_at, updated_at
FROM shops WHERE shop_domain = ? LIMIT 1;
`
	return s.scanShop(s.db.QueryRowContext(ctx, q, shopDomain))
}

func (s *SQLiteStore) ListShops(ctx context.Context) ([]domain.Shop, error) {
	const q = `
SELECT id, shop_domain, timezone, currency, email, plan, created_at, updated_at
FROM shops ORDER BY shop_domain;
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list shops: %w", err)
	}
	defer rows.Close()

	var out []domain.Shop
	for rows.Next() {
		var shop domain.Shop
		if err := rows.Scan(&shop.ID, &shop.Domain, &shop.Timezone, &shop.Currency, &shop.Email, &shop.Plan, &shop.CreatedAt, &shop.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan shop: %w", err)
		}
		out = append(out, shop)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shops: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) scanShop(row *sql.Row) (*domain.Shop, error) {
	var out domain.Shop
	if err := row.Scan(&out.ID, &out.Domain, &out.Timezone, &out.Currency, &out.Email, &out.Plan, &out.CreatedAt, &out.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("shop: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get shop: %w", err)
	}
	return &out, nil
}

func (s *SQLiteStore) GetSettings(ctx context.Context, shopID string) (*domain.Settings, error) {
	const q = `
SELECT shop_id, fee_default_pct, fee_default_fixed, fee_overrides, cogs_default_ratio,
       shipping_cost_rule, digest_local_time, ad_spend_channels, updated_at
FROM settings WHERE shop_id = ? LIMIT 1;
`
	row := s.db.QueryRowContext(ctx, q, shopID)
	var out domain.Settings
	var overridesJSON, ruleJSON, channelsJSON []byte
	if err := row.Scan(&out.ShopID, &out.FeeDefaultPct, &out.FeeDefaultFixed, &overridesJSON, &out.CogsDefaultRatio,
		&ruleJSON, &out.DigestLocalTime, &channelsJSON, &out.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("settings: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get settings: %w", err)
	}
	if len(overridesJSON) > 0 {
		if err := json.Unmarshal(overridesJSON, &out.FeeOverrides); err != nil {
			return nil, fmt.Errorf("decode fee overrides: %w", err)
		}
	}
	if len(ruleJSON) > 0 {
		if err := json.Unmarshal(ruleJSON, &out.ShippingCostRule); err != nil {
			return nil, fmt.Errorf("decode shipping cost rule: %w", err)
		}
	}
	if len(channelsJSON) > 0 {
		if err := json.Unmarshal(channelsJSON, &out.AdSpendChannels); err != nil {
			return nil, fmt.Errorf("decode ad spend channels: %w", err)
		}
	}
	return &out, nil
}

func (s *SQLiteStore) PutSettings(ctx context.Context, settings domain.Settings) error {
	overridesJSON, err := json.Marshal(settings.FeeOverrides)
	if err != nil {
		return fmt.Errorf("encode fee overrides: %w", err)
	}
	ruleJSON, err := json.Marshal(settings.ShippingCostRule)
	if err != nil {
		return fmt.Errorf("encode shipping cost rule: %w", err)
	}
	channelsJSON, err := json.Marshal(settings.AdSpendChannels)
	if err != nil {
		return fmt.Errorf("encode ad spend channels: %w", err)
	}
	const q = `
INSERT INTO settings (shop_id, fee_default_pct, fee_default_fixed, fee_overrides, cogs_default_ratio,
                      shipping_cost_rule, digest_local_time, ad_spend_channels, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (shop_id) DO UPDATE SET
    fee_default_pct = excluded.fee_default_pct,
    fee_default_fixed = excluded.fee_default_fixed,
    fee_overrides = excluded.fee_overrides,
    cogs_default_ratio = excluded.cogs_default_ratio,
    shipping_cost_rule = excluded.shipping_cost_rule,
    digest_local_time = excluded.digest_local_time,
    ad_spend_channels = excluded.ad_spend_channels,
    updated_at = excluded.updated_at;
`
	_, err = s.db.ExecContext(ctx, q,
		settings.ShopID, settings.FeeDefaultPct.String(), settings.FeeDefaultFixed.String(), string(overridesJSON),
		settings.CogsDefaultRatio.String(), string(ruleJSON), settings.DigestLocalTime, string(channelsJSON), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put settings: %w", err)
	}
	return nil
}

// -- Webhook events --

func (s *SQLiteStore) ClaimWebhookEvent(ctx context.Context, ev domain.WebhookEvent, staleAfter time.Duration) (*domain.WebhookEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var existing domain.WebhookEvent
	row := tx.QueryRowContext(ctx, `
SELECT id, shop_id, topic, shop_resource_id, dedup_key, payload, status, attempts, received_at, processed_at, updated_at
FROM webhook_events WHERE dedup_key = ? LIMIT 1;`, ev.DedupKey)
	err = row.Scan(&existing.ID, &existing.ShopID, &existing.Topic, &existing.ShopResourceID, &existing.DedupKey,
		&existing.Payload, &existing.Status, &existing.Attempts, &existing.ReceivedAt, &existing.ProcessedAt, &existing.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		ev.ID = randomUUID()
		ev.Status = domain.WebhookProcessing
		ev.Attempts = 1
		ev.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
INSERT INTO webhook_events (id, shop_id, topic, shop_resource_id, dedup_key, payload, status, attempts, received_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 'processing', 1, ?, ?);`,
			ev.ID, ev.ShopID, ev.Topic, ev.ShopResourceID, ev.DedupKey, string(ev.Payload), ev.ReceivedAt, now); err != nil {
			return nil, fmt.Errorf("insert webhook event: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit claim: %w", err)
		}
		out := ev
		return &out, nil
	case err != nil:
		return nil, fmt.Errorf("load webhook event: %w", err)
	}

	duplicate := existing.Status == domain.WebhookCompleted ||
		(existing.Status == domain.WebhookProcessing && now.Sub(existing.UpdatedAt) < staleAfter)
	if duplicate {
		return nil, fmt.Errorf("%s: %w", ev.DedupKey, ErrDuplicateEvent)
	}

	existing.Status = domain.WebhookProcessing
	existing.Attempts++
	existing.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, `
UPDATE webhook_events SET status = 'processing', attempts = ?, updated_at = ? WHERE dedup_key = ?;`,
		existing.Attempts, now, ev.DedupKey); err != nil {
		return nil, fmt.Errorf("reclaim webhook event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	out := existing
	return &out, nil
}

func (s *SQLiteStore) CompleteWebhookEvent(ctx context.Context, dedupKey string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE webhook_events SET status = 'completed', processed_at = ?, error = NULL, updated_at = ? WHERE dedup_key = ?;`,
		now, now, dedupKey)
	if err != nil {
		return fmt.Errorf("complete webhook event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook event %s: %w", dedupKey, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) FailWebhookEvent(ctx context.Context, dedupKey, message string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE webhook_events SET status = 'failed', error = ?, updated_at = ? WHERE dedup_key = ?;`,
		message, time.Now().UTC(), dedupKey)
	if err != nil {
		return fmt.Errorf("fail webhook event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook event %s: %w", dedupKey, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListRetryableWebhookEvents(ctx context.Context, shopID string, staleAfter time.Duration, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-staleAfter)
	const q = `
SELECT id, shop_id, topic, shop_resource_id, dedup_key, payload, status, attempts, received_at, processed_at, updated_at
FROM webhook_events
WHERE shop_id = ?
  AND (status = 'failed' OR (status IN ('pending', 'processing') AND updated_at < ?))
ORDER BY received_at ASC
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, shopID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable webhook events: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookEvent
	for rows.Next() {
		var ev domain.WebhookEvent
		if err := rows.Scan(&ev.ID, &ev.ShopID, &ev.Topic, &ev.ShopResourceID, &ev.DedupKey, &ev.Payload, &ev.Status, &ev.Attempts, &ev.ReceivedAt, &ev.ProcessedAt, &ev.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan retryable webhook event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListWebhookLags(ctx context.Context, shopID string, since time.Time, limit int) ([]time.Duration, error) {
	if limit <= 0 {
		limit = 1000
	}
	const q = `
SELECT received_at, processed_at
FROM webhook_events
WHERE shop_id = ? AND processed_at IS NOT NULL AND received_at >= ?
ORDER BY received_at DESC
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, shopID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook lags: %w", err)
	}
	defer rows.Close()

	var out []time.Duration
	for rows.Next() {
		var receivedAt time.Time
		var processedAt time.Time
		if err := rows.Scan(&receivedAt, &processedAt); err != nil {
			return nil, fmt.Errorf("scan webhook lag: %w", err)
		}
		out = append(out, processedAt.Sub(receivedAt))
	}
	return out, rows.Err()
}

// -- Orders --

const sqliteOrderColumns = `
id, shop_id, shop_order_id, order_number, created_at, processed_at, updated_at,
currency, presentment_currency, total_price, total_discounts, total_tax, total_duties,
total_shipping_price, financial_status, fulfillment_status, customer_id,
fees_estimated, no_unit_cost, multi_currency, has_refunds`

func (s *SQLiteStore) UpsertOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	const q = `
INSERT INTO orders (id, shop_id, shop_order_id, order_number, created_at, processed_at, updated_at,
                    currency, presentment_currency, total_price, total_discounts, total_tax, total_duties,
                    total_shipping_price, financial_status, fulfillment_status, customer_id,
                    fees_estimated, no_unit_cost, multi_currency, has_refunds)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (shop_id, shop_order_id) DO UPDATE SET
    order_number = excluded.order_number,
    created_at = excluded.created_at,
    processed_at = excluded.processed_at,
    updated_at = excluded.updated_at,
    currency = excluded.currency,
    presentment_currency = excluded.presentment_currency,
    total_price = excluded.total_price,
    total_discounts = excluded.total_discounts,
    total_tax = excluded.total_tax,
    total_duties = excluded.total_duties,
    total_shipping_price = excluded.total_shipping_price,
    financial_status = excluded.financial_status,
    fulfillment_status = excluded.fulfillment_status,
    customer_id = excluded.customer_id,
    fees_estimated = excluded.fees_estimated,
    no_unit_cost = excluded.no_unit_cost,
    multi_currency = excluded.multi_currency,
    has_refunds = excluded.has_refunds
WHERE orders.updated_at <= excluded.updated_at
RETURNING ` + sqliteOrderColumns + `;
`
	row := s.db.QueryRowContext(ctx, q,
		randomUUID(), order.ShopID, order.ShopOrderID, order.OrderNumber, order.CreatedAt, order.ProcessedAt, order.UpdatedAt,
		order.Currency, order.PresentmentCurrency, order.TotalPrice.String(), order.TotalDiscounts.String(), order.TotalTax.String(), order.TotalDuties.String(),
		order.TotalShippingPrice.String(), string(order.FinancialStatus), order.FulfillmentStatus, order.CustomerID,
		order.Flags.FeesEstimated, order.Flags.NoUnitCost, order.Flags.MultiCurrency, order.Flags.HasRefunds,
	)
	out, err := s.scanOrderRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", order.ShopOrderID, ErrStaleWrite)
		}
		return nil, fmt.Errorf("upsert order: %w", err)
	}
	return out, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func (s *SQLiteStore) scanOrderRow(row rowScanner) (*domain.Order, error) {
	var out domain.Order
	var financial string
	if err := row.Scan(
		&out.ID, &out.ShopID, &out.ShopOrderID, &out.OrderNumber, &out.CreatedAt, &out.ProcessedAt, &out.UpdatedAt,
		&out.Currency, &out.PresentmentCurrency, &out.TotalPrice, &out.TotalDiscounts, &out.TotalTax, &out.TotalDuties,
		&out.TotalShippingPrice, &financial, &out.FulfillmentStatus, &out.CustomerID,
		&out.Flags.FeesEstimated, &out.Flags.NoUnitCost, &out.Flags.MultiCurrency, &out.Flags.HasRefunds,
	); err != nil {
		return nil, err
	}
	out.FinancialStatus = domain.FinancialStatus(financial)
	return &out, nil
}

func (s *SQLiteStore) GetOrder(ctx context.Context, shopID, shopOrderID string) (*domain.Order, error) {
	const q = `SELECT ` + sqliteOrderColumns + ` FROM orders WHERE shop_id = ? AND shop_order_id = ? LIMIT 1;`
	out, err := s.scanOrderRow(s.db.QueryRowContext(ctx, q, shopID, shopOrderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", shopOrderID, ErrNotFound)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateOrderFlags(ctx context.Context, shopID, shopOrderID string, flags domain.OrderFlags) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE orders SET fees_estimated = ?, no_unit_cost = ?, multi_currency = ?, has_refunds = ?
WHERE shop_id = ? AND shop_order_id = ?;`,
		flags.FeesEstimated, flags.NoUnitCost, flags.MultiCurrency, flags.HasRefunds, shopID, shopOrderID)
	if err != nil {
		return fmt.Errorf("update order flags: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s: %w", shopOrderID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListOrdersBetween(ctx context.Context, shopID string, start, end time.Time) ([]domain.Order, error) {
	const q = `SELECT ` + sqliteOrderColumns + `
FROM orders WHERE shop_id = ? AND processed_at >= ? AND processed_at < ? ORDER BY processed_at ASC;`
	rows, err := s.db.QueryContext(ctx, q, shopID, start, end)
	if err != nil {
		return nil, fmt.Errorf("list orders between: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		order, err := s.scanOrderRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *order)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) OrderFlagStats(ctx context.Context, shopID string, since time.Time) (total, estimatedFees, missingCosts int64, err error) {
	const q = `
SELECT COUNT(*),
       COALESCE(SUM(fees_estimated), 0),
       COALESCE(SUM(no_unit_cost), 0)
FROM orders
WHERE shop_id = ? AND processed_at >= ?;
`
	row := s.db.QueryRowContext(ctx, q, shopID, since)
	if err := row.Scan(&total, &estimatedFees, &missingCosts); err != nil {
		return 0, 0, 0, fmt.Errorf("order flag stats: %w", err)
	}
	return total, estimatedFees, missingCosts, nil
}

func (s *SQLiteStore) ReplaceOrderLines(ctx context.Context, shopID, shopOrderID string, lines []domain.OrderLine) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace lines: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM order_lines WHERE shop_id = ? AND shop_order_id = ?;`, shopID, shopOrderID); err != nil {
		return fmt.Errorf("delete order lines: %w", err)
	}
	const q = `
INSERT INTO order_lines (id, shop_id, shop_order_id, line_id, product_id, variant_id, inventory_item_id,
                         quantity, price, discount_allocated, presentment_currency, shop_currency,
                         effective_unit_cost, cost_source, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	for _, line := range lines {
		if _, err := tx.ExecContext(ctx, q,
			randomUUID(), shopID, shopOrderID, line.LineID, line.ProductID, line.VariantID, line.InventoryItemID,
			line.Quantity, line.Price.String(), line.DiscountAllocated.String(), line.PresentmentCurrency, line.ShopCurrency,
			nullableDecimal(line.EffectiveUnitCost), string(line.CostSource), line.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert order line %s: %w", line.LineID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListOrderLines(ctx context.Context, shopID, shopOrderID string) ([]domain.OrderLine, error) {
	const q = `
SELECT id, shop_id, shop_order_id, line_id, product_id, variant_id, inventory_item_id,
       quantity, price, discount_allocated, presentment_currency, shop_currency,
       effective_unit_cost, cost_source, created_at
FROM order_lines WHERE shop_id = ? AND shop_order_id = ? ORDER BY line_id ASC;
`
	rows, err := s.db.QueryContext(ctx, q, shopID, shopOrderID)
	if err != nil {
		return nil, fmt.Errorf("list order lines: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderLine
	for rows.Next() {
		var line domain.OrderLine
		var source string
		var unitCost decimal.NullDecimal
		if err := rows.Scan(&line.ID, &line.ShopID, &line.OrderID, &line.LineID, &line.ProductID, &line.VariantID, &line.InventoryItemID,
			&line.Quantity, &line.Price, &line.DiscountAllocated, &line.PresentmentCurrency, &line.ShopCurrency,
			&unitCost, &source, &line.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		if unitCost.Valid {
			v := unitCost.Decimal
			line.EffectiveUnitCost = &v
		}
		line.CostSource = domain.CostSource(source)
		out = append(out, line)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertRefundLine(ctx context.Context, refund domain.RefundLine) error {
	const q = `
INSERT INTO refund_lines (id, shop_id, shop_order_id, line_id, refund_id, refunded_quantity, refunded_amount, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (shop_id, refund_id, line_id) DO UPDATE SET
    refunded_quantity = excluded.refunded_quantity,
    refunded_amount = excluded.refunded_amount;
`
	_, err := s.db.ExecContext(ctx, q,
		randomUUID(), refund.ShopID, refund.OrderID, refund.LineID, refund.RefundID,
		refund.RefundedQuantity, refund.RefundedAmount.String(), refund.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert refund line: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRefundLines(ctx context.Context, shopID, shopOrderID string) ([]domain.RefundLine, error) {
	const q = `
SELECT id, shop_id, shop_order_id, line_id, refund_id, refunded_quantity, refunded_amount, created_at
FROM refund_lines WHERE shop_id = ? AND shop_order_id = ? ORDER BY refund_id ASC, line_id ASC;
`
	rows, err := s.db.QueryContext(ctx, q, shopID, shopOrderID)
	if err != nil {
		return nil, fmt.Errorf("list refund lines: %w", err)
	}
	defer rows.Close()

	var out []domain.RefundLine
	for rows.Next() {
		var r domain.RefundLine
		if err := rows.Scan(&r.ID, &r.ShopID, &r.OrderID, &r.LineID, &r.RefundID, &r.RefundedQuantity, &r.RefundedAmount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan refund line: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertTransaction(ctx context.Context, txn domain.Transaction) error {
	const q = `
INSERT INTO transactions (id, shop_id, shop_order_id, transaction_id, gateway, kind, status, amount, processed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (shop_id, transaction_id) DO UPDATE SET
    gateway = excluded.gateway,
    kind = excluded.kind,
    status = excluded.status,
    amount = excluded.amount,
    processed_at = excluded.processed_at;
`
	_, err := s.db.ExecContext(ctx, q,
		randomUUID(), txn.ShopID, txn.OrderID, txn.TransactionID, txn.Gateway, txn.Kind, string(txn.Status), txn.Amount.String(), txn.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, shopID, shopOrderID string) ([]domain.Transaction, error) {
	const q = `
SELECT id, shop_id, shop_order_id, transaction_id, gateway, kind, status, amount, processed_at
FROM transactions WHERE shop_id = ? AND shop_order_id = ? ORDER BY transaction_id ASC;
`
	rows, err := s.db.QueryContext(ctx, q, shopID, shopOrderID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var status string
		if err := rows.Scan(&t.ID, &t.ShopID, &t.OrderID, &t.TransactionID, &t.Gateway, &t.Kind, &status, &t.Amount, &t.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Status = domain.TransactionStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertTransactionFee(ctx context.Context, fee domain.TransactionFee) error {
	const q = `
INSERT INTO transaction_fees (id, shop_id, transaction_id, amount, currency, estimated, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (shop_id, transaction_id) DO UPDATE SET
    amount = excluded.amount,
    currency = excluded.currency,
    estimated = excluded.estimated;
`
	_, err := s.db.ExecContext(ctx, q,
		randomUUID(), fee.ShopID, fee.TransactionID, fee.Amount.String(), fee.Currency, fee.Estimated, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert transaction fee: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTransactionFees(ctx context.Context, shopID, shopOrderID string) ([]domain.TransactionFee, error) {
	const q = `
SELECT f.id, f.shop_id, f.transaction_id, f.amount, f.currency, f.estimated, f.created_at
FROM transaction_fees f
JOIN transactions t ON t.shop_id = f.shop_id AND t.transaction_id = f.transaction_id
WHERE f.shop_id = ? AND t.shop_order_id = ?
ORDER BY f.transaction_id ASC;
`
	rows, err := s.db.QueryContext(ctx, q, shopID, shopOrderID)
	if err != nil {
		return nil, fmt.Errorf("list transaction fees: %w", err)
	}
	defer rows.Close()

	var out []domain.TransactionFee
	for rows.Next() {
		var f domain.TransactionFee
		if err := rows.Scan(&f.ID, &f.ShopID, &f.TransactionID, &f.Amount, &f.Currency, &f.Estimated, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction fee: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// -- Cost snapshots --

func (s *SQLiteStore) InsertCostSnapshots(ctx context.Context, snapshots []domain.InventoryItemCostSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert snapshots: %w", err)
	}
	defer tx.Rollback()

	const q = `
INSERT INTO inventory_item_cost_snapshots (id, shop_id, inventory_item_id, effective_date, unit_cost, currency, source, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`
	now := time.Now().UTC()
	for _, snap := range snapshots {
		if _, err := tx.ExecContext(ctx, q,
			randomUUID(), snap.ShopID, snap.InventoryItemID, snap.EffectiveDate, snap.UnitCost.String(), snap.Currency, string(snap.Source), now,
		); err != nil {
			return fmt.Errorf("insert cost snapshot %s: %w", snap.InventoryItemID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListCostSnapshots(ctx context.Context, shopID, inventoryItemID string) ([]domain.InventoryItemCostSnapshot, error) {
	const q = `
SELECT id, shop_id, inventory_item_id, effective_date, unit_cost, currency, source, created_at
FROM inventory_item_cost_snapshots
WHERE shop_id = ? AND inventory_item_id = ?
ORDER BY effective_date DESC, created_at DESC;
`
	rows, err := s.db.QueryContext(ctx, q, shopID, inventoryItemID)
	if err != nil {
		return nil, fmt.Errorf("list cost snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.InventoryItemCostSnapshot
	for rows.Next() {
		var snap domain.InventoryItemCostSnapshot
		var source string
		if err := rows.Scan(&snap.ID, &snap.ShopID, &snap.InventoryItemID, &snap.EffectiveDate, &snap.UnitCost, &snap.Currency, &source, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cost snapshot: %w", err)
		}
		snap.Source = domain.CostSource(source)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// -- Rollups & ad spend --

func (s *SQLiteStore) GetDailyRollup(ctx context.Context, shopID, date string) (*domain.DailyRollup, error) {
	const q = `
SELECT id, shop_id, date, net_revenue, cogs, fees, shipping_cost, ad_spend,
       net_profit, margin_pct, orders_count, version, created_at, updated_at
FROM daily_rollups WHERE shop_id = ? AND date = ? LIMIT 1;
`
	rollup, err := s.scanRollupRow(s.db.QueryRowContext(ctx, q, shopID, date))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("rollup %s/%s: %w", shopID, date, ErrNotFound)
		}
		return nil, fmt.Errorf("get daily rollup: %w", err)
	}
	return rollup, nil
}

func (s *SQLiteStore) ListDailyRollups(ctx context.Context, shopID, startDate, endDate string) ([]domain.DailyRollup, error) {
	const q = `
SELECT id, shop_id, date, net_revenue, cogs, fees, shipping_cost, ad_spend,
       net_profit, margin_pct, orders_count, version, created_at, updated_at
FROM daily_rollups WHERE shop_id = ? AND date >= ? AND date < ? ORDER BY date ASC;
`
	rows, err := s.db.QueryContext(ctx, q, shopID, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("list daily rollups: %w", err)
	}
	defer rows.Close()

	var out []domain.DailyRollup
	for rows.Next() {
		rollup, err := s.scanRollupRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan daily rollup: %w", err)
		}
		out = append(out, *rollup)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) scanRollupRow(row rowScanner) (*domain.DailyRollup, error) {
	var out domain.DailyRollup
	var adSpendJSON []byte
	if err := row.Scan(&out.ID, &out.ShopID, &out.Date, &out.NetRevenue, &out.COGS, &out.Fees, &out.ShippingCost, &adSpendJSON,
		&out.NetProfit, &out.MarginPct, &out.OrdersCount, &out.Version, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, err
	}
	spend, err := adSpendFromJSON(adSpendJSON)
	if err != nil {
		return nil, err
	}
	out.AdSpend = spend
	return &out, nil
}

func (s *SQLiteStore) GetOrderContribution(ctx context.Context, shopID, shopOrderID string) (*domain.OrderContribution, error) {
	const q = `
SELECT shop_id, shop_order_id, date, net_revenue, cogs, fees, shipping_cost, orders_count, updated_at
FROM order_contributions WHERE shop_id = ? AND shop_order_id = ? LIMIT 1;
`
	row := s.db.QueryRowContext(ctx, q, shopID, shopOrderID)
	var out domain.OrderContribution
	if err := row.Scan(&out.ShopID, &out.OrderID, &out.Date, &out.NetRevenue, &out.COGS, &out.Fees, &out.ShippingCost, &out.OrdersCount, &out.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("contribution %s: %w", shopOrderID, ErrNotFound)
		}
		return nil, fmt.Errorf("get order contribution: %w", err)
	}
	return &out, nil
}

func (s *SQLiteStore) CommitRollup(ctx context.Context, rollup domain.DailyRollup, contrib *domain.OrderContribution, expectedVersion int64) error {
	adSpendJSON, err := adSpendToJSON(rollup.AdSpend)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit rollup: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if expectedVersion == 0 {
		res, err := tx.ExecContext(ctx, `
INSERT INTO daily_rollups (id, shop_id, date, net_revenue, cogs, fees, shipping_cost, ad_spend,
                           net_profit, margin_pct, orders_count, version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
ON CONFLICT (shop_id, date) DO NOTHING;`,
			randomUUID(), rollup.ShopID, rollup.Date, rollup.NetRevenue.String(), rollup.COGS.String(), rollup.Fees.String(),
			rollup.ShippingCost.String(), adSpendJSON, rollup.NetProfit.String(), rollup.MarginPct.String(), rollup.OrdersCount, now, now)
		if err != nil {
			return fmt.Errorf("insert daily rollup: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("rollup %s/%s exists: %w", rollup.ShopID, rollup.Date, ErrVersionConflict)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
UPDATE daily_rollups
SET net_revenue = ?, cogs = ?, fees = ?, shipping_cost = ?, ad_spend = ?,
    net_profit = ?, margin_pct = ?, orders_count = ?, version = version + 1, updated_at = ?
WHERE shop_id = ? AND date = ? AND version = ?;`,
			rollup.NetRevenue.String(), rollup.COGS.String(), rollup.Fees.String(), rollup.ShippingCost.String(), adSpendJSON,
			rollup.NetProfit.String(), rollup.MarginPct.String(), rollup.OrdersCount, now,
			rollup.ShopID, rollup.Date, expectedVersion)
		if err != nil {
			return fmt.Errorf("update daily rollup: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("rollup %s/%s version %d: %w", rollup.ShopID, rollup.Date, expectedVersion, ErrVersionConflict)
		}
	}

	if contrib != nil {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO order_contributions (shop_id, shop_order_id, date, net_revenue, cogs, fees, shipping_cost, orders_count, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (shop_id, shop_order_id) DO UPDATE SET
    date = excluded.date,
    net_revenue = excluded.net_revenue,
    cogs = excluded.cogs,
    fees = excluded.fees,
    shipping_cost = excluded.shipping_cost,
    orders_count = excluded.orders_count,
    updated_at = excluded.updated_at;`,
			contrib.ShopID, contrib.OrderID, contrib.Date, contrib.NetRevenue.String(), contrib.COGS.String(),
			contrib.Fees.String(), contrib.ShippingCost.String(), contrib.OrdersCount, now); err != nil {
			return fmt.Errorf("upsert order contribution: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpsertAdSpend(ctx context.Context, spend domain.AdSpendDaily) error {
	const q = `
INSERT INTO ad_spend_daily (id, shop_id, date, channel, amount, currency, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (shop_id, date, channel) DO UPDATE SET
    amount = excluded.amount,
    currency = excluded.currency;
`
	_, err := s.db.ExecContext(ctx, q,
		randomUUID(), spend.ShopID, spend.Date, spend.Channel, spend.Amount.String(), spend.Currency, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert ad spend: %w", err)
	}
	return nil
}
