package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"profitpeek/internal/domain"
)

const orderColumns = `
id, shop_id, shop_order_id, order_number, created_at, processed_at, updated_at,
currency, presentment_currency, total_price, total_discounts, total_tax, total_duties,
total_shipping_price, financial_status, fulfillment_status, customer_id,
fees_estimated, no_unit_cost, multi_currency, has_refunds`

// UpsertOrder stores the order idempotently by (shop_id, shop_order_id).
// Writes carrying an older updated_at than the stored row are rejected
// with ErrStaleWrite, never applied.
func (s *PostgresStore) UpsertOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	const q = `
INSERT INTO orders (shop_id, shop_order_id, order_number, created_at, processed_at, updated_at,
                    currency, presentment_currency, total_price, total_discounts, total_tax, total_duties,
                    total_shipping_price, financial_status, fulfillment_status, customer_id,
                    fees_estimated, no_unit_cost, multi_currency, has_refunds)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
ON CONFLICT (shop_id, shop_order_id) DO UPDATE SET
    order_number = EXCLUDED.order_number,
    created_at = EXCLUDED.created_at,
    processed_at = EXCLUDED.processed_at,
    updated_at = EXCLUDED.updated_at,
    currency = EXCLUDED.currency,
    presentment_currency = EXCLUDED.presentment_currency,
    total_price = EXCLUDED.total_price,
    total_discounts = EXCLUDED.total_discounts,
    total_tax = EXCLUDED.total_tax,
    total_duties = EXCLUDED.total_duties,
    total_shipping_price = EXCLUDED.total_shipping_price,
    financial_status = EXCLUDED.financial_status,
    fulfillment_status = EXCLUDED.fulfillment_status,
    customer_id = EXCLUDED.customer_id,
    fees_estimated = EXCLUDED.fees_estimated,
    no_unit_cost = EXCLUDED.no_unit_cost,
    multi_currency = EXCLUDED.multi_currency,
    has_refunds = EXCLUDED.has_refunds
WHERE orders.updated_at <= EXCLUDED.updated_at
RETURNING ` + orderColumns + `;
`
	row := s.pool.QueryRow(ctx, q,
		order.ShopID, order.ShopOrderID, order.OrderNumber, order.CreatedAt, order.ProcessedAt, order.UpdatedAt,
		order.Currency, order.PresentmentCurrency, order.TotalPrice, order.TotalDiscounts, order.TotalTax, order.TotalDuties,
		order.TotalShippingPrice, order.FinancialStatus, order.FulfillmentStatus, order.CustomerID,
		order.Flags.FeesEstimated, order.Flags.NoUnitCost, order.Flags.MultiCurrency, order.Flags.HasRefunds,
	)
	out, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", order.ShopOrderID, ErrStaleWrite)
		}
		return nil, fmt.Errorf("upsert order: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, shopID, shopOrderID string) (*domain.Order, error) {
	const q = `
SELECT ` + orderColumns + `
FROM orders
WHERE shop_id = $1 AND shop_order_id = $2
LIMIT 1;
`
	out, err := scanOrder(s.pool.QueryRow(ctx, q, shopID, shopOrderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", shopOrderID, ErrNotFound)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateOrderFlags(ctx context.Context, shopID, shopOrderID string, flags domain.OrderFlags) error {
	const q = `
UPDATE orders
SET fees_estimated = $3, no_unit_cost = $4, multi_currency = $5, has_refunds = $6
WHERE shop_id = $1 AND shop_order_id = $2;
`
	ct, err := s.pool.Exec(ctx, q, shopID, shopOrderID, flags.FeesEstimated, flags.NoUnitCost, flags.MultiCurrency, flags.HasRefunds)
	if err != nil {
		return fmt.Errorf("update order flags: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", shopOrderID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListOrdersBetween(ctx context.Context, shopID string, start, end time.Time) ([]domain.Order, error) {
	const q = `
SELECT ` + orderColumns + `
FROM orders
WHERE shop_id = $1 AND processed_at >= $2 AND processed_at < $3
ORDER BY processed_at ASC;
`
	rows, err := s.pool.Query(ctx, q, shopID, start, end)
	if err != nil {
		return nil, fmt.Errorf("list orders between: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) OrderFlagStats(ctx context.Context, shopID string, since time.Time) (total, estimatedFees, missingCosts int64, err error) {
	const q = `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE fees_estimated),
       COUNT(*) FILTER (WHERE no_unit_cost)
FROM orders
WHERE shop_id = $1 AND processed_at >= $2;
`
	row := s.pool.QueryRow(ctx, q, shopID, since)
	if err := row.Scan(&total, &estimatedFees, &missingCosts); err != nil {
		return 0, 0, 0, fmt.Errorf("order flag stats: %w", err)
	}
	return total, estimatedFees, missingCosts, nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var out domain.Order
	if err := row.Scan(
		&out.ID, &out.ShopID, &out.ShopOrderID, &out.OrderNumber, &out.CreatedAt, &out.ProcessedAt, &out.UpdatedAt,
		&out.Currency, &out.PresentmentCurrency, &out.TotalPrice, &out.TotalDiscounts, &out.TotalTax, &out.TotalDuties,
		&out.TotalShippingPrice, &out.FinancialStatus, &out.FulfillmentStatus, &out.CustomerID,
		&out.Flags.FeesEstimated, &out.Flags.NoUnitCost, &out.Flags.MultiCurrency, &out.Flags.HasRefunds,
	); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReplaceOrderLines swaps the full line set for an order in one
// transaction; webhook payloads always carry the complete set.
func (s *PostgresStore) ReplaceOrderLines(ctx context.Context, shopID, shopOrderID string, lines []domain.OrderLine) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM order_lines WHERE shop_id = $1 AND shop_order_id = $2;`, shopID, shopOrderID); err != nil {
			return fmt.Errorf("delete order lines: %w", err)
		}
		const q = `
INSERT INTO order_lines (shop_id, shop_order_id, line_id, product_id, variant_id, inventory_item_id,
                         quantity, price, discount_allocated, presentment_currency, shop_currency,
                         effective_unit_cost, cost_source, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
`
		for _, line := range lines {
			if _, err := tx.Exec(ctx, q,
				shopID, shopOrderID, line.LineID, line.ProductID, line.VariantID, line.InventoryItemID,
				line.Quantity, line.Price, line.DiscountAllocated, line.PresentmentCurrency, line.ShopCurrency,
				line.EffectiveUnitCost, string(line.CostSource), line.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert order line %s: %w", line.LineID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListOrderLines(ctx context.Context, shopID, shopOrderID string) ([]domain.OrderLine, error) {
	const q = `
SELECT id, shop_id, shop_order_id, line_id, product_id, variant_id, inventory_item_id,
       quantity, price, discount_allocated, presentment_currency, shop_currency,
       effective_unit_cost, cost_source, created_at
FROM order_lines
WHERE shop_id = $1 AND shop_order_id = $2
ORDER BY line_id ASC;
`
	rows, err := s.pool.Query(ctx, q, shopID, shopOrderID)
	if err != nil {
		return nil, fmt.Errorf("list order lines: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderLine
	for rows.Next() {
		var line domain.OrderLine
		var source string
		if err := rows.Scan(&line.ID, &line.ShopID, &line.OrderID, &line.LineID, &line.ProductID, &line.VariantID, &line.InventoryItemID,
			&line.Quantity, &line.Price, &line.DiscountAllocated, &line.PresentmentCurrency, &line.ShopCurrency,
			&line.EffectiveUnitCost, &source, &line.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		line.CostSource = domain.CostSource(source)
		out = append(out, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order lines: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpsertRefundLine(ctx context.Context, refund domain.RefundLine) error {
	const q = `
INSERT INTO refund_lines (shop_id, shop_order_id, line_id, refund_id, refunded_quantity, refunded_amount, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (shop_id, refund_id, line_id) DO UPDATE SET
    refunded_quantity = EXCLUDED.refunded_quantity,
    refunded_amount = EXCLUDED.refunded_amount;
`
	_, err := s.pool.Exec(ctx, q,
		refund.ShopID, refund.OrderID, refund.LineID, refund.RefundID,
		refund.RefundedQuantity, refund.RefundedAmount, refund.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert refund line: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRefundLines(ctx context.Context, shopID, shopOrderID string) ([]domain.RefundLine, error) {
	const q = `
SELECT id, shop_id, shop_order_id, line_id, refund_id, refunded_quantity, refunded_amount, created_at
FROM refund_lines
WHERE shop_id = $1 AND shop_order_id = $2
ORDER BY refund_id ASC, line_id ASC;
`
	rows, err := s.pool.Query(ctx, q, shopID, shopOrderID)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refund lines: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpsertTransaction(ctx context.Context, txn domain.Transaction) error {
	const q = `
INSERT INTO transactions (shop_id, shop_order_id, transaction_id, gateway, kind, status, amount, processed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (shop_id, transaction_id) DO UPDATE SET
    gateway = EXCLUDED.gateway,
    kind = EXCLUDED.kind,
    status = EXCLUDED.status,
    amount = EXCLUDED.amount,
    processed_at = EXCLUDED.processed_at;
`
	_, err := s.pool.Exec(ctx, q,
		txn.ShopID, txn.OrderID, txn.TransactionID, txn.Gateway, txn.Kind, string(txn.Status), txn.Amount, txn.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, shopID, shopOrderID string) ([]domain.Transaction, error) {
	const q = `
SELECT id, shop_id, shop_order_id, transaction_id, gateway, kind, status, amount, processed_at
FROM transactions
WHERE shop_id = $1 AND shop_order_id = $2
ORDER BY transaction_id ASC;
`
	rows, err := s.pool.Query(ctx, q, shopID, shopOrderID)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpsertTransactionFee(ctx context.Context, fee domain.TransactionFee) error {
	const q = `
INSERT INTO transaction_fees (shop_id, transaction_id, amount, currency, estimated, created_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (shop_id, transaction_id) DO UPDATE SET
    amount = EXCLUDED.amount,
    currency = EXCLUDED.currency,
    estimated = EXCLUDED.estimated;
`
	_, err := s.pool.Exec(ctx, q, fee.ShopID, fee.TransactionID, fee.Amount, fee.Currency, fee.Estimated)
	if err != nil {
		return fmt.Errorf("upsert transaction fee: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTransactionFees(ctx context.Context, shopID, shopOrderID string) ([]domain.TransactionFee, error) {
	const q = `
SELECT f.id, f.shop_id, f.transaction_id, f.amount, f.currency, f.estimated, f.created_at
FROM transaction_fees f
JOIN transactions t ON t.shop_id = f.shop_id AND t.transaction_id = f.transaction_id
WHERE f.shop_id = $1 AND t.shop_order_id = $2
ORDER BY f.transaction_id ASC;
`
	rows, err := s.pool.Query(ctx, q, shopID, shopOrderID)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction fees: %w", err)
	}
	return out, nil
}
