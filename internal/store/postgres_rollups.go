package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"profitpeek/internal/domain"
)

func (s *PostgresStore) InsertCostSnapshots(ctx context.Context, snapshots []domain.InventoryItemCostSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const q = `
INSERT INTO inventory_item_cost_snapshots (shop_id, inventory_item_id, effective_date, unit_cost, currency, source, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW());
`
		for _, snap := range snapshots {
			if _, err := tx.Exec(ctx, q,
				snap.ShopID, snap.InventoryItemID, snap.EffectiveDate, snap.UnitCost, snap.Currency, string(snap.Source),
			); err != nil {
				return fmt.Errorf("insert cost snapshot %s: %w", snap.InventoryItemID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListCostSnapshots(ctx context.Context, shopID, inventoryItemID string) ([]domain.InventoryItemCostSnapshot, error) {
	const q = `
SELECT id, shop_id, inventory_item_id, effective_date, unit_cost, currency, source, created_at
FROM inventory_item_cost_snapshots
WHERE shop_id = $1 AND inventory_item_id = $2
ORDER BY effective_date DESC, created_at DESC;
`
	rows, err := s.pool.Query(ctx, q, shopID, inventoryItemID)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cost snapshots: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetDailyRollup(ctx context.Context, shopID, date string) (*domain.DailyRollup, error) {
	const q = `
SELECT id, shop_id, date, net_revenue, cogs, fees, shipping_cost, ad_spend,
       net_profit, margin_pct, orders_count, version, created_at, updated_at
FROM daily_rollups
WHERE shop_id = $1 AND date = $2
LIMIT 1;
`
	rollup, err := scanRollup(s.pool.QueryRow(ctx, q, shopID, date))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("rollup %s/%s: %w", shopID, date, ErrNotFound)
		}
		return nil, fmt.Errorf("get daily rollup: %w", err)
	}
	return rollup, nil
}

func (s *PostgresStore) ListDailyRollups(ctx context.Context, shopID, startDate, endDate string) ([]domain.DailyRollup, error) {
	const q = `
SELECT id, shop_id, date, net_revenue, cogs, fees, shipping_cost, ad_spend,
       net_profit, margin_pct, orders_count, version, created_at, updated_at
FROM daily_rollups
WHERE shop_id = $1 AND date >= $2 AND date < $3
ORDER BY date ASC;
`
	rows, err := s.pool.Query(ctx, q, shopID, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("list daily rollups: %w", err)
	}
	defer rows.Close()

	var out []domain.DailyRollup
	for rows.Next() {
		rollup, err := scanRollup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan daily rollup: %w", err)
		}
		out = append(out, *rollup)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily rollups: %w", err)
	}
	return out, nil
}

func scanRollup(row pgx.Row) (*domain.DailyRollup, error) {
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

func (s *PostgresStore) GetOrderContribution(ctx context.Context, shopID, shopOrderID string) (*domain.OrderContribution, error) {
	const q = `
SELECT shop_id, shop_order_id, date, net_revenue, cogs, fees, shipping_cost, orders_count, updated_at
FROM order_contributions
WHERE shop_id = $1 AND shop_order_id = $2
LIMIT 1;
`
	row := s.pool.QueryRow(ctx, q, shopID, shopOrderID)
	var out domain.OrderContribution
	if err := row.Scan(&out.ShopID, &out.OrderID, &out.Date, &out.NetRevenue, &out.COGS, &out.Fees, &out.ShippingCost, &out.OrdersCount, &out.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("contribution %s: %w", shopOrderID, ErrNotFound)
		}
		return nil, fmt.Errorf("get order contribution: %w", err)
	}
	return &out, nil
}

// CommitRollup writes the rollup guarded by an optimistic version check
// and, in the same transaction, records the order's new contribution.
// expectedVersion 0 means the row must not exist yet.
func (s *PostgresStore) CommitRollup(ctx context.Context, rollup domain.DailyRollup, contrib *domain.OrderContribution, expectedVersion int64) error {
	adSpendJSON, err := adSpendToJSON(rollup.AdSpend)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if expectedVersion == 0 {
			const q = `
INSERT INTO daily_rollups (shop_id, date, net_revenue, cogs, fees, shipping_cost, ad_spend,
                           net_profit, margin_pct, orders_count, version, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, NOW())
ON CONFLICT (shop_id, date) DO NOTHING;
`
			ct, err := tx.Exec(ctx, q,
				rollup.ShopID, rollup.Date, rollup.NetRevenue, rollup.COGS, rollup.Fees, rollup.ShippingCost, adSpendJSON,
				rollup.NetProfit, rollup.MarginPct, rollup.OrdersCount,
			)
			if err != nil {
				return fmt.Errorf("insert daily rollup: %w", err)
			}
			if ct.RowsAffected() == 0 {
				return fmt.Errorf("rollup %s/%s exists: %w", rollup.ShopID, rollup.Date, ErrVersionConflict)
			}
		} else {
			const q = `
UPDATE daily_rollups
SET net_revenue = $3, cogs = $4, fees = $5, shipping_cost = $6, ad_spend = $7,
    net_profit = $8, margin_pct = $9, orders_count = $10, version = version + 1, updated_at = NOW()
WHERE shop_id = $1 AND date = $2 AND version = $11;
`
			ct, err := tx.Exec(ctx, q,
				rollup.ShopID, rollup.Date, rollup.NetRevenue, rollup.COGS, rollup.Fees, rollup.ShippingCost, adSpendJSON,
				rollup.NetProfit, rollup.MarginPct, rollup.OrdersCount, expectedVersion,
			)
			if err != nil {
				return fmt.Errorf("update daily rollup: %w", err)
			}
			if ct.RowsAffected() == 0 {
				return fmt.Errorf("rollup %s/%s version %d: %w", rollup.ShopID, rollup.Date, expectedVersion, ErrVersionConflict)
			}
		}

		if contrib != nil {
			const q = `
INSERT INTO order_contributions (shop_id, shop_order_id, date, net_revenue, cogs, fees, shipping_cost, orders_count, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
ON CONFLICT (shop_id, shop_order_id) DO UPDATE SET
    date = EXCLUDED.date,
    net_revenue = EXCLUDED.net_revenue,
    cogs = EXCLUDED.cogs,
    fees = EXCLUDED.fees,
    shipping_cost = EXCLUDED.shipping_cost,
    orders_count = EXCLUDED.orders_count,
    updated_at = NOW();
`
			if _, err := tx.Exec(ctx, q,
				contrib.ShopID, contrib.OrderID, contrib.Date, contrib.NetRevenue, contrib.COGS, contrib.Fees, contrib.ShippingCost, contrib.OrdersCount,
			); err != nil {
				return fmt.Errorf("upsert order contribution: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) UpsertAdSpend(ctx context.Context, spend domain.AdSpendDaily) error {
	const q = `
INSERT INTO ad_spend_daily (shop_id, date, channel, amount, currency, created_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (shop_id, date, channel) DO UPDATE SET
    amount = EXCLUDED.amount,
    currency = EXCLUDED.currency;
`
	_, err := s.pool.Exec(ctx, q, spend.ShopID, spend.Date, spend.Channel, spend.Amount, spend.Currency)
	if err != nil {
		return fmt.Errorf("upsert ad spend: %w", err)
	}
	return nil
}
