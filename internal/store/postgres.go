package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"profitpeek/internal/domain"
)

// PostgresStore provides typed access to Postgres resources.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

// NewPostgres opens a new connection pool with the desired search_path.
func NewPostgres(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger.With("component", "store_postgres"),
		schema: schema,
	}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations executes embedded SQL files in lexicographical order.
func (s *PostgresStore) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	entries, err := fs.ReadDir(filesystem, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		sqlBytes, err := fs.ReadFile(filesystem, entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if len(sqlBytes) == 0 {
			continue
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			_, execErr := tx.Exec(ctx, string(sqlBytes))
			return execErr
		})
		if err != nil {
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// -- Shops & settings --

func (s *PostgresStore) UpsertShop(ctx context.Context, shop domain.Shop) (*domain.Shop, error) {
	const q = `
INSERT INTO shops (shop_domain, timezone, currency, email, plan, updated_at)
VALUES ($1, COALESCE(NULLIF($2, ''), 'UTC'), $3, $4, $5, NOW())
ON CONFLICT (shop_domain) DO UPDATE SET
    timezone = COALESCE(NULLIF(EXCLUDED.timezone, ''), shops.timezone),
    currency = COALESCE(NULLIF(EXCLUDED.currency, ''), shops.currency),
    email = COALESCE(NULLIF(EXCLUDED.email, ''), shops.email),
    plan = COALESCE(NULLIF(EXCLUDED.plan, ''), shops.plan),
    updated_at = NOW()
RETURNING id, shop_domain, timezone, currency, email, plan, created_at, updated_at;
`
	row := s.pool.QueryRow(ctx, q, shop.Domain, shop.Timezone, shop.Currency, shop.Email, shop.Plan)
	var out domain.Shop
	if err := row.Scan(&out.ID, &out.Domain, &out.Timezone, &out.Currency, &out.Email, &out.Plan, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, fmt.Errorf("upsert shop: %w", err)
	}
	return &out, nil
}

func (s *PostgresStore) GetShop(ctx context.Context, shopID string) (*domain.Shop, error) {
	const q = `
SELECT id, shop_domain, timezone, currency, email, plan, created_at, updated_at
FROM shops
WHERE id = $1
LIMIT 1;
`
	return s.scanShop(s.pool.QueryRow(ctx, q, shopID))
}

func (s *PostgresStore) GetShopByDomain(ctx context.Context, shopDomain string) (*domain.Shop, error) {
	const q = `
SELECT id, shop_domain, timezone, currency, email, plan, created_at, updated_at
FROM shops
WHERE shop_domain = $1
LIMIT 1;
`
	return s.scanShop(s.pool.QueryRow(ctx, q, shopDomain))
}

func (s *PostgresStore) ListShops(ctx context.Context) ([]domain.Shop, error) {
	const q = `
SELECT id, shop_domain, timezone, currency, email, plan, created_at, updated_at
FROM shops
ORDER BY shop_domain;
`
	rows, err := s.pool.Query(ctx, q)
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

func (s *PostgresStore) scanShop(row pgx.Row) (*domain.Shop, error) {
	var out domain.Shop
	if err := row.Scan(&out.ID, &out.Domain, &out.Timezone, &out.Currency, &out.Email, &out.Plan, &out.CreatedAt, &out.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("shop: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get shop: %w", err)
	}
	return &out, nil
}

func (s *PostgresStore) GetSettings(ctx context.Context, shopID string) (*domain.Settings, error) {
	const q = `
SELECT shop_id, fee_default_pct, fee_default_fixed, fee_overrides, cogs_default_ratio,
       shipping_cost_rule, digest_local_time, ad_spend_channels, updated_at
FROM settings
WHERE shop_id = $1
LIMIT 1;
`
	row := s.pool.QueryRow(ctx, q, shopID)
	var out domain.Settings
	var overridesJSON, ruleJSON []byte
	if err := row.Scan(&out.ShopID, &out.FeeDefaultPct, &out.FeeDefaultFixed, &overridesJSON, &out.CogsDefaultRatio,
		&ruleJSON, &out.DigestLocalTime, &out.AdSpendChannels, &out.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	return &out, nil
}

func (s *PostgresStore) PutSettings(ctx context.Context, settings domain.Settings) error {
	overridesJSON, err := json.Marshal(settings.FeeOverrides)
	if err != nil {
		return fmt.Errorf("encode fee overrides: %w", err)
	}
	ruleJSON, err := json.Marshal(settings.ShippingCostRule)
	if err != nil {
		return fmt.Errorf("encode shipping cost rule: %w", err)
	}
	const q = `
INSERT INTO settings (shop_id, fee_default_pct, fee_default_fixed, fee_overrides, cogs_default_ratio,
                      shipping_cost_rule, digest_local_time, ad_spend_channels, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
ON CONFLICT (shop_id) DO UPDATE SET
    fee_default_pct = EXCLUDED.fee_default_pct,
    fee_default_fixed = EXCLUDED.fee_default_fixed,
    fee_overrides = EXCLUDED.fee_overrides,
    cogs_default_ratio = EXCLUDED.cogs_default_ratio,
    shipping_cost_rule = EXCLUDED.shipping_cost_rule,
    digest_local_time = EXCLUDED.digest_local_time,
    ad_spend_channels = EXCLUDED.ad_spend_channels,
    updated_at = NOW();
`
	_, err = s.pool.Exec(ctx, q,
		settings.ShopID,
		settings.FeeDefaultPct,
		settings.FeeDefaultFixed,
		string(overridesJSON),
		settings.CogsDefaultRatio,
		string(ruleJSON),
		settings.DigestLocalTime,
		settings.AdSpendChannels,
	)
	if err != nil {
		return fmt.Errorf("put settings: %w", err)
	}
	return nil
}

// -- Webhook events --

// ClaimWebhookEvent admits a delivery for processing or rejects it as a
// duplicate. Completed keys and fresh processing claims return
// ErrDuplicateEvent; pending, failed, and stale processing rows are
// reclaimed atomically.
func (s *PostgresStore) ClaimWebhookEvent(ctx context.Context, ev domain.WebhookEvent, staleAfter time.Duration) (*domain.WebhookEvent, error) {
	const q = `
INSERT INTO webhook_events (shop_id, topic, shop_resource_id, dedup_key, payload, status, attempts, received_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 'processing', 1, $6, NOW())
ON CONFLICT (dedup_key) DO UPDATE SET
    status = 'processing',
    attempts = webhook_events.attempts + 1,
    updated_at = NOW()
WHERE webhook_events.status IN ('pending', 'failed')
   OR (webhook_events.status = 'processing' AND webhook_events.updated_at < NOW() - make_interval(secs => $7))
RETURNING id, shop_id, topic, shop_resource_id, dedup_key, payload, status, attempts, received_at, processed_at, updated_at;
`
	row := s.pool.QueryRow(ctx, q, ev.ShopID, ev.Topic, ev.ShopResourceID, ev.DedupKey, string(ev.Payload), ev.ReceivedAt, staleAfter.Seconds())
	var out domain.WebhookEvent
	if err := row.Scan(&out.ID, &out.ShopID, &out.Topic, &out.ShopResourceID, &out.DedupKey, &out.Payload, &out.Status, &out.Attempts, &out.ReceivedAt, &out.ProcessedAt, &out.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", ev.DedupKey, ErrDuplicateEvent)
		}
		return nil, fmt.Errorf("claim webhook event: %w", err)
	}
	return &out, nil
}

func (s *PostgresStore) CompleteWebhookEvent(ctx context.Context, dedupKey string) error {
	const q = `
UPDATE webhook_events
SET status = 'completed', processed_at = NOW(), error = NULL, updated_at = NOW()
WHERE dedup_key = $1;
`
	ct, err := s.pool.Exec(ctx, q, dedupKey)
	if err != nil {
		return fmt.Errorf("complete webhook event: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("webhook event %s: %w", dedupKey, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) FailWebhookEvent(ctx context.Context, dedupKey, message string) error {
	const q = `
UPDATE webhook_events
SET status = 'failed', error = $2, updated_at = NOW()
WHERE dedup_key = $1;
`
	ct, err := s.pool.Exec(ctx, q, dedupKey, message)
	if err != nil {
		return fmt.Errorf("fail webhook event: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("webhook event %s: %w", dedupKey, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListRetryableWebhookEvents(ctx context.Context, shopID string, staleAfter time.Duration, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT id, shop_id, topic, shop_resource_id, dedup_key, payload, status, attempts, received_at, processed_at, updated_at
FROM webhook_events
WHERE shop_id = $1
  AND (status = 'failed'
       OR (status IN ('pending', 'processing') AND updated_at < NOW() - make_interval(secs => $2)))
ORDER BY received_at ASC
LIMIT $3;
`
	rows, err := s.pool.Query(ctx, q, shopID, staleAfter.Seconds(), limit)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retryable webhook events: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListWebhookLags(ctx context.Context, shopID string, since time.Time, limit int) ([]time.Duration, error) {
	if limit <= 0 {
		limit = 1000
	}
	const q = `
SELECT EXTRACT(EPOCH FROM (processed_at - received_at))
FROM webhook_events
WHERE shop_id = $1 AND processed_at IS NOT NULL AND received_at >= $2
ORDER BY received_at DESC
LIMIT $3;
`
	rows, err := s.pool.Query(ctx, q, shopID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook lags: %w", err)
	}
	defer rows.Close()

	var out []time.Duration
	for rows.Next() {
		var seconds float64
		if err := rows.Scan(&seconds); err != nil {
			return nil, fmt.Errorf("scan webhook lag: %w", err)
		}
		out = append(out, time.Duration(seconds*float64(time.Second)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook lags: %w", err)
	}
	return out, nil
}

func adSpendToJSON(spend map[string]decimal.Decimal) (string, error) {
	if spend == nil {
		spend = map[string]decimal.Decimal{}
	}
	data, err := json.Marshal(spend)
	if err != nil {
		return "", fmt.Errorf("encode ad spend: %w", err)
	}
	return string(data), nil
}

func adSpendFromJSON(data []byte) (map[string]decimal.Decimal, error) {
	out := map[string]decimal.Decimal{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode ad spend: %w", err)
	}
	return out, nil
}
