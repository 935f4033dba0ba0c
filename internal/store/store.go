// Package store defines persistence for the reconciliation core and
// its Postgres, SQLite and in-memory implementations. Per-key write
// serialization (order, rollup) is enforced here via upsert-by-natural-
// key plus optimistic versioning; callers handle ErrVersionConflict by
// retrying with fresh state.
package store

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"profitpeek/internal/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateEvent marks a webhook delivery already completed or
	// currently being processed; callers discard it silently.
	ErrDuplicateEvent = errors.New("duplicate webhook event")
	// ErrStaleWrite marks an entity write carrying an older updated_at
	// than the stored record. Stale writes are ignored no-ops.
	ErrStaleWrite = errors.New("stale write rejected")
	// ErrVersionConflict marks an optimistic rollup write racing a
	// concurrent writer.
	ErrVersionConflict = errors.New("rollup version conflict")
)

// Store is the persistence boundary of the reconciliation core.
type Store interface {
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Shops & settings
	UpsertShop(ctx context.Context, shop domain.Shop) (*domain.Shop, error)
	GetShop(ctx context.Context, shopID string) (*domain.Shop, error)
	GetShopByDomain(ctx context.Context, shopDomain string) (*domain.Shop, error)
	ListShops(ctx context.Context) ([]domain.Shop, error)
	GetSettings(ctx context.Context, shopID string) (*domain.Settings, error)
	PutSettings(ctx context.Context, settings domain.Settings) error

	// Webhook events (dedup state machine)
	ClaimWebhookEvent(ctx context.Context, ev domain.WebhookEvent, staleAfter time.Duration) (*domain.WebhookEvent, error)
	CompleteWebhookEvent(ctx context.Context, dedupKey string) error
	FailWebhookEvent(ctx context.Context, dedupKey, message string) error
	ListRetryableWebhookEvents(ctx context.Context, shopID string, staleAfter time.Duration, limit int) ([]domain.WebhookEvent, error)
	ListWebhookLags(ctx context.Context, shopID string, since time.Time, limit int) ([]time.Duration, error)

	// Orders and their children
	UpsertOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, shopID, shopOrderID string) (*domain.Order, error)
	UpdateOrderFlags(ctx context.Context, shopID, shopOrderID string, flags domain.OrderFlags) error
	ListOrdersBetween(ctx context.Context, shopID string, start, end time.Time) ([]domain.Order, error)
	OrderFlagStats(ctx context.Context, shopID string, since time.Time) (total, estimatedFees, missingCosts int64, err error)
	ReplaceOrderLines(ctx context.Context, shopID, shopOrderID string, lines []domain.OrderLine) error
	ListOrderLines(ctx context.Context, shopID, shopOrderID string) ([]domain.OrderLine, error)
	UpsertRefundLine(ctx context.Context, refund domain.RefundLine) error
	ListRefundLines(ctx context.Context, shopID, shopOrderID string) ([]domain.RefundLine, error)
	UpsertTransaction(ctx context.Context, tx domain.Transaction) error
	ListTransactions(ctx context.Context, shopID, shopOrderID string) ([]domain.Transaction, error)
	UpsertTransactionFee(ctx context.Context, fee domain.TransactionFee) error
	ListTransactionFees(ctx context.Context, shopID, shopOrderID string) ([]domain.TransactionFee, error)

	// Cost snapshots
	InsertCostSnapshots(ctx context.Context, snapshots []domain.InventoryItemCostSnapshot) error
	ListCostSnapshots(ctx context.Context, shopID, inventoryItemID string) ([]domain.InventoryItemCostSnapshot, error)

	// Rollups & ad spend
	GetDailyRollup(ctx context.Context, shopID, date string) (*domain.DailyRollup, error)
	ListDailyRollups(ctx context.Context, shopID, startDate, endDate string) ([]domain.DailyRollup, error)
	GetOrderContribution(ctx context.Context, shopID, shopOrderID string) (*domain.OrderContribution, error)
	CommitRollup(ctx context.Context, rollup domain.DailyRollup, contrib *domain.OrderContribution, expectedVersion int64) error
	UpsertAdSpend(ctx context.Context, spend domain.AdSpendDaily) error
}
