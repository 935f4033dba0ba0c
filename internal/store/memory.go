package store

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"profitpeek/internal/domain"
)

// MemoryStore is an in-process Store used by tests and local tooling.
// A single mutex provides the per-key write exclusion the core requires.
type MemoryStore struct {
	mu sync.Mutex

	shops         map[string]domain.Shop                        // shopID
	shopsByDomain map[string]string                             // domain -> shopID
	settings      map[string]domain.Settings                    // shopID
	events        map[string]domain.WebhookEvent                // dedupKey
	orders        map[string]domain.Order                       // shopID/shopOrderID
	lines         map[string][]domain.OrderLine                 // shopID/shopOrderID
	refunds       map[string][]domain.RefundLine                // shopID/shopOrderID
	transactions  map[string][]domain.Transaction               // shopID/shopOrderID
	fees          map[string]domain.TransactionFee              // shopID/transactionID
	snapshots     map[string][]domain.InventoryItemCostSnapshot // shopID/inventoryItemID
	rollups       map[string]domain.DailyRollup                 // shopID/date
	contributions map[string]domain.OrderContribution           // shopID/shopOrderID
	adSpend       map[string]domain.AdSpendDaily                // shopID/date/channel

	now func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		shops:         map[string]domain.Shop{},
		shopsByDomain: map[string]string{},
		settings:      map[string]domain.Settings{},
		events:        map[string]domain.WebhookEvent{},
		orders:        map[string]domain.Order{},
		lines:         map[string][]domain.OrderLine{},
		refunds:       map[string][]domain.RefundLine{},
		transactions:  map[string][]domain.Transaction{},
		fees:          map[string]domain.TransactionFee{},
		snapshots:     map[string][]domain.InventoryItemCostSnapshot{},
		rollups:       map[string]domain.DailyRollup{},
		contributions: map[string]domain.OrderContribution{},
		adSpend:       map[string]domain.AdSpendDaily{},
		now:           time.Now,
	}
}

func key2(a, b string) string    { return a + "/" + b }
func key3(a, b, c string) string { return a + "/" + b + "/" + c }

func (m *MemoryStore) Close()                                     {}
func (m *MemoryStore) Ping(context.Context) error                 { return nil }
func (m *MemoryStore) RunMigrations(context.Context, fs.FS) error { return nil }

// -- Shops & settings --

func (m *MemoryStore) UpsertShop(_ context.Context, shop domain.Shop) (*domain.Shop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if shop.ID == "" {
		shop.ID = uuid.NewString()
	}
	if existing, ok := m.shops[shop.ID]; ok {
		shop.CreatedAt = existing.CreatedAt
	} else {
		shop.CreatedAt = m.now()
	}
	shop.UpdatedAt = m.now()
	m.shops[shop.ID] = shop
	m.shopsByDomain[shop.Domain] = shop.ID
	out := shop
	return &out, nil
}

func (m *MemoryStore) GetShop(_ context.Context, shopID string) (*domain.Shop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	shop, ok := m.shops[shopID]
	if !ok {
		return nil, fmt.Errorf("shop %s: %w", shopID, ErrNotFound)
	}
	out := shop
	return &out, nil
}

func (m *MemoryStore) GetShopByDomain(ctx context.Context, shopDomain string) (*domain.Shop, error) {
	m.mu.Lock()
	id, ok := m.shopsByDomain[shopDomain]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("shop %s: %w", shopDomain, ErrNotFound)
	}
	return m.GetShop(ctx, id)
}

func (m *MemoryStore) ListShops(_ context.Context) ([]domain.Shop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Shop, 0, len(m.shops))
	for _, shop := range m.shops {
		out = append(out, shop)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

func (m *MemoryStore) GetSettings(_ context.Context, shopID string) (*domain.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[shopID]
	if !ok {
		return nil, fmt.Errorf("settings for shop %s: %w", shopID, ErrNotFound)
	}
	out := s
	return &out, nil
}

func (m *MemoryStore) PutSettings(_ context.Context, settings domain.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	settings.UpdatedAt = m.now()
	m.settings[settings.ShopID] = settings
	return nil
}

// -- Webhook events --

func (m *MemoryStore) ClaimWebhookEvent(_ context.Context, ev domain.WebhookEvent, staleAfter time.Duration) (*domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, ok := m.events[ev.DedupKey]
	if ok {
		switch existing.Status {
		case domain.WebhookCompleted:
			return nil, fmt.Errorf("%s: %w", ev.DedupKey, ErrDuplicateEvent)
		case domain.WebhookProcessing:
			if now.Sub(existing.UpdatedAt) < staleAfter {
				return nil, fmt.Errorf("%s: %w", ev.DedupKey, ErrDuplicateEvent)
			}
		}
		existing.Status = domain.WebhookProcessing
		existing.Attempts++
		existing.UpdatedAt = now
		m.events[ev.DedupKey] = existing
		out := existing
		return &out, nil
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Status = domain.WebhookProcessing
	ev.Attempts = 1
	ev.UpdatedAt = now
	m.events[ev.DedupKey] = ev
	out := ev
	return &out, nil
}

func (m *MemoryStore) CompleteWebhookEvent(_ context.Context, dedupKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[dedupKey]
	if !ok {
		return fmt.Errorf("webhook event %s: %w", dedupKey, ErrNotFound)
	}
	now := m.now()
	ev.Status = domain.WebhookCompleted
	ev.ProcessedAt = &now
	ev.Error = nil
	ev.UpdatedAt = now
	m.events[dedupKey] = ev
	return nil
}

func (m *MemoryStore) FailWebhookEvent(_ context.Context, dedupKey, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[dedupKey]
	if !ok {
		return fmt.Errorf("webhook event %s: %w", dedupKey, ErrNotFound)
	}
	ev.Status = domain.WebhookFailed
	ev.Error = &message
	ev.UpdatedAt = m.now()
	m.events[dedupKey] = ev
	return nil
}

func (m *MemoryStore) ListRetryableWebhookEvents(_ context.Context, shopID string, staleAfter time.Duration, limit int) ([]domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-staleAfter)
	var out []domain.WebhookEvent
	for _, ev := range m.events {
		if ev.ShopID != shopID {
			continue
		}
		retryable := ev.Status == domain.WebhookFailed ||
			(ev.Status == domain.WebhookProcessing || ev.Status == domain.WebhookPending) && ev.UpdatedAt.Before(cutoff)
		if retryable {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListWebhookLags(_ context.Context, shopID string, since time.Time, limit int) ([]time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Duration
	for _, ev := range m.events {
		if ev.ShopID != shopID || ev.ProcessedAt == nil || ev.ReceivedAt.Before(since) {
			continue
		}
		out = append(out, ev.ProcessedAt.Sub(ev.ReceivedAt))
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// -- Orders --

func (m *MemoryStore) UpsertOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(order.ShopID, order.ShopOrderID)
	if existing, ok := m.orders[k]; ok {
		if order.UpdatedAt.Before(existing.UpdatedAt) {
			return nil, fmt.Errorf("order %s: %w", order.ShopOrderID, ErrStaleWrite)
		}
		order.ID = existing.ID
	} else if order.ID == "" {
		order.ID = uuid.NewString()
	}
	m.orders[k] = order
	out := order
	return &out, nil
}

func (m *MemoryStore) GetOrder(_ context.Context, shopID, shopOrderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[key2(shopID, shopOrderID)]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", shopOrderID, ErrNotFound)
	}
	out := order
	return &out, nil
}

func (m *MemoryStore) UpdateOrderFlags(_ context.Context, shopID, shopOrderID string, flags domain.OrderFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(shopID, shopOrderID)
	order, ok := m.orders[k]
	if !ok {
		return fmt.Errorf("order %s: %w", shopOrderID, ErrNotFound)
	}
	order.Flags = flags
	m.orders[k] = order
	return nil
}

func (m *MemoryStore) ListOrdersBetween(_ context.Context, shopID string, start, end time.Time) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, order := range m.orders {
		if order.ShopID != shopID {
			continue
		}
		if order.ProcessedAt.Before(start) || !order.ProcessedAt.Before(end) {
			continue
		}
		out = append(out, order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.Before(out[j].ProcessedAt) })
	return out, nil
}

func (m *MemoryStore) OrderFlagStats(_ context.Context, shopID string, since time.Time) (total, estimatedFees, missingCosts int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.ShopID != shopID || order.ProcessedAt.Before(since) {
			continue
		}
		total++
		if order.Flags.FeesEstimated {
			estimatedFees++
		}
		if order.Flags.NoUnitCost {
			missingCosts++
		}
	}
	return total, estimatedFees, missingCosts, nil
}

func (m *MemoryStore) ReplaceOrderLines(_ context.Context, shopID, shopOrderID string, lines []domain.OrderLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]domain.OrderLine, len(lines))
	for i, line := range lines {
		if line.ID == "" {
			line.ID = uuid.NewString()
		}
		copied[i] = line
	}
	m.lines[key2(shopID, shopOrderID)] = copied
	return nil
}

func (m *MemoryStore) ListOrderLines(_ context.Context, shopID, shopOrderID string) ([]domain.OrderLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OrderLine(nil), m.lines[key2(shopID, shopOrderID)]...), nil
}

func (m *MemoryStore) UpsertRefundLine(_ context.Context, refund domain.RefundLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(refund.ShopID, refund.OrderID)
	existing := m.refunds[k]
	for i, r := range existing {
		if r.RefundID == refund.RefundID && r.LineID == refund.LineID {
			refund.ID = r.ID
			existing[i] = refund
			m.refunds[k] = existing
			return nil
		}
	}
	if refund.ID == "" {
		refund.ID = uuid.NewString()
	}
	m.refunds[k] = append(existing, refund)
	return nil
}

func (m *MemoryStore) ListRefundLines(_ context.Context, shopID, shopOrderID string) ([]domain.RefundLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.RefundLine(nil), m.refunds[key2(shopID, shopOrderID)]...)
	sort.Slice(out, func(i, j int) bool { return out[i].RefundID < out[j].RefundID })
	return out, nil
}

func (m *MemoryStore) UpsertTransaction(_ context.Context, tx domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(tx.ShopID, tx.OrderID)
	existing := m.transactions[k]
	for i, t := range existing {
		if t.TransactionID == tx.TransactionID {
			tx.ID = t.ID
			existing[i] = tx
			m.transactions[k] = existing
			return nil
		}
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	m.transactions[k] = append(existing, tx)
	return nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, shopID, shopOrderID string) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.Transaction(nil), m.transactions[key2(shopID, shopOrderID)]...)
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out, nil
}

func (m *MemoryStore) UpsertTransactionFee(_ context.Context, fee domain.TransactionFee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(fee.ShopID, fee.TransactionID)
	if existing, ok := m.fees[k]; ok {
		fee.ID = existing.ID
	} else if fee.ID == "" {
		fee.ID = uuid.NewString()
	}
	m.fees[k] = fee
	return nil
}

func (m *MemoryStore) ListTransactionFees(_ context.Context, shopID, shopOrderID string) ([]domain.TransactionFee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TransactionFee
	for _, tx := range m.transactions[key2(shopID, shopOrderID)] {
		if fee, ok := m.fees[key2(shopID, tx.TransactionID)]; ok {
			out = append(out, fee)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out, nil
}

// -- Cost snapshots --

func (m *MemoryStore) InsertCostSnapshots(_ context.Context, snapshots []domain.InventoryItemCostSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snapshots {
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = m.now()
		}
		k := key2(s.ShopID, s.InventoryItemID)
		m.snapshots[k] = append(m.snapshots[k], s)
	}
	return nil
}

func (m *MemoryStore) ListCostSnapshots(_ context.Context, shopID, inventoryItemID string) ([]domain.InventoryItemCostSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.InventoryItemCostSnapshot(nil), m.snapshots[key2(shopID, inventoryItemID)]...), nil
}

// -- Rollups & ad spend --

func (m *MemoryStore) GetDailyRollup(_ context.Context, shopID, date string) (*domain.DailyRollup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rollup, ok := m.rollups[key2(shopID, date)]
	if !ok {
		return nil, fmt.Errorf("rollup %s/%s: %w", shopID, date, ErrNotFound)
	}
	out := cloneRollup(rollup)
	return &out, nil
}

func (m *MemoryStore) ListDailyRollups(_ context.Context, shopID, startDate, endDate string) ([]domain.DailyRollup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DailyRollup
	for _, rollup := range m.rollups {
		if rollup.ShopID != shopID {
			continue
		}
		if rollup.Date < startDate || rollup.Date >= endDate {
			continue
		}
		out = append(out, cloneRollup(rollup))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *MemoryStore) GetOrderContribution(_ context.Context, shopID, shopOrderID string) (*domain.OrderContribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	contrib, ok := m.contributions[key2(shopID, shopOrderID)]
	if !ok {
		return nil, fmt.Errorf("contribution %s: %w", shopOrderID, ErrNotFound)
	}
	out := contrib
	return &out, nil
}

func (m *MemoryStore) CommitRollup(_ context.Context, rollup domain.DailyRollup, contrib *domain.OrderContribution, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key2(rollup.ShopID, rollup.Date)
	existing, ok := m.rollups[k]
	switch {
	case !ok && expectedVersion != 0:
		return fmt.Errorf("rollup %s absent, expected version %d: %w", k, expectedVersion, ErrVersionConflict)
	case ok && existing.Version != expectedVersion:
		return fmt.Errorf("rollup %s at version %d, expected %d: %w", k, existing.Version, expectedVersion, ErrVersionConflict)
	}

	now := m.now()
	if ok {
		rollup.ID = existing.ID
		rollup.CreatedAt = existing.CreatedAt
	} else {
		if rollup.ID == "" {
			rollup.ID = uuid.NewString()
		}
		rollup.CreatedAt = now
	}
	rollup.Version = expectedVersion + 1
	rollup.UpdatedAt = now
	m.rollups[k] = cloneRollup(rollup)

	if contrib != nil {
		c := *contrib
		c.UpdatedAt = now
		m.contributions[key2(c.ShopID, c.OrderID)] = c
	}
	return nil
}

func (m *MemoryStore) UpsertAdSpend(_ context.Context, spend domain.AdSpendDaily) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key3(spend.ShopID, spend.Date, spend.Channel)
	if existing, ok := m.adSpend[k]; ok {
		spend.ID = existing.ID
	} else if spend.ID == "" {
		spend.ID = uuid.NewString()
	}
	if spend.CreatedAt.IsZero() {
		spend.CreatedAt = m.now()
	}
	m.adSpend[k] = spend
	return nil
}

func cloneRollup(r domain.DailyRollup) domain.DailyRollup {
	out := r
	if r.AdSpend != nil {
		out.AdSpend = make(map[string]decimal.Decimal, len(r.AdSpend))
		for channel, amount := range r.AdSpend {
			out.AdSpend[channel] = amount
		}
	}
	return out
}
