// Package pipeline drives webhook deliveries through parse, dedup,
// persistence, profit calculation and rollup aggregation. Every path is
// idempotent: redelivery, out-of-order arrival and recalculation all
// converge on the same stored numbers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"profitpeek/internal/costs"
	"profitpeek/internal/domain"
	"profitpeek/internal/fees"
	"profitpeek/internal/metrics"
	"profitpeek/internal/profit"
	"profitpeek/internal/rollup"
	"profitpeek/internal/shopify"
	"profitpeek/internal/store"
)

// DefaultStaleAfter is how long a processing claim holds before another
// delivery may reclaim it.
const DefaultStaleAfter = 5 * time.Minute

// Processor is the ingest pipeline. It implements
// shopify.WebhookProcessor.
type Processor struct {
	store      store.Store
	aggregator *rollup.Aggregator
	fees       *fees.Resolver
	logger     *slog.Logger
	metrics    *metrics.Metrics
	staleAfter time.Duration
}

// New creates a processor with the given claim-staleness window. A
// non-positive staleAfter uses DefaultStaleAfter.
func New(st store.Store, agg *rollup.Aggregator, feeResolver *fees.Resolver, logger *slog.Logger, m *metrics.Metrics, staleAfter time.Duration) *Processor {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Processor{
		store:      st,
		aggregator: agg,
		fees:       feeResolver,
		logger:     logger.With("component", "pipeline"),
		metrics:    m,
		staleAfter: staleAfter,
	}
}

// DedupKey builds the idempotency key for one delivery.
func DedupKey(topic, shopDomain, resourceID, timestamp string) string {
	return topic + ":" + shopDomain + ":" + resourceID + ":" + timestamp
}

// HandleShopifyEvent processes one webhook delivery end to end.
func (p *Processor) HandleShopifyEvent(ctx context.Context, event shopify.WebhookEvent) error {
	shop, err := p.shopFor(ctx, event.ShopDomain)
	if err != nil {
		return err
	}

	switch event.Topic {
	case shopify.TopicOrdersCreate, shopify.TopicOrdersUpdated, shopify.TopicOrdersCancelled:
		return p.handleOrder(ctx, *shop, event)
	case shopify.TopicRefundsCreate:
		return p.handleRefund(ctx, *shop, event)
	case shopify.TopicTransactionsCreate:
		return p.handleTransaction(ctx, *shop, event)
	default:
		p.logger.Debug("ignoring topic", "topic", event.Topic, "shop", event.ShopDomain)
		p.metrics.WebhookEvents.WithLabelValues(event.Topic, "ignored").Inc()
		return nil
	}
}

// RetryFailed re-drives this shop's failed and stale deliveries through
// the normal webhook path. The dedup claim admits them again (failed and
// stale-processing rows are reclaimable), so a delivery that now
// succeeds completes like any live one. Returns the number of events
// that completed on this pass.
func (p *Processor) RetryFailed(ctx context.Context, shop domain.Shop, limit int) (int, error) {
	events, err := p.store.ListRetryableWebhookEvents(ctx, shop.ID, p.staleAfter, limit)
	if err != nil {
		return 0, fmt.Errorf("list retryable events: %w", err)
	}

	retried := 0
	for _, ev := range events {
		if len(ev.Payload) == 0 {
			p.logger.Warn("retryable event has no stored payload", "shop", shop.Domain, "dedup_key", ev.DedupKey)
			continue
		}
		err := p.HandleShopifyEvent(ctx, shopify.WebhookEvent{
			Topic:      ev.Topic,
			ShopDomain: shop.Domain,
			Payload:    ev.Payload,
			ReceivedAt: ev.ReceivedAt,
		})
		switch {
		case errors.Is(err, store.ErrDuplicateEvent):
		case err != nil:
			p.logger.Warn("webhook retry failed", "shop", shop.Domain, "dedup_key", ev.DedupKey, "error", err)
		default:
			retried++
		}
		if ctx.Err() != nil {
			return retried, ctx.Err()
		}
	}
	return retried, nil
}

// shopFor resolves the tenant, registering it on first contact.
func (p *Processor) shopFor(ctx context.Context, shopDomain string) (*domain.Shop, error) {
	shop, err := p.store.GetShopByDomain(ctx, shopDomain)
	if err == nil {
		return shop, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolve shop %s: %w", shopDomain, err)
	}
	shop, err = p.store.UpsertShop(ctx, domain.Shop{Domain: shopDomain})
	if err != nil {
		return nil, fmt.Errorf("register shop %s: %w", shopDomain, err)
	}
	p.logger.Info("registered shop", "shop", shopDomain)
	return shop, nil
}

func (p *Processor) handleOrder(ctx context.Context, shop domain.Shop, event shopify.WebhookEvent) error {
	payload, err := shopify.ParseOrder(event.Payload)
	if err != nil {
		return p.rejectMalformed(ctx, shop, event, err)
	}

	order, lines, refundLines, txns, err := payload.NormalizeOrder(shop.ID)
	if err != nil {
		return p.rejectMalformed(ctx, shop, event, err)
	}

	dedupKey := DedupKey(event.Topic, shop.Domain, order.ShopOrderID, payload.UpdatedAt)
	if _, err := p.claim(ctx, shop, event, order.ShopOrderID, dedupKey); err != nil {
		return err
	}

	if err := p.ingestOrder(ctx, shop, order, lines, refundLines, txns, payload.Transactions); err != nil {
		return p.fail(ctx, event, dedupKey, err)
	}
	if err := p.Recalculate(ctx, shop, order.ShopOrderID, "webhook"); err != nil {
		return p.fail(ctx, event, dedupKey, err)
	}
	return p.complete(ctx, event, dedupKey)
}

func (p *Processor) handleRefund(ctx context.Context, shop domain.Shop, event shopify.WebhookEvent) error {
	payload, err := shopify.ParseRefund(event.Payload)
	if err != nil {
		return p.rejectMalformed(ctx, shop, event, err)
	}

	shopOrderID, refundLines, _, err := payload.NormalizeRefund(shop.ID)
	if err != nil {
		return p.rejectMalformed(ctx, shop, event, err)
	}

	refundID := shopOrderID
	if len(refundLines) > 0 {
		refundID = refundLines[0].RefundID
	}
	dedupKey := DedupKey(event.Topic, shop.Domain, refundID, payload.CreatedAt)
	if _, err := p.claim(ctx, shop, event, refundID, dedupKey); err != nil {
		return err
	}

	// Bound-check before anything is stored: a rejected over-refund
	// must leave the order recalculable, not poison it.
	if err := p.validateRefundBound(ctx, shop, shopOrderID, refundID, refundLines); err != nil {
		return p.fail(ctx, event, dedupKey, err)
	}

	for _, rl := range refundLines {
		if err := p.store.UpsertRefundLine(ctx, rl); err != nil {
			return p.fail(ctx, event, dedupKey, fmt.Errorf("persist refund line: %w", err))
		}
	}

	err = p.Recalculate(ctx, shop, shopOrderID, "webhook")
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Refund arrived before its order. The lines are stored; the
		// order's first calculation will pick them up.
		p.logger.Info("refund before order", "shop", shop.Domain, "order", shopOrderID)
	case err != nil:
		return p.fail(ctx, event, dedupKey, err)
	}
	return p.complete(ctx, event, dedupKey)
}

// validateRefundBound checks the incoming refund lines against stored
// order lines and the other stored refunds. Lines of the same refund id
// are replaced by the incoming set rather than double-counted. When the
// order has not arrived yet there is nothing to check against; the
// order's first calculation enforces the bound instead.
func (p *Processor) validateRefundBound(ctx context.Context, shop domain.Shop, shopOrderID, refundID string, incoming []domain.RefundLine) error {
	lines, err := p.store.ListOrderLines(ctx, shop.ID, shopOrderID)
	if err != nil {
		return fmt.Errorf("load order lines: %w", err)
	}
	if len(lines) == 0 {
		return nil
	}

	stored, err := p.store.ListRefundLines(ctx, shop.ID, shopOrderID)
	if err != nil {
		return fmt.Errorf("load refund lines: %w", err)
	}
	merged := make([]domain.RefundLine, 0, len(stored)+len(incoming))
	for _, rl := range stored {
		if rl.RefundID != refundID {
			merged = append(merged, rl)
		}
	}
	merged = append(merged, incoming...)
	return profit.ValidateRefunds(lines, merged)
}

func (p *Processor) handleTransaction(ctx context.Context, shop domain.Shop, event shopify.WebhookEvent) error {
	payload, err := shopify.ParseTransaction(event.Payload)
	if err != nil {
		return p.rejectMalformed(ctx, shop, event, err)
	}

	txn, err := payload.NormalizeTransaction(shop.ID)
	if err != nil {
		return p.rejectMalformed(ctx, shop, event, err)
	}

	dedupKey := DedupKey(event.Topic, shop.Domain, txn.TransactionID, payload.CreatedAt)
	if _, err := p.claim(ctx, shop, event, txn.TransactionID, dedupKey); err != nil {
		return err
	}

	if err := p.store.UpsertTransaction(ctx, *txn); err != nil {
		return p.fail(ctx, event, dedupKey, fmt.Errorf("persist transaction: %w", err))
	}
	if err := p.resolveFee(ctx, shop, *txn, payload); err != nil {
		return p.fail(ctx, event, dedupKey, err)
	}

	err = p.Recalculate(ctx, shop, txn.OrderID, "webhook")
	switch {
	case errors.Is(err, store.ErrNotFound):
		p.logger.Info("transaction before order", "shop", shop.Domain, "order", txn.OrderID)
	case err != nil:
		return p.fail(ctx, event, dedupKey, err)
	}
	return p.complete(ctx, event, dedupKey)
}

func (p *Processor) claim(ctx context.Context, shop domain.Shop, event shopify.WebhookEvent, resourceID, dedupKey string) (*domain.WebhookEvent, error) {
	claimed, err := p.store.ClaimWebhookEvent(ctx, domain.WebhookEvent{
		ShopID:         shop.ID,
		Topic:          event.Topic,
		ShopResourceID: resourceID,
		DedupKey:       dedupKey,
		Payload:        event.Payload,
		ReceivedAt:     event.ReceivedAt,
	}, p.staleAfter)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			p.metrics.WebhookEvents.WithLabelValues(event.Topic, "duplicate").Inc()
		}
		return nil, err
	}
	return claimed, nil
}

// rejectMalformed records a failed dedup entry for auditability and
// propagates the validation error.
func (p *Processor) rejectMalformed(ctx context.Context, shop domain.Shop, event shopify.WebhookEvent, cause error) error {
	resource := event.WebhookID
	if resource == "" {
		resource = "unknown"
	}
	dedupKey := DedupKey(event.Topic, shop.Domain, resource, event.ReceivedAt.UTC().Format(time.RFC3339))

	_, err := p.store.ClaimWebhookEvent(ctx, domain.WebhookEvent{
		ShopID:         shop.ID,
		Topic:          event.Topic,
		ShopResourceID: resource,
		DedupKey:       dedupKey,
		Payload:        event.Payload,
		ReceivedAt:     event.ReceivedAt,
	}, p.staleAfter)
	if err == nil {
		if failErr := p.store.FailWebhookEvent(ctx, dedupKey, cause.Error()); failErr != nil {
			p.logger.Error("failed to mark malformed event", "error", failErr)
		}
	}
	p.metrics.WebhookEvents.WithLabelValues(event.Topic, "malformed").Inc()
	return cause
}

func (p *Processor) fail(ctx context.Context, event shopify.WebhookEvent, dedupKey string, cause error) error {
	if err := p.store.FailWebhookEvent(ctx, dedupKey, cause.Error()); err != nil {
		p.logger.Error("failed to mark event failed", "dedup_key", dedupKey, "error", err)
	}
	p.metrics.WebhookEvents.WithLabelValues(event.Topic, "failed").Inc()
	return cause
}

func (p *Processor) complete(ctx context.Context, event shopify.WebhookEvent, dedupKey string) error {
	if err := p.store.CompleteWebhookEvent(ctx, dedupKey); err != nil {
		return fmt.Errorf("complete event: %w", err)
	}
	p.metrics.WebhookEvents.WithLabelValues(event.Topic, "completed").Inc()
	p.metrics.WebhookLag.Observe(time.Since(event.ReceivedAt).Seconds())
	return nil
}

// ingestOrder persists an order and its children. Stale updates are a
// silent no-op: later state already won.
func (p *Processor) ingestOrder(ctx context.Context, shop domain.Shop, order *domain.Order, lines []domain.OrderLine, refundLines []domain.RefundLine, txns []domain.Transaction, rawTxns []shopify.TransactionPayload) error {
	if err := profit.ValidateRefunds(lines, refundLines); err != nil {
		return err
	}

	if _, err := p.store.UpsertOrder(ctx, *order); err != nil {
		if errors.Is(err, store.ErrStaleWrite) {
			p.logger.Info("stale order update skipped", "shop", shop.Domain, "order", order.ShopOrderID)
			return nil
		}
		return fmt.Errorf("persist order: %w", err)
	}

	settings := p.settingsFor(ctx, shop.ID)
	resolver := costs.NewResolver(settings.CogsDefaultRatio)
	for i := range lines {
		history, err := p.costHistory(ctx, shop.ID, lines[i])
		if err != nil {
			return err
		}
		res := resolver.Resolve(lines[i], order.CreatedAt, history)
		if res.Estimated() {
			p.metrics.CostResolutions.WithLabelValues("estimated").Inc()
			continue
		}
		unitCost := res.UnitCost
		lines[i].EffectiveUnitCost = &unitCost
		lines[i].CostSource = res.Source
		p.metrics.CostResolutions.WithLabelValues(string(res.Source)).Inc()
	}
	if err := p.store.ReplaceOrderLines(ctx, shop.ID, order.ShopOrderID, lines); err != nil {
		return fmt.Errorf("persist order lines: %w", err)
	}

	for _, rl := range refundLines {
		if err := p.store.UpsertRefundLine(ctx, rl); err != nil {
			return fmt.Errorf("persist refund line: %w", err)
		}
	}

	for i, txn := range txns {
		if err := p.store.UpsertTransaction(ctx, txn); err != nil {
			return fmt.Errorf("persist transaction: %w", err)
		}
		if err := p.resolveFee(ctx, shop, txn, &rawTxns[i]); err != nil {
			return err
		}
	}
	return nil
}

// costHistory loads the snapshot history for one line. CSV imports key
// snapshots by variant id; those entries are folded into the line's
// inventory-item history so the resolver sees one timeline.
func (p *Processor) costHistory(ctx context.Context, shopID string, line domain.OrderLine) ([]domain.InventoryItemCostSnapshot, error) {
	history, err := p.store.ListCostSnapshots(ctx, shopID, line.InventoryItemID)
	if err != nil {
		return nil, fmt.Errorf("load cost history: %w", err)
	}
	if line.VariantID == "" || line.VariantID == line.InventoryItemID {
		return history, nil
	}
	byVariant, err := p.store.ListCostSnapshots(ctx, shopID, line.VariantID)
	if err != nil {
		return nil, fmt.Errorf("load variant cost history: %w", err)
	}
	for _, snap := range byVariant {
		snap.InventoryItemID = line.InventoryItemID
		history = append(history, snap)
	}
	return history, nil
}

func (p *Processor) resolveFee(ctx context.Context, shop domain.Shop, txn domain.Transaction, payload *shopify.TransactionPayload) error {
	if txn.Status != domain.TransactionSuccess {
		return nil
	}
	actual, err := payload.ActualFee()
	if err != nil {
		return err
	}

	settings := p.settingsFor(ctx, shop.ID)
	res := p.fees.Resolve(txn, actual, settings)

	mode := "actual"
	if res.Estimated {
		mode = "estimated"
	}
	p.metrics.FeeResolutions.WithLabelValues(mode).Inc()

	return p.store.UpsertTransactionFee(ctx, domain.TransactionFee{
		ShopID:        shop.ID,
		TransactionID: txn.TransactionID,
		Amount:        res.Amount,
		Currency:      shop.Currency,
		Estimated:     res.Estimated,
	})
}

func (p *Processor) settingsFor(ctx context.Context, shopID string) domain.Settings {
	settings, err := p.store.GetSettings(ctx, shopID)
	if err != nil {
		// Missing settings fall back to resolver defaults.
		return domain.Settings{ShopID: shopID}
	}
	return *settings
}

// Recalculate rebuilds one order's profit breakdown from stored state
// and folds it into the day's rollup.
func (p *Processor) Recalculate(ctx context.Context, shop domain.Shop, shopOrderID, trigger string) error {
	order, err := p.store.GetOrder(ctx, shop.ID, shopOrderID)
	if err != nil {
		return err
	}
	lines, err := p.store.ListOrderLines(ctx, shop.ID, shopOrderID)
	if err != nil {
		return fmt.Errorf("load lines: %w", err)
	}
	refunds, err := p.store.ListRefundLines(ctx, shop.ID, shopOrderID)
	if err != nil {
		return fmt.Errorf("load refunds: %w", err)
	}
	txns, err := p.store.ListTransactions(ctx, shop.ID, shopOrderID)
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}
	feesList, err := p.store.ListTransactionFees(ctx, shop.ID, shopOrderID)
	if err != nil {
		return fmt.Errorf("load fees: %w", err)
	}

	breakdown, err := profit.Calculate(profit.Input{
		Order:        *order,
		Lines:        lines,
		Refunds:      refunds,
		Transactions: txns,
		Fees:         feesList,
		Settings:     p.settingsFor(ctx, shop.ID),
	})
	if err != nil {
		return fmt.Errorf("calculate order %s: %w", shopOrderID, err)
	}
	p.metrics.OrdersCalculated.WithLabelValues(trigger).Inc()

	if breakdown.Flags != order.Flags {
		if err := p.store.UpdateOrderFlags(ctx, shop.ID, shopOrderID, breakdown.Flags); err != nil {
			return fmt.Errorf("update flags: %w", err)
		}
	}
	order.Flags = breakdown.Flags

	if err := p.aggregator.ApplyOrder(ctx, shop, *order, breakdown); err != nil {
		return err
	}
	return nil
}

// Detail assembles the drill-down view for one order.
func (p *Processor) Detail(ctx context.Context, shop domain.Shop, shopOrderID string) (*domain.OrderDetail, error) {
	order, err := p.store.GetOrder(ctx, shop.ID, shopOrderID)
	if err != nil {
		return nil, err
	}
	lines, err := p.store.ListOrderLines(ctx, shop.ID, shopOrderID)
	if err != nil {
		return nil, fmt.Errorf("load lines: %w", err)
	}
	refunds, err := p.store.ListRefundLines(ctx, shop.ID, shopOrderID)
	if err != nil {
		return nil, fmt.Errorf("load refunds: %w", err)
	}
	txns, err := p.store.ListTransactions(ctx, shop.ID, shopOrderID)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	feesList, err := p.store.ListTransactionFees(ctx, shop.ID, shopOrderID)
	if err != nil {
		return nil, fmt.Errorf("load fees: %w", err)
	}

	breakdown, err := profit.Calculate(profit.Input{
		Order:        *order,
		Lines:        lines,
		Refunds:      refunds,
		Transactions: txns,
		Fees:         feesList,
		Settings:     p.settingsFor(ctx, shop.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("calculate order %s: %w", shopOrderID, err)
	}

	return &domain.OrderDetail{
		Order:           *order,
		Lines:           lines,
		Refunds:         refunds,
		Transactions:    txns,
		Fees:            feesList,
		ProfitBreakdown: breakdown,
		Flags:           breakdown.Flags,
	}, nil
}
