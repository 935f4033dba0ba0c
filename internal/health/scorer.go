// Package health scores the completeness and trustworthiness of a
// shop's ingested data so the dashboard can say how much to believe
// the numbers it shows.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"profitpeek/internal/domain"
	"profitpeek/internal/store"
)

// Thresholds drive recommendation wording. All are overridable through
// configuration.
type Thresholds struct {
	MissingCostsWarning   float64
	MissingCostsCritical  float64
	EstimatedFeesWarning  float64
	EstimatedFeesCritical float64
	WebhookLagWarning     time.Duration
	WebhookLagCritical    time.Duration
}

// DefaultThresholds mirror the product's shipped alerting defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MissingCostsWarning:   0.10,
		MissingCostsCritical:  0.20,
		EstimatedFeesWarning:  0.05,
		EstimatedFeesCritical: 0.25,
		WebhookLagWarning:     time.Minute,
		WebhookLagCritical:    5 * time.Minute,
	}
}

// Scorer computes data-health metrics over a lookback window.
type Scorer struct {
	store      store.Store
	logger     *slog.Logger
	thresholds Thresholds
	lookback   time.Duration
}

// NewScorer creates a scorer. A non-positive lookback defaults to 30 days.
func NewScorer(st store.Store, logger *slog.Logger, thresholds Thresholds, lookback time.Duration) *Scorer {
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	return &Scorer{
		store:      st,
		logger:     logger.With("component", "health"),
		thresholds: thresholds,
		lookback:   lookback,
	}
}

// Score computes the completeness metrics for one shop. The composite
// score weighs estimated fees and missing costs equally and is clamped
// to [0, 1]. A shop with no orders scores a clean 1.0.
func (s *Scorer) Score(ctx context.Context, shopID string, now time.Time) (*domain.DataHealthMetrics, error) {
	since := now.Add(-s.lookback)

	total, estimatedFees, missingCosts, err := s.store.OrderFlagStats(ctx, shopID, since)
	if err != nil {
		return nil, fmt.Errorf("order flag stats: %w", err)
	}

	lags, err := s.store.ListWebhookLags(ctx, shopID, since, 0)
	if err != nil {
		return nil, fmt.Errorf("webhook lags: %w", err)
	}

	metrics := &domain.DataHealthMetrics{
		TotalOrders:             total,
		OrdersWithEstimatedFees: estimatedFees,
		OrdersMissingUnitCosts:  missingCosts,
		WebhookLagP95:           percentile95(lags),
		LastUpdated:             now.UTC(),
	}

	var feeRatio, costRatio float64
	if total > 0 {
		feeRatio = float64(estimatedFees) / float64(total)
		costRatio = float64(missingCosts) / float64(total)
	}
	metrics.DataCompletenessScore = clamp01(1 - 0.5*feeRatio - 0.5*costRatio)
	metrics.Recommendations = s.recommend(feeRatio, costRatio, metrics.WebhookLagP95)
	return metrics, nil
}

func (s *Scorer) recommend(feeRatio, costRatio float64, lagP95 time.Duration) []string {
	var recs []string

	switch {
	case costRatio > s.thresholds.MissingCostsCritical:
		recs = append(recs, fmt.Sprintf("%.0f%% of orders are missing unit costs. Import unit costs via CSV before trusting margin numbers.", costRatio*100))
	case costRatio > s.thresholds.MissingCostsWarning:
		recs = append(recs, fmt.Sprintf("%.0f%% of orders are missing unit costs. Import unit costs via CSV.", costRatio*100))
	}

	switch {
	case feeRatio > s.thresholds.EstimatedFeesCritical:
		recs = append(recs, fmt.Sprintf("%.0f%% of orders have estimated processing fees. Connect gateway fee reporting or review fee settings.", feeRatio*100))
	case feeRatio > s.thresholds.EstimatedFeesWarning:
		recs = append(recs, fmt.Sprintf("%.0f%% of orders have estimated processing fees. Verify fee settings.", feeRatio*100))
	}

	switch {
	case lagP95 > s.thresholds.WebhookLagCritical:
		recs = append(recs, fmt.Sprintf("Webhook processing lag p95 is %s. Recent numbers may be stale.", lagP95.Round(time.Second)))
	case lagP95 > s.thresholds.WebhookLagWarning:
		recs = append(recs, fmt.Sprintf("Webhook processing lag p95 is %s.", lagP95.Round(time.Second)))
	}
	return recs
}

func percentile95(lags []time.Duration) time.Duration {
	if len(lags) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(lags))
	copy(sorted, lags)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (95*len(sorted) + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
