package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"profitpeek/internal/cache"
	"profitpeek/internal/csvimport"
	"profitpeek/internal/domain"
	"profitpeek/internal/health"
	"profitpeek/internal/metrics"
	"profitpeek/internal/pipeline"
	"profitpeek/internal/rollup"
	"profitpeek/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	ShopifyWebhook http.Handler
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Store      store.Store
	Redis      *cache.Redis
	Aggregator *rollup.Aggregator
	Scorer     *health.Scorer
	Pipeline   *pipeline.Processor
	Importer   *csvimport.Importer
	Backfiller *pipeline.Backfiller
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr with health and metrics endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		handlers: handlers,
		basePath: normaliseBasePath(basePath),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/summary", server.handleSummary)
	mux.HandleFunc("/api/orders/", server.handleOrderDetail)
	mux.HandleFunc("/api/data-health", server.handleDataHealth)
	mux.HandleFunc("/api/costs/import", server.handleCostImport)
	mux.HandleFunc("/api/ad-spend", server.handleAdSpend)
	mux.HandleFunc("/api/backfill", server.handleBackfill)

	if handlers.ShopifyWebhook != nil {
		mux.Handle("/webhook/shopify", handlers.ShopifyWebhook)
	}

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// SetDependencies makes dependencies accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

// resolveShop identifies the shop from the shop query parameter or the
// X-Shopify-Shop-Domain header.
func (s *Server) resolveShop(w http.ResponseWriter, r *http.Request) (*domain.Shop, bool) {
	shopDomain := strings.TrimSpace(r.URL.Query().Get("shop"))
	if shopDomain == "" {
		shopDomain = strings.TrimSpace(r.Header.Get("X-Shopify-Shop-Domain"))
	}
	if shopDomain == "" {
		http.Error(w, "missing shop", http.StatusBadRequest)
		return nil, false
	}

	shop, err := s.deps.Store.GetShopByDomain(r.Context(), shopDomain)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown shop", http.StatusNotFound)
			return nil, false
		}
		s.logger.Error("failed resolving shop", "error", err, "shop_domain", shopDomain)
		http.Error(w, "failed resolving shop", http.StatusInternalServerError)
		return nil, false
	}
	return shop, true
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	shop, ok := s.resolveShop(w, r)
	if !ok {
		return
	}

	period := rollup.Period(strings.TrimSpace(r.URL.Query().Get("period")))
	if period == "" {
		period = rollup.PeriodToday
	}

	cacheKey := cache.SummaryKey(shop.ID, string(period))
	if s.deps.Redis != nil {
		var cached domain.DashboardSummary
		if hit, err := s.deps.Redis.GetJSON(r.Context(), cacheKey, &cached); err == nil && hit {
			writeJSON(w, cached)
			return
		}
	}

	summary, err := s.deps.Aggregator.Summary(r.Context(), *shop, period, time.Now())
	if err != nil {
		if errors.Is(err, rollup.ErrUnknownPeriod) {
			http.Error(w, "unknown period", http.StatusBadRequest)
			return
		}
		s.logger.Error("failed building summary", "error", err, "shop_id", shop.ID, "period", period)
		http.Error(w, "failed building summary", http.StatusInternalServerError)
		return
	}

	if s.deps.Scorer != nil {
		healthMetrics, err := s.deps.Scorer.Score(r.Context(), shop.ID, time.Now())
		if err != nil {
			s.logger.Warn("failed scoring data health for summary", "error", err, "shop_id", shop.ID)
		} else {
			summary.Flags = domain.SummaryFlags{
				FeesEstimated:   healthMetrics.OrdersWithEstimatedFees > 0,
				MissingCosts:    healthMetrics.OrdersMissingUnitCosts > 0,
				DataHealthScore: healthMetrics.DataCompletenessScore,
			}
		}
	}

	if s.deps.Redis != nil {
		if err := s.deps.Redis.SetJSON(r.Context(), cacheKey, summary, cache.SummaryTTL); err != nil {
			s.logger.Warn("failed caching summary", "error", err, "shop_id", shop.ID)
		}
	}
	writeJSON(w, summary)
}

func (s *Server) handleOrderDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	shop, ok := s.resolveShop(w, r)
	if !ok {
		return
	}

	orderID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/orders/"), "/")
	if orderID == "" || strings.Contains(orderID, "/") {
		http.Error(w, "missing order id", http.StatusBadRequest)
		return
	}

	detail, err := s.deps.Pipeline.Detail(r.Context(), *shop, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed loading order detail", "error", err, "shop_id", shop.ID, "shop_order_id", orderID)
		http.Error(w, "failed loading order detail", http.StatusInternalServerError)
		return
	}
	writeJSON(w, detail)
}

func (s *Server) handleDataHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	shop, ok := s.resolveShop(w, r)
	if !ok {
		return
	}

	healthMetrics, err := s.deps.Scorer.Score(r.Context(), shop.ID, time.Now())
	if err != nil {
		s.logger.Error("failed scoring data health", "error", err, "shop_id", shop.ID)
		http.Error(w, "failed scoring data health", http.StatusInternalServerError)
		return
	}
	writeJSON(w, healthMetrics)
}

func (s *Server) handleCostImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	shop, ok := s.resolveShop(w, r)
	if !ok {
		return
	}

	result, err := s.deps.Importer.Import(r.Context(), shop.ID, r.Body)
	if err != nil {
		switch {
		case errors.Is(err, csvimport.ErrTooManyRows):
			http.Error(w, "csv exceeds row limit", http.StatusRequestEntityTooLarge)
		case errors.Is(err, csvimport.ErrMissingHeader):
			http.Error(w, "csv missing required columns", http.StatusUnprocessableEntity)
		default:
			s.logger.Error("failed importing costs", "error", err, "shop_id", shop.ID)
			http.Error(w, "failed importing costs", http.StatusInternalServerError)
		}
		return
	}

	if s.deps.Redis != nil {
		s.deps.Redis.InvalidateSummaries(r.Context(), shop.ID)
	}
	writeJSON(w, result)
}

type adSpendRequest struct {
	Date     string `json:"date"`
	Channel  string `json:"channel"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (s *Server) handleAdSpend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	shop, ok := s.resolveShop(w, r)
	if !ok {
		return
	}

	var req adSpendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		http.Error(w, "invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Channel) == "" {
		http.Error(w, "missing channel", http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.IsNegative() {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}
	currency := strings.TrimSpace(req.Currency)
	if currency == "" {
		currency = shop.Currency
	}

	spend := domain.AdSpendDaily{
		ShopID:   shop.ID,
		Date:     req.Date,
		Channel:  strings.TrimSpace(req.Channel),
		Amount:   amount,
		Currency: currency,
	}
	if err := s.deps.Aggregator.ApplyAdSpend(r.Context(), *shop, spend); err != nil {
		s.logger.Error("failed recording ad spend", "error", err, "shop_id", shop.ID, "channel", spend.Channel)
		http.Error(w, "failed recording ad spend", http.StatusInternalServerError)
		return
	}

	if s.deps.Redis != nil {
		s.deps.Redis.InvalidateSummaries(r.Context(), shop.ID)
	}
	writeJSON(w, map[string]any{
		"status":  "ok",
		"date":    spend.Date,
		"channel": spend.Channel,
	})
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Backfiller == nil {
		http.Error(w, "backfill unavailable", http.StatusServiceUnavailable)
		return
	}
	shop, ok := s.resolveShop(w, r)
	if !ok {
		return
	}

	start, err := time.Parse("2006-01-02", r.URL.Query().Get("start"))
	if err != nil {
		http.Error(w, "invalid start, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	end, err := time.Parse("2006-01-02", r.URL.Query().Get("end"))
	if err != nil {
		http.Error(w, "invalid end, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	if end.Before(start) {
		http.Error(w, "end precedes start", http.StatusBadRequest)
		return
	}

	result, err := s.deps.Backfiller.Run(r.Context(), *shop, start, end)
	if err != nil {
		s.logger.Error("backfill failed", "error", err, "shop_id", shop.ID)
		if result != nil {
			// Completed days stay committed; report how far we got.
			w.WriteHeader(http.StatusInternalServerError)
			writeJSON(w, result)
			return
		}
		http.Error(w, "backfill failed", http.StatusInternalServerError)
		return
	}

	if s.deps.Redis != nil {
		s.deps.Redis.InvalidateSummaries(r.Context(), shop.ID)
	}
	writeJSON(w, result)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
