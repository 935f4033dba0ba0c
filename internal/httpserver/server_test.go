package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"profitpeek/internal/csvimport"
	"profitpeek/internal/domain"
	"profitpeek/internal/fees"
	"profitpeek/internal/health"
	"profitpeek/internal/metrics"
	"profitpeek/internal/pipeline"
	"profitpeek/internal/rollup"
	"profitpeek/internal/store"

	"github.com/shopspring/decimal"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(discard{}, nil))
	m := metrics.Registry("profitpeek_test")
	agg := rollup.New(st, logger, m)
	proc := pipeline.New(st, agg, fees.NewResolver(decimal.Zero, decimal.Zero), logger, m, time.Minute)

	srv := New(":0", logger, m, Handlers{}, "")
	srv.SetDependencies(Dependencies{
		Store:      st,
		Aggregator: agg,
		Scorer:     health.NewScorer(st, logger, health.DefaultThresholds(), 30*24*time.Hour),
		Pipeline:   proc,
		Importer:   csvimport.NewImporter(st, logger),
	})
	return srv, st
}

func seedShop(t *testing.T, st *store.MemoryStore) domain.Shop {
	t.Helper()
	shop, err := st.UpsertShop(context.Background(), domain.Shop{
		Domain:   "demo.myshopify.com",
		Timezone: "UTC",
		Currency: "USD",
	})
	if err != nil {
		t.Fatalf("seed shop: %v", err)
	}
	return *shop
}

func TestSummaryRequiresKnownShop(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/summary?shop=missing.myshopify.com", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestAdSpendShowsUpInSummary(t *testing.T) {
	srv, st := newTestServer(t)
	shop := seedShop(t, st)

	today := time.Now().In(shop.Location()).Format("2006-01-02")
	body := `{"date":"` + today + `","channel":"meta","amount":"25.00"}`
	req := httptest.NewRequest(http.MethodPost, "/api/ad-spend?shop="+shop.Domain, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ad-spend status = %d, body %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/summary?shop="+shop.Domain+"&period=today", nil)
	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("summary status = %d, body %s", rec.Code, rec.Body.String())
	}

	var summary domain.DashboardSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if !summary.AdSpend.Equal(decimal.RequireFromString("25.00")) {
		t.Fatalf("ad spend = %s, want 25.00", summary.AdSpend)
	}
	if !summary.NetProfit.Equal(decimal.RequireFromString("-25.00")) {
		t.Fatalf("net profit = %s, want -25.00", summary.NetProfit)
	}
}

func TestAdSpendValidation(t *testing.T) {
	srv, st := newTestServer(t)
	shop := seedShop(t, st)

	cases := map[string]string{
		"bad date":        `{"date":"08/01/2026","channel":"meta","amount":"10"}`,
		"missing channel": `{"date":"2026-08-01","channel":" ","amount":"10"}`,
		"negative amount": `{"date":"2026-08-01","channel":"meta","amount":"-10"}`,
		"bad amount":      `{"date":"2026-08-01","channel":"meta","amount":"ten"}`,
	}
	for name, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/ad-spend?shop="+shop.Domain, strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", name, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestUnknownPeriodRejected(t *testing.T) {
	srv, st := newTestServer(t)
	shop := seedShop(t, st)

	req := httptest.NewRequest(http.MethodGet, "/api/summary?shop="+shop.Domain+"&period=fortnight", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestOrderDetailNotFound(t *testing.T) {
	srv, st := newTestServer(t)
	shop := seedShop(t, st)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/999?shop="+shop.Domain, nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCostImportEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	shop := seedShop(t, st)

	csv := "variant_id,unit_cost,effective_date,currency\n101,12.50,2026-08-01,USD\n"
	req := httptest.NewRequest(http.MethodPost, "/api/costs/import?shop="+shop.Domain, strings.NewReader(csv))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var result csvimport.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Imported != 1 {
		t.Fatalf("imported = %d, want 1", result.Imported)
	}

	snaps, err := st.ListCostSnapshots(context.Background(), shop.ID, "101")
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestBasePathMounting(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(discard{}, nil))
	srv := New(":0", logger, metrics.Registry("profitpeek_test"), Handlers{}, "/profitpeek")

	req := httptest.NewRequest(http.MethodGet, "/profitpeek/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("prefixed status = %d, want %d", rec.Code, http.StatusOK)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unprefixed status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
