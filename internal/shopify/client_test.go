package shopify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"profitpeek/internal/metrics"
)

type silentWriter struct{}

func (silentWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestNextPageURL(t *testing.T) {
	header := `<https://demo.myshopify.com/admin/api/2024-01/orders.json?page_info=prev123>; rel="previous", ` +
		`<https://demo.myshopify.com/admin/api/2024-01/orders.json?page_info=next456>; rel="next"`
	got := nextPageURL(header)
	want := "https://demo.myshopify.com/admin/api/2024-01/orders.json?page_info=next456"
	if got != want {
		t.Fatalf("next page = %q, want %q", got, want)
	}

	if got := nextPageURL(`<https://x.example/orders.json?page_info=a>; rel="previous"`); got != "" {
		t.Fatalf("expected no next page, got %q", got)
	}
	if got := nextPageURL(""); got != "" {
		t.Fatalf("expected no next page for empty header, got %q", got)
	}
}

func TestFetchOrdersPageFollowsPagination(t *testing.T) {
	var gotToken string
	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Shopify-Access-Token")
		page++
		if page == 1 {
			w.Header().Set("Link", fmt.Sprintf(`<%s/orders.json?page_info=p2>; rel="next"`, serverURL(r)))
			fmt.Fprint(w, `{"orders":[{"id":1}]}`)
			return
		}
		fmt.Fprint(w, `{"orders":[{"id":2}]}`)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{AccessToken: "shpat_test"}, slog.New(slog.NewTextHandler(silentWriter{}, nil)), metrics.Registry("profitpeek_test"))

	first, next, err := c.fetchOrdersPage(context.Background(), srv.URL+"/orders.json")
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first) != 1 || first[0].ID != 1 {
		t.Fatalf("unexpected first page: %+v", first)
	}
	if next == "" {
		t.Fatal("expected a next page link")
	}
	if gotToken != "shpat_test" {
		t.Fatalf("access token header = %q", gotToken)
	}

	second, next, err := c.fetchOrdersPage(context.Background(), next)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second) != 1 || second[0].ID != 2 {
		t.Fatalf("unexpected second page: %+v", second)
	}
	if next != "" {
		t.Fatalf("expected no further pages, got %q", next)
	}
}

func serverURL(r *http.Request) string {
	return "http://" + r.Host
}
