package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"profitpeek/internal/domain"
	"profitpeek/internal/metrics"
)

const (
	defaultAPIVersion = "2024-01"
	ordersPageSize    = 250
)

// Client provides typed access to the Shopify Admin REST API.
type Client struct {
	logger      *slog.Logger
	accessToken string
	apiVersion  string
	http        *http.Client
	metrics     *metrics.Metrics
}

// ClientConfig holds Shopify Admin API client configuration.
type ClientConfig struct {
	AccessToken string
	APIVersion  string
	Timeout     time.Duration
}

// NewClient creates a new Admin API client.
func NewClient(cfg ClientConfig, logger *slog.Logger, m *metrics.Metrics) *Client {
	version := strings.TrimSpace(cfg.APIVersion)
	if version == "" {
		version = defaultAPIVersion
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		logger:      logger.With("component", "shopify"),
		accessToken: cfg.AccessToken,
		apiVersion:  version,
		http:        &http.Client{Timeout: timeout},
		metrics:     m,
	}
}

type ordersResponse struct {
	Orders []OrderPayload `json:"orders"`
}

// FetchOrders pages through the shop's orders created in [start, end),
// following the Link header until the window is exhausted.
func (c *Client) FetchOrders(ctx context.Context, shop domain.Shop, start, end time.Time) ([]OrderPayload, error) {
	query := url.Values{}
	query.Set("status", "any")
	query.Set("limit", fmt.Sprintf("%d", ordersPageSize))
	query.Set("created_at_min", start.UTC().Format(time.RFC3339))
	query.Set("created_at_max", end.UTC().Format(time.RFC3339))

	endpoint := fmt.Sprintf("https://%s/admin/api/%s/orders.json?%s", shop.Domain, c.apiVersion, query.Encode())

	var out []OrderPayload
	for endpoint != "" {
		page, next, err := c.fetchOrdersPage(ctx, endpoint)
		if err != nil {
			c.metrics.APIRequests.WithLabelValues("error").Inc()
			return nil, err
		}
		c.metrics.APIRequests.WithLabelValues("ok").Inc()
		out = append(out, page...)
		endpoint = next
	}
	return out, nil
}

func (c *Client) fetchOrdersPage(ctx context.Context, endpoint string) ([]OrderPayload, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build orders request: %w", err)
	}
	req.Header.Set("X-Shopify-Access-Token", c.accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch orders: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, "", fmt.Errorf("read orders response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("orders request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload ordersResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, "", fmt.Errorf("decode orders response: %w", err)
	}
	return payload.Orders, nextPageURL(resp.Header.Get("Link")), nil
}

// nextPageURL extracts the rel="next" target from a Shopify Link
// header, empty when this is the last page.
func nextPageURL(header string) string {
	for _, part := range strings.Split(header, ",") {
		section := strings.Split(part, ";")
		if len(section) < 2 {
			continue
		}
		if !strings.Contains(section[1], `rel="next"`) {
			continue
		}
		target := strings.TrimSpace(section[0])
		return strings.Trim(target, "<>")
	}
	return ""
}
