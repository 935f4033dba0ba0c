package shopify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"profitpeek/internal/metrics"
	"profitpeek/internal/store"
)

// maxBodyBytes caps webhook bodies; Shopify orders stay well under this.
const maxBodyBytes = 2 << 20

// WebhookEvent contains metadata and payload from one Shopify delivery.
type WebhookEvent struct {
	Topic      string
	ShopDomain string
	WebhookID  string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// WebhookProcessor defines the handler interface for Shopify events.
type WebhookProcessor interface {
	HandleShopifyEvent(ctx context.Context, event WebhookEvent) error
}

// WebhookHandler verifies Shopify webhook signatures and forwards events.
type WebhookHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	secret    string
	processor WebhookProcessor
}

// NewWebhookHandler creates a new webhook handler. An empty secret skips
// HMAC verification, for deployments where the edge proxy verifies.
func NewWebhookHandler(logger *slog.Logger, metrics *metrics.Metrics, secret string, processor WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{
		logger:    logger.With("component", "shopify_webhook"),
		metrics:   metrics,
		secret:    secret,
		processor: processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	topic := strings.TrimSpace(r.Header.Get("X-Shopify-Topic"))
	shopDomain := strings.TrimSpace(r.Header.Get("X-Shopify-Shop-Domain"))
	if topic == "" || shopDomain == "" {
		h.metrics.Errors.WithLabelValues("shopify_webhook_headers").Inc()
		http.Error(w, "missing shopify headers", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.metrics.Errors.WithLabelValues("shopify_webhook").Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if h.secret != "" {
		if !h.validSignature(r.Header.Get("X-Shopify-Hmac-Sha256"), body) {
			h.metrics.Errors.WithLabelValues("shopify_webhook_auth").Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	event := WebhookEvent{
		Topic:      topic,
		ShopDomain: shopDomain,
		WebhookID:  strings.TrimSpace(r.Header.Get("X-Shopify-Webhook-Id")),
		Payload:    body,
		ReceivedAt: time.Now().UTC(),
	}

	if h.processor != nil {
		err := h.processor.HandleShopifyEvent(r.Context(), event)
		switch {
		case errors.Is(err, store.ErrDuplicateEvent):
			// Duplicates are acknowledged so Shopify stops redelivering.
			h.logger.Debug("duplicate delivery", "topic", topic, "shop", shopDomain)
		case errors.Is(err, ErrMalformedPayload):
			h.logger.Warn("malformed payload", "topic", topic, "shop", shopDomain, "error", err)
			http.Error(w, "malformed payload", http.StatusUnprocessableEntity)
			return
		case err != nil:
			h.logger.Error("failed processing webhook", "error", err, "topic", topic, "shop", shopDomain)
			h.metrics.Errors.WithLabelValues("shopify_webhook_process").Inc()
			http.Error(w, "failed to process", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *WebhookHandler) validSignature(header string, body []byte) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(header)) == 1
}
