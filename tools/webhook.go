package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/voicewire/turnbridge/logger"
	metrics "github.com/voicewire/turnbridge/metrics/prometheus"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	defaultWebhookRate    = 5
	defaultWebhookBurst   = 10
)

// WebhookConfig configures outbound event delivery.
type WebhookConfig struct {
	// URL is the n8n webhook endpoint. Empty leaves the emitter
	// unconfigured and callers skip emission.
	URL string

	// Secret, when set, is sent as the X-N8N-Secret header.
	Secret string

	// Timeout bounds each delivery.
	Timeout time.Duration

	// RatePerSecond and Burst bound the delivery rate. Deliveries
	// beyond the limit fail fast rather than queue behind the turn.
	RatePerSecond float64
	Burst         int
}

// WebhookEmitter POSTs JSON event envelopes to the configured endpoint
// with a shared-secret header. Safe for concurrent use.
type WebhookEmitter struct {
	url     string
	secret  string
	client  *http.Client
	limiter *rate.Limiter
}

// webhookEnvelope is the delivery body.
type webhookEnvelope struct {
	EventType string `json:"eventType"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// NewWebhookEmitter creates an emitter. Zero config fields fall back
// to the defaults; an empty URL yields an unconfigured emitter.
func NewWebhookEmitter(cfg WebhookConfig) *WebhookEmitter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = defaultWebhookRate
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultWebhookBurst
	}
	return &WebhookEmitter{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Configured reports whether the emitter has an endpoint. Nil-safe so
// handlers can hold an optional emitter without guarding.
func (w *WebhookEmitter) Configured() bool {
	return w != nil && w.url != ""
}

// Emit delivers one event envelope and returns the response status.
func (w *WebhookEmitter) Emit(ctx context.Context, eventType string, payload any) (int, error) {
	if !w.Configured() {
		return 0, ErrWebhookNotConfigured
	}
	if !w.limiter.Allow() {
		metrics.RecordWebhookDelivery(metrics.StatusRateLimited)
		return 0, ErrWebhookRateLimited
	}

	envelope := webhookEnvelope{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		metrics.RecordWebhookDelivery(metrics.StatusClientError)
		return 0, fmt.Errorf("marshal webhook payload: %w", err)
	}

	logger.WebhookRequest(eventType, w.url, envelope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		metrics.RecordWebhookDelivery(metrics.StatusClientError)
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("X-N8N-Secret", w.secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		metrics.RecordWebhookDelivery(metrics.StatusNetworkError)
		logger.WebhookResponse(eventType, 0, err)
		return 0, fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500:
		metrics.RecordWebhookDelivery(metrics.StatusServerError)
		err = fmt.Errorf("webhook returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		metrics.RecordWebhookDelivery(metrics.StatusClientError)
		err = fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		metrics.RecordWebhookDelivery(metrics.StatusSuccess)
	}

	logger.WebhookResponse(eventType, resp.StatusCode, err)
	return resp.StatusCode, err
}
