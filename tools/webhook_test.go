package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voicewire/turnbridge/tools"
)

// TestWebhookEmit verifies the request shape the endpoint receives
func TestWebhookEmit(t *testing.T) {
	var gotMethod, gotContentType, gotSecret string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotSecret = r.Header.Get("X-N8N-Secret")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("Body is not valid JSON: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	emitter := tools.NewWebhookEmitter(tools.WebhookConfig{
		URL:    server.URL,
		Secret: "s3cret",
	})

	status, err := emitter.Emit(context.Background(), "call.saved", map[string]string{"call_pk": "CALL_AAAA0000BBBB"})
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("Expected status 200, got %d", status)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("Expected POST, got %s", gotMethod)
	}
	if gotContentType != "application/json" {
		t.Errorf("Expected application/json, got '%s'", gotContentType)
	}
	if gotSecret != "s3cret" {
		t.Errorf("Expected shared secret header, got '%s'", gotSecret)
	}

	if gotBody["eventType"] != "call.saved" {
		t.Errorf("Expected eventType 'call.saved', got '%v'", gotBody["eventType"])
	}
	payload, ok := gotBody["payload"].(map[string]any)
	if !ok {
		t.Fatalf("Expected payload object, got %T", gotBody["payload"])
	}
	if payload["call_pk"] != "CALL_AAAA0000BBBB" {
		t.Errorf("Expected payload call_pk, got '%v'", payload["call_pk"])
	}
	timestamp, ok := gotBody["timestamp"].(string)
	if !ok {
		t.Fatalf("Expected timestamp string, got %T", gotBody["timestamp"])
	}
	if _, err := time.Parse(time.RFC3339, timestamp); err != nil {
		t.Errorf("Timestamp is not RFC3339: %v", err)
	}
}

// TestWebhookEmitNoSecret verifies the header is omitted when unset
func TestWebhookEmitNoSecret(t *testing.T) {
	headerPresent := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, headerPresent = r.Header["X-N8n-Secret"]
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	emitter := tools.NewWebhookEmitter(tools.WebhookConfig{URL: server.URL})
	if _, err := emitter.Emit(context.Background(), "call.saved", nil); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if headerPresent {
		t.Error("Expected no secret header when secret is unset")
	}
}

// TestWebhookNotConfigured verifies the sentinel for a missing URL
func TestWebhookNotConfigured(t *testing.T) {
	emitter := tools.NewWebhookEmitter(tools.WebhookConfig{})

	if emitter.Configured() {
		t.Error("Expected Configured() false without a URL")
	}

	_, err := emitter.Emit(context.Background(), "call.saved", nil)
	if !errors.Is(err, tools.ErrWebhookNotConfigured) {
		t.Errorf("Expected ErrWebhookNotConfigured, got %v", err)
	}

	var nilEmitter *tools.WebhookEmitter
	if nilEmitter.Configured() {
		t.Error("Expected Configured() false on nil emitter")
	}
}

// TestWebhookServerError verifies 5xx responses surface as errors
func TestWebhookServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	emitter := tools.NewWebhookEmitter(tools.WebhookConfig{URL: server.URL})
	status, err := emitter.Emit(context.Background(), "call.saved", nil)

	if err == nil {
		t.Fatal("Expected error for 502 response")
	}
	if status != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", status)
	}
}

// TestWebhookClientError verifies 4xx responses surface as errors
func TestWebhookClientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	emitter := tools.NewWebhookEmitter(tools.WebhookConfig{URL: server.URL})
	status, err := emitter.Emit(context.Background(), "call.saved", nil)

	if err == nil {
		t.Fatal("Expected error for 403 response")
	}
	if status != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", status)
	}
}

// TestWebhookNetworkError verifies unreachable endpoints surface as errors
func TestWebhookNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	emitter := tools.NewWebhookEmitter(tools.WebhookConfig{URL: server.URL})
	status, err := emitter.Emit(context.Background(), "call.saved", nil)

	if err == nil {
		t.Fatal("Expected error for unreachable endpoint")
	}
	if status != 0 {
		t.Errorf("Expected status 0 on network error, got %d", status)
	}
}

// TestWebhookRateLimited verifies the limiter rejects bursts fail-fast
func TestWebhookRateLimited(t *testing.T) {
	delivered := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	emitter := tools.NewWebhookEmitter(tools.WebhookConfig{
		URL:           server.URL,
		RatePerSecond: 0.01,
		Burst:         1,
	})

	if _, err := emitter.Emit(context.Background(), "call.saved", nil); err != nil {
		t.Fatalf("First emit failed: %v", err)
	}

	start := time.Now()
	_, err := emitter.Emit(context.Background(), "call.saved", nil)
	if !errors.Is(err, tools.ErrWebhookRateLimited) {
		t.Errorf("Expected ErrWebhookRateLimited, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Expected fail-fast rejection, took %v", elapsed)
	}
	if delivered != 1 {
		t.Errorf("Expected exactly 1 delivery, got %d", delivered)
	}
}
