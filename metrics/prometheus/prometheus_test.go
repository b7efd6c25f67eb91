package prometheus

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

func TestRecordSessionLifecycle(t *testing.T) {
	sessionsActive.Set(0)
	sessionsTotal.Reset()

	RecordSessionStart()
	RecordSessionStart()

	active := testutil.ToFloat64(sessionsActive)
	if active != 2 {
		t.Errorf("Expected 2 active sessions, got %f", active)
	}

	RecordSessionEnd(OutcomeCompleted, 42.5)
	active = testutil.ToFloat64(sessionsActive)
	if active != 1 {
		t.Errorf("Expected 1 active session after end, got %f", active)
	}

	RecordSessionEnd(OutcomeError, 3.0)
	active = testutil.ToFloat64(sessionsActive)
	if active != 0 {
		t.Errorf("Expected 0 active sessions after both ended, got %f", active)
	}

	started := testutil.ToFloat64(sessionsTotal.WithLabelValues("started"))
	if started != 2 {
		t.Errorf("Expected 2 started sessions, got %f", started)
	}
	completed := testutil.ToFloat64(sessionsTotal.WithLabelValues(OutcomeCompleted))
	if completed != 1 {
		t.Errorf("Expected 1 completed session, got %f", completed)
	}
	errored := testutil.ToFloat64(sessionsTotal.WithLabelValues(OutcomeError))
	if errored != 1 {
		t.Errorf("Expected 1 errored session, got %f", errored)
	}
}

func TestRecordSessionRejected(t *testing.T) {
	sessionsTotal.Reset()

	RecordSessionRejected()
	RecordSessionRejected()

	rejected := testutil.ToFloat64(sessionsTotal.WithLabelValues("rejected_capacity"))
	if rejected != 2 {
		t.Errorf("Expected 2 rejected sessions, got %f", rejected)
	}
}

func TestRecordTurn(t *testing.T) {
	turnsTotal.Reset()

	RecordTurn(OutcomeCompleted, 4.2)
	RecordTurn(OutcomeCompleted, 2.8)
	RecordTurn(OutcomeInterrupted, 1.1)

	completed := testutil.ToFloat64(turnsTotal.WithLabelValues(OutcomeCompleted))
	if completed != 2 {
		t.Errorf("Expected 2 completed turns, got %f", completed)
	}
	interrupted := testutil.ToFloat64(turnsTotal.WithLabelValues(OutcomeInterrupted))
	if interrupted != 1 {
		t.Errorf("Expected 1 interrupted turn, got %f", interrupted)
	}
}

func TestRecordEvents(t *testing.T) {
	outboundEventsTotal.Reset()
	inboundEventsTotal.Reset()

	RecordOutboundEvent("audioInput")
	RecordOutboundEvent("audioInput")
	RecordOutboundEvent("audioInput")
	RecordOutboundEvent("textInput")
	RecordInboundEvent("audioOutput")
	RecordInboundEvent("textOutput")
	RecordInboundEvent("audioOutput")

	audioIn := testutil.ToFloat64(outboundEventsTotal.WithLabelValues("audioInput"))
	if audioIn != 3 {
		t.Errorf("Expected 3 audioInput events, got %f", audioIn)
	}
	textIn := testutil.ToFloat64(outboundEventsTotal.WithLabelValues("textInput"))
	if textIn != 1 {
		t.Errorf("Expected 1 textInput event, got %f", textIn)
	}
	audioOut := testutil.ToFloat64(inboundEventsTotal.WithLabelValues("audioOutput"))
	if audioOut != 2 {
		t.Errorf("Expected 2 audioOutput events, got %f", audioOut)
	}
}

func TestRecordAudioBytes(t *testing.T) {
	audioBytesTotal.Reset()

	RecordAudioBytes(DirectionIn, 3200)
	RecordAudioBytes(DirectionIn, 3200)
	RecordAudioBytes(DirectionOut, 4800)

	in := testutil.ToFloat64(audioBytesTotal.WithLabelValues(DirectionIn))
	if in != 6400 {
		t.Errorf("Expected 6400 inbound audio bytes, got %f", in)
	}
	out := testutil.ToFloat64(audioBytesTotal.WithLabelValues(DirectionOut))
	if out != 4800 {
		t.Errorf("Expected 4800 outbound audio bytes, got %f", out)
	}
}

func TestRecordAudioBytesZero(t *testing.T) {
	audioBytesTotal.Reset()

	// Zero and negative byte counts should not record
	RecordAudioBytes(DirectionIn, 0)
	RecordAudioBytes(DirectionIn, -100)

	in := testutil.ToFloat64(audioBytesTotal.WithLabelValues(DirectionIn))
	if in != 0 {
		t.Errorf("Expected 0 audio bytes for zero/negative values, got %f", in)
	}
}

func TestRecordDialogueTokens(t *testing.T) {
	dialogueTokensTotal.Reset()

	RecordDialogueTokens(120, 85)
	RecordDialogueTokens(30, 0)

	input := testutil.ToFloat64(dialogueTokensTotal.WithLabelValues("input"))
	if input != 150 {
		t.Errorf("Expected 150 input tokens, got %f", input)
	}
	output := testutil.ToFloat64(dialogueTokensTotal.WithLabelValues("output"))
	if output != 85 {
		t.Errorf("Expected 85 output tokens, got %f", output)
	}
}

func TestRecordToolCall(t *testing.T) {
	toolCallDuration.Reset()
	toolCallsTotal.Reset()

	RecordToolCall("lookupHcpTool", StatusSuccess, 0.12)
	RecordToolCall("lookupHcpTool", StatusSuccess, 0.09)
	RecordToolCall("insertCallTool", StatusHandlerFailure, 0.5)
	RecordToolCall("bogusTool", StatusUnknownTool, 0.001)

	success := testutil.ToFloat64(toolCallsTotal.WithLabelValues("lookupHcpTool", StatusSuccess))
	if success != 2 {
		t.Errorf("Expected 2 successful tool calls, got %f", success)
	}
	failed := testutil.ToFloat64(toolCallsTotal.WithLabelValues("insertCallTool", StatusHandlerFailure))
	if failed != 1 {
		t.Errorf("Expected 1 failed tool call, got %f", failed)
	}
	unknown := testutil.ToFloat64(toolCallsTotal.WithLabelValues("bogusTool", StatusUnknownTool))
	if unknown != 1 {
		t.Errorf("Expected 1 unknown tool call, got %f", unknown)
	}

	count := testutil.CollectAndCount(toolCallDuration)
	if count == 0 {
		t.Error("Expected non-zero tool duration observations")
	}
}

func TestRecordHistoryOp(t *testing.T) {
	historyOpsTotal.Reset()

	RecordHistoryOp(OpAppend, StatusSuccess)
	RecordHistoryOp(OpAppend, StatusSuccess)
	RecordHistoryOp(OpReplay, StatusError)

	appends := testutil.ToFloat64(historyOpsTotal.WithLabelValues(OpAppend, StatusSuccess))
	if appends != 2 {
		t.Errorf("Expected 2 successful appends, got %f", appends)
	}
	replayErrs := testutil.ToFloat64(historyOpsTotal.WithLabelValues(OpReplay, StatusError))
	if replayErrs != 1 {
		t.Errorf("Expected 1 replay error, got %f", replayErrs)
	}
}

func TestRecordWebhookDelivery(t *testing.T) {
	webhookDeliveriesTotal.Reset()

	RecordWebhookDelivery(StatusSuccess)
	RecordWebhookDelivery(StatusNetworkError)
	RecordWebhookDelivery(StatusRateLimited)

	success := testutil.ToFloat64(webhookDeliveriesTotal.WithLabelValues(StatusSuccess))
	if success != 1 {
		t.Errorf("Expected 1 successful delivery, got %f", success)
	}
	network := testutil.ToFloat64(webhookDeliveriesTotal.WithLabelValues(StatusNetworkError))
	if network != 1 {
		t.Errorf("Expected 1 network error, got %f", network)
	}
}

func TestRecordGuardrailHit(t *testing.T) {
	guardrailHitsTotal.Reset()

	RecordGuardrailHit("ssn", ActionBlock)
	RecordGuardrailHit("ssn", ActionBlock)
	RecordGuardrailHit("profanity", ActionRewrite)

	blocked := testutil.ToFloat64(guardrailHitsTotal.WithLabelValues("ssn", ActionBlock))
	if blocked != 2 {
		t.Errorf("Expected 2 blocks, got %f", blocked)
	}
	rewritten := testutil.ToFloat64(guardrailHitsTotal.WithLabelValues("profanity", ActionRewrite))
	if rewritten != 1 {
		t.Errorf("Expected 1 rewrite, got %f", rewritten)
	}
}

func TestRecordDirectoryLookup(t *testing.T) {
	directoryLookupsTotal.Reset()

	RecordDirectoryLookup("postgres", StatusHit)
	RecordDirectoryLookup("static", StatusMiss)
	RecordDirectoryLookup("postgres", StatusError)

	hits := testutil.ToFloat64(directoryLookupsTotal.WithLabelValues("postgres", StatusHit))
	if hits != 1 {
		t.Errorf("Expected 1 hit, got %f", hits)
	}
	misses := testutil.ToFloat64(directoryLookupsTotal.WithLabelValues("static", StatusMiss))
	if misses != 1 {
		t.Errorf("Expected 1 miss, got %f", misses)
	}
}

func TestRecordSubscribers(t *testing.T) {
	subscribersActive.Set(0)

	RecordSubscriberAdd()
	RecordSubscriberAdd()
	RecordSubscriberRemove()

	active := testutil.ToFloat64(subscribersActive)
	if active != 1 {
		t.Errorf("Expected 1 active subscriber, got %f", active)
	}
}

func TestNewExporter(t *testing.T) {
	exporter := NewExporter(":9091")
	if exporter == nil {
		t.Fatal("Expected non-nil exporter")
	}
	if exporter.Registry() == nil {
		t.Error("Expected non-nil registry")
	}
}

func TestNewExporterWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	exporter := NewExporterWithRegistry(":9092", reg)

	if exporter.Registry() != reg {
		t.Error("Expected custom registry to be used")
	}
}

func TestExporterHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "Test counter",
	})
	reg.MustRegister(counter)
	counter.Inc()

	exporter := NewExporterWithRegistry(":9093", reg)
	handler := exporter.Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	resp := rec.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "test_counter") {
		t.Error("Expected response to contain test_counter metric")
	}
}

func TestExporterRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	exporter := NewExporterWithRegistry(":9094", reg)

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "custom_counter",
		Help: "Custom counter",
	})

	err := exporter.Register(counter)
	if err != nil {
		t.Errorf("Expected no error registering counter, got %v", err)
	}

	// Registering again should fail
	err = exporter.Register(counter)
	if err == nil {
		t.Error("Expected error when registering duplicate counter")
	}
}

func TestExporterMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	exporter := NewExporterWithRegistry(":9095", reg)

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "must_register_counter",
		Help: "Must register counter",
	})

	// Should not panic
	exporter.MustRegister(counter)
}

func TestExporterStartShutdown(t *testing.T) {
	exporter := NewExporterWithRegistry(":0", prometheus.NewRegistry())

	errCh := make(chan error, 1)
	go func() {
		errCh <- exporter.Start()
	}()

	// Give the server time to start
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := exporter.Shutdown(ctx); err != nil {
		t.Errorf("Expected no error on shutdown, got %v", err)
	}

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			t.Errorf("Expected ErrServerClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Timeout waiting for server to stop")
	}
}

func TestExporterDoubleStart(t *testing.T) {
	exporter := NewExporterWithRegistry(":0", prometheus.NewRegistry())

	go func() {
		_ = exporter.Start()
	}()

	time.Sleep(100 * time.Millisecond)

	// Second start should return nil immediately
	if err := exporter.Start(); err != nil {
		t.Errorf("Expected nil on double start, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = exporter.Shutdown(ctx)
}

func TestRegistryGather(t *testing.T) {
	toolCallsTotal.Reset()
	RecordToolCall("getDateTool", StatusSuccess, 0.002)

	exporter := NewExporter(":9096")
	families, err := exporter.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var toolFamily *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "turnbridge_tool_calls_total" {
			toolFamily = mf
			break
		}
	}
	if toolFamily == nil {
		t.Fatal("Expected turnbridge_tool_calls_total in gathered families")
	}
	if toolFamily.GetType() != dto.MetricType_COUNTER {
		t.Errorf("Expected counter type, got %v", toolFamily.GetType())
	}

	var found bool
	for _, m := range toolFamily.GetMetric() {
		labels := map[string]string{}
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels["tool"] == "getDateTool" && labels["status"] == StatusSuccess {
			found = true
			if got := m.GetCounter().GetValue(); got != 1 {
				t.Errorf("Expected counter value 1, got %f", got)
			}
		}
	}
	if !found {
		t.Error("Expected a metric labeled tool=getDateTool status=success")
	}
}

func TestTextExposition(t *testing.T) {
	sessionsTotal.Reset()
	RecordSessionRejected()

	exporter := NewExporter(":9097")
	families, err := exporter.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			t.Fatalf("Encode failed for %s: %v", mf.GetName(), err)
		}
	}

	text := buf.String()
	if !strings.Contains(text, "turnbridge_sessions_total") {
		t.Error("Expected exposition to contain turnbridge_sessions_total")
	}
	if !strings.Contains(text, `outcome="rejected_capacity"`) {
		t.Error("Expected exposition to contain the rejected_capacity label")
	}
	if !strings.Contains(text, "# HELP turnbridge_sessions_total") {
		t.Error("Expected exposition to contain the help line")
	}
}
