// Package prometheus provides Prometheus metrics for the session daemon.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "turnbridge"

var (
	// sessionsActive is a gauge of currently open sessions.
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently open sessions",
		},
	)

	// sessionsTotal is a counter of session lifecycle outcomes.
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions by outcome",
		},
		[]string{"outcome"}, // started, rejected_capacity, completed, error, evicted_idle, evicted_duration
	)

	// sessionDuration is a histogram of whole-session duration in seconds.
	sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Histogram of session duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
	)

	// turnsTotal is a counter of completed dialogue turns.
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of dialogue turns by outcome",
		},
		[]string{"outcome"}, // completed, interrupted
	)

	// turnDuration is a histogram of turn duration in seconds, measured
	// from input opening to turn persistence.
	turnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Histogram of dialogue turn duration in seconds",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
	)

	// outboundEventsTotal is a counter of events sent to the dialogue service.
	outboundEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_events_total",
			Help:      "Total events transmitted to the dialogue service",
		},
		[]string{"type"},
	)

	// inboundEventsTotal is a counter of events received from the dialogue service.
	inboundEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Total events received from the dialogue service",
		},
		[]string{"type"},
	)

	// audioBytesTotal is a counter of PCM bytes moved in each direction.
	audioBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total PCM audio bytes by direction",
		},
		[]string{"direction"}, // in, out
	)

	// dialogueTokensTotal is a counter of tokens reported by the dialogue service.
	dialogueTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialogue_tokens_total",
			Help:      "Total tokens reported by the dialogue service",
		},
		[]string{"type"}, // input, output
	)

	// toolCallDuration is a histogram of tool handler duration.
	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool handler execution in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"tool"},
	)

	// toolCallsTotal is a counter of tool invocations.
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool invocations",
		},
		[]string{"tool", "status"}, // status: success, unknown_tool, invalid_input, handler_failure
	)

	// historyOpsTotal is a counter of history store operations.
	historyOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_operations_total",
			Help:      "Total history store operations",
		},
		[]string{"op", "status"}, // op: create, append, replay; status: success, error
	)

	// webhookDeliveriesTotal is a counter of webhook delivery attempts.
	webhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook delivery attempts",
		},
		[]string{"status"}, // success, client_error, server_error, network_error, rate_limited
	)

	// guardrailHitsTotal is a counter of guardrail rule matches.
	guardrailHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_hits_total",
			Help:      "Total guardrail rule matches",
		},
		[]string{"rule", "action"}, // action: block, rewrite, warn
	)

	// directoryLookupsTotal is a counter of provider directory lookups.
	directoryLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_lookups_total",
			Help:      "Total provider directory lookups",
		},
		[]string{"store", "status"}, // status: hit, miss, error
	)

	// subscribersActive is a gauge of connected event stream subscribers.
	subscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers_active",
			Help:      "Number of connected event stream subscribers",
		},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		turnsTotal,
		turnDuration,
		outboundEventsTotal,
		inboundEventsTotal,
		audioBytesTotal,
		dialogueTokensTotal,
		toolCallDuration,
		toolCallsTotal,
		historyOpsTotal,
		webhookDeliveriesTotal,
		guardrailHitsTotal,
		directoryLookupsTotal,
		subscribersActive,
	}
)

// RecordSessionStart records a session opening.
func RecordSessionStart() {
	sessionsActive.Inc()
	sessionsTotal.WithLabelValues("started").Inc()
}

// RecordSessionEnd records a session closing with its outcome and duration.
func RecordSessionEnd(outcome string, durationSeconds float64) {
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues(outcome).Inc()
	sessionDuration.Observe(durationSeconds)
}

// RecordSessionRejected records a session refused at the concurrency ceiling.
func RecordSessionRejected() {
	sessionsTotal.WithLabelValues("rejected_capacity").Inc()
}

// RecordTurn records a completed turn.
func RecordTurn(outcome string, durationSeconds float64) {
	turnsTotal.WithLabelValues(outcome).Inc()
	turnDuration.Observe(durationSeconds)
}

// RecordOutboundEvent records one event transmitted to the dialogue service.
func RecordOutboundEvent(eventType string) {
	outboundEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordInboundEvent records one event received from the dialogue service.
func RecordInboundEvent(eventType string) {
	inboundEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordAudioBytes records PCM bytes moved in a direction ("in" or "out").
func RecordAudioBytes(direction string, n int) {
	if n > 0 {
		audioBytesTotal.WithLabelValues(direction).Add(float64(n))
	}
}

// RecordDialogueTokens records token usage reported by the dialogue service.
func RecordDialogueTokens(inputTokens, outputTokens int) {
	if inputTokens > 0 {
		dialogueTokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		dialogueTokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}
}

// RecordToolCall records one tool invocation.
func RecordToolCall(toolName, status string, durationSeconds float64) {
	toolCallDuration.WithLabelValues(toolName).Observe(durationSeconds)
	toolCallsTotal.WithLabelValues(toolName, status).Inc()
}

// RecordHistoryOp records one history store operation.
func RecordHistoryOp(op, status string) {
	historyOpsTotal.WithLabelValues(op, status).Inc()
}

// RecordWebhookDelivery records one webhook delivery attempt.
func RecordWebhookDelivery(status string) {
	webhookDeliveriesTotal.WithLabelValues(status).Inc()
}

// RecordGuardrailHit records one guardrail rule match.
func RecordGuardrailHit(rule, action string) {
	guardrailHitsTotal.WithLabelValues(rule, action).Inc()
}

// RecordDirectoryLookup records one provider directory lookup.
func RecordDirectoryLookup(store, status string) {
	directoryLookupsTotal.WithLabelValues(store, status).Inc()
}

// RecordSubscriberAdd records a new event stream subscriber.
func RecordSubscriberAdd() {
	subscribersActive.Inc()
}

// RecordSubscriberRemove records a departed event stream subscriber.
func RecordSubscriberRemove() {
	subscribersActive.Dec()
}
