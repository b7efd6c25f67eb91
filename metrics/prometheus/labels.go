package prometheus

// Canonical label values shared by all recording call sites. Using these
// constants keeps the label vocabulary stable across packages.
const (
	// Session and turn outcomes.
	OutcomeCompleted       = "completed"
	OutcomeError           = "error"
	OutcomeInterrupted     = "interrupted"
	OutcomeEvictedIdle     = "evicted_idle"
	OutcomeEvictedDuration = "evicted_duration"

	// Operation statuses.
	StatusSuccess        = "success"
	StatusError          = "error"
	StatusUnknownTool    = "unknown_tool"
	StatusInvalidInput   = "invalid_input"
	StatusHandlerFailure = "handler_failure"

	// Directory lookup statuses.
	StatusHit  = "hit"
	StatusMiss = "miss"

	// Webhook delivery statuses.
	StatusClientError  = "client_error"
	StatusServerError  = "server_error"
	StatusNetworkError = "network_error"
	StatusRateLimited  = "rate_limited"

	// History store operations.
	OpCreate = "create"
	OpAppend = "append"
	OpReplay = "replay"

	// Guardrail actions.
	ActionBlock   = "block"
	ActionRewrite = "rewrite"
	ActionWarn    = "warn"

	// Audio directions.
	DirectionIn  = "in"
	DirectionOut = "out"
)
