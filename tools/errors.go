package tools

import "errors"

// Sentinel errors for tool registration and delivery.
var (
	// ErrToolNotFound is returned when a requested tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolNameRequired is returned when registering a tool without a name.
	ErrToolNameRequired = errors.New("tool name is required")

	// ErrToolDescriptionRequired is returned when registering a tool without a description.
	ErrToolDescriptionRequired = errors.New("tool description is required")

	// ErrInputSchemaRequired is returned when registering a tool without an input schema.
	ErrInputSchemaRequired = errors.New("input schema is required")

	// ErrNilHandler is returned when registering a tool without a handler.
	ErrNilHandler = errors.New("tool handler is required")

	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrWebhookNotConfigured is returned when emitting without a webhook URL.
	ErrWebhookNotConfigured = errors.New("webhook not configured")

	// ErrWebhookRateLimited is returned when delivery exceeds the configured rate.
	ErrWebhookRateLimited = errors.New("webhook delivery rate limited")
)
