// Package tools maps service-initiated tool invocations onto local
// handlers. A Registry holds the fixed table of descriptors and
// handlers built at startup; the Dispatcher validates input against
// each descriptor's JSON Schema, runs the handler with a bounded
// context, and always produces exactly one result per invocation.
// Unknown names and handler failures become structured results that
// flow back into the dialogue stream instead of aborting the turn.
package tools

import (
	"context"
	"encoding/json"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ManifestKind is the expected kind field of a tool manifest.
const ManifestKind = "Tool"

// defaultTimeoutMs bounds handlers whose descriptor does not set one.
const defaultTimeoutMs = 3000

// Handler runs one tool invocation. Input is the raw JSON arguments as
// decoded from the stream; the returned value is marshaled into the
// result content. Blocking work must honor ctx, which carries the
// descriptor's timeout.
type Handler func(ctx context.Context, input json.RawMessage) (any, error)

// Descriptor describes one callable tool: the name the service invokes
// it by, the description surfaced in the tool catalog, and the JSON
// Schema its input must satisfy.
type Descriptor struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description"`
	InputSchema json.RawMessage `json:"inputSchema" yaml:"inputSchema"`
	TimeoutMs   int             `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

// Timeout returns the handler deadline.
func (d *Descriptor) Timeout() time.Duration {
	ms := d.TimeoutMs
	if ms <= 0 {
		ms = defaultTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Manifest is the K8s-style on-disk form of a descriptor. The tool
// name comes from metadata.name; spec.name is ignored.
type Manifest struct {
	APIVersion string            `json:"apiVersion" yaml:"apiVersion"`
	Kind       string            `json:"kind" yaml:"kind"`
	Metadata   metav1.ObjectMeta `json:"metadata" yaml:"metadata"`
	Spec       Descriptor        `json:"spec" yaml:"spec"`
}

// ValidationError reports input that does not satisfy a tool's schema.
type ValidationError struct {
	Tool   string `json:"tool"`
	Detail string `json:"detail"`
	Path   string `json:"path,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return "tool " + e.Tool + ": invalid input at " + e.Path + ": " + e.Detail
	}
	return "tool " + e.Tool + ": invalid input: " + e.Detail
}
