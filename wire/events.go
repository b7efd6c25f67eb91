// Package wire encodes and decodes the speech dialogue service's event
// vocabulary. Every frame is a JSON envelope with a single event key:
//
//	{"event": {"audioInput": {"promptName": "...", "contentName": "...", "content": "..."}}}
//
// Outbound events are built through a Builder bound to the session's
// prompt name; inbound frames decode into the Inbound union. Frames are
// transmitted and forwarded unmodified, so Payload retains the exact
// bytes produced here.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Protocol string constants.
const (
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
	RoleSystem    = "SYSTEM"
	RoleTool      = "TOOL"

	ContentTypeText  = "TEXT"
	ContentTypeAudio = "AUDIO"
	ContentTypeTool  = "TOOL"

	MediaTypeText = "text/plain"
	MediaTypeLPCM = "audio/lpcm"
	MediaTypeJSON = "application/json"

	AudioTypeSpeech = "SPEECH"
	EncodingBase64  = "base64"

	GenerationStageSpeculative = "SPECULATIVE"
	GenerationStageFinal       = "FINAL"

	StopReasonEndTurn     = "END_TURN"
	StopReasonPartialTurn = "PARTIAL_TURN"
	StopReasonInterrupted = "INTERRUPTED"
)

// BargeInMarker is the exact content the service emits inside a
// textOutput event when the user interrupts ongoing playback.
const BargeInMarker = `{ "interrupted" : true }`

// Event is one outbound frame, encoded and ready for transmission.
type Event struct {
	// Name is the envelope's single event key, e.g. "audioInput"
	Name string

	// Payload is the complete JSON envelope, transmitted unmodified
	Payload []byte
}

// InferenceConfig carries the generation settings sent in sessionStart.
type InferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

// AudioConfig describes one direction's PCM shape.
type AudioConfig struct {
	SampleRateHertz int
	SampleSizeBits  int
	ChannelCount    int
}

// ToolSpec declares one callable tool to the service.
type ToolSpec struct {
	Spec ToolDefinition `json:"toolSpec"`
}

// ToolDefinition is the inner toolSpec body.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema wraps a JSON Schema document. The service expects the
// schema serialized as a string, not inlined as an object.
type InputSchema struct {
	JSON string `json:"json"`
}

// NewToolSpec builds a ToolSpec from a raw JSON Schema document.
func NewToolSpec(name, description string, schema json.RawMessage) ToolSpec {
	return ToolSpec{
		Spec: ToolDefinition{
			Name:        name,
			Description: description,
			InputSchema: InputSchema{JSON: string(schema)},
		},
	}
}

// Builder constructs outbound events for one session. The prompt name
// is fixed at session start and stamped into every event that needs it.
type Builder struct {
	promptName string
}

// NewBuilder returns a Builder bound to the given prompt name.
func NewBuilder(promptName string) *Builder {
	return &Builder{promptName: promptName}
}

// PromptName returns the prompt name this builder stamps into events.
func (b *Builder) PromptName() string {
	return b.promptName
}

type textConfiguration struct {
	MediaType string `json:"mediaType"`
}

type audioOutputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

type audioInputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
}

type toolResultInputConfiguration struct {
	ToolUseID              string            `json:"toolUseId"`
	Type                   string            `json:"type"`
	TextInputConfiguration textConfiguration `json:"textInputConfiguration"`
}

// newEvent wraps a payload in the standard single-key envelope.
func newEvent(name string, payload interface{}) (*Event, error) {
	body, err := json.Marshal(map[string]interface{}{
		"event": map[string]interface{}{name: payload},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", name, err)
	}
	return &Event{Name: name, Payload: body}, nil
}

// SessionStart opens the stream with the inference configuration.
func (b *Builder) SessionStart(cfg InferenceConfig) (*Event, error) {
	return newEvent("sessionStart", map[string]interface{}{
		"inferenceConfiguration": cfg,
	})
}

// PromptStart declares the prompt: output formats, voice, and the tool
// catalog the service may invoke.
func (b *Builder) PromptStart(voiceID string, out AudioConfig, tools []ToolSpec) (*Event, error) {
	if tools == nil {
		tools = []ToolSpec{}
	}
	return newEvent("promptStart", map[string]interface{}{
		"promptName": b.promptName,
		"textOutputConfiguration": textConfiguration{
			MediaType: MediaTypeText,
		},
		"audioOutputConfiguration": audioOutputConfiguration{
			MediaType:       MediaTypeLPCM,
			SampleRateHertz: out.SampleRateHertz,
			SampleSizeBits:  out.SampleSizeBits,
			ChannelCount:    out.ChannelCount,
			VoiceID:         voiceID,
			Encoding:        EncodingBase64,
			AudioType:       AudioTypeSpeech,
		},
		"toolUseOutputConfiguration": textConfiguration{
			MediaType: MediaTypeJSON,
		},
		"toolConfiguration": map[string]interface{}{
			"tools": tools,
		},
	})
}

// TextContentStart opens a TEXT container for the given role, used for
// the system prompt and history replay.
func (b *Builder) TextContentStart(contentName, role string) (*Event, error) {
	return newEvent("contentStart", map[string]interface{}{
		"promptName":  b.promptName,
		"contentName": contentName,
		"role":        role,
		"type":        ContentTypeText,
		"interactive": true,
		"textInputConfiguration": textConfiguration{
			MediaType: MediaTypeText,
		},
	})
}

// TextInput sends text content into an open TEXT container.
func (b *Builder) TextInput(contentName, content string) (*Event, error) {
	return newEvent("textInput", map[string]interface{}{
		"promptName":  b.promptName,
		"contentName": contentName,
		"content":     content,
	})
}

// AudioContentStart opens the interactive AUDIO container for user speech.
func (b *Builder) AudioContentStart(contentName string, in AudioConfig) (*Event, error) {
	return newEvent("contentStart", map[string]interface{}{
		"promptName":  b.promptName,
		"contentName": contentName,
		"type":        ContentTypeAudio,
		"interactive": true,
		"role":        RoleUser,
		"audioInputConfiguration": audioInputConfiguration{
			MediaType:       MediaTypeLPCM,
			SampleRateHertz: in.SampleRateHertz,
			SampleSizeBits:  in.SampleSizeBits,
			ChannelCount:    in.ChannelCount,
			AudioType:       AudioTypeSpeech,
			Encoding:        EncodingBase64,
		},
	})
}

// AudioInput sends one chunk of raw PCM, base64-encoded, into an open
// AUDIO container.
func (b *Builder) AudioInput(contentName string, pcm []byte) (*Event, error) {
	return newEvent("audioInput", map[string]interface{}{
		"promptName":  b.promptName,
		"contentName": contentName,
		"content":     base64.StdEncoding.EncodeToString(pcm),
	})
}

// ToolResultContentStart opens a TOOL container correlated to the
// originating toolUseId.
func (b *Builder) ToolResultContentStart(contentName, toolUseID string) (*Event, error) {
	return newEvent("contentStart", map[string]interface{}{
		"promptName":  b.promptName,
		"contentName": contentName,
		"role":        RoleTool,
		"type":        ContentTypeTool,
		"interactive": false,
		"toolResultInputConfiguration": toolResultInputConfiguration{
			ToolUseID: toolUseID,
			Type:      ContentTypeText,
			TextInputConfiguration: textConfiguration{
				MediaType: MediaTypeText,
			},
		},
	})
}

// ToolResult sends a tool execution result into an open TOOL container.
// The result is serialized to a JSON string, as the service expects.
func (b *Builder) ToolResult(contentName string, result interface{}) (*Event, error) {
	content, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return newEvent("toolResult", map[string]interface{}{
		"promptName":  b.promptName,
		"contentName": contentName,
		"content":     string(content),
	})
}

// ContentEnd closes an open container.
func (b *Builder) ContentEnd(contentName string) (*Event, error) {
	return newEvent("contentEnd", map[string]interface{}{
		"promptName":  b.promptName,
		"contentName": contentName,
	})
}

// PromptEnd closes the prompt.
func (b *Builder) PromptEnd() (*Event, error) {
	return newEvent("promptEnd", map[string]interface{}{
		"promptName": b.promptName,
	})
}

// SessionEnd closes the stream.
func (b *Builder) SessionEnd() (*Event, error) {
	return newEvent("sessionEnd", struct{}{})
}
