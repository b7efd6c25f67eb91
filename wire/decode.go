package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind identifies which inbound event a frame carries.
type EventKind string

// Inbound event kinds. Unrecognized event keys decode to their literal
// key name with only Raw populated, so new service events pass through
// to subscribers without a code change here.
const (
	KindCompletionStart EventKind = "completionStart"
	KindContentStart    EventKind = "contentStart"
	KindTextOutput      EventKind = "textOutput"
	KindAudioOutput     EventKind = "audioOutput"
	KindToolUse         EventKind = "toolUse"
	KindContentEnd      EventKind = "contentEnd"
	KindCompletionEnd   EventKind = "completionEnd"
	KindUsage           EventKind = "usageEvent"
	KindError           EventKind = "error"
)

// Inbound is the decoded form of one service frame. Kind selects which
// payload pointer is set; Raw always holds the original frame bytes.
type Inbound struct {
	Kind EventKind
	Raw  json.RawMessage

	CompletionStart *CompletionStart
	ContentStart    *ContentStart
	TextOutput      *TextOutput
	AudioOutput     *AudioOutput
	ToolUse         *ToolUse
	ContentEnd      *ContentEnd
	CompletionEnd   *CompletionEnd
	Usage           *UsageEvent
	Error           *ServiceError
}

// CompletionStart announces the beginning of one response cycle.
type CompletionStart struct {
	SessionID    string `json:"sessionId"`
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
}

// ContentStart announces a new content block in the response stream.
type ContentStart struct {
	PromptName string `json:"promptName"`
	ContentID  string `json:"contentId"`
	Type       string `json:"type"`
	Role       string `json:"role"`

	// AdditionalModelFields is a JSON document serialized as a string.
	AdditionalModelFields string `json:"additionalModelFields"`
}

// GenerationStage extracts the generationStage marker from
// additionalModelFields. It returns SPECULATIVE for low-latency draft
// transcripts, FINAL for settled ones, and "" when the field is absent
// or unparseable.
func (c *ContentStart) GenerationStage() string {
	if c.AdditionalModelFields == "" {
		return ""
	}
	var fields struct {
		GenerationStage string `json:"generationStage"`
	}
	if err := json.Unmarshal([]byte(c.AdditionalModelFields), &fields); err != nil {
		return ""
	}
	return fields.GenerationStage
}

// TextOutput carries one transcript fragment.
type TextOutput struct {
	PromptName string `json:"promptName"`
	ContentID  string `json:"contentId"`
	Role       string `json:"role"`
	Content    string `json:"content"`
}

// IsBargeIn reports whether this fragment is the interruption marker
// the service emits when the user talks over ongoing playback.
func (t *TextOutput) IsBargeIn() bool {
	return strings.Contains(t.Content, BargeInMarker)
}

// AudioOutput carries one chunk of synthesized speech.
type AudioOutput struct {
	PromptName string `json:"promptName"`
	ContentID  string `json:"contentId"`
	Content    string `json:"content"`
}

// Decoded returns the raw PCM bytes of the chunk.
func (a *AudioOutput) Decoded() ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(a.Content)
	if err != nil {
		return nil, fmt.Errorf("invalid audio content: %w", err)
	}
	return pcm, nil
}

// ToolUse asks the client to execute a tool and return its result.
type ToolUse struct {
	PromptName string `json:"promptName"`
	ContentID  string `json:"contentId"`
	ToolUseID  string `json:"toolUseId"`
	ToolName   string `json:"toolName"`

	// Content is the tool input serialized as a JSON string.
	Content string `json:"content"`
}

// Input returns the tool input as a JSON document. Malformed or empty
// content yields an empty object so dispatch can still proceed and
// schema validation can report the real problem.
func (t *ToolUse) Input() json.RawMessage {
	trimmed := strings.TrimSpace(t.Content)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(trimmed)
}

// ContentEnd closes a content block.
type ContentEnd struct {
	PromptName string `json:"promptName"`
	ContentID  string `json:"contentId"`
	Type       string `json:"type"`
	StopReason string `json:"stopReason"`
}

// EndOfTurn reports whether this block boundary also ends the turn.
func (c *ContentEnd) EndOfTurn() bool {
	return c.StopReason == StopReasonEndTurn
}

// Interrupted reports whether the block was cut short by barge-in.
func (c *ContentEnd) Interrupted() bool {
	return c.StopReason == StopReasonInterrupted
}

// CompletionEnd closes one response cycle.
type CompletionEnd struct {
	SessionID    string `json:"sessionId"`
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
	StopReason   string `json:"stopReason"`
}

// UsageEvent reports token consumption for the completed cycle.
type UsageEvent struct {
	CompletionID      string          `json:"completionId"`
	TotalInputTokens  int             `json:"totalInputTokens"`
	TotalOutputTokens int             `json:"totalOutputTokens"`
	TotalTokens       int             `json:"totalTokens"`
	Details           json.RawMessage `json:"details"`
}

// ServiceError is a top-level error frame from the service.
type ServiceError struct {
	Message string `json:"message"`

	// Detail holds the full error payload for logging.
	Detail json.RawMessage `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("service error: %s", e.Message)
	}
	return fmt.Sprintf("service error: %s", string(e.Detail))
}

// Decode parses one inbound frame. Frames that are not valid JSON or
// lack both an event body and an error body fail; unknown event keys
// succeed with Kind set to the key and only Raw populated.
func Decode(data []byte) (*Inbound, error) {
	var frame struct {
		Event map[string]json.RawMessage `json:"event"`
		Error json.RawMessage            `json:"error"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	in := &Inbound{Raw: append(json.RawMessage(nil), data...)}

	if len(frame.Error) > 0 && string(frame.Error) != "null" {
		in.Kind = KindError
		svcErr := &ServiceError{Detail: frame.Error}
		// The error body may be an object or a bare string.
		if err := json.Unmarshal(frame.Error, svcErr); err != nil {
			var msg string
			if json.Unmarshal(frame.Error, &msg) == nil {
				svcErr.Message = msg
			}
		}
		in.Error = svcErr
		return in, nil
	}

	if len(frame.Event) == 0 {
		return nil, fmt.Errorf("frame has no event body")
	}

	for name, payload := range frame.Event {
		in.Kind = EventKind(name)
		var err error
		switch in.Kind {
		case KindCompletionStart:
			in.CompletionStart = &CompletionStart{}
			err = json.Unmarshal(payload, in.CompletionStart)
		case KindContentStart:
			in.ContentStart = &ContentStart{}
			err = json.Unmarshal(payload, in.ContentStart)
		case KindTextOutput:
			in.TextOutput = &TextOutput{}
			err = json.Unmarshal(payload, in.TextOutput)
		case KindAudioOutput:
			in.AudioOutput = &AudioOutput{}
			err = json.Unmarshal(payload, in.AudioOutput)
		case KindToolUse:
			in.ToolUse = &ToolUse{}
			err = json.Unmarshal(payload, in.ToolUse)
		case KindContentEnd:
			in.ContentEnd = &ContentEnd{}
			err = json.Unmarshal(payload, in.ContentEnd)
		case KindCompletionEnd:
			in.CompletionEnd = &CompletionEnd{}
			err = json.Unmarshal(payload, in.CompletionEnd)
		case KindUsage:
			in.Usage = &UsageEvent{}
			err = json.Unmarshal(payload, in.Usage)
		default:
			// Unknown events pass through via Raw.
		}
		if err != nil {
			return nil, fmt.Errorf("invalid %s event: %w", name, err)
		}
		break
	}
	return in, nil
}
