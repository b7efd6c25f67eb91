package tools

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/voicewire/turnbridge/directory"
)

// Built-in tool names.
const (
	ToolGetDate          = "getDateTool"
	ToolLookupHCP        = "lookupHcpTool"
	ToolInsertCall       = "insertCallTool"
	ToolEmitN8nEvent     = "emitN8nEventTool"
	ToolCreateFollowUp   = "createFollowUpTaskTool"
	EventTypeTaskCreated = "task.created"
)

// Input schemas for the built-in tools, surfaced to the service in the
// prompt-start tool catalog.
const (
	getDateSchema = `{
		"type": "object",
		"properties": {},
		"required": []
	}`

	lookupHCPSchema = `{
		"type": "object",
		"properties": {
			"name": {
				"type": "string",
				"minLength": 2,
				"description": "The name of the healthcare professional to look up"
			}
		},
		"required": ["name"]
	}`

	insertCallSchema = `{
		"type": "object",
		"properties": {
			"record": {
				"type": "object",
				"description": "Complete call record JSON"
			}
		},
		"required": ["record"]
	}`

	emitEventSchema = `{
		"type": "object",
		"properties": {
			"eventType": {
				"type": "string",
				"description": "Event type, e.g. 'call.saved'"
			},
			"payload": {
				"type": "object",
				"description": "Event payload data"
			}
		},
		"required": ["eventType", "payload"]
	}`

	followUpTaskSchema = `{
		"type": "object",
		"properties": {
			"task_type": {"type": "string", "description": "Task type, e.g. 'Email'"},
			"description": {"type": "string", "description": "What the task is about"},
			"due_date": {"type": "string", "description": "Due date, YYYY-MM-DD"},
			"assigned_to": {"type": "string", "description": "Assignee"},
			"call_pk": {"type": "string", "description": "Related call primary key"}
		},
		"required": ["task_type", "description", "due_date", "assigned_to"]
	}`
)

// Builtins bundles the collaborators the built-in handlers need. The
// directory store is required; the webhook emitter may be nil or
// unconfigured, in which case event emission is skipped.
type Builtins struct {
	Directory directory.Store
	Webhook   *WebhookEmitter

	// Now is the clock used by getDateTool, defaulting to time.Now.
	Now func() time.Time
}

// RegisterBuiltins installs the built-in tool table into the registry.
func RegisterBuiltins(r *Registry, b Builtins) error {
	if b.Directory == nil {
		return errors.New("builtins require a directory store")
	}
	if b.Now == nil {
		b.Now = time.Now
	}

	table := []struct {
		descriptor *Descriptor
		handler    Handler
	}{
		{
			descriptor: &Descriptor{
				Name:        ToolGetDate,
				Description: "Return current date/time for sanity checks. Use this tool when the user asks about the current date or time.",
				InputSchema: json.RawMessage(getDateSchema),
			},
			handler: b.getDate,
		},
		{
			descriptor: &Descriptor{
				Name:        ToolLookupHCP,
				Description: "Lookup an HCP (Healthcare Professional) by name in the system. Use this tool when the user mentions a doctor's name or asks if an HCP exists. Returns {found:Boolean, hcp_id:String|null, hco_id:String|null, hco_name:String|null, name:String|null, source:String|null}.",
				InputSchema: json.RawMessage(lookupHCPSchema),
				TimeoutMs:   20000,
			},
			handler: b.lookupHCP,
		},
		{
			descriptor: &Descriptor{
				Name:        ToolInsertCall,
				Description: "Persist the final call JSON to the CRM calls table.",
				InputSchema: json.RawMessage(insertCallSchema),
				TimeoutMs:   20000,
			},
			handler: b.insertCall,
		},
		{
			descriptor: &Descriptor{
				Name:        ToolEmitN8nEvent,
				Description: "POST the saved calls row + session metadata to an n8n Webhook with a shared-secret header.",
				InputSchema: json.RawMessage(emitEventSchema),
				TimeoutMs:   12000,
			},
			handler: b.emitEvent,
		},
		{
			descriptor: &Descriptor{
				Name:        ToolCreateFollowUp,
				Description: "Create a follow-up task in PM/CRM when call_follow_up_task.task_type is present.",
				InputSchema: json.RawMessage(followUpTaskSchema),
				TimeoutMs:   12000,
			},
			handler: b.createFollowUpTask,
		},
	}

	for _, entry := range table {
		if err := r.Register(entry.descriptor, entry.handler); err != nil {
			return err
		}
	}
	return nil
}

type dateResult struct {
	FormattedTime string `json:"formattedTime"`
	Date          string `json:"date"`
	Year          int    `json:"year"`
	Month         int    `json:"month"`
	Day           int    `json:"day"`
	DayOfWeek     string `json:"dayOfWeek"`
	Timezone      string `json:"timezone"`
}

func (b Builtins) getDate(_ context.Context, _ json.RawMessage) (any, error) {
	now := b.Now().UTC()
	return dateResult{
		FormattedTime: now.Format("Monday, January 2, 2006 at 15:04:05 MST"),
		Date:          now.Format("2006-01-02"),
		Year:          now.Year(),
		Month:         int(now.Month()),
		Day:           now.Day(),
		DayOfWeek:     now.Weekday().String(),
		Timezone:      "UTC",
	}, nil
}

type hcpLookupResult struct {
	Found   bool   `json:"found"`
	HCPID   string `json:"hcp_id"`
	Name    string `json:"name"`
	HCOID   string `json:"hco_id"`
	HCOName string `json:"hco_name"`
	Source  string `json:"source"`
	Error   string `json:"error,omitempty"`
}

func (b Builtins) lookupHCP(ctx context.Context, input json.RawMessage) (any, error) {
	var args struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}

	name := strings.TrimSpace(args.Name)
	if utf8.RuneCountInString(name) < 2 {
		return hcpLookupResult{Error: "name must be at least 2 characters"}, nil
	}

	hcp, err := b.Directory.LookupHCP(ctx, name)
	if errors.Is(err, directory.ErrNotFound) {
		return hcpLookupResult{}, nil
	}
	if err != nil {
		return hcpLookupResult{Error: err.Error()}, nil
	}

	return hcpLookupResult{
		Found:   true,
		HCPID:   hcp.HCPID,
		Name:    hcp.Name,
		HCOID:   hcp.HCOID,
		HCOName: hcp.HCOName,
		Source:  hcp.Source,
	}, nil
}

type insertCallResult struct {
	OK     bool   `json:"ok"`
	CallPK string `json:"call_pk,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (b Builtins) insertCall(ctx context.Context, input json.RawMessage) (any, error) {
	var args struct {
		Record directory.CallRecord `json:"record"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}

	pk, err := b.Directory.InsertCall(ctx, args.Record)
	if errors.Is(err, directory.ErrEmptyRecord) {
		return insertCallResult{Error: "no record provided"}, nil
	}
	if err != nil {
		return insertCallResult{Error: err.Error()}, nil
	}
	return insertCallResult{OK: true, CallPK: pk}, nil
}

type emitEventResult struct {
	OK         bool   `json:"ok"`
	Skipped    bool   `json:"skipped,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (b Builtins) emitEvent(ctx context.Context, input json.RawMessage) (any, error) {
	var args struct {
		EventType string          `json:"eventType"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if args.EventType == "" {
		return emitEventResult{Error: "no eventType provided"}, nil
	}
	if !b.Webhook.Configured() {
		return emitEventResult{Skipped: true}, nil
	}

	status, err := b.Webhook.Emit(ctx, args.EventType, args.Payload)
	if err != nil {
		return emitEventResult{StatusCode: status, Error: err.Error()}, nil
	}
	return emitEventResult{OK: true, StatusCode: status}, nil
}

type followUpTaskResult struct {
	OK     bool   `json:"ok"`
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (b Builtins) createFollowUpTask(ctx context.Context, input json.RawMessage) (any, error) {
	var task struct {
		TaskType    string `json:"task_type"`
		Description string `json:"description"`
		DueDate     string `json:"due_date"`
		AssignedTo  string `json:"assigned_to"`
		CallPK      string `json:"call_pk,omitempty"`
	}
	if err := json.Unmarshal(input, &task); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if task.TaskType == "" {
		return followUpTaskResult{Error: "no task_type provided"}, nil
	}

	taskID := newTaskID()

	// Task routing goes through n8n; without an endpoint the task is
	// still created locally so dev setups keep working.
	if b.Webhook.Configured() {
		payload := map[string]any{
			"task":       task,
			"task_id":    taskID,
			"created_at": b.Now().UTC().Format(time.RFC3339),
		}
		if _, err := b.Webhook.Emit(ctx, EventTypeTaskCreated, payload); err != nil {
			return followUpTaskResult{Error: "failed to emit task event: " + err.Error()}, nil
		}
	}

	return followUpTaskResult{OK: true, TaskID: taskID}, nil
}

// newTaskID generates a task identifier: TASK_ plus 8 uppercase hex
// characters.
func newTaskID() string {
	id := uuid.New()
	return "TASK_" + strings.ToUpper(hex.EncodeToString(id[:]))[:8]
}
