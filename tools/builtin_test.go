package tools_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/voicewire/turnbridge/directory"
	"github.com/voicewire/turnbridge/tools"
	"github.com/voicewire/turnbridge/types"
)

var (
	taskIDPattern = regexp.MustCompile(`^TASK_[0-9A-F]{8}$`)
	callPKPattern = regexp.MustCompile(`^CALL_[0-9A-F]{12}$`)
)

func builtinDispatcher(t *testing.T, b tools.Builtins) *tools.Dispatcher {
	t.Helper()
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, b); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}
	return tools.NewDispatcher(registry)
}

func dispatchInto(t *testing.T, d *tools.Dispatcher, name, input string, out any) tools.Result {
	t.Helper()
	result := d.Dispatch(context.Background(), "session-test", invocation(name, input))
	if err := json.Unmarshal(result.Content, out); err != nil {
		t.Fatalf("%s content is not valid JSON: %v", name, err)
	}
	return result
}

// TestRegisterBuiltins verifies the registration table and its order
func TestRegisterBuiltins(t *testing.T) {
	registry := tools.NewRegistry()
	err := tools.RegisterBuiltins(registry, tools.Builtins{Directory: directory.NewStaticStore()})
	if err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}

	want := []string{
		tools.ToolGetDate,
		tools.ToolLookupHCP,
		tools.ToolInsertCall,
		tools.ToolEmitN8nEvent,
		tools.ToolCreateFollowUp,
	}
	got := registry.List()
	if len(got) != len(want) {
		t.Fatalf("Expected %d tools, got %d", len(want), len(got))
	}
	for i, name := range want {
		if got[i] != name {
			t.Errorf("Expected tool %d to be '%s', got '%s'", i, name, got[i])
		}
	}

	specs := registry.Specs()
	if len(specs) != len(want) {
		t.Fatalf("Expected %d specs, got %d", len(want), len(specs))
	}
	for i, spec := range specs {
		if spec.Spec.Name != want[i] {
			t.Errorf("Expected spec %d to be '%s', got '%s'", i, want[i], spec.Spec.Name)
		}
		if spec.Spec.InputSchema.JSON == "" {
			t.Errorf("Expected spec '%s' to carry an input schema", spec.Spec.Name)
		}
	}
}

// TestRegisterBuiltinsRequiresDirectory verifies the nil-store guard
func TestRegisterBuiltinsRequiresDirectory(t *testing.T) {
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, tools.Builtins{}); err == nil {
		t.Fatal("Expected error without a directory store")
	}
}

// TestGetDateTool verifies the clock snapshot fields
func TestGetDateTool(t *testing.T) {
	fixed := time.Date(2026, time.March, 14, 9, 26, 53, 0, time.UTC)
	dispatcher := builtinDispatcher(t, tools.Builtins{
		Directory: directory.NewStaticStore(),
		Now:       func() time.Time { return fixed },
	})

	var content struct {
		FormattedTime string `json:"formattedTime"`
		Date          string `json:"date"`
		Year          int    `json:"year"`
		Month         int    `json:"month"`
		Day           int    `json:"day"`
		DayOfWeek     string `json:"dayOfWeek"`
		Timezone      string `json:"timezone"`
	}
	result := dispatchInto(t, dispatcher, tools.ToolGetDate, `{}`, &content)

	if !result.OK() {
		t.Fatalf("Expected success, got %s", result.Failure)
	}
	if content.FormattedTime != "Saturday, March 14, 2026 at 09:26:53 UTC" {
		t.Errorf("Unexpected formattedTime '%s'", content.FormattedTime)
	}
	if content.Date != "2026-03-14" {
		t.Errorf("Expected date '2026-03-14', got '%s'", content.Date)
	}
	if content.Year != 2026 || content.Month != 3 || content.Day != 14 {
		t.Errorf("Expected 2026-3-14, got %d-%d-%d", content.Year, content.Month, content.Day)
	}
	if content.DayOfWeek != "Saturday" {
		t.Errorf("Expected 'Saturday', got '%s'", content.DayOfWeek)
	}
	if content.Timezone != "UTC" {
		t.Errorf("Expected 'UTC', got '%s'", content.Timezone)
	}
}

type lookupContent struct {
	Found   bool   `json:"found"`
	HCPID   string `json:"hcp_id"`
	Name    string `json:"name"`
	HCOID   string `json:"hco_id"`
	HCOName string `json:"hco_name"`
	Source  string `json:"source"`
	Error   string `json:"error"`
}

// TestLookupHcpToolFound verifies a directory hit end to end
func TestLookupHcpToolFound(t *testing.T) {
	dispatcher := builtinDispatcher(t, tools.Builtins{Directory: directory.NewStaticStore()})

	var content lookupContent
	result := dispatchInto(t, dispatcher, tools.ToolLookupHCP, `{"name": "Dr. Karina Soto"}`, &content)

	if !result.OK() {
		t.Fatalf("Expected success, got %s", result.Failure)
	}
	if !content.Found {
		t.Fatal("Expected found=true")
	}
	if content.HCPID != "HCP_SOTO" {
		t.Errorf("Expected hcp_id 'HCP_SOTO', got '%s'", content.HCPID)
	}
	if content.HCOID != "HCO_BAYVIEW" {
		t.Errorf("Expected hco_id 'HCO_BAYVIEW', got '%s'", content.HCOID)
	}
	if content.HCOName != "Bayview Medical Group" {
		t.Errorf("Expected hco_name 'Bayview Medical Group', got '%s'", content.HCOName)
	}
	if content.Source != "static" {
		t.Errorf("Expected source 'static', got '%s'", content.Source)
	}
}

// TestLookupHcpToolNotFound verifies a miss is an in-band found=false,
// not a dispatch failure
func TestLookupHcpToolNotFound(t *testing.T) {
	dispatcher := builtinDispatcher(t, tools.Builtins{Directory: directory.NewStaticStore()})

	var content lookupContent
	result := dispatchInto(t, dispatcher, tools.ToolLookupHCP, `{"name": "Dr. Nobody"}`, &content)

	if !result.OK() {
		t.Fatalf("Expected dispatch success on a miss, got %s", result.Failure)
	}
	if content.Found {
		t.Error("Expected found=false")
	}
	if content.Error != "" {
		t.Errorf("Expected no error on a clean miss, got '%s'", content.Error)
	}
}

// TestLookupHcpToolShortName verifies the post-trim length guard
func TestLookupHcpToolShortName(t *testing.T) {
	dispatcher := builtinDispatcher(t, tools.Builtins{Directory: directory.NewStaticStore()})

	var content lookupContent
	result := dispatchInto(t, dispatcher, tools.ToolLookupHCP, `{"name": "  x  "}`, &content)

	if !result.OK() {
		t.Fatalf("Expected dispatch success, got %s", result.Failure)
	}
	if content.Found {
		t.Error("Expected found=false")
	}
	if content.Error != "name must be at least 2 characters" {
		t.Errorf("Expected length guard message, got '%s'", content.Error)
	}
}

// TestLookupHcpToolMissingName verifies schema-level rejection
func TestLookupHcpToolMissingName(t *testing.T) {
	dispatcher := builtinDispatcher(t, tools.Builtins{Directory: directory.NewStaticStore()})

	result := dispatcher.Dispatch(context.Background(), "session-test", invocation(tools.ToolLookupHCP, `{}`))
	if result.Failure != types.ToolFailureInvalidInput {
		t.Errorf("Expected INVALID_INPUT, got %s", result.Failure)
	}
}

type insertContent struct {
	OK     bool   `json:"ok"`
	CallPK string `json:"call_pk"`
	Error  string `json:"error"`
}

// TestInsertCallTool verifies persistence and the generated key
func TestInsertCallTool(t *testing.T) {
	store := directory.NewStaticStore()
	dispatcher := builtinDispatcher(t, tools.Builtins{Directory: store})

	input := `{
		"record": {
			"account": "Dr. Karina Soto",
			"id": "HCP_SOTO",
			"discussion_topic": "Dosing update",
			"call_notes": "Discussed titration schedule.",
			"call_date": "2026-03-14",
			"product": "Cardiomax"
		}
	}`

	var content insertContent
	result := dispatchInto(t, dispatcher, tools.ToolInsertCall, input, &content)

	if !result.OK() {
		t.Fatalf("Expected success, got %s", result.Failure)
	}
	if !content.OK {
		t.Fatalf("Expected ok=true, got error '%s'", content.Error)
	}
	if !callPKPattern.MatchString(content.CallPK) {
		t.Errorf("Expected call_pk like CALL_AB12..., got '%s'", content.CallPK)
	}

	stored, ok := store.CallByPK(content.CallPK)
	if !ok {
		t.Fatalf("Expected record stored under '%s'", content.CallPK)
	}
	if stored.Account != "Dr. Karina Soto" {
		t.Errorf("Expected stored account, got '%s'", stored.Account)
	}
	if stored.Status != "Saved_vod" {
		t.Errorf("Expected default status 'Saved_vod', got '%s'", stored.Status)
	}
	if stored.CallChannel != "In-person" {
		t.Errorf("Expected default channel 'In-person', got '%s'", stored.CallChannel)
	}
}

// TestInsertCallToolEmptyRecord verifies the in-band empty-record error
func TestInsertCallToolEmptyRecord(t *testing.T) {
	dispatcher := builtinDispatcher(t, tools.Builtins{Directory: directory.NewStaticStore()})

	var content insertContent
	result := dispatchInto(t, dispatcher, tools.ToolInsertCall, `{"record": {}}`, &content)

	if !result.OK() {
		t.Fatalf("Expected dispatch success, got %s", result.Failure)
	}
	if content.OK {
		t.Error("Expected ok=false for an empty record")
	}
	if content.Error != "no record provided" {
		t.Errorf("Expected 'no record provided', got '%s'", content.Error)
	}
}

type emitContent struct {
	OK         bool   `json:"ok"`
	Skipped    bool   `json:"skipped"`
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
}

// TestEmitN8nEventTool verifies delivery through a configured endpoint
func TestEmitN8nEventTool(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("Body is not valid JSON: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher := builtinDispatcher(t, tools.Builtins{
		Directory: directory.NewStaticStore(),
		Webhook:   tools.NewWebhookEmitter(tools.WebhookConfig{URL: server.URL}),
	})

	var content emitContent
	result := dispatchInto(t, dispatcher, tools.ToolEmitN8nEvent,
		`{"eventType": "call.saved", "payload": {"call_pk": "CALL_AAAA0000BBBB"}}`, &content)

	if !result.OK() {
		t.Fatalf("Expected success, got %s", result.Failure)
	}
	if !content.OK {
		t.Fatalf("Expected ok=true, got error '%s'", content.Error)
	}
	if content.StatusCode != http.StatusOK {
		t.Errorf("Expected status_code 200, got %d", content.StatusCode)
	}
	if gotBody["eventType"] != "call.saved" {
		t.Errorf("Expected delivered eventType 'call.saved', got '%v'", gotBody["eventType"])
	}
}

// TestEmitN8nEventToolUnconfigured verifies the skip shape without an
// endpoint
func TestEmitN8nEventToolUnconfigured(t *testing.T) {
	dispatcher := builtinDispatcher(t, tools.Builtins{Directory: directory.NewStaticStore()})

	var content emitContent
	result := dispatchInto(t, dispatcher, tools.ToolEmitN8nEvent,
		`{"eventType": "call.saved", "payload": {}}`, &content)

	if !result.OK() {
		t.Fatalf("Expected dispatch success, got %s", result.Failure)
	}
	if content.OK {
		t.Error("Expected ok=false when unconfigured")
	}
	if !content.Skipped {
		t.Error("Expected skipped=true when unconfigured")
	}
}

// TestEmitN8nEventToolDeliveryFailure verifies the in-band error shape
func TestEmitN8nEventToolDeliveryFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	dispatcher := builtinDispatcher(t, tools.Builtins{
		Directory: directory.NewStaticStore(),
		Webhook:   tools.NewWebhookEmitter(tools.WebhookConfig{URL: server.URL}),
	})

	var content emitContent
	result := dispatchInto(t, dispatcher, tools.ToolEmitN8nEvent,
		`{"eventType": "call.saved", "payload": {}}`, &content)

	if !result.OK() {
		t.Fatalf("Expected dispatch success, got %s", result.Failure)
	}
	if content.OK {
		t.Error("Expected ok=false on delivery failure")
	}
	if content.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected status_code 500, got %d", content.StatusCode)
	}
	if content.Error == "" {
		t.Error("Expected an error message")
	}
}

type taskContent struct {
	OK     bool   `json:"ok"`
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// TestCreateFollowUpTaskTool verifies the task event envelope
func TestCreateFollowUpTaskTool(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("Body is not valid JSON: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher := builtinDispatcher(t, tools.Builtins{
		Directory: directory.NewStaticStore(),
		Webhook:   tools.NewWebhookEmitter(tools.WebhookConfig{URL: server.URL}),
	})

	input := `{
		"task_type": "Email",
		"description": "Send dosing handout",
		"due_date": "2026-03-21",
		"assigned_to": "rep_042",
		"call_pk": "CALL_AAAA0000BBBB"
	}`

	var content taskContent
	result := dispatchInto(t, dispatcher, tools.ToolCreateFollowUp, input, &content)

	if !result.OK() {
		t.Fatalf("Expected success, got %s", result.Failure)
	}
	if !content.OK {
		t.Fatalf("Expected ok=true, got error '%s'", content.Error)
	}
	if !taskIDPattern.MatchString(content.TaskID) {
		t.Errorf("Expected task_id like TASK_AB12CD34, got '%s'", content.TaskID)
	}

	if gotBody["eventType"] != tools.EventTypeTaskCreated {
		t.Errorf("Expected eventType '%s', got '%v'", tools.EventTypeTaskCreated, gotBody["eventType"])
	}
	payload, ok := gotBody["payload"].(map[string]any)
	if !ok {
		t.Fatalf("Expected payload object, got %T", gotBody["payload"])
	}
	if payload["task_id"] != content.TaskID {
		t.Errorf("Expected payload task_id '%s', got '%v'", content.TaskID, payload["task_id"])
	}
	task, ok := payload["task"].(map[string]any)
	if !ok {
		t.Fatalf("Expected task object, got %T", payload["task"])
	}
	if task["task_type"] != "Email" {
		t.Errorf("Expected task_type 'Email', got '%v'", task["task_type"])
	}
	if task["call_pk"] != "CALL_AAAA0000BBBB" {
		t.Errorf("Expected task call_pk, got '%v'", task["call_pk"])
	}
	createdAt, ok := payload["created_at"].(string)
	if !ok {
		t.Fatalf("Expected created_at string, got %T", payload["created_at"])
	}
	if _, err := time.Parse(time.RFC3339, createdAt); err != nil {
		t.Errorf("created_at is not RFC3339: %v", err)
	}
}

// TestCreateFollowUpTaskToolUnconfigured verifies tasks still get an ID
// when no event endpoint is configured
func TestCreateFollowUpTaskToolUnconfigured(t *testing.T) {
	dispatcher := builtinDispatcher(t, tools.Builtins{Directory: directory.NewStaticStore()})

	input := `{
		"task_type": "Call",
		"description": "Check back on samples",
		"due_date": "2026-04-01",
		"assigned_to": "rep_042"
	}`

	var content taskContent
	result := dispatchInto(t, dispatcher, tools.ToolCreateFollowUp, input, &content)

	if !result.OK() {
		t.Fatalf("Expected success, got %s", result.Failure)
	}
	if !content.OK {
		t.Fatalf("Expected ok=true without an endpoint, got error '%s'", content.Error)
	}
	if !taskIDPattern.MatchString(content.TaskID) {
		t.Errorf("Expected task_id like TASK_AB12CD34, got '%s'", content.TaskID)
	}
}

// TestCreateFollowUpTaskToolEmptyType verifies the in-band guard for a
// blank task_type
func TestCreateFollowUpTaskToolEmptyType(t *testing.T) {
	dispatcher := builtinDispatcher(t, tools.Builtins{Directory: directory.NewStaticStore()})

	input := `{
		"task_type": "",
		"description": "x",
		"due_date": "2026-04-01",
		"assigned_to": "rep_042"
	}`

	var content taskContent
	result := dispatchInto(t, dispatcher, tools.ToolCreateFollowUp, input, &content)

	if !result.OK() {
		t.Fatalf("Expected dispatch success, got %s", result.Failure)
	}
	if content.OK {
		t.Error("Expected ok=false for a blank task_type")
	}
	if content.Error != "no task_type provided" {
		t.Errorf("Expected 'no task_type provided', got '%s'", content.Error)
	}
}
