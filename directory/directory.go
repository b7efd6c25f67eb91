// Package directory provides lookup and persistence against the CRM
// warehouse: healthcare professionals, their organizations, and saved
// call records. Tool handlers are the only consumers.
//
// Three implementations share one interface: PGStore speaks the
// Postgres wire protocol to the warehouse, StaticStore serves a seeded
// in-memory dataset, and Failover chains the two so a lookup never
// fails outright just because the warehouse is down.
package directory

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no professional matches the name.
	ErrNotFound = errors.New("directory: hcp not found")

	// ErrEmptyRecord is returned when a call record has no content to persist.
	ErrEmptyRecord = errors.New("directory: empty call record")
)

// Source labels reported with every lookup result.
const (
	SourceDatabase = "database"
	SourceStatic   = "static"
)

// HCP is one healthcare professional, optionally linked to the
// organization they practice under.
type HCP struct {
	HCPID   string `json:"hcp_id"`
	Name    string `json:"name"`
	HCOID   string `json:"hco_id"`
	HCOName string `json:"hco_name"`

	// Source identifies which store served the record.
	Source string `json:"source"`
}

// FollowUpTask captures the optional follow-up attached to a call.
type FollowUpTask struct {
	TaskType    string `json:"task_type"`
	Description string `json:"description"`
	DueDate     string `json:"due_date"`
	AssignedTo  string `json:"assigned_to"`
}

// CallRecord is the final call JSON assembled over a conversation,
// mapped onto the warehouse calls table on insert.
type CallRecord struct {
	CallChannel              string        `json:"call_channel"`
	DiscussionTopic          string        `json:"discussion_topic"`
	Status                   string        `json:"status"`
	Account                  string        `json:"account"`
	ID                       string        `json:"id"`
	AdverseEvent             bool          `json:"adverse_event"`
	AdverseEventDetails      string        `json:"adverse_event_details"`
	NoncomplianceEvent       bool          `json:"noncompliance_event"`
	NoncomplianceDescription string        `json:"noncompliance_description"`
	CallNotes                string        `json:"call_notes"`
	CallDate                 string        `json:"call_date"`
	CallTime                 string        `json:"call_time"`
	Product                  string        `json:"product"`
	FollowUpTask             *FollowUpTask `json:"call_follow_up_task,omitempty"`
}

// Empty reports whether the record carries nothing worth persisting.
func (r CallRecord) Empty() bool {
	return r.Account == "" && r.ID == "" && r.DiscussionTopic == "" &&
		r.CallNotes == "" && r.Product == ""
}

// Normalized applies the warehouse defaults: channel falls back to
// In-person, status to Saved_vod, and a follow-up with no task type is
// dropped entirely.
func (r CallRecord) Normalized() CallRecord {
	out := r
	if out.CallChannel == "" {
		out.CallChannel = "In-person"
	}
	if out.Status == "" {
		out.Status = "Saved_vod"
	}
	if out.FollowUpTask != nil && out.FollowUpTask.TaskType == "" {
		out.FollowUpTask = nil
	}
	return out
}

// Store is the lookup/persistence collaborator consumed by tool
// handlers. LookupHCP returns ErrNotFound when nothing matches;
// InsertCall returns the generated call primary key.
type Store interface {
	LookupHCP(ctx context.Context, name string) (*HCP, error)
	InsertCall(ctx context.Context, record CallRecord) (string, error)
	Health(ctx context.Context) error
}

// NewCallPK generates a call primary key: CALL_ plus 12 uppercase hex
// characters, the format the warehouse schema expects.
func NewCallPK() string {
	return "CALL_" + randomHex(12)
}

func randomHex(n int) string {
	id := uuid.New()
	return strings.ToUpper(hex.EncodeToString(id[:]))[:n]
}
