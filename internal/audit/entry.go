// Package audit provides the append-only, rotating record of every gateway
// decision and event. Entries are immutable once written and exclusively
// owned by the Logger; a decision is not considered recorded until its log
// write returns.
package audit

import (
	"time"

	"github.com/toolgate/toolgate/internal/types"
)

// Stream names the four dedicated log concerns. Each stream rotates
// independently and serializes its writes through its own lock.
type Stream string

const (
	StreamAudit       Stream = "audit"
	StreamSecurity    Stream = "security"
	StreamPerformance Stream = "performance"
	StreamError       Stream = "error"
)

// Streams lists every stream in creation order.
var Streams = []Stream{StreamAudit, StreamSecurity, StreamPerformance, StreamError}

// EventType classifies an entry within its stream.
type EventType string

const (
	EventToolRequest   EventType = "tool_request"
	EventViolation     EventType = "security_violation"
	EventSandbox       EventType = "sandbox_event"
	EventConfiguration EventType = "configuration_change"
	EventConfirmation  EventType = "confirmation"
	EventPerformance   EventType = "performance"
	EventError         EventType = "error"
)

// Entry is one structured audit record, serialized as a single JSON line.
type Entry struct {
	Time       time.Time       `json:"time"`
	EventType  EventType       `json:"event_type"`
	RequestID  string          `json:"request_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Operation  types.Operation `json:"operation,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Decision   types.Decision  `json:"decision,omitempty"`
	RiskLevel  types.RiskLevel `json:"risk_level,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	PolicyName string          `json:"policy_name,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	DurationMS float64         `json:"duration_ms,omitempty"`
	SandboxID  string          `json:"sandbox_id,omitempty"`
	Details    map[string]any  `json:"details,omitempty"`
}

// Violation is the payload of a security-stream entry.
type Violation struct {
	RequestID string          `json:"request_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	RiskLevel types.RiskLevel `json:"risk_level"`
	Threats   []string        `json:"threats"`
	Input     string          `json:"input,omitempty"`
}

// Filter selects entries for search and export. Zero values match anything.
type Filter struct {
	Stream    Stream
	EventType EventType
	ToolName  string
	UserID    string
	SessionID string
	Decision  types.Decision
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Stats is the counter snapshot the status endpoint exposes.
type Stats struct {
	TotalEntries       int64 `json:"total_entries"`
	Denials            int64 `json:"denials"`
	Violations         int64 `json:"violations"`
	Confirmations      int64 `json:"confirmations"`
	SandboxesCreated   int64 `json:"sandboxes_created"`
	RotationsPerformed int64 `json:"rotations_performed"`
	WriteErrors        int64 `json:"write_errors"`
}

func boolPtr(b bool) *bool { return &b }
