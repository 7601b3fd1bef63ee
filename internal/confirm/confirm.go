// Package confirm implements the human approval workflow that gates
// high-risk operations between authorization and execution.
//
// A confirmation resolves exactly once: PENDING transitions to one of
// CONFIRMED, DENIED, EXPIRED or CANCELLED and never transitions again.
package confirm

import (
	"time"

	"github.com/toolgate/toolgate/internal/logger"
	"github.com/toolgate/toolgate/internal/request"
	"github.com/toolgate/toolgate/internal/types"
)

var log = logger.New("confirm")

// Method identifies how the approver is notified.
type Method string

const (
	MethodPrompt  Method = "prompt"
	MethodWebhook Method = "webhook"
	MethodLog     Method = "log"
)

// Confirmation is one approval record. Mutated only by the Manager under
// its lock; callers get copies.
type Confirmation struct {
	ID         string                   `json:"id"`
	RequestID  string                   `json:"request_id"`
	ToolName   string                   `json:"tool_name"`
	Operation  types.Operation          `json:"operation"`
	RiskLevel  types.RiskLevel          `json:"risk_level"`
	Message    string                   `json:"message"`
	Details    map[string]any           `json:"details,omitempty"`
	Method     Method                   `json:"method"`
	UserID     string                   `json:"user_id,omitempty"`
	Status     types.ConfirmationStatus `json:"status"`
	CreatedAt  time.Time                `json:"created_at"`
	ExpiresAt  time.Time                `json:"expires_at"`
	ResolvedAt time.Time                `json:"resolved_at,omitzero"`
	ResolvedBy string                   `json:"resolved_by,omitempty"`
	// Consumed flips when an approved record is redeemed for execution.
	// An approval covers one run of the operation it was raised for.
	Consumed bool `json:"consumed,omitempty"`
}

// Confirmed reports whether the record resolved as approved.
func (c *Confirmation) Confirmed() bool {
	return c.Status == types.ConfirmationConfirmed
}

// expired reports whether the deadline passed, regardless of status.
func (c *Confirmation) expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Notifier delivers a newly created confirmation to an approver. Interactive
// prompts, web dialogs, email and external approval systems are all just
// implementations of this interface. Delivery failure must not prevent the
// record from existing and being resolvable out-of-band.
type Notifier interface {
	Name() string
	Notify(c Confirmation) error
}

// Request captures the inputs to RequestConfirmation.
type Request struct {
	ToolRequest *request.ToolRequest
	RiskLevel   types.RiskLevel
	Message     string
	Details     map[string]any
	Timeout     time.Duration
	Method      Method
	UserID      string
}
