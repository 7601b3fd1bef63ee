package safety

import (
	"time"

	"github.com/toolgate/toolgate/internal/policy"
	"github.com/toolgate/toolgate/internal/sandbox"
	"github.com/toolgate/toolgate/internal/types"
)

// Result is the single response shape every pipeline branch produces. The
// caller never sees an exception; the fields present say which branch ran.
type Result struct {
	Success     bool            `json:"success"`
	ExecutionID string          `json:"execution_id"`
	ToolName    string          `json:"tool_name"`
	Operation   types.Operation `json:"operation"`
	RiskLevel   types.RiskLevel `json:"risk_level"`

	// Denial branch.
	DeniedReason    string   `json:"denied_reason,omitempty"`
	ThreatsDetected []string `json:"threats_detected,omitempty"`
	ErrorCategory   string   `json:"error_category,omitempty"`

	// Rate-limit branch.
	RateLimit *policy.RateLimitInfo `json:"rate_limit,omitempty"`

	// Confirmation branch: the tool did not run; resolve the id and
	// re-issue with the bypass.
	RequiresConfirmation bool      `json:"requires_confirmation,omitempty"`
	ConfirmationID       string    `json:"confirmation_id,omitempty"`
	ConfirmationMessage  string    `json:"confirmation_message,omitempty"`
	ExpiresAt            time.Time `json:"expires_at,omitzero"`

	// Execution branch.
	SandboxID     string                   `json:"sandbox_id,omitempty"`
	PolicyApplied string                   `json:"policy_applied,omitempty"`
	Execution     *sandbox.ExecutionResult `json:"execution,omitempty"`

	Duration time.Duration `json:"duration"`
}
