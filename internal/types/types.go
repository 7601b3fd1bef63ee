// Package types defines common type-safe enums used across the codebase.
package types

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	// DecisionAllow permits the request to proceed to execution.
	DecisionAllow Decision = "allow"
	// DecisionDeny rejects the request.
	DecisionDeny Decision = "deny"
	// DecisionRequireConfirmation defers the request to a human approver.
	DecisionRequireConfirmation Decision = "require_confirmation"
	// DecisionRateLimited rejects the request because a quota was exhausted.
	DecisionRateLimited Decision = "rate_limited"
)

// Valid returns true if the Decision is a known valid value.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionDeny, DecisionRequireConfirmation, DecisionRateLimited:
		return true
	}
	return false
}

// IsAllow returns true if the request may execute without further gating.
func (d Decision) IsAllow() bool {
	return d == DecisionAllow
}

// IsTerminalDenial returns true if the request ends here (deny or quota).
func (d Decision) IsTerminalDenial() bool {
	return d == DecisionDeny || d == DecisionRateLimited
}

// RiskLevel classifies how dangerous a request or threat is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// riskOrder maps risk levels to a monotonic scale for comparisons.
var riskOrder = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Valid returns true if the RiskLevel is a known valid value.
func (r RiskLevel) Valid() bool {
	_, ok := riskOrder[r]
	return ok
}

// AtLeast returns true if r is equal to or more severe than other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return riskOrder[r] >= riskOrder[other]
}

// Max returns the more severe of r and other. Risk only ever escalates:
// combining assessments with Max guarantees monotonic severity.
func (r RiskLevel) Max(other RiskLevel) RiskLevel {
	if riskOrder[other] > riskOrder[r] {
		return other
	}
	return r
}

// Operation is the kind of capability a tool request wants to exercise.
type Operation string

const (
	OpRead       Operation = "read"
	OpWrite      Operation = "write"
	OpExecute    Operation = "execute"
	OpDelete     Operation = "delete"
	OpNetwork    Operation = "network"
	OpSystem     Operation = "system"
	OpFileSystem Operation = "file_system"
	OpAPICall    Operation = "api_call"
)

// ValidOperations is the set of all valid operations.
var ValidOperations = map[Operation]bool{
	OpRead:       true,
	OpWrite:      true,
	OpExecute:    true,
	OpDelete:     true,
	OpNetwork:    true,
	OpSystem:     true,
	OpFileSystem: true,
	OpAPICall:    true,
}

// Valid returns true if the Operation is a known valid value.
func (o Operation) Valid() bool {
	return ValidOperations[o]
}

// ConfirmationStatus is the lifecycle state of a confirmation request.
type ConfirmationStatus string

const (
	// ConfirmationPending is the only non-terminal state.
	ConfirmationPending ConfirmationStatus = "pending"
	// ConfirmationConfirmed means an approver accepted the operation.
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	// ConfirmationDenied means an approver rejected the operation.
	ConfirmationDenied ConfirmationStatus = "denied"
	// ConfirmationExpired means no approver answered before the deadline.
	ConfirmationExpired ConfirmationStatus = "expired"
	// ConfirmationCancelled means the caller withdrew the request.
	ConfirmationCancelled ConfirmationStatus = "cancelled"
)

// Terminal returns true for every state except pending. A confirmation in a
// terminal state never transitions again.
func (s ConfirmationStatus) Terminal() bool {
	return s != ConfirmationPending
}
