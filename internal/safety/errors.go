package safety

import (
	"errors"
	"fmt"
)

// Error categories. Every failure inside the pipeline is classified into
// exactly one of these before the caller sees it; nothing propagates
// unclassified.
var (
	// ErrConfiguration marks malformed or missing configuration. Fatal at
	// load; at request time it resolves to deny-by-default.
	ErrConfiguration = errors.New("configuration error")
	// ErrPolicyViolation marks an explicit rule denial. Expected traffic.
	ErrPolicyViolation = errors.New("policy violation")
	// ErrSecurityThreat marks a matched threat pattern. Always denied,
	// always logged as a violation, never downgraded.
	ErrSecurityThreat = errors.New("security threat")
	// ErrRateLimitExceeded marks a temporary quota denial with retry info.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrConfirmationDenied marks an approval that resolved negative.
	ErrConfirmationDenied = errors.New("confirmation denied")
	// ErrConfirmationTimeout marks an approval that expired unresolved.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	// ErrSandboxFailure marks isolation infrastructure problems. Treated
	// as a denial, never a crash.
	ErrSandboxFailure = errors.New("sandbox failure")
	// ErrToolExecution marks a wrapped tool that failed or timed out. The
	// failure is captured into the result, not raised.
	ErrToolExecution = errors.New("tool execution error")
)

// Category names the error class in results and audit entries.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrSecurityThreat):
		return "security_threat"
	case errors.Is(err, ErrPolicyViolation):
		return "policy_violation"
	case errors.Is(err, ErrRateLimitExceeded):
		return "rate_limit_exceeded"
	case errors.Is(err, ErrConfirmationDenied):
		return "confirmation_denied"
	case errors.Is(err, ErrConfirmationTimeout):
		return "confirmation_timeout"
	case errors.Is(err, ErrSandboxFailure):
		return "sandbox_failure"
	case errors.Is(err, ErrToolExecution):
		return "tool_execution_error"
	default:
		return "internal_error"
	}
}

func configurationError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfiguration}, args...)...)
}
