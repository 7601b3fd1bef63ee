package policy

import (
	"time"

	"github.com/toolgate/toolgate/internal/types"
)

// Decision is the authoritative outcome of one policy evaluation. It is
// produced fresh per request and immutable once returned; the audit trail
// attaches it as the "why" for every response.
type Decision struct {
	Decision   types.Decision  `json:"decision"`
	RiskLevel  types.RiskLevel `json:"risk_level"`
	Reason     string          `json:"reason"`
	PolicyName string          `json:"policy_name,omitempty"`

	// Populated when Decision is DecisionRequireConfirmation.
	ConfirmationMessage string        `json:"confirmation_message,omitempty"`
	ConfirmationTimeout time.Duration `json:"confirmation_timeout,omitempty"`

	// Populated when Decision is DecisionRateLimited.
	RateLimit *RateLimitInfo `json:"rate_limit,omitempty"`
}

// RateLimitInfo carries retry guidance attached to a rate-limited decision.
type RateLimitInfo struct {
	RequestsMade      int       `json:"requests_made"`
	RequestsAllowed   int       `json:"requests_allowed"`
	WindowSeconds     int       `json:"window_seconds"`
	ResetTime         time.Time `json:"reset_time"`
	RetryAfterSeconds float64   `json:"retry_after_seconds"`
}

// Allow builds an allow decision.
func Allow(policyName string, risk types.RiskLevel, reason string) Decision {
	return Decision{
		Decision:   types.DecisionAllow,
		RiskLevel:  risk,
		Reason:     reason,
		PolicyName: policyName,
	}
}

// Deny builds a deny decision.
func Deny(policyName string, risk types.RiskLevel, reason string) Decision {
	return Decision{
		Decision:   types.DecisionDeny,
		RiskLevel:  risk,
		Reason:     reason,
		PolicyName: policyName,
	}
}

// RequireConfirmation builds a confirmation-gated decision.
func RequireConfirmation(policyName string, risk types.RiskLevel, reason, message string, timeout time.Duration) Decision {
	return Decision{
		Decision:            types.DecisionRequireConfirmation,
		RiskLevel:           risk,
		Reason:              reason,
		PolicyName:          policyName,
		ConfirmationMessage: message,
		ConfirmationTimeout: timeout,
	}
}
