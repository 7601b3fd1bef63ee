package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/toolgate/toolgate/internal/types"
)

// ToolPolicy is the declarative, per-tool rule set loaded from one YAML
// document. Absence of a policy for a tool is a permanent deny, never a
// soft default.
type ToolPolicy struct {
	ToolName             string            `yaml:"tool_name" json:"tool_name"`
	Description          string            `yaml:"description,omitempty" json:"description,omitempty"`
	RiskLevel            types.RiskLevel   `yaml:"risk_level,omitempty" json:"risk_level,omitempty"`
	AllowedOperations    []types.Operation `yaml:"allowed_operations,omitempty" json:"allowed_operations,omitempty"`
	ForbiddenOperations  []types.Operation `yaml:"forbidden_operations,omitempty" json:"forbidden_operations,omitempty"`
	AllowedPaths         []string          `yaml:"allowed_paths,omitempty" json:"allowed_paths,omitempty"`
	ForbiddenPaths       []string          `yaml:"forbidden_paths,omitempty" json:"forbidden_paths,omitempty"`
	AllowedExtensions    []string          `yaml:"allowed_extensions,omitempty" json:"allowed_extensions,omitempty"`
	AllowedHosts         []string          `yaml:"allowed_hosts,omitempty" json:"allowed_hosts,omitempty"`
	MaxFileSize          int64             `yaml:"max_file_size,omitempty" json:"max_file_size,omitempty"`
	RequiresConfirmation bool              `yaml:"requires_confirmation,omitempty" json:"requires_confirmation,omitempty"`
	ConfirmationTimeout  int               `yaml:"confirmation_timeout,omitempty" json:"confirmation_timeout,omitempty"` // seconds
	RequireUserContext   bool              `yaml:"require_user_context,omitempty" json:"require_user_context,omitempty"`
	RateLimit            *RateLimitSpec    `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`

	// Runtime fields
	FilePath string `yaml:"-" json:"file_path,omitempty"`
}

// RateLimitSpec is the per-tool quota embedded in a policy document.
type RateLimitSpec struct {
	Requests      int `yaml:"requests" json:"requests"`
	WindowSeconds int `yaml:"window" json:"window"`
	BurstSize     int `yaml:"burst_size,omitempty" json:"burst_size,omitempty"`
}

// Default values applied by Validate.
const (
	DefaultRiskLevel           = types.RiskMedium
	DefaultConfirmationTimeout = 300 * time.Second
)

// GetRiskLevel returns the declared risk level (default medium).
func (p *ToolPolicy) GetRiskLevel() types.RiskLevel {
	if p.RiskLevel == "" {
		return DefaultRiskLevel
	}
	return p.RiskLevel
}

// GetConfirmationTimeout returns the confirmation deadline for this tool.
func (p *ToolPolicy) GetConfirmationTimeout() time.Duration {
	if p.ConfirmationTimeout <= 0 {
		return DefaultConfirmationTimeout
	}
	return time.Duration(p.ConfirmationTimeout) * time.Second
}

// Validate checks if the policy is well-formed. A policy that fails
// validation is a fatal configuration error for its tool: the tool stays
// unlisted and resolves to deny-by-default.
func (p *ToolPolicy) Validate() error {
	if p.ToolName == "" {
		return errors.New("tool_name is required")
	}
	if p.RiskLevel != "" && !p.RiskLevel.Valid() {
		return fmt.Errorf("invalid risk_level: %q", p.RiskLevel)
	}
	for _, op := range p.AllowedOperations {
		if !op.Valid() {
			return fmt.Errorf("invalid allowed operation: %q", op)
		}
	}
	for _, op := range p.ForbiddenOperations {
		if !op.Valid() {
			return fmt.Errorf("invalid forbidden operation: %q", op)
		}
	}
	if p.ConfirmationTimeout < 0 {
		return fmt.Errorf("confirmation_timeout must be >= 0 (got %d)", p.ConfirmationTimeout)
	}
	if p.MaxFileSize < 0 {
		return fmt.Errorf("max_file_size must be >= 0 (got %d)", p.MaxFileSize)
	}
	if p.RateLimit != nil {
		if p.RateLimit.Requests <= 0 {
			return fmt.Errorf("rate_limit.requests must be positive (got %d)", p.RateLimit.Requests)
		}
		if p.RateLimit.WindowSeconds <= 0 {
			return fmt.Errorf("rate_limit.window must be positive (got %d)", p.RateLimit.WindowSeconds)
		}
		if p.RateLimit.BurstSize < 0 {
			return fmt.Errorf("rate_limit.burst_size must be >= 0 (got %d)", p.RateLimit.BurstSize)
		}
	}
	return nil
}

// ForbidsOperation reports whether the policy explicitly forbids op.
func (p *ToolPolicy) ForbidsOperation(op types.Operation) bool {
	for _, o := range p.ForbiddenOperations {
		if o == op {
			return true
		}
	}
	return false
}

// AllowsOperation reports whether op passes the allow-list. A policy with
// no allow-list allows any operation not otherwise forbidden.
func (p *ToolPolicy) AllowsOperation(op types.Operation) bool {
	if len(p.AllowedOperations) == 0 {
		return true
	}
	for _, o := range p.AllowedOperations {
		if o == op {
			return true
		}
	}
	return false
}

// PolicySet is the document shape of one policy file: either a single
// tool policy at the top level or a policies list.
type PolicySet struct {
	Version  int          `yaml:"version"`
	Policies []ToolPolicy `yaml:"policies"`
}

// ValidatePolicySet validates every policy in a set and rejects duplicates.
func ValidatePolicySet(ps *PolicySet) error {
	if ps.Version != 0 && ps.Version != 1 {
		return fmt.Errorf("unsupported version: %d (expected 1)", ps.Version)
	}
	names := make(map[string]bool)
	for i, p := range ps.Policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy[%d] %q: %w", i, p.ToolName, err)
		}
		if names[p.ToolName] {
			return fmt.Errorf("duplicate policy for tool: %s", p.ToolName)
		}
		names[p.ToolName] = true
	}
	return nil
}
