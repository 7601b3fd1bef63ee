package config

import (
	"errors"
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Env var names for secrets. Secrets come from the environment, never from
// CLI flags: flags are visible in process listings (ps auxww).
const (
	EnvAuditIndexKey = "TOOLGATE_AUDIT_KEY"
	EnvAPIToken      = "TOOLGATE_API_TOKEN"
)

// Secrets holds sensitive configuration loaded from environment variables.
type Secrets struct {
	// AuditIndexKey encrypts the SQLite audit index.
	// Env: TOOLGATE_AUDIT_KEY
	AuditIndexKey string `envconfig:"TOOLGATE_AUDIT_KEY"`

	// APIToken, when set, is required as a bearer token on every
	// management API request.
	// Env: TOOLGATE_API_TOKEN
	APIToken string `envconfig:"TOOLGATE_API_TOKEN"`
}

// LoadSecrets loads secrets from environment variables.
func LoadSecrets() (*Secrets, error) {
	var s Secrets
	if err := envconfig.Process("", &s); err != nil {
		return nil, fmt.Errorf("load secrets from environment: %w", err)
	}
	return &s, nil
}

// Validate checks secret constraints. Both secrets are optional; set ones
// must meet minimum strength.
func (s *Secrets) Validate() error {
	if s.AuditIndexKey != "" && len(s.AuditIndexKey) < 16 {
		return errors.New("audit index key must be at least 16 characters (" + EnvAuditIndexKey + ")")
	}
	if s.APIToken != "" && len(s.APIToken) < 16 {
		return errors.New("API token must be at least 16 characters (" + EnvAPIToken + ")")
	}
	return nil
}

// MaskAPIToken returns a masked token form safe for logging.
func (s *Secrets) MaskAPIToken() string {
	if s.APIToken == "" {
		return "(not set)"
	}
	if len(s.APIToken) <= 8 {
		return "****"
	}
	return s.APIToken[:4] + "****" + s.APIToken[len(s.APIToken)-4:]
}
