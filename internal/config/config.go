// Package config loads and validates the gateway configuration: YAML file
// with defaults, environment overrides for secrets, and a multi-error
// validation report produced after CLI overrides have been applied.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/logger"
	"github.com/toolgate/toolgate/internal/policy"
	"github.com/toolgate/toolgate/internal/ratelimit"
	"github.com/toolgate/toolgate/internal/sandbox"
)

var cfgLog = logger.New("config")

// Config is the full gateway configuration.
type Config struct {
	Server        ServerConfig     `yaml:"server"`
	Policies      PoliciesConfig   `yaml:"policies"`
	Audit         AuditConfig      `yaml:"audit"`
	Sandbox       SandboxConfig    `yaml:"sandbox"`
	Confirmations ConfirmConfig    `yaml:"confirmations"`
	RateLimits    []RateRuleConfig `yaml:"rate_limits"`
}

// ServerConfig holds the management API and logging settings.
type ServerConfig struct {
	// Addr is the management API listen address. Empty disables the API.
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn warning error"`
	NoColor  bool   `yaml:"no_color"`
}

// PoliciesConfig holds policy loading settings.
type PoliciesConfig struct {
	// Dir is the per-tool policy document directory.
	Dir string `yaml:"dir"`
	// Watch enables hot reload on policy file changes.
	Watch bool `yaml:"watch"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Dir           string `yaml:"dir"`
	MaxSizeMB     int    `yaml:"max_size_mb" validate:"min=0"`
	Backups       int    `yaml:"backups" validate:"min=0"`
	Compress      bool   `yaml:"compress"`
	Index         bool   `yaml:"index"`
	RetentionDays int    `yaml:"retention_days" validate:"min=0,max=36500"`
}

// SandboxConfig holds execution isolation bounds.
type SandboxConfig struct {
	BaseDir        string `yaml:"base_dir"`
	MaxMemoryMB    int64  `yaml:"max_memory_mb" validate:"min=0"`
	MaxCPUSeconds  int    `yaml:"max_cpu_seconds" validate:"min=0"`
	MaxDiskMB      int64  `yaml:"max_disk_mb" validate:"min=0"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"min=0"`
}

// ConfirmConfig holds the approval channel settings.
type ConfirmConfig struct {
	// Method selects the notifier: log, prompt or webhook.
	Method     string `yaml:"method" validate:"omitempty,oneof=log prompt webhook"`
	WebhookURL string `yaml:"webhook_url"`
	// TimeoutSeconds is the default approval deadline for policies that do
	// not declare their own.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"min=0"`
}

// RateRuleConfig is one globally configured rate rule, layered on top of
// the per-policy quotas.
type RateRuleConfig struct {
	Name     string `yaml:"name"`
	Scope    string `yaml:"scope" validate:"omitempty,oneof=global tool user session"`
	Tool     string `yaml:"tool"`
	Requests int    `yaml:"requests"`
	Window   int    `yaml:"window"`
	Burst    int    `yaml:"burst_size" validate:"min=0"`
	Priority int    `yaml:"priority" validate:"min=0"`
}

// DefaultConfigPath returns the default config file path (~/.toolgate/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".toolgate", "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolgate"
	}
	return filepath.Join(home, ".toolgate")
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	data := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Addr:     "127.0.0.1:9431",
			LogLevel: "info",
		},
		Policies: PoliciesConfig{
			Dir:   filepath.Join(data, "policies.d"),
			Watch: true,
		},
		Audit: AuditConfig{
			Dir:           filepath.Join(data, "audit"),
			MaxSizeMB:     50,
			Backups:       5,
			Compress:      true,
			Index:         false,
			RetentionDays: 90,
		},
		Sandbox: SandboxConfig{
			MaxMemoryMB:    256,
			MaxCPUSeconds:  30,
			MaxDiskMB:      100,
			TimeoutSeconds: 30,
		},
		Confirmations: ConfirmConfig{
			Method:         "log",
			TimeoutSeconds: 300,
		},
	}
}

// isUnknownFieldError returns true if the error comes from strict decoding
// hitting an unrecognized key (a typo like "servr:").
func isUnknownFieldError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not found in type")
}

// Load reads the YAML config file over the defaults. A missing file is not
// an error. Load does not call Validate: callers apply CLI overrides first,
// then validate.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if isUnknownFieldError(err) {
			cfgLog.Warn("config has unknown fields (ignored): %v", err)
			cfg = DefaultConfig()
			if err2 := yaml.Unmarshal(data, cfg); err2 != nil {
				return nil, fmt.Errorf("config parse error: %w", err2)
			}
		} else {
			return nil, fmt.Errorf("config parse error: %w", err)
		}
	}

	return cfg, nil
}

var validate = validator.New()

// Validate checks all fields and returns a multi-error report listing
// every problem, not just the first.
func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s: failed %q constraint (got %v)",
					strings.ToLower(fe.Namespace()), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if c.Server.Addr != "" && !strings.Contains(c.Server.Addr, ":") {
		errs = append(errs, fmt.Sprintf("server.addr: must be host:port (got %q)", c.Server.Addr))
	}
	if _, err := logger.ParseLevel(c.Server.LogLevel); err != nil {
		errs = append(errs, "server.log_level: "+err.Error())
	}
	if c.Policies.Dir == "" {
		errs = append(errs, "policies.dir: must not be empty")
	}
	if c.Audit.Dir == "" {
		errs = append(errs, "audit.dir: must not be empty")
	}
	if c.Confirmations.Method == "webhook" {
		if u, err := url.Parse(c.Confirmations.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("confirmations.webhook_url: must be a valid http/https URL (got %q)", c.Confirmations.WebhookURL))
		}
	}
	for i, r := range c.RateLimits {
		rule := r.Rule()
		if err := rule.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("rate_limits[%d]: %v", i, err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("config validation failed:\n")
	for i, e := range errs {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e)
	}
	return errors.New(sb.String())
}

// Rule converts the YAML form to a limiter rule.
func (r *RateRuleConfig) Rule() ratelimit.Rule {
	return ratelimit.Rule{
		Name:          r.Name,
		Scope:         ratelimit.Scope(r.Scope),
		Tool:          r.Tool,
		Requests:      r.Requests,
		WindowSeconds: r.Window,
		BurstSize:     r.Burst,
		Priority:      r.Priority,
	}
}

// RateRules converts every configured global rule.
func (c *Config) RateRules() []ratelimit.Rule {
	out := make([]ratelimit.Rule, 0, len(c.RateLimits))
	for i := range c.RateLimits {
		out = append(out, c.RateLimits[i].Rule())
	}
	return out
}

// AuditOptions maps the config section onto the audit logger, wiring the
// encrypted index when enabled and a key is available.
func (c *Config) AuditOptions(indexKey string) audit.Config {
	ac := audit.Config{
		Dir:           c.Audit.Dir,
		MaxSizeBytes:  int64(c.Audit.MaxSizeMB) * 1024 * 1024,
		Backups:       c.Audit.Backups,
		Compress:      c.Audit.Compress,
		RetentionDays: c.Audit.RetentionDays,
	}
	if c.Audit.Index {
		if indexKey == "" {
			cfgLog.Warn("audit.index enabled but no index key set (%s); index disabled", EnvAuditIndexKey)
		} else {
			ac.IndexPath = filepath.Join(c.Audit.Dir, "index.db")
			ac.IndexKey = indexKey
		}
	}
	return ac
}

// SandboxOptions maps the config section onto the sandbox manager.
func (c *Config) SandboxOptions() sandbox.Config {
	sc := sandbox.DefaultConfig()
	if c.Sandbox.BaseDir != "" {
		sc.BaseDir = c.Sandbox.BaseDir
	}
	if c.Sandbox.MaxMemoryMB > 0 {
		sc.MaxMemoryBytes = c.Sandbox.MaxMemoryMB * 1024 * 1024
	}
	if c.Sandbox.MaxCPUSeconds > 0 {
		sc.MaxCPUSeconds = float64(c.Sandbox.MaxCPUSeconds)
	}
	if c.Sandbox.MaxDiskMB > 0 {
		sc.MaxDiskBytes = c.Sandbox.MaxDiskMB * 1024 * 1024
	}
	if c.Sandbox.TimeoutSeconds > 0 {
		sc.DefaultTimeout = time.Duration(c.Sandbox.TimeoutSeconds) * time.Second
	}
	return sc
}

// PolicyDirOrDefault returns the configured policy directory, falling back
// to the loader default.
func (c *Config) PolicyDirOrDefault() string {
	if c.Policies.Dir != "" {
		return c.Policies.Dir
	}
	return policy.DefaultPolicyDir()
}
