package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/ratelimit"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := DefaultConfig()
	if cfg.Server.Addr != def.Server.Addr || cfg.Audit.MaxSizeMB != def.Audit.MaxSizeMB {
		t.Errorf("missing file should yield defaults, got %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: "0.0.0.0:8080"
  log_level: debug
policies:
  dir: /opt/toolgate/policies
  watch: false
audit:
  max_size_mb: 10
  compress: false
sandbox:
  max_memory_mb: 512
  timeout_seconds: 5
confirmations:
  method: webhook
  webhook_url: https://approvals.internal/hook
rate_limits:
  - name: global-cap
    scope: global
    requests: 100
    window: 60
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:8080" || cfg.Server.LogLevel != "debug" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Policies.Dir != "/opt/toolgate/policies" || cfg.Policies.Watch {
		t.Errorf("policies = %+v", cfg.Policies)
	}
	// Unset sections keep their defaults.
	if cfg.Audit.Backups != 5 || cfg.Audit.RetentionDays != 90 {
		t.Errorf("audit defaults lost: %+v", cfg.Audit)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	rules := cfg.RateRules()
	if len(rules) != 1 {
		t.Fatalf("rules = %d, want 1", len(rules))
	}
	want := ratelimit.Rule{Name: "global-cap", Scope: ratelimit.ScopeGlobal, Requests: 100, WindowSeconds: 60}
	if rules[0] != want {
		t.Errorf("rule = %+v, want %+v", rules[0], want)
	}
}

func TestLoadUnknownFieldsWarnButParse(t *testing.T) {
	path := writeConfig(t, "servr:\n  addr: \"x:1\"\nserver:\n  log_level: warn\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.LogLevel != "warn" {
		t.Errorf("known fields should still apply, got %+v", cfg.Server)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not, a, mapping\n")
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.LogLevel = "verbose"
	cfg.Policies.Dir = ""
	cfg.Audit.RetentionDays = 99999
	cfg.Confirmations.Method = "webhook" // no URL set
	cfg.RateLimits = []RateRuleConfig{{Name: "bad", Scope: "global", Requests: 0, Window: 60}}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{"log_level", "policies.dir", "retention", "webhook_url", "rate_limits[0]"} {
		if !strings.Contains(strings.ToLower(msg), want) {
			t.Errorf("report missing %q:\n%s", want, msg)
		}
	}
}

func TestSandboxOptionsMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sandbox = SandboxConfig{
		BaseDir:        "/tmp/sbx",
		MaxMemoryMB:    64,
		MaxCPUSeconds:  10,
		MaxDiskMB:      5,
		TimeoutSeconds: 3,
	}
	sc := cfg.SandboxOptions()
	if sc.BaseDir != "/tmp/sbx" {
		t.Errorf("base dir = %s", sc.BaseDir)
	}
	if sc.MaxMemoryBytes != 64*1024*1024 || sc.MaxDiskBytes != 5*1024*1024 {
		t.Errorf("byte mapping wrong: %+v", sc)
	}
	if sc.MaxCPUSeconds != 10 {
		t.Errorf("cpu seconds = %v, want 10", sc.MaxCPUSeconds)
	}
	if sc.DefaultTimeout != 3*time.Second {
		t.Errorf("timeout = %v", sc.DefaultTimeout)
	}

	// Zero values fall back to built-in bounds rather than "unlimited".
	cfg.Sandbox = SandboxConfig{}
	sc = cfg.SandboxOptions()
	if sc.MaxMemoryBytes == 0 || sc.DefaultTimeout == 0 {
		t.Errorf("zero config must keep default bounds: %+v", sc)
	}
}

func TestAuditOptionsIndexKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audit.Index = true

	ac := cfg.AuditOptions("")
	if ac.IndexPath != "" {
		t.Error("index must stay disabled without a key")
	}

	ac = cfg.AuditOptions("0123456789abcdef")
	if ac.IndexPath == "" || ac.IndexKey == "" {
		t.Errorf("index not wired: %+v", ac)
	}
	if filepath.Dir(ac.IndexPath) != cfg.Audit.Dir {
		t.Errorf("index path %s not under audit dir", ac.IndexPath)
	}
}

func TestSecretsFromEnvironment(t *testing.T) {
	t.Setenv(EnvAuditIndexKey, "0123456789abcdef")
	t.Setenv(EnvAPIToken, "super-secret-token-1")

	s, err := LoadSecrets()
	if err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	if s.AuditIndexKey != "0123456789abcdef" || s.APIToken != "super-secret-token-1" {
		t.Errorf("secrets = %+v", s)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	masked := s.MaskAPIToken()
	if strings.Contains(masked, "secret") || !strings.Contains(masked, "****") {
		t.Errorf("mask leaked: %q", masked)
	}
}

func TestSecretsValidateShortKeys(t *testing.T) {
	s := &Secrets{AuditIndexKey: "short"}
	if err := s.Validate(); err == nil {
		t.Error("short index key must be rejected")
	}
	s = &Secrets{APIToken: "short"}
	if err := s.Validate(); err == nil {
		t.Error("short API token must be rejected")
	}
}
