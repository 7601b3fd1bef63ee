// toolgate is a deny-by-default safety gateway for AI agent tool calls:
// every invocation passes threat screening, policy authorization, rate
// limiting and optional human confirmation before executing in an isolated
// sandbox, with a complete audit trail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toolgate/toolgate/internal/api"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/confirm"
	"github.com/toolgate/toolgate/internal/logger"
	"github.com/toolgate/toolgate/internal/policy"
	"github.com/toolgate/toolgate/internal/safety"
	"github.com/toolgate/toolgate/internal/sandbox"
)

// Version is set at build time via ldflags: -X main.Version=x.y.z
var Version = "1.0.0"

var log = logger.New("main")

func main() {
	// Sandbox helper mode: the gateway re-executes itself with this flag to
	// apply filesystem isolation in the child before running the tool
	// command. Must run before any other argument handling.
	if len(os.Args) > 1 && os.Args[1] == sandbox.HelperFlag {
		if err := sandbox.RunHelper(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "sandbox helper: %v\n", err)
			os.Exit(125)
		}
		return
	}

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "check":
			runCheck(os.Args[2:])
			return
		case "status":
			runStatus(os.Args[2:])
			return
		case "help", "-h", "--help":
			printUsage()
			return
		case "version", "-v", "--version":
			fmt.Printf("toolgate version %s\n", Version)
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}

	printUsage()
}

// serveFlags are the CLI overrides for the serve command. They apply on top
// of the config file, before validation.
type serveFlags struct {
	configPath string
	policyDir  string
	addr       string
	logLevel   string
	noColor    bool
}

func parseServeFlags(name string, args []string) (*serveFlags, error) {
	f := &serveFlags{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", config.DefaultConfigPath(), "config file path")
	fs.StringVar(&f.policyDir, "policies", "", "policy directory (overrides config)")
	fs.StringVar(&f.addr, "addr", "", "management API address (overrides config)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	fs.BoolVar(&f.noColor, "no-color", false, "disable colored log output")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// apply layers the CLI overrides onto a loaded config.
func (f *serveFlags) apply(cfg *config.Config) {
	if f.policyDir != "" {
		cfg.Policies.Dir = f.policyDir
	}
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.logLevel != "" {
		cfg.Server.LogLevel = f.logLevel
	}
	if f.noColor {
		cfg.Server.NoColor = true
	}
}

func loadConfig(flags *serveFlags) (*config.Config, *config.Secrets, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	flags.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, nil, err
	}
	if err := secrets.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, secrets, nil
}

// buildNotifier picks the confirmation channel from config. The prompt
// notifier gets its resolve callback wired after the manager exists.
func buildNotifier(cfg *config.Config) confirm.Notifier {
	switch cfg.Confirmations.Method {
	case "webhook":
		return confirm.NewWebhookNotifier(cfg.Confirmations.WebhookURL)
	case "prompt":
		return confirm.NewPromptNotifier(nil)
	default:
		return confirm.LogNotifier{}
	}
}

func runServe(args []string) {
	flags, err := parseServeFlags("serve", args)
	if err != nil {
		os.Exit(2)
	}

	cfg, secrets, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger.SetGlobalLevelFromString(cfg.Server.LogLevel)
	if cfg.Server.NoColor {
		logger.SetColored(false)
	}

	notifier := buildNotifier(cfg)

	manager, err := safety.NewManager(safety.Options{
		PolicyDir:       cfg.PolicyDirOrDefault(),
		Audit:           cfg.AuditOptions(secrets.AuditIndexKey),
		Sandbox:         cfg.SandboxOptions(),
		Notifier:        notifier,
		GlobalRateRules: cfg.RateRules(),
	})
	if err != nil {
		log.Error("Failed to start safety manager: %v", err)
		os.Exit(1)
	}

	if prompt, ok := notifier.(*confirm.PromptNotifier); ok {
		prompt.Resolve = manager.ConfirmOperation
	}

	var watcher *policy.Watcher
	if cfg.Policies.Watch {
		watcher, err = policy.NewWatcher(manager.Policies())
		if err != nil {
			log.Warn("Policy watcher unavailable: %v", err)
		} else {
			watcher.OnReload = manager.OnPoliciesReloaded
			if err := watcher.Start(); err != nil {
				log.Warn("Policy watcher failed to start: %v", err)
			}
		}
	}

	var server *api.Server
	if cfg.Server.Addr != "" {
		server = api.NewServer(manager, api.Options{
			Addr:  cfg.Server.Addr,
			Token: secrets.APIToken,
		})
		go func() {
			if err := server.Start(); err != nil {
				log.Error("Management API error: %v", err)
				os.Exit(1)
			}
		}()
	} else {
		log.Warn("No API address configured; confirmations resolvable only via the configured notifier")
	}

	log.Info("toolgate %s ready", Version)
	log.Info("  Policies: %s (%d loaded, watch=%v)",
		cfg.PolicyDirOrDefault(), manager.Policies().PolicyCount(), cfg.Policies.Watch)
	log.Info("  Audit: %s", cfg.Audit.Dir)
	log.Info("  API: %s (token %s)", cfg.Server.Addr, secrets.MaskAPIToken())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error("API forced to shut down: %v", err)
		}
	}
	if watcher != nil {
		_ = watcher.Stop()
	}
	if err := manager.Close(); err != nil {
		log.Error("Shutdown error: %v", err)
		os.Exit(1)
	}

	log.Info("toolgate stopped")
}

// runCheck validates the configuration and every policy document, then
// exits. The serve command would do the same checks; this just does them
// without starting anything.
func runCheck(args []string) {
	flags, err := parseServeFlags("check", args)
	if err != nil {
		os.Exit(2)
	}

	cfg, _, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config OK (%s)\n", flags.configPath)

	loaded, problems := policy.NewLoader(cfg.PolicyDirOrDefault()).Load()
	fmt.Printf("policies: %d loaded from %s\n", len(loaded), cfg.PolicyDirOrDefault())
	for _, p := range problems {
		fmt.Fprintf(os.Stderr, "  problem: %v\n", p)
	}
	if len(problems) > 0 {
		fmt.Fprintf(os.Stderr, "%d problem(s); affected tools resolve to deny-by-default\n", len(problems))
		os.Exit(1)
	}
}

// runStatus queries a running gateway's status endpoint.
func runStatus(args []string) {
	flags, err := parseServeFlags("status", args)
	if err != nil {
		os.Exit(2)
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	flags.apply(cfg)

	url := fmt.Sprintf("http://%s/api/status", cfg.Server.Addr)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if token := os.Getenv(config.EnvAPIToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "toolgate is not running (%v)\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "status request failed: %s\n%s\n", resp.Status, body)
		os.Exit(1)
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Println(string(body))
	}
}

func printUsage() {
	fmt.Printf(`toolgate %s - safety gateway for AI agent tool calls

Usage:
  toolgate serve [flags]     start the gateway
  toolgate check [flags]     validate config and policy documents
  toolgate status [flags]    query a running gateway
  toolgate version           print the version

Flags (serve, check, status):
  --config path        config file (default %s)
  --policies dir       policy directory override
  --addr host:port     management API address override
  --log-level level    trace, debug, info, warn, error
  --no-color           disable colored log output

Environment:
  %s   encryption key for the audit search index
  %s    bearer token required by the management API
`, Version, config.DefaultConfigPath(), config.EnvAuditIndexKey, config.EnvAPIToken)
}
