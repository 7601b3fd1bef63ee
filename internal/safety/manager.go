// Package safety composes the gateway: security screening, policy
// authorization, rate limiting, confirmation workflow, sandboxed execution,
// and audit. One Manager instance owns all component state; there are no
// package-level singletons. Every request gets exactly one terminal
// response and exactly one audit entry, written before the caller sees the
// response.
package safety

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/confirm"
	"github.com/toolgate/toolgate/internal/logger"
	"github.com/toolgate/toolgate/internal/policy"
	"github.com/toolgate/toolgate/internal/ratelimit"
	"github.com/toolgate/toolgate/internal/request"
	"github.com/toolgate/toolgate/internal/sandbox"
	"github.com/toolgate/toolgate/internal/security"
	"github.com/toolgate/toolgate/internal/types"
)

var log = logger.New("safety")

// Options configures a Manager.
type Options struct {
	// PolicyDir is the per-tool policy document directory. Required unless
	// Engine is supplied directly.
	PolicyDir string
	// Engine overrides policy loading (tests).
	Engine *policy.Engine
	// Audit configures the audit logger. Dir is required.
	Audit audit.Config
	// Sandbox configures execution bounds.
	Sandbox sandbox.Config
	// Notifier delivers confirmations; nil means log-only.
	Notifier confirm.Notifier
	// Executor builds execution plans; nil means ParameterExecutor.
	Executor Executor
	// GlobalRateRules apply on top of per-policy rate limits.
	GlobalRateRules []ratelimit.Rule
	// Clock overrides time (tests).
	Clock types.Clock
}

// CallOptions carry the per-call context for EvaluateAndExecuteTool.
type CallOptions struct {
	UserID    string
	SessionID string
	Context   *request.SecurityContext
	// BypassConfirmation proceeds to execution for a request whose policy
	// demands confirmation. Honored only from in-process callers; the HTTP
	// surface never sets it.
	BypassConfirmation bool
	// ConfirmationID, when set, must name an approved, not yet redeemed
	// record raised for this same tool, operation and target path. The
	// record is consumed on use.
	ConfirmationID string
}

// Manager is the orchestrator and single public entry point.
type Manager struct {
	security      *security.Manager
	policies      *policy.Engine
	limiter       *ratelimit.Limiter
	sandboxes     *sandbox.Manager
	confirmations *confirm.Manager
	auditor       *audit.Logger
	executor      Executor
	clock         types.Clock

	startedAt time.Time
	requests  atomic.Int64
	allowed   atomic.Int64
	denied    atomic.Int64

	stopSessionSweep chan struct{}
}

// NewManager wires all components. Fails fast on configuration problems;
// per-tool policy load errors are logged and resolve to deny-by-default.
func NewManager(opts Options) (*Manager, error) {
	clock := opts.Clock
	if clock == nil {
		clock = types.SystemClock{}
	}

	engine := opts.Engine
	if engine == nil {
		if opts.PolicyDir == "" {
			return nil, configurationError("policy directory is required")
		}
		var err error
		engine, err = policy.NewEngine(opts.PolicyDir)
		if err != nil {
			return nil, configurationError("load policies: %v", err)
		}
	}

	auditor, err := audit.New(opts.Audit)
	if err != nil {
		return nil, configurationError("audit logger: %v", err)
	}

	sandboxes, err := sandbox.NewManager(opts.Sandbox)
	if err != nil {
		auditor.Close()
		return nil, configurationError("sandbox manager: %v", err)
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = confirm.LogNotifier{}
	}
	executor := opts.Executor
	if executor == nil {
		executor = ParameterExecutor{}
	}

	m := &Manager{
		security:         security.NewManagerWithClock(clock),
		policies:         engine,
		limiter:          ratelimit.NewWithClock(clock),
		sandboxes:        sandboxes,
		confirmations:    confirm.NewManagerWithClock(notifier, clock),
		auditor:          auditor,
		executor:         executor,
		clock:            clock,
		startedAt:        clock.Now(),
		stopSessionSweep: make(chan struct{}),
	}

	for _, r := range opts.GlobalRateRules {
		if err := m.limiter.RegisterRule(r); err != nil {
			m.Close()
			return nil, configurationError("rate rule %q: %v", r.Name, err)
		}
	}
	m.registerPolicyRateRules()

	m.limiter.StartSweeper(0)
	m.confirmations.StartSweeper(0)
	go m.sessionSweepLoop()

	log.Info("Safety manager ready: %d policies loaded", engine.PolicyCount())
	return m, nil
}

// registerPolicyRateRules mirrors each policy's rate_limit block into a
// tool-scoped limiter rule. Called at startup and after every reload.
func (m *Manager) registerPolicyRateRules() {
	for _, p := range m.policies.ListPolicies() {
		name := "policy:" + p.ToolName
		m.limiter.UnregisterRule(name)
		if p.RateLimit == nil {
			continue
		}
		rule := ratelimit.Rule{
			Name:          name,
			Scope:         ratelimit.ScopeTool,
			Tool:          p.ToolName,
			Requests:      p.RateLimit.Requests,
			WindowSeconds: p.RateLimit.WindowSeconds,
			BurstSize:     p.RateLimit.BurstSize,
			Priority:      10,
		}
		if err := m.limiter.RegisterRule(rule); err != nil {
			log.Warn("Rate rule for %s rejected: %v", p.ToolName, err)
		}
	}
}

// ReloadPolicies atomically swaps the policy table and refreshes the
// per-tool rate rules. An error report still means the loadable policies
// took effect.
func (m *Manager) ReloadPolicies() error {
	err := m.policies.ReloadPolicies()
	m.OnPoliciesReloaded(err)
	return err
}

// OnPoliciesReloaded refreshes reload-derived state after the engine table
// already swapped. The policy watcher hooks this so hot reloads keep the
// per-tool rate rules and the audit trail in sync without a second load.
func (m *Manager) OnPoliciesReloaded(reloadErr error) {
	m.registerPolicyRateRules()
	_ = m.auditor.LogConfigurationChange("policies_reloaded", map[string]any{
		"policies": m.policies.PolicyCount(),
		"errors":   reloadErr != nil,
	})
}

// EvaluateAndExecuteTool is the pipeline: security screen, policy cascade,
// rate limit, branch, sandboxed execution, audit. Strict early exit per
// stage; every branch writes its audit entry before returning.
func (m *Manager) EvaluateAndExecuteTool(ctx context.Context, req *request.ToolRequest, opts CallOptions) Result {
	start := time.Now()
	m.requests.Add(1)

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.UserID == "" {
		req.UserID = opts.UserID
	}
	if req.SessionID == "" {
		req.SessionID = opts.SessionID
	}

	res := Result{
		ExecutionID: "exec-" + uuid.NewString(),
		ToolName:    req.ToolName,
		Operation:   req.Operation,
		RiskLevel:   types.RiskLow,
	}

	if err := req.Validate(); err != nil {
		res.DeniedReason = err.Error()
		res.ErrorCategory = Category(configurationError("invalid request"))
		return m.finishDenied(req, &res, policy.Deny("", types.RiskMedium, res.DeniedReason), start)
	}

	// Stage 1: security screening. Any detected threat is an unconditional
	// deny, independent of what the policy would have said.
	if threats, risk := m.screen(req); len(threats) > 0 {
		res.RiskLevel = risk
		res.ThreatsDetected = threats
		res.DeniedReason = "security threats detected: " + strings.Join(threats, ", ")
		res.ErrorCategory = Category(ErrSecurityThreat)
		_ = m.auditor.LogSecurityViolation(audit.Violation{
			RequestID: req.RequestID,
			ToolName:  req.ToolName,
			UserID:    req.UserID,
			SessionID: req.SessionID,
			RiskLevel: risk,
			Threats:   threats,
			Input:     req.TargetPath,
		})
		m.security.RecordDenial(req.SessionID)
		return m.finishDenied(req, &res, policy.Deny("", risk, res.DeniedReason), start)
	}

	// Stage 2: policy cascade.
	decision := m.policies.EvaluateRequest(req, opts.Context)
	res.RiskLevel = decision.RiskLevel.Max(m.security.AssessRequestRisk(req, opts.Context))
	res.PolicyApplied = decision.PolicyName

	if decision.Decision == types.DecisionDeny {
		res.DeniedReason = decision.Reason
		res.ErrorCategory = Category(ErrPolicyViolation)
		m.security.RecordDenial(req.SessionID)
		return m.finishDenied(req, &res, decision, start)
	}

	// Stage 3: rate limiting. Atomic check-and-record per key.
	if rl := m.limiter.Check(req, req.UserID, req.SessionID); !rl.Allowed {
		v := rl.Most
		decision = policy.Decision{
			Decision:   types.DecisionRateLimited,
			RiskLevel:  decision.RiskLevel,
			Reason:     fmt.Sprintf("rate limit %q exceeded", v.Rule.Name),
			PolicyName: decision.PolicyName,
			RateLimit: &policy.RateLimitInfo{
				RequestsMade:      v.RequestsMade,
				RequestsAllowed:   v.RequestsAllowed,
				WindowSeconds:     v.WindowSeconds,
				ResetTime:         v.ResetTime,
				RetryAfterSeconds: v.RetryAfterSeconds,
			},
		}
		res.DeniedReason = decision.Reason
		res.RateLimit = decision.RateLimit
		res.ErrorCategory = Category(ErrRateLimitExceeded)
		return m.finishDenied(req, &res, decision, start)
	}

	// Stage 4: confirmation gate. The tool never runs on this branch.
	if decision.Decision == types.DecisionRequireConfirmation && !m.bypassGranted(req, opts) {
		var details map[string]any
		if req.TargetPath != "" {
			details = map[string]any{"target_path": req.TargetPath}
		}
		c := m.confirmations.RequestConfirmation(confirm.Request{
			ToolRequest: req,
			RiskLevel:   decision.RiskLevel,
			Message:     decision.ConfirmationMessage,
			Details:     details,
			Timeout:     decision.ConfirmationTimeout,
			UserID:      req.UserID,
		})
		res.RequiresConfirmation = true
		res.ConfirmationID = c.ID
		res.ConfirmationMessage = c.Message
		res.ExpiresAt = c.ExpiresAt
		res.Duration = time.Since(start)
		_ = m.auditor.LogConfirmation(c.ID, req.RequestID, req.ToolName, c.Status)
		_ = m.auditor.LogToolRequest(req, decision, false, res.Duration, "")
		return res
	}

	// Stage 5: sandboxed execution. Cleanup always runs.
	return m.execute(ctx, req, &res, decision, start)
}

// screen runs the security battery over target path and parameters.
func (m *Manager) screen(req *request.ToolRequest) ([]string, types.RiskLevel) {
	var threats []string
	risk := types.RiskLow

	if req.TargetPath != "" {
		r := m.security.ValidateInput(req.TargetPath, security.InputPath, 0)
		threats = append(threats, r.Threats...)
		risk = risk.Max(r.RiskLevel)
	}
	for key, v := range req.Parameters {
		s, ok := v.(string)
		if !ok {
			continue
		}
		typ := security.InputText
		if key == "command" {
			typ = security.InputCommand
		}
		r := m.security.ValidateInput(s, typ, 0)
		threats = append(threats, r.Threats...)
		risk = risk.Max(r.RiskLevel)

		if injected, indicators := m.security.DetectPromptInjection(s); injected {
			for _, ind := range indicators {
				threats = append(threats, "prompt_injection:"+ind)
			}
			risk = risk.Max(types.RiskHigh)
		}
	}
	return threats, risk
}

// bypassGranted decides whether a confirmation-required request may
// proceed: either the trusted in-process flag, or redeeming an approved
// confirmation that was raised for this same tool, operation and target.
// Redemption consumes the record, so one approval covers one execution.
func (m *Manager) bypassGranted(req *request.ToolRequest, opts CallOptions) bool {
	if opts.ConfirmationID != "" {
		return m.confirmations.Consume(opts.ConfirmationID, req.ToolName, req.Operation, req.TargetPath)
	}
	return opts.BypassConfirmation
}

// execute runs the allow branch: create sandbox, run the plan, cleanup,
// audit with timing.
func (m *Manager) execute(ctx context.Context, req *request.ToolRequest, res *Result, decision policy.Decision, start time.Time) Result {
	plan, err := m.executor.Build(req)
	if err != nil {
		res.DeniedReason = fmt.Sprintf("cannot build execution plan: %v", err)
		res.ErrorCategory = Category(ErrToolExecution)
		return m.finishDenied(req, res, policy.Deny(decision.PolicyName, decision.RiskLevel, res.DeniedReason), start)
	}

	sb, err := m.sandboxes.CreateSandbox(req)
	if err != nil {
		// Isolation infrastructure failure is a denial, not a crash.
		res.DeniedReason = "sandbox unavailable: " + err.Error()
		res.ErrorCategory = Category(ErrSandboxFailure)
		_ = m.auditor.LogError(req.RequestID, req.ToolName, "create sandbox", err)
		return m.finishDenied(req, res, policy.Deny(decision.PolicyName, decision.RiskLevel, res.DeniedReason), start)
	}
	res.SandboxID = sb.ID
	_ = m.auditor.LogSandboxEvent(sb.ID, req.RequestID, req.ToolName, "created", nil)

	defer func() {
		if err := m.sandboxes.CleanupSandbox(sb.ID); err != nil {
			_ = m.auditor.LogError(req.RequestID, req.ToolName, "cleanup sandbox", err)
		}
		_ = m.auditor.LogSandboxEvent(sb.ID, req.RequestID, req.ToolName, "destroyed", nil)
	}()

	if len(plan.Command) > 0 {
		exec := m.sandboxes.ExecuteInSandbox(ctx, sb.ID, plan.Command, plan.Env, plan.Stdin, plan.Timeout)
		res.Execution = &exec
		res.Success = exec.Success
		if !exec.Success {
			res.ErrorCategory = Category(ErrToolExecution)
		}
		if len(exec.Violations) > 0 {
			_ = m.auditor.LogSandboxEvent(sb.ID, req.RequestID, req.ToolName, "resource_violation", map[string]any{
				"violations": exec.Violations,
			})
		}
		_ = m.auditor.LogPerformance(req, "sandbox_execution", exec.Duration)
	} else {
		// Evaluation-only request: the verdict is the product.
		res.Success = true
	}

	if res.Success {
		m.allowed.Add(1)
	} else {
		m.denied.Add(1)
	}
	res.Duration = time.Since(start)
	_ = m.auditor.LogToolRequest(req, decision, res.Success, res.Duration, sb.ID)
	return *res
}

// finishDenied stamps timing, audits the denial, and returns the result.
func (m *Manager) finishDenied(req *request.ToolRequest, res *Result, decision policy.Decision, start time.Time) Result {
	m.denied.Add(1)
	res.Success = false
	res.Duration = time.Since(start)
	if err := m.auditor.LogToolRequest(req, decision, false, res.Duration, res.SandboxID); err != nil {
		log.Error("Audit write failed for %s: %v", req.RequestID, err)
	}
	return *res
}

// ConfirmOperation resolves a pending confirmation out-of-band. Returns
// false if the id is unknown, already terminal, or expired.
func (m *Manager) ConfirmOperation(id string, confirmed bool, userID string) bool {
	ok := m.confirmations.Resolve(id, confirmed, userID)
	if c, found := m.confirmations.Get(id); found {
		_ = m.auditor.LogConfirmation(id, c.RequestID, c.ToolName, c.Status)
	}
	return ok
}

// Confirmations exposes the confirmation manager (management API).
func (m *Manager) Confirmations() *confirm.Manager { return m.confirmations }

// Policies exposes the policy engine (management API).
func (m *Manager) Policies() *policy.Engine { return m.policies }

// Audit exposes the audit logger (management API).
func (m *Manager) Audit() *audit.Logger { return m.auditor }

// Status is the aggregate snapshot for dashboards.
type Status struct {
	UptimeSeconds float64              `json:"uptime_seconds"`
	Requests      int64                `json:"requests"`
	Allowed       int64                `json:"allowed"`
	Denied        int64                `json:"denied"`
	Policies      int                  `json:"policies"`
	RateCounters  int                  `json:"rate_counters"`
	Confirmations confirm.Stats        `json:"confirmations"`
	Sandboxes     sandbox.Stats        `json:"sandboxes"`
	Isolation     sandbox.Capabilities `json:"isolation"`
	Audit         audit.Stats          `json:"audit"`
	Sessions      int                  `json:"tracked_sessions"`
	PatternTable  int                  `json:"threat_pattern_version"`
}

// GetSafetyStatus aggregates per-component counters.
func (m *Manager) GetSafetyStatus() Status {
	return Status{
		UptimeSeconds: m.clock.Now().Sub(m.startedAt).Seconds(),
		Requests:      m.requests.Load(),
		Allowed:       m.allowed.Load(),
		Denied:        m.denied.Load(),
		Policies:      m.policies.PolicyCount(),
		RateCounters:  m.limiter.CounterCount(),
		Confirmations: m.confirmations.GetStats(),
		Sandboxes:     m.sandboxes.GetStats(),
		Isolation:     m.sandboxes.Isolation().Capabilities(),
		Audit:         m.auditor.GetStats(),
		Sessions:      m.security.SessionCount(),
		PatternTable:  m.security.PatternVersion(),
	}
}

// sessionSweepLoop evicts idle session risk scores.
func (m *Manager) sessionSweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSessionSweep:
			return
		case <-ticker.C:
			if n := m.security.EvictStaleSessions(); n > 0 {
				log.Debug("Evicted %d stale session scores", n)
			}
		}
	}
}

// Close stops sweepers, destroys live sandboxes, and flushes audit streams.
// Safe to call once.
func (m *Manager) Close() error {
	close(m.stopSessionSweep)
	m.limiter.StopSweeper()
	m.confirmations.StopSweeper()
	m.sandboxes.CleanupAll()
	return m.auditor.Close()
}
