// Package policy implements the declarative per-tool authorization engine.
// Evaluation is an ordered cascade where the first decisive match wins and
// the absence of a policy is always a deny.
package policy

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/toolgate/toolgate/internal/logger"
	"github.com/toolgate/toolgate/internal/request"
	"github.com/toolgate/toolgate/internal/types"
)

var log = logger.New("policy")

// CompiledPolicy is a tool policy with pre-compiled path and host matchers.
// All globs compile at load time so evaluation never handles pattern errors.
type CompiledPolicy struct {
	Policy         ToolPolicy
	allowedPaths   *PathMatcher
	forbiddenPaths *PathMatcher
	allowedHosts   *HostMatcher
}

// Engine evaluates tool requests against the loaded policy table. The table
// is read-mostly and swapped atomically on reload; no request ever observes
// a half-loaded set.
type Engine struct {
	mu     sync.RWMutex
	table  map[string]*CompiledPolicy
	loader *Loader

	evalCounts map[string]*int64
	countersMu sync.Mutex
}

// NewEngine creates an engine and performs the initial policy load.
// Per-file configuration errors are logged and resolve to deny-by-default
// for the affected tools; only a completely unreadable directory is fatal.
func NewEngine(policyDir string) (*Engine, error) {
	e := &Engine{
		loader:     NewLoader(policyDir),
		table:      make(map[string]*CompiledPolicy),
		evalCounts: make(map[string]*int64),
	}
	if err := e.ReloadPolicies(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewTestEngine creates an engine from in-memory policies, bypassing file
// loading. Convenience for tests.
func NewTestEngine(policies []ToolPolicy) (*Engine, error) {
	e := &Engine{
		loader:     NewLoader(""),
		table:      make(map[string]*CompiledPolicy),
		evalCounts: make(map[string]*int64),
	}
	table := make(map[string]*CompiledPolicy, len(policies))
	for i := range policies {
		cp, err := compilePolicy(&policies[i])
		if err != nil {
			return nil, err
		}
		table[policies[i].ToolName] = cp
	}
	e.table = table
	return e, nil
}

// compilePolicy validates and pre-compiles one policy's patterns.
func compilePolicy(p *ToolPolicy) (*CompiledPolicy, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy %q: %w", p.ToolName, err)
	}
	allowed, err := NewPathMatcher(p.AllowedPaths)
	if err != nil {
		return nil, fmt.Errorf("policy %q allowed_paths: %w", p.ToolName, err)
	}
	forbidden, err := NewPathMatcher(p.ForbiddenPaths)
	if err != nil {
		return nil, fmt.Errorf("policy %q forbidden_paths: %w", p.ToolName, err)
	}
	hosts, err := NewHostMatcher(p.AllowedHosts)
	if err != nil {
		return nil, fmt.Errorf("policy %q allowed_hosts: %w", p.ToolName, err)
	}
	return &CompiledPolicy{
		Policy:         *p,
		allowedPaths:   allowed,
		forbiddenPaths: forbidden,
		allowedHosts:   hosts,
	}, nil
}

// ReloadPolicies re-reads the policy directory and swaps the table
// atomically. A tool whose file fails to parse drops out of the table and
// resolves to deny-by-default; the swap still happens for the rest.
func (e *Engine) ReloadPolicies() error {
	loaded, problems := e.loader.Load()

	table := make(map[string]*CompiledPolicy, len(loaded))
	for name, p := range loaded {
		cp, err := compilePolicy(p)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		table[name] = cp
	}

	e.mu.Lock()
	e.table = table
	e.mu.Unlock()

	for _, p := range problems {
		log.Warn("Policy load problem (tool resolves to deny-by-default): %v", p)
	}
	log.Info("Loaded %d tool policies from %s", len(table), e.loader.Dir())

	if len(problems) > 0 {
		return fmt.Errorf("%d policy file problem(s): %w", len(problems), errors.Join(problems...))
	}
	return nil
}

// EvaluateRequest runs the authorization cascade for one request. The first
// decisive step wins; step order is load-bearing (the global deny tables
// override every per-tool allow list).
func (e *Engine) EvaluateRequest(req *request.ToolRequest, secCtx *request.SecurityContext) Decision {
	e.mu.RLock()
	cp := e.table[req.ToolName]
	e.mu.RUnlock()

	// Step 1: no policy means permanent deny, never a soft default.
	if cp == nil {
		return Deny("", types.RiskHigh,
			fmt.Sprintf("no policy loaded for tool %q (deny-by-default)", req.ToolName))
	}
	e.incrementEvalCount(req.ToolName)
	p := &cp.Policy

	// Step 2: parameter values against the injection pattern library.
	for key, val := range req.Parameters {
		s, ok := val.(string)
		if !ok {
			continue
		}
		if matched, pattern := MatchDangerousParam(s); matched {
			return Deny(p.ToolName, types.RiskCritical,
				fmt.Sprintf("parameter %q matched dangerous pattern %q", key, pattern))
		}
	}
	if req.TargetPath != "" {
		if matched, pattern := MatchDangerousParam(req.TargetPath); matched {
			return Deny(p.ToolName, types.RiskCritical,
				fmt.Sprintf("target path matched dangerous pattern %q", pattern))
		}
	}

	// Step 3: global forbidden paths override any per-tool allow list.
	if req.TargetPath != "" {
		if matched, pattern := GlobalForbiddenPath(req.TargetPath); matched {
			return Deny(p.ToolName, types.RiskCritical,
				fmt.Sprintf("target path is globally forbidden (matched %q)", pattern))
		}
	}

	// Step 4: globally forbidden operations are absolute.
	if globalForbiddenOperations[string(req.Operation)] {
		return Deny(p.ToolName, types.RiskHigh,
			fmt.Sprintf("operation %q is globally forbidden", req.Operation))
	}

	// Step 5: tool-level forbidden operations.
	if p.ForbidsOperation(req.Operation) {
		return Deny(p.ToolName, p.GetRiskLevel(),
			fmt.Sprintf("operation %q is forbidden for tool %q", req.Operation, p.ToolName))
	}

	// Step 6: tool-level operation allow list.
	if !p.AllowsOperation(req.Operation) {
		return Deny(p.ToolName, p.GetRiskLevel(),
			fmt.Sprintf("operation %q is not in the allowed operations for tool %q", req.Operation, p.ToolName))
	}

	// Step 7: target path against the tool's own path rules.
	if req.TargetPath != "" {
		if matched, pattern := cp.forbiddenPaths.Match(req.TargetPath); matched {
			return Deny(p.ToolName, p.GetRiskLevel(),
				fmt.Sprintf("target path is forbidden by policy (matched %q)", pattern))
		}
		if !cp.allowedPaths.Empty() {
			if matched, _ := cp.allowedPaths.Match(req.TargetPath); !matched {
				return Deny(p.ToolName, p.GetRiskLevel(),
					fmt.Sprintf("target path %q is outside the allowed paths for tool %q", req.TargetPath, p.ToolName))
			}
		}
		if len(p.AllowedExtensions) > 0 && !allowedExtension(req.TargetPath, p.AllowedExtensions) {
			return Deny(p.ToolName, p.GetRiskLevel(),
				fmt.Sprintf("file extension of %q is not allowed for tool %q", req.TargetPath, p.ToolName))
		}
	}

	// Step 7b: network destinations against the host whitelist.
	if req.Operation == types.OpNetwork || req.Operation == types.OpAPICall {
		if host := extractHost(req); host != "" && !cp.allowedHosts.Empty() && !cp.allowedHosts.Match(host) {
			return Deny(p.ToolName, p.GetRiskLevel(),
				fmt.Sprintf("host %q is not in the allowed hosts for tool %q", host, p.ToolName))
		}
	}

	// Step 8: a tool that requires caller identity gets a human gate when
	// none is supplied, not an outright deny.
	if p.RequireUserContext && secCtx == nil {
		return RequireConfirmation(p.ToolName, p.GetRiskLevel(),
			"tool requires a security context and none was supplied",
			fmt.Sprintf("Unauthenticated request to %s (%s). Approve?", p.ToolName, req.Operation),
			p.GetConfirmationTimeout())
	}

	// Step 9: explicit confirmation flag, or inherently risky tools.
	if p.RequiresConfirmation || p.GetRiskLevel().AtLeast(types.RiskHigh) {
		return RequireConfirmation(p.ToolName, p.GetRiskLevel(),
			"policy requires human confirmation",
			fmt.Sprintf("Tool %s wants to %s %s. Approve?", p.ToolName, req.Operation, req.TargetPath),
			p.GetConfirmationTimeout())
	}

	// Step 10: nothing decisive matched.
	return Allow(p.ToolName, p.GetRiskLevel(), "request permitted by policy")
}

// GetPolicy returns the loaded policy for a tool, or nil.
func (e *Engine) GetPolicy(toolName string) *ToolPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if cp := e.table[toolName]; cp != nil {
		p := cp.Policy
		return &p
	}
	return nil
}

// ListPolicies returns all loaded policies sorted by tool name.
func (e *Engine) ListPolicies() []ToolPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ToolPolicy, 0, len(e.table))
	for _, cp := range e.table {
		out = append(out, cp.Policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolName < out[j].ToolName })
	return out
}

// PolicyCount returns the number of loaded tool policies.
func (e *Engine) PolicyCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.table)
}

// EvalCounts returns per-tool evaluation counters for the status endpoint.
func (e *Engine) EvalCounts() map[string]int64 {
	e.countersMu.Lock()
	defer e.countersMu.Unlock()
	out := make(map[string]int64, len(e.evalCounts))
	for name, c := range e.evalCounts {
		out[name] = atomic.LoadInt64(c)
	}
	return out
}

func (e *Engine) incrementEvalCount(name string) {
	e.countersMu.Lock()
	c, ok := e.evalCounts[name]
	if !ok {
		c = new(int64)
		e.evalCounts[name] = c
	}
	e.countersMu.Unlock()
	atomic.AddInt64(c, 1)
}

// allowedExtension checks a path's extension against an allow list.
func allowedExtension(path string, allowed []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, a := range allowed {
		if !strings.HasPrefix(a, ".") {
			a = "." + a
		}
		if strings.ToLower(a) == ext {
			return true
		}
	}
	return false
}

// extractHost pulls the destination host from a request's parameters,
// accepting either a bare host or a full URL.
func extractHost(req *request.ToolRequest) string {
	if h := req.Parameter("host"); h != "" {
		return h
	}
	raw := req.Parameter("url")
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Hostname()
	}
	return raw
}
