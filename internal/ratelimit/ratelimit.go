// Package ratelimit enforces sliding-window quotas per tool, user, session
// and globally. For one key the check-and-record sequence is a single
// critical section: two concurrent callers can never both observe "under
// limit" and both pass a shared cap.
package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/toolgate/toolgate/internal/logger"
	"github.com/toolgate/toolgate/internal/request"
	"github.com/toolgate/toolgate/internal/types"
)

var log = logger.New("ratelimit")

// Scope selects which request attribute a rule keys its counters on.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeTool    Scope = "tool"
	ScopeUser    Scope = "user"
	ScopeSession Scope = "session"
)

// Rule is one registered quota. All rules applicable to a request must pass.
type Rule struct {
	Name          string `json:"name"`
	Scope         Scope  `json:"scope"`
	Requests      int    `json:"requests"`
	WindowSeconds int    `json:"window_seconds"`
	// BurstSize, when positive, layers a token bucket over the sliding
	// window to smooth short spikes below the window quota.
	BurstSize int `json:"burst_size,omitempty"`
	// Priority orders violation reporting; lower wins (default 50).
	Priority int `json:"priority,omitempty"`
	// Tool restricts a tool-scoped rule to one tool name. Empty means the
	// rule applies to every tool.
	Tool string `json:"tool,omitempty"`
}

const defaultPriority = 50

func (r *Rule) priority() int {
	if r.Priority == 0 {
		return defaultPriority
	}
	return r.Priority
}

func (r *Rule) window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// Validate checks rule parameters.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	switch r.Scope {
	case ScopeGlobal, ScopeTool, ScopeUser, ScopeSession:
	default:
		return fmt.Errorf("invalid scope %q", r.Scope)
	}
	if r.Requests <= 0 {
		return fmt.Errorf("requests must be positive (got %d)", r.Requests)
	}
	if r.WindowSeconds <= 0 {
		return fmt.Errorf("window_seconds must be positive (got %d)", r.WindowSeconds)
	}
	if r.BurstSize < 0 {
		return fmt.Errorf("burst_size must be >= 0 (got %d)", r.BurstSize)
	}
	return nil
}

// Violation describes one failed rule check.
type Violation struct {
	Rule              Rule      `json:"rule"`
	Key               string    `json:"key"`
	RequestsMade      int       `json:"requests_made"`
	RequestsAllowed   int       `json:"requests_allowed"`
	WindowSeconds     int       `json:"window_seconds"`
	ResetTime         time.Time `json:"reset_time"`
	RetryAfterSeconds float64   `json:"retry_after_seconds"`
}

// Result is the outcome of one rate-limit check. On failure, Most holds the
// most restrictive violated rule and Violations lists every failed rule.
type Result struct {
	Allowed    bool
	Most       *Violation
	Violations []Violation
}

// counter tracks request timestamps for one key inside the trailing window.
type counter struct {
	mu       sync.Mutex
	stamps   []time.Time
	bucket   *rate.Limiter
	lastSeen time.Time
}

// Limiter owns all registered rules and their counters.
type Limiter struct {
	mu    sync.RWMutex
	rules map[string]Rule

	countersMu sync.Mutex
	counters   map[string]*counter

	clock types.Clock

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
	idleTTL   time.Duration
}

// New creates a limiter using the system clock.
func New() *Limiter {
	return NewWithClock(types.SystemClock{})
}

// NewWithClock creates a limiter with an injectable clock for tests.
func NewWithClock(clock types.Clock) *Limiter {
	return &Limiter{
		rules:    make(map[string]Rule),
		counters: make(map[string]*counter),
		clock:    clock,
		idleTTL:  5 * time.Minute,
	}
}

// RegisterRule adds or replaces a rule. Replacing a rule resets nothing:
// existing counters keep their recorded timestamps.
func (l *Limiter) RegisterRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.rules[r.Name] = r
	l.mu.Unlock()
	log.Debug("Registered rate rule %q (%s, %d/%ds)", r.Name, r.Scope, r.Requests, r.WindowSeconds)
	return nil
}

// UnregisterRule removes a rule by name.
func (l *Limiter) UnregisterRule(name string) {
	l.mu.Lock()
	delete(l.rules, name)
	l.mu.Unlock()
}

// Rules returns a snapshot of registered rules.
func (l *Limiter) Rules() []Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Rule, 0, len(l.rules))
	for _, r := range l.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// key builds the counter key for a rule applied to a request.
func (r *Rule) key(req *request.ToolRequest, userID, sessionID string) (string, bool) {
	switch r.Scope {
	case ScopeGlobal:
		return "global|" + r.Name, true
	case ScopeTool:
		if r.Tool != "" && r.Tool != req.ToolName {
			return "", false
		}
		return "tool|" + r.Name + "|" + req.ToolName, true
	case ScopeUser:
		if userID == "" {
			return "", false
		}
		return "user|" + r.Name + "|" + userID, true
	case ScopeSession:
		if sessionID == "" {
			return "", false
		}
		return "session|" + r.Name + "|" + sessionID, true
	}
	return "", false
}

// Check evaluates every applicable rule for the request. All must pass
// (AND); on success one timestamp is recorded per applicable counter, on
// failure nothing is recorded anywhere, so one evaluation is never
// double-counted and a failed check costs no quota.
func (l *Limiter) Check(req *request.ToolRequest, userID, sessionID string) Result {
	now := l.clock.Now()

	l.mu.RLock()
	apps := make([]applicable, 0, len(l.rules))
	for _, r := range l.rules {
		if k, ok := r.key(req, userID, sessionID); ok {
			apps = append(apps, applicable{rule: r, key: k})
		}
	}
	l.mu.RUnlock()

	if len(apps) == 0 {
		return Result{Allowed: true}
	}

	// Lock every applicable counter in deterministic key order so the
	// multi-rule check-and-record is atomic without deadlock risk.
	sort.Slice(apps, func(i, j int) bool { return apps[i].key < apps[j].key })

	counters := make([]*counter, len(apps))
	for i, a := range apps {
		counters[i] = l.counter(a.key, a.rule)
	}
	for _, c := range counters {
		c.mu.Lock()
	}
	defer func() {
		for _, c := range counters {
			c.mu.Unlock()
		}
	}()

	var violations []Violation
	for i, a := range apps {
		c := counters[i]
		c.prune(now, a.rule.window())
		if v := checkRule(a.rule, a.key, c, now); v != nil {
			violations = append(violations, *v)
		}
	}

	if len(violations) > 0 {
		most := mostRestrictive(violations)
		return Result{Allowed: false, Most: most, Violations: violations}
	}

	// All rules passed: record exactly one timestamp per counter and
	// consume one burst token where configured.
	for _, c := range counters {
		c.stamps = append(c.stamps, now)
		c.lastSeen = now
		if c.bucket != nil {
			c.bucket.AllowN(now, 1)
		}
	}
	return Result{Allowed: true}
}

// applicable pairs a rule with the counter key it resolved to for one request.
type applicable struct {
	rule Rule
	key  string
}

// checkRule evaluates one rule against its (locked, pruned) counter.
func checkRule(r Rule, key string, c *counter, now time.Time) *Violation {
	made := len(c.stamps)
	over := made >= r.Requests
	burstDenied := c.bucket != nil && c.bucket.TokensAt(now) < 1

	if !over && !burstDenied {
		return nil
	}

	v := &Violation{
		Rule:            r,
		Key:             key,
		RequestsMade:    made,
		RequestsAllowed: r.Requests,
		WindowSeconds:   r.WindowSeconds,
		ResetTime:       now.Add(r.window()),
	}
	if over && made > 0 {
		// Quota frees up once the oldest counted request exits the window.
		v.RetryAfterSeconds = c.stamps[0].Add(r.window()).Sub(now).Seconds()
	}
	if burstDenied {
		// Token bucket refills continuously; wait for one token.
		wait := float64(1-c.bucket.TokensAt(now)) / float64(c.bucket.Limit())
		if wait > v.RetryAfterSeconds {
			v.RetryAfterSeconds = wait
		}
	}
	if v.RetryAfterSeconds <= 0 {
		v.RetryAfterSeconds = 1
	}
	return v
}

// counter returns (creating if needed) the counter for a key.
func (l *Limiter) counter(key string, r Rule) *counter {
	l.countersMu.Lock()
	defer l.countersMu.Unlock()
	c, ok := l.counters[key]
	if !ok {
		c = &counter{lastSeen: l.clock.Now()}
		if r.BurstSize > 0 {
			perSecond := rate.Limit(float64(r.Requests) / float64(r.WindowSeconds))
			c.bucket = rate.NewLimiter(perSecond, r.BurstSize)
		}
		l.counters[key] = c
	}
	return c
}

// prune drops timestamps that fell out of the trailing window. Caller must
// hold c.mu.
func (c *counter) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(c.stamps) && !c.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		c.stamps = append(c.stamps[:0], c.stamps[i:]...)
	}
}

// mostRestrictive picks the violation to report: highest priority first,
// then the smallest allowed-per-second budget.
func mostRestrictive(violations []Violation) *Violation {
	best := &violations[0]
	for i := 1; i < len(violations); i++ {
		v := &violations[i]
		bp, vp := best.Rule.priority(), v.Rule.priority()
		if vp < bp {
			best = v
			continue
		}
		if vp == bp {
			bRate := float64(best.Rule.Requests) / float64(best.Rule.WindowSeconds)
			vRate := float64(v.Rule.Requests) / float64(v.Rule.WindowSeconds)
			if vRate < bRate {
				best = v
			}
		}
	}
	return best
}

// StartSweeper launches the background goroutine that evicts idle counters
// to bound memory. interval of 0 uses a sensible default.
func (l *Limiter) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	l.sweepStop = make(chan struct{})
	l.sweepWG.Add(1)
	go func() {
		defer l.sweepWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.sweepStop:
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// StopSweeper stops the background sweeper.
func (l *Limiter) StopSweeper() {
	if l.sweepStop != nil {
		close(l.sweepStop)
		l.sweepWG.Wait()
		l.sweepStop = nil
	}
}

// Sweep evicts counters idle for longer than the TTL and returns how many
// were removed.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	l.countersMu.Lock()
	defer l.countersMu.Unlock()

	evicted := 0
	for key, c := range l.counters {
		c.mu.Lock()
		idle := now.Sub(c.lastSeen) > l.idleTTL
		c.mu.Unlock()
		if idle {
			delete(l.counters, key)
			evicted++
		}
	}
	if evicted > 0 {
		log.Debug("Evicted %d idle rate counters", evicted)
	}
	return evicted
}

// CounterCount returns the live counter count (status endpoint).
func (l *Limiter) CounterCount() int {
	l.countersMu.Lock()
	defer l.countersMu.Unlock()
	return len(l.counters)
}
