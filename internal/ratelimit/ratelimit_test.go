package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/request"
	"github.com/toolgate/toolgate/internal/types"
)

func newTestLimiter(t *testing.T, rules ...Rule) (*Limiter, *types.FakeClock) {
	t.Helper()
	clock := types.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	l := NewWithClock(clock)
	for _, r := range rules {
		if err := l.RegisterRule(r); err != nil {
			t.Fatalf("RegisterRule(%s): %v", r.Name, err)
		}
	}
	return l, clock
}

func toolReq(tool string) *request.ToolRequest {
	r := request.New(tool, types.OpRead)
	return &r
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		ok   bool
	}{
		{"valid", Rule{Name: "a", Scope: ScopeTool, Requests: 5, WindowSeconds: 60}, true},
		{"missing name", Rule{Scope: ScopeTool, Requests: 5, WindowSeconds: 60}, false},
		{"bad scope", Rule{Name: "a", Scope: "planet", Requests: 5, WindowSeconds: 60}, false},
		{"zero requests", Rule{Name: "a", Scope: ScopeGlobal, Requests: 0, WindowSeconds: 60}, false},
		{"zero window", Rule{Name: "a", Scope: ScopeGlobal, Requests: 5, WindowSeconds: 0}, false},
		{"negative burst", Rule{Name: "a", Scope: ScopeGlobal, Requests: 5, WindowSeconds: 60, BurstSize: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, ok = %v", err, tt.ok)
			}
		})
	}
}

func TestSlidingWindowExactQuota(t *testing.T) {
	l, clock := newTestLimiter(t, Rule{
		Name: "tool-quota", Scope: ScopeTool, Requests: 3, WindowSeconds: 60,
	})
	req := toolReq("search")

	for i := 0; i < 3; i++ {
		if res := l.Check(req, "", ""); !res.Allowed {
			t.Fatalf("request %d denied inside quota", i+1)
		}
	}

	res := l.Check(req, "", "")
	if res.Allowed {
		t.Fatal("4th request within window should be denied")
	}
	if res.Most == nil || res.Most.RequestsMade != 3 || res.Most.RequestsAllowed != 3 {
		t.Fatalf("violation = %+v", res.Most)
	}
	if res.Most.RetryAfterSeconds <= 0 || res.Most.RetryAfterSeconds > 60 {
		t.Errorf("retry after = %v", res.Most.RetryAfterSeconds)
	}

	// Quota frees exactly when the oldest stamp leaves the trailing window.
	clock.Advance(59 * time.Second)
	if res := l.Check(req, "", ""); res.Allowed {
		t.Fatal("still inside window, should deny")
	}
	clock.Advance(2 * time.Second)
	if res := l.Check(req, "", ""); !res.Allowed {
		t.Fatal("window slid past oldest stamp, should allow")
	}
}

func TestDeniedCheckCostsNoQuota(t *testing.T) {
	l, _ := newTestLimiter(t, Rule{
		Name: "q", Scope: ScopeGlobal, Requests: 2, WindowSeconds: 60,
	})
	req := toolReq("x")

	l.Check(req, "", "")
	l.Check(req, "", "")
	for _i := 0; _i < 10; _i++ {
		if res := l.Check(req, "", ""); res.Allowed {
			t.Fatal("over quota, should deny")
		}
	}
	// Denials above must not have pushed the reset time further out.
	res := l.Check(req, "", "")
	if got := res.Most.RequestsMade; got != 2 {
		t.Errorf("requests made = %d, want 2 (denials must not count)", got)
	}
}

func TestScopeKeysIsolate(t *testing.T) {
	l, _ := newTestLimiter(t,
		Rule{Name: "per-user", Scope: ScopeUser, Requests: 1, WindowSeconds: 60},
		Rule{Name: "per-session", Scope: ScopeSession, Requests: 2, WindowSeconds: 60},
	)
	req := toolReq("x")

	if res := l.Check(req, "alice", "s1"); !res.Allowed {
		t.Fatal("first alice request denied")
	}
	if res := l.Check(req, "alice", "s2"); res.Allowed {
		t.Fatal("second alice request should hit per-user quota")
	}
	// A different user in the same window is unaffected.
	if res := l.Check(req, "bob", "s3"); !res.Allowed {
		t.Fatal("bob should have his own counter")
	}
	// Anonymous requests skip identity-scoped rules entirely.
	for _i := 0; _i < 5; _i++ {
		if res := l.Check(req, "", ""); !res.Allowed {
			t.Fatal("anonymous request should bypass user/session rules")
		}
	}
}

func TestToolRestrictedRule(t *testing.T) {
	l, _ := newTestLimiter(t, Rule{
		Name: "only-search", Scope: ScopeTool, Tool: "search", Requests: 1, WindowSeconds: 60,
	})

	if res := l.Check(toolReq("search"), "", ""); !res.Allowed {
		t.Fatal("first search denied")
	}
	if res := l.Check(toolReq("search"), "", ""); res.Allowed {
		t.Fatal("second search should be denied")
	}
	if res := l.Check(toolReq("browse"), "", ""); !res.Allowed {
		t.Fatal("rule restricted to search must not apply to browse")
	}
}

func TestAllRulesMustPassAndFailureRecordsNothing(t *testing.T) {
	l, _ := newTestLimiter(t,
		Rule{Name: "narrow", Scope: ScopeUser, Requests: 1, WindowSeconds: 60},
		Rule{Name: "wide", Scope: ScopeGlobal, Requests: 100, WindowSeconds: 60},
	)
	req := toolReq("x")

	if res := l.Check(req, "u", "s"); !res.Allowed {
		t.Fatal("first request denied")
	}
	res := l.Check(req, "u", "s")
	if res.Allowed {
		t.Fatal("narrow rule should deny")
	}
	if len(res.Violations) != 1 || res.Most.Rule.Name != "narrow" {
		t.Fatalf("violations = %+v", res.Violations)
	}

	// The failed check must not have consumed the wide rule's quota either:
	// a different user still has the full global budget minus one.
	for i := 0; i < 99; i++ {
		if r := l.Check(req, fmt.Sprintf("u%d", i), ""); !r.Allowed {
			t.Fatalf("global quota exhausted early at %d: %+v", i, r.Most)
		}
	}
}

func TestMostRestrictiveSelection(t *testing.T) {
	l, _ := newTestLimiter(t,
		Rule{Name: "loose", Scope: ScopeGlobal, Requests: 1, WindowSeconds: 10},
		Rule{Name: "tight", Scope: ScopeGlobal, Requests: 1, WindowSeconds: 1000},
		Rule{Name: "prio", Scope: ScopeGlobal, Requests: 1, WindowSeconds: 5, Priority: 10},
	)
	req := toolReq("x")

	l.Check(req, "", "")
	res := l.Check(req, "", "")
	if res.Allowed {
		t.Fatal("should be denied by all three rules")
	}
	if len(res.Violations) != 3 {
		t.Fatalf("violations = %d, want 3", len(res.Violations))
	}
	if res.Most.Rule.Name != "prio" {
		t.Errorf("most restrictive = %s, want prio (lowest priority value wins)", res.Most.Rule.Name)
	}
}

func TestBurstBucketSmoothsSpikes(t *testing.T) {
	// 60 per minute with a burst of 2: the window alone would admit all 5
	// back-to-back requests, the bucket stops the spike at 2.
	l, clock := newTestLimiter(t, Rule{
		Name: "bursty", Scope: ScopeGlobal, Requests: 60, WindowSeconds: 60, BurstSize: 2,
	})
	req := toolReq("x")

	allowed := 0
	for _i := 0; _i < 5; _i++ {
		if res := l.Check(req, "", ""); res.Allowed {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("burst admitted %d, want 2", allowed)
	}

	// One token refills per second at 60/min.
	clock.Advance(1100 * time.Millisecond)
	if res := l.Check(req, "", ""); !res.Allowed {
		t.Fatalf("token should have refilled: %+v", res.Most)
	}
}

func TestUnregisterRule(t *testing.T) {
	l, _ := newTestLimiter(t, Rule{Name: "q", Scope: ScopeGlobal, Requests: 1, WindowSeconds: 60})
	req := toolReq("x")

	l.Check(req, "", "")
	if res := l.Check(req, "", ""); res.Allowed {
		t.Fatal("should deny before unregister")
	}
	l.UnregisterRule("q")
	if res := l.Check(req, "", ""); !res.Allowed {
		t.Fatal("no rules left, should allow")
	}
}

func TestSweepEvictsIdleCounters(t *testing.T) {
	l, clock := newTestLimiter(t, Rule{Name: "q", Scope: ScopeUser, Requests: 10, WindowSeconds: 60})
	req := toolReq("x")

	l.Check(req, "a", "")
	l.Check(req, "b", "")
	if got := l.CounterCount(); got != 2 {
		t.Fatalf("counters = %d, want 2", got)
	}

	clock.Advance(4 * time.Minute)
	l.Check(req, "a", "") // refreshes a's lastSeen
	clock.Advance(2 * time.Minute)

	if evicted := l.Sweep(); evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if got := l.CounterCount(); got != 1 {
		t.Errorf("counters = %d, want 1", got)
	}
}

func TestConcurrentChecksNeverOverAdmit(t *testing.T) {
	l, _ := newTestLimiter(t, Rule{Name: "q", Scope: ScopeGlobal, Requests: 50, WindowSeconds: 60})
	req := toolReq("x")

	var wg sync.WaitGroup
	results := make(chan bool, 200)
	for _i := 0; _i < 200; _i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- l.Check(req, "", "").Allowed
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for ok := range results {
		if ok {
			admitted++
		}
	}
	if admitted != 50 {
		t.Errorf("admitted %d of 200, want exactly 50", admitted)
	}
}
