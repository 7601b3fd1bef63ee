// Package security is the advisory threat-detection layer. It never decides
// on its own; it reports what it matched and how bad, and the orchestrator
// treats any detected threat as an unconditional deny. It runs independently
// of the policy engine as a second line of defense.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/logger"
	"github.com/toolgate/toolgate/internal/request"
	"github.com/toolgate/toolgate/internal/types"
)

var log = logger.New("security")

// InputType selects the type-specific checks ValidateInput runs on top of
// the generic threat tables.
type InputType string

const (
	InputText    InputType = "text"
	InputPath    InputType = "path"
	InputCommand InputType = "command"
	InputURL     InputType = "url"
)

// DefaultMaxInputLength bounds inputs when the caller does not say.
const DefaultMaxInputLength = 10000

// promptInjectionMaxLength is the length heuristic for injection payloads
// that bury instructions inside bulk text.
const promptInjectionMaxLength = 50000

// ValidationResult is the outcome of one ValidateInput call.
type ValidationResult struct {
	Valid     bool            `json:"valid"`
	Threats   []string        `json:"threats,omitempty"`
	RiskLevel types.RiskLevel `json:"risk_level"`
}

// sessionRisk is the running score for one session, evicted by age.
type sessionRisk struct {
	score      float64
	requests   int
	denials    int
	lastUpdate time.Time
}

// Manager runs input validation, prompt-injection detection, and request
// risk scoring. Safe for concurrent use.
type Manager struct {
	clock types.Clock

	mu       sync.Mutex
	sessions map[string]*sessionRisk

	sessionTTL time.Duration
}

// NewManager creates a security manager with the system clock.
func NewManager() *Manager {
	return NewManagerWithClock(types.SystemClock{})
}

// NewManagerWithClock creates a security manager with an explicit clock
// (tests).
func NewManagerWithClock(clock types.Clock) *Manager {
	return &Manager{
		clock:      clock,
		sessions:   make(map[string]*sessionRisk),
		sessionTTL: 30 * time.Minute,
	}
}

// PatternVersion reports the built-in threat table revision.
func (m *Manager) PatternVersion() int { return PatternTableVersion }

// ValidateInput checks one value against the threat tables plus the
// type-specific battery. Risk only escalates within a call: the result
// carries the worst severity of everything that matched.
func (m *Manager) ValidateInput(value string, inputType InputType, maxLength int) ValidationResult {
	if maxLength <= 0 {
		maxLength = DefaultMaxInputLength
	}

	res := ValidationResult{Valid: true, RiskLevel: types.RiskLow}

	if len(value) > maxLength {
		res.Threats = append(res.Threats, fmt.Sprintf("length:exceeds-%d", maxLength))
		res.RiskLevel = res.RiskLevel.Max(types.RiskMedium)
	}

	normalized := NormalizeInput(value)
	if normalized != value {
		// Normalization changed the input: something was hidden in it.
		// That alone is not a threat, but the checks below run on the
		// canonical form so the hiding gains nothing.
		if strings.Contains(value, "\x00") {
			res.Threats = append(res.Threats, "encoding:null-byte")
			res.RiskLevel = res.RiskLevel.Max(types.RiskCritical)
		}
	}

	for _, p := range threatPatterns {
		if p.Pattern.MatchString(normalized) || p.Pattern.MatchString(value) {
			res.Threats = append(res.Threats, p.Family+":"+p.Name)
			res.RiskLevel = res.RiskLevel.Max(p.Severity)
		}
	}

	switch inputType {
	case InputPath:
		threats, risk := pathThreats(normalized)
		res.Threats = append(res.Threats, threats...)
		res.RiskLevel = res.RiskLevel.Max(risk)
	case InputCommand:
		threats, risk := commandThreats(normalized)
		res.Threats = append(res.Threats, threats...)
		res.RiskLevel = res.RiskLevel.Max(risk)
	}

	if len(res.Threats) > 0 {
		res.Valid = false
		log.Debug("Input validation flagged %d threat(s), risk=%s", len(res.Threats), res.RiskLevel)
	}
	return res
}

// pathThreats runs the path-specific checks: traversal, system directory
// prefixes, payload-bearing extensions.
func pathThreats(p string) ([]string, types.RiskLevel) {
	var threats []string
	risk := types.RiskLow

	cleaned := filepath.ToSlash(p)
	if strings.Contains(cleaned, "../") || strings.Contains(cleaned, "/..") {
		threats = append(threats, "path:traversal")
		risk = risk.Max(types.RiskHigh)
	}
	for _, prefix := range systemDirPrefixes {
		if strings.HasPrefix(cleaned, prefix) {
			threats = append(threats, "path:system-directory:"+strings.Trim(prefix, "/"))
			risk = risk.Max(types.RiskHigh)
			break
		}
	}
	if ext := strings.ToLower(filepath.Ext(cleaned)); dangerousExtensions[ext] {
		threats = append(threats, "path:dangerous-extension:"+ext)
		risk = risk.Max(types.RiskHigh)
	}
	return threats, risk
}

// DetectPromptInjection reports whether text reads like an attempt to turn
// the calling agent against its own instructions, with the matched
// indicator names.
func (m *Manager) DetectPromptInjection(text string) (bool, []string) {
	var indicators []string

	normalized := collapseWhitespace(NormalizeInput(text))
	for _, p := range promptInjectionPatterns {
		if p.Pattern.MatchString(normalized) {
			indicators = append(indicators, p.Name)
		}
	}

	// Many instruction separators in one input is a smuggling heuristic.
	if strings.Count(normalized, "###")+strings.Count(normalized, "---") >= 3 {
		indicators = append(indicators, "multiple-instruction-separators")
	}
	if len(text) > promptInjectionMaxLength {
		indicators = append(indicators, "excessive-length")
	}

	if len(indicators) > 0 {
		log.Debug("Prompt injection indicators: %v", indicators)
		return true, indicators
	}
	return false, nil
}

// operationRisk is the base risk contributed by the requested capability.
var operationRisk = map[types.Operation]float64{
	types.OpRead:       0.5,
	types.OpAPICall:    1.0,
	types.OpNetwork:    1.5,
	types.OpWrite:      1.5,
	types.OpFileSystem: 1.5,
	types.OpDelete:     2.5,
	types.OpExecute:    3.0,
	types.OpSystem:     4.0,
}

// toolTypeRisk scores tool names by family keywords.
func toolTypeRisk(name string) float64 {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "shell"), strings.Contains(n, "exec"), strings.Contains(n, "terminal"):
		return 3.0
	case strings.Contains(n, "delete"), strings.Contains(n, "remove"):
		return 2.5
	case strings.Contains(n, "write"), strings.Contains(n, "edit"), strings.Contains(n, "network"), strings.Contains(n, "http"):
		return 1.5
	case strings.Contains(n, "read"), strings.Contains(n, "list"), strings.Contains(n, "search"):
		return 0.5
	default:
		return 1.0
	}
}

// Risk score thresholds for bucketing into levels.
const (
	riskThresholdMedium   = 3.0
	riskThresholdHigh     = 6.0
	riskThresholdCritical = 9.0
)

// AssessRequestRisk scores one request as a weighted sum over tool family,
// operation, parameter contents, caller authentication, time of day and
// recent session behavior, bucketed to a level. A detected threat in any
// parameter floors the result at HIGH.
func (m *Manager) AssessRequestRisk(req *request.ToolRequest, ctx *request.SecurityContext) types.RiskLevel {
	score := toolTypeRisk(req.ToolName) + operationRisk[req.Operation]

	threatFloor := types.RiskLow
	for _, v := range req.Parameters {
		s, ok := v.(string)
		if !ok {
			continue
		}
		r := m.ValidateInput(s, InputText, 0)
		if !r.Valid {
			score += 3.0
			threatFloor = threatFloor.Max(types.RiskHigh)
			if r.RiskLevel == types.RiskCritical {
				threatFloor = types.RiskCritical
			}
		}
		if injected, _ := m.DetectPromptInjection(s); injected {
			score += 4.0
			threatFloor = threatFloor.Max(types.RiskHigh)
		}
	}

	// Unauthenticated or weakly authenticated callers score higher.
	switch {
	case ctx == nil:
		score += 1.5
	case ctx.AuthLevel == request.AuthNone:
		score += 2.0
	case ctx.AuthLevel == request.AuthBasic:
		score += 1.0
	case ctx.AuthLevel == request.AuthAdmin:
		score -= 1.0
	}

	// Off-hours activity is a weak signal, weighted accordingly.
	if h := m.clock.Now().Hour(); h < 6 || h > 22 {
		score += 0.5
	}

	if req.SessionID != "" {
		score += m.sessionSignal(req.SessionID)
	}

	level := bucketRisk(score)
	return level.Max(threatFloor)
}

func bucketRisk(score float64) types.RiskLevel {
	switch {
	case score >= riskThresholdCritical:
		return types.RiskCritical
	case score >= riskThresholdHigh:
		return types.RiskHigh
	case score >= riskThresholdMedium:
		return types.RiskMedium
	default:
		return types.RiskLow
	}
}

// sessionSignal updates and reads the running per-session score: bursts of
// requests and repeated denials push subsequent assessments up.
func (m *Manager) sessionSignal(sessionID string) float64 {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		s = &sessionRisk{lastUpdate: now}
		m.sessions[sessionID] = s
	}

	// Burst: short spacing between requests in the same session.
	if gap := now.Sub(s.lastUpdate); ok && gap < 2*time.Second {
		s.score += 0.5
	} else if s.score > 0 {
		// Quiet time decays the score.
		s.score *= 0.8
	}
	s.requests++
	s.lastUpdate = now

	signal := s.score + float64(s.denials)*0.5
	if signal > 3.0 {
		signal = 3.0
	}
	return signal
}

// RecordDenial feeds a denial back into the session score so repeat
// offenders escalate.
func (m *Manager) RecordDenial(sessionID string) {
	if sessionID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.denials++
	}
}

// EvictStaleSessions drops session scores idle past the TTL and returns how
// many were removed.
func (m *Manager) EvictStaleSessions() int {
	cutoff := m.clock.Now().Add(-m.sessionTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if s.lastUpdate.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// SessionCount reports tracked sessions (status endpoint).
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
