package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/toolgate/toolgate/internal/fileutil"
	"github.com/toolgate/toolgate/internal/logger"
	"github.com/toolgate/toolgate/internal/policy"
	"github.com/toolgate/toolgate/internal/request"
	"github.com/toolgate/toolgate/internal/types"
)

var log = logger.New("audit")

// ErrNoIndex reports a search against a logger without a configured index.
var ErrNoIndex = errors.New("audit index not configured")

// Config holds audit logger settings.
type Config struct {
	Dir          string
	MaxSizeBytes int64
	Backups      int
	Compress     bool
	// IndexPath enables the SQLite search index when non-empty.
	IndexPath string
	// IndexKey encrypts the index with SQLCipher when non-empty.
	IndexKey string
	// RetentionDays bounds indexed history, 0 = forever.
	RetentionDays int
}

// Logger is the append-only audit recorder. One writer lock per stream;
// counters update only after the corresponding write returned, so the
// status endpoint never reports more than what is durably logged.
type Logger struct {
	streams map[Stream]*rotatingStream
	index   *Index
	clock   types.Clock

	total         atomic.Int64
	denials       atomic.Int64
	violations    atomic.Int64
	confirmations atomic.Int64
	sandboxes     atomic.Int64
	rotations     atomic.Int64
	writeErrors   atomic.Int64
}

// New creates the audit logger, its four streams and (optionally) the
// search index.
func New(cfg Config) (*Logger, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit directory is required")
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = 10 * 1024 * 1024
	}
	if cfg.Backups <= 0 {
		cfg.Backups = 5
	}
	if err := fileutil.SecureMkdirAll(cfg.Dir); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	l := &Logger{
		streams: make(map[Stream]*rotatingStream, len(Streams)),
		clock:   types.SystemClock{},
	}
	for _, s := range Streams {
		rs, err := openStream(streamPath(cfg.Dir, s), cfg.MaxSizeBytes, cfg.Backups, cfg.Compress)
		if err != nil {
			l.Close()
			return nil, err
		}
		rs.onRotate = func() { l.rotations.Add(1) }
		l.streams[s] = rs
	}

	if cfg.IndexPath != "" {
		idx, err := OpenIndex(cfg.IndexPath, cfg.IndexKey, cfg.RetentionDays)
		if err != nil {
			l.Close()
			return nil, err
		}
		l.index = idx
	}

	log.Info("Audit logging to %s (rotate at %d bytes, %d backups, compress=%v)",
		cfg.Dir, cfg.MaxSizeBytes, cfg.Backups, cfg.Compress)
	return l, nil
}

// SetClock overrides the clock (tests).
func (l *Logger) SetClock(c types.Clock) { l.clock = c }

// append serializes and writes one entry to a stream, then mirrors it into
// the index. The write is synchronous: when append returns nil the entry is
// recorded.
func (l *Logger) append(stream Stream, e Entry) error {
	if e.Time.IsZero() {
		e.Time = l.clock.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		l.writeErrors.Add(1)
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	s, ok := l.streams[stream]
	if !ok {
		return fmt.Errorf("unknown audit stream %q", stream)
	}
	if err := s.write(line); err != nil {
		l.writeErrors.Add(1)
		return fmt.Errorf("write %s stream: %w", stream, err)
	}
	l.total.Add(1)

	if l.index != nil {
		if err := l.index.Insert(stream, e); err != nil {
			// The stream write is the durable record; index failure only
			// degrades search.
			log.Warn("Audit index insert failed: %v", err)
		}
	}
	return nil
}

// LogToolRequest records the full outcome of one request pipeline pass.
func (l *Logger) LogToolRequest(req *request.ToolRequest, decision policy.Decision, success bool, duration time.Duration, sandboxID string) error {
	switch decision.Decision {
	case types.DecisionDeny, types.DecisionRateLimited:
		l.denials.Add(1)
	case types.DecisionRequireConfirmation:
		l.confirmations.Add(1)
	}
	return l.append(StreamAudit, Entry{
		EventType:  EventToolRequest,
		RequestID:  req.RequestID,
		ToolName:   req.ToolName,
		Operation:  req.Operation,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Decision:   decision.Decision,
		RiskLevel:  decision.RiskLevel,
		Reason:     decision.Reason,
		PolicyName: decision.PolicyName,
		Success:    boolPtr(success),
		DurationMS: float64(duration.Microseconds()) / 1000.0,
		SandboxID:  sandboxID,
	})
}

// LogSecurityViolation records a detected threat on the security stream.
func (l *Logger) LogSecurityViolation(v Violation) error {
	l.violations.Add(1)
	return l.append(StreamSecurity, Entry{
		EventType: EventViolation,
		RequestID: v.RequestID,
		ToolName:  v.ToolName,
		UserID:    v.UserID,
		SessionID: v.SessionID,
		RiskLevel: v.RiskLevel,
		Decision:  types.DecisionDeny,
		Reason:    fmt.Sprintf("threats detected: %v", v.Threats),
		Details: map[string]any{
			"threats": v.Threats,
			"input":   truncate(v.Input, 512),
		},
	})
}

// LogSandboxEvent records sandbox lifecycle events (created, executed,
// destroyed, violations) on the audit stream.
func (l *Logger) LogSandboxEvent(sandboxID, requestID, toolName, event string, details map[string]any) error {
	if event == "created" {
		l.sandboxes.Add(1)
	}
	return l.append(StreamAudit, Entry{
		EventType: EventSandbox,
		RequestID: requestID,
		ToolName:  toolName,
		SandboxID: sandboxID,
		Reason:    event,
		Details:   details,
	})
}

// LogConfigurationChange records policy reloads and config edits.
func (l *Logger) LogConfigurationChange(what string, details map[string]any) error {
	return l.append(StreamAudit, Entry{
		EventType: EventConfiguration,
		Reason:    what,
		Details:   details,
	})
}

// LogConfirmation records a confirmation lifecycle transition.
func (l *Logger) LogConfirmation(confirmationID, requestID, toolName string, status types.ConfirmationStatus) error {
	return l.append(StreamAudit, Entry{
		EventType: EventConfirmation,
		RequestID: requestID,
		ToolName:  toolName,
		Reason:    string(status),
		Details:   map[string]any{"confirmation_id": confirmationID},
	})
}

// LogPerformance records timing on the performance stream.
func (l *Logger) LogPerformance(req *request.ToolRequest, stage string, duration time.Duration) error {
	return l.append(StreamPerformance, Entry{
		EventType:  EventPerformance,
		RequestID:  req.RequestID,
		ToolName:   req.ToolName,
		Operation:  req.Operation,
		Reason:     stage,
		DurationMS: float64(duration.Microseconds()) / 1000.0,
	})
}

// LogError records an internal failure on the error stream.
func (l *Logger) LogError(requestID, toolName, context string, err error) error {
	return l.append(StreamError, Entry{
		EventType: EventError,
		RequestID: requestID,
		ToolName:  toolName,
		Reason:    context,
		Details:   map[string]any{"error": err.Error()},
	})
}

// SearchLogs returns indexed entries matching the filter, newest first.
// Best-effort: requires the index; bounded volume makes a full analytics
// store unnecessary.
func (l *Logger) SearchLogs(f Filter) ([]Entry, error) {
	if l.index == nil {
		return nil, ErrNoIndex
	}
	return l.index.Search(f)
}

// ExportLogs writes matching entries as JSON lines.
func (l *Logger) ExportLogs(f Filter, write func(Entry) error) error {
	entries, err := l.SearchLogs(f)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := write(e); err != nil {
			return err
		}
	}
	return nil
}

// GetStats returns the running counter snapshot.
func (l *Logger) GetStats() Stats {
	return Stats{
		TotalEntries:       l.total.Load(),
		Denials:            l.denials.Load(),
		Violations:         l.violations.Load(),
		Confirmations:      l.confirmations.Load(),
		SandboxesCreated:   l.sandboxes.Load(),
		RotationsPerformed: l.rotations.Load(),
		WriteErrors:        l.writeErrors.Load(),
	}
}

// Close flushes and closes every stream and the index.
func (l *Logger) Close() error {
	var firstErr error
	for _, s := range l.streams {
		if s == nil {
			continue
		}
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.index != nil {
		if err := l.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
