package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4" // SQLCipher driver for encrypted SQLite

	"github.com/toolgate/toolgate/internal/types"
)

// MinIndexKeyLength is the minimum required length for index encryption keys.
const MinIndexKeyLength = 16

// MaxRetentionDays is the maximum allowed retention period.
const MaxRetentionDays = 36500

// Index is the optional SQLite/SQLCipher store behind SearchLogs and
// ExportLogs. The rotating streams stay the durable record; the index only
// makes them queryable.
type Index struct {
	conn      *sql.DB
	encrypted bool
	retention int

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// OpenIndex opens (creating if needed) the audit index, optionally
// encrypted. The key goes through a connection string parameter, never a
// PRAGMA statement, so it cannot be used for SQL injection.
func OpenIndex(path, key string, retentionDays int) (*Index, error) {
	params := url.Values{}
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")

	if key != "" {
		if len(key) < MinIndexKeyLength {
			return nil, fmt.Errorf("index encryption key must be at least %d characters", MinIndexKeyLength)
		}
		params.Set("_pragma_key", key)
	}

	conn, err := sql.Open("sqlite3", path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open audit index: %w", err)
	}

	// SQLite supports one writer at a time; a single Go-level connection
	// serializes access and avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	encrypted := false
	if key != "" {
		var one int
		if err := conn.QueryRowContext(context.Background(), "SELECT 1").Scan(&one); err != nil {
			conn.Close()
			return nil, fmt.Errorf("index encryption key verification failed: %w", err)
		}
		encrypted = true
		log.Info("Audit index encryption enabled")
	}

	if retentionDays > MaxRetentionDays {
		retentionDays = MaxRetentionDays
	}

	idx := &Index{
		conn:      conn,
		encrypted: encrypted,
		retention: retentionDays,
		stopChan:  make(chan struct{}),
	}
	if err := idx.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init audit index schema: %w", err)
	}

	if retentionDays > 0 {
		if n, err := idx.CleanupOldEntries(); err == nil && n > 0 {
			log.Info("Audit index cleanup removed %d old entries", n)
		}
		idx.wg.Add(1)
		go idx.cleanupLoop()
	}

	return idx, nil
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	time DATETIME NOT NULL,
	stream TEXT NOT NULL,
	event_type TEXT NOT NULL,
	request_id TEXT,
	tool_name TEXT,
	operation TEXT,
	user_id TEXT,
	session_id TEXT,
	decision TEXT,
	risk_level TEXT,
	reason TEXT,
	policy_name TEXT,
	success BOOLEAN,
	duration_ms REAL,
	sandbox_id TEXT,
	details TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_events_time ON audit_events(time);
CREATE INDEX IF NOT EXISTS idx_audit_events_tool ON audit_events(tool_name);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events(session_id);
`

func (i *Index) initSchema() error {
	_, err := i.conn.ExecContext(context.Background(), indexSchema)
	return err
}

// IsEncrypted reports whether SQLCipher encryption is active.
func (i *Index) IsEncrypted() bool {
	return i.encrypted
}

// Insert mirrors one entry into the index.
func (i *Index) Insert(stream Stream, e Entry) error {
	var details *string
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err == nil {
			s := string(b)
			details = &s
		}
	}
	var success *bool
	if e.Success != nil {
		success = e.Success
	}

	_, err := i.conn.ExecContext(context.Background(), `
		INSERT INTO audit_events (
			time, stream, event_type, request_id, tool_name, operation,
			user_id, session_id, decision, risk_level, reason, policy_name,
			success, duration_ms, sandbox_id, details
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Time.UTC(), string(stream), string(e.EventType),
		nullStr(e.RequestID), nullStr(e.ToolName), nullStr(string(e.Operation)),
		nullStr(e.UserID), nullStr(e.SessionID), nullStr(string(e.Decision)),
		nullStr(string(e.RiskLevel)), nullStr(e.Reason), nullStr(e.PolicyName),
		success, e.DurationMS, nullStr(e.SandboxID), details,
	)
	return err
}

// Search returns entries matching the filter, newest first.
func (i *Index) Search(f Filter) ([]Entry, error) {
	var conds []string
	var args []any

	if f.Stream != "" {
		conds = append(conds, "stream = ?")
		args = append(args, string(f.Stream))
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if f.ToolName != "" {
		conds = append(conds, "tool_name = ?")
		args = append(args, f.ToolName)
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Decision != "" {
		conds = append(conds, "decision = ?")
		args = append(args, string(f.Decision))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "time >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "time <= ?")
		args = append(args, f.Until.UTC())
	}

	query := `SELECT time, event_type, request_id, tool_name, operation,
		user_id, session_id, decision, risk_level, reason, policy_name,
		success, duration_ms, sandbox_id, details FROM audit_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY time DESC, id DESC"

	limit := f.Limit
	if limit <= 0 || limit > 10000 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := i.conn.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit index: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var op, decision, risk, reqID, tool, userID, sessionID, reason, policyName, sandboxID, details *string
		var success *bool
		if err := rows.Scan(&e.Time, &e.EventType, &reqID, &tool, &op,
			&userID, &sessionID, &decision, &risk, &reason, &policyName,
			&success, &e.DurationMS, &sandboxID, &details); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.RequestID = deref(reqID)
		e.ToolName = deref(tool)
		e.Operation = types.Operation(deref(op))
		e.UserID = deref(userID)
		e.SessionID = deref(sessionID)
		e.Decision = types.Decision(deref(decision))
		e.RiskLevel = types.RiskLevel(deref(risk))
		e.Reason = deref(reason)
		e.PolicyName = deref(policyName)
		e.SandboxID = deref(sandboxID)
		e.Success = success
		if d := deref(details); d != "" {
			_ = json.Unmarshal([]byte(d), &e.Details)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CleanupOldEntries deletes entries past the retention horizon.
func (i *Index) CleanupOldEntries() (int64, error) {
	if i.retention <= 0 {
		return 0, nil
	}
	res, err := i.conn.ExecContext(context.Background(),
		`DELETE FROM audit_events WHERE time < datetime('now', ?)`,
		fmt.Sprintf("-%d days", i.retention))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// cleanupLoop runs the retention sweep hourly.
func (i *Index) cleanupLoop() {
	defer i.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-i.stopChan:
			return
		case <-ticker.C:
			if _, err := i.CleanupOldEntries(); err != nil {
				log.Warn("Audit index retention cleanup failed: %v", err)
			}
		}
	}
}

// Close stops the retention loop and closes the database.
func (i *Index) Close() error {
	close(i.stopChan)
	i.wg.Wait()
	return i.conn.Close()
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
