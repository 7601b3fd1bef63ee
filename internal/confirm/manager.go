package confirm

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/types"
)

// DefaultTimeout applies when a request carries no explicit deadline.
const DefaultTimeout = 5 * time.Minute

// maxHistory bounds the resolved-record buffer.
const maxHistory = 1000

// Manager owns the pending-confirmation map. All mutation happens under its
// lock; a terminal transition is honored at most once.
type Manager struct {
	mu       sync.Mutex
	pending  map[string]*Confirmation
	history  []Confirmation
	notifier Notifier
	clock    types.Clock

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup

	// Running counters for the status endpoint.
	created   int64
	confirmed int64
	denied    int64
	expired   int64
	cancelled int64
}

// NewManager creates a manager with the given notifier (nil falls back to
// the log notifier) and the system clock.
func NewManager(notifier Notifier) *Manager {
	return NewManagerWithClock(notifier, types.SystemClock{})
}

// NewManagerWithClock creates a manager with an injectable clock for tests.
func NewManagerWithClock(notifier Notifier, clock types.Clock) *Manager {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Manager{
		pending:  make(map[string]*Confirmation),
		notifier: notifier,
		clock:    clock,
	}
}

// RequestConfirmation creates a pending record, dispatches notification in
// the background, and returns the record immediately so the caller can
// report "pending" synchronously. Notification failure is logged and does
// not affect the record.
func (m *Manager) RequestConfirmation(r Request) Confirmation {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := m.clock.Now()

	c := Confirmation{
		ID:        uuid.NewString(),
		RiskLevel: r.RiskLevel,
		Message:   r.Message,
		Details:   r.Details,
		Method:    r.Method,
		UserID:    r.UserID,
		Status:    types.ConfirmationPending,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}
	if r.ToolRequest != nil {
		c.RequestID = r.ToolRequest.RequestID
		c.ToolName = r.ToolRequest.ToolName
		c.Operation = r.ToolRequest.Operation
	}

	m.mu.Lock()
	stored := c
	m.pending[c.ID] = &stored
	m.created++
	m.mu.Unlock()

	go func() {
		if err := m.notifier.Notify(c); err != nil {
			log.Warn("Notification via %s failed for confirmation %s: %v (record remains resolvable)",
				m.notifier.Name(), c.ID, err)
		}
	}()

	log.Info("Confirmation %s pending for %s/%s (expires %s)",
		c.ID, c.ToolName, c.Operation, c.ExpiresAt.Format(time.RFC3339))
	return c
}

// Resolve applies the approver's answer exactly once. An already expired
// record resolves EXPIRED and returns false; a record in any terminal state
// returns false and stays unchanged.
func (m *Manager) Resolve(id string, confirmed bool, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.pending[id]
	if !ok {
		return false
	}
	now := m.clock.Now()
	if c.expired(now) {
		m.finalizeLocked(c, types.ConfirmationExpired, "", now)
		return false
	}

	status := types.ConfirmationDenied
	if confirmed {
		status = types.ConfirmationConfirmed
	}
	m.finalizeLocked(c, status, userID, now)
	return true
}

// Cancel withdraws a pending confirmation. Same once-only rule as Resolve.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.pending[id]
	if !ok {
		return false
	}
	now := m.clock.Now()
	if c.expired(now) {
		m.finalizeLocked(c, types.ConfirmationExpired, "", now)
		return false
	}
	m.finalizeLocked(c, types.ConfirmationCancelled, "", now)
	return true
}

// finalizeLocked applies the single terminal transition and moves the
// record to history. Caller must hold m.mu, and c must be pending.
func (m *Manager) finalizeLocked(c *Confirmation, status types.ConfirmationStatus, by string, now time.Time) {
	c.Status = status
	c.ResolvedAt = now
	c.ResolvedBy = by
	delete(m.pending, c.ID)

	m.history = append(m.history, *c)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}

	switch status {
	case types.ConfirmationConfirmed:
		m.confirmed++
	case types.ConfirmationDenied:
		m.denied++
	case types.ConfirmationExpired:
		m.expired++
	case types.ConfirmationCancelled:
		m.cancelled++
	}
	log.Info("Confirmation %s resolved %s", c.ID, status)
}

// Consume redeems an approved confirmation for execution of the request it
// was raised for. It succeeds at most once per record, and only when the
// tool, operation and target path match the ones the approver saw; an
// approval for one operation is worthless for any other.
func (m *Manager) Consume(id, toolName string, op types.Operation, targetPath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.history) - 1; i >= 0; i-- {
		c := &m.history[i]
		if c.ID != id {
			continue
		}
		if c.Status != types.ConfirmationConfirmed || c.Consumed {
			return false
		}
		if c.ToolName != toolName || c.Operation != op {
			log.Warn("Confirmation %s redeemed against %s/%s but was raised for %s/%s, refusing",
				id, toolName, op, c.ToolName, c.Operation)
			return false
		}
		if want, ok := c.Details["target_path"].(string); ok && want != targetPath {
			log.Warn("Confirmation %s redeemed against path %q but was raised for %q, refusing",
				id, targetPath, want)
			return false
		}
		c.Consumed = true
		return true
	}
	return false
}

// Get returns a copy of the record by id, searching pending then history.
func (m *Manager) Get(id string) (Confirmation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.pending[id]; ok {
		// Report expiry lazily on query; the transition itself still
		// happens exactly once.
		if c.expired(m.clock.Now()) {
			m.finalizeLocked(c, types.ConfirmationExpired, "", m.clock.Now())
			cp := *c
			return cp, true
		}
		return *c, true
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return m.history[i], true
		}
	}
	return Confirmation{}, false
}

// Pending returns copies of all unexpired pending confirmations, oldest
// first, finalizing any that expired.
func (m *Manager) Pending() []Confirmation {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	out := make([]Confirmation, 0, len(m.pending))
	for _, c := range m.pending {
		if c.expired(now) {
			m.finalizeLocked(c, types.ConfirmationExpired, "", now)
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CleanupExpired finalizes every pending record past its deadline and
// returns how many it resolved.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	n := 0
	for _, c := range m.pending {
		if c.expired(now) {
			m.finalizeLocked(c, types.ConfirmationExpired, "", now)
			n++
		}
	}
	return n
}

// StartSweeper launches the periodic expiry sweep.
func (m *Manager) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.sweepStop = make(chan struct{})
	m.sweepWG.Add(1)
	go func() {
		defer m.sweepWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.sweepStop:
				return
			case <-ticker.C:
				if n := m.CleanupExpired(); n > 0 {
					log.Debug("Expired %d stale confirmations", n)
				}
			}
		}
	}()
}

// StopSweeper stops the periodic sweep.
func (m *Manager) StopSweeper() {
	if m.sweepStop != nil {
		close(m.sweepStop)
		m.sweepWG.Wait()
		m.sweepStop = nil
	}
}

// Stats is the counter snapshot exposed on the status endpoint.
type Stats struct {
	Pending   int   `json:"pending"`
	Created   int64 `json:"created"`
	Confirmed int64 `json:"confirmed"`
	Denied    int64 `json:"denied"`
	Expired   int64 `json:"expired"`
	Cancelled int64 `json:"cancelled"`
}

// GetStats returns a snapshot of the manager's counters.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Pending:   len(m.pending),
		Created:   m.created,
		Confirmed: m.confirmed,
		Denied:    m.denied,
		Expired:   m.expired,
		Cancelled: m.cancelled,
	}
}
