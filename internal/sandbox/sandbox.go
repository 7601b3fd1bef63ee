// Package sandbox creates, runs, and destroys the isolated execution scope
// for one tool invocation. A sandbox is a private directory tree plus the
// best filesystem isolation the platform offers; it never outlives the call
// that created it.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/fileutil"
	"github.com/toolgate/toolgate/internal/logger"
	"github.com/toolgate/toolgate/internal/request"
	"github.com/toolgate/toolgate/internal/types"
)

var log = logger.New("sandbox")

// State is the sandbox lifecycle position.
type State string

const (
	StateCreated   State = "created"
	StateDestroyed State = "destroyed"
)

// Config bounds what a sandboxed execution may consume.
type Config struct {
	// BaseDir is where sandbox trees are allocated. Required.
	BaseDir string `yaml:"base_dir"`
	// MaxMemoryBytes is the advisory memory ceiling.
	MaxMemoryBytes int64 `yaml:"max_memory_bytes"`
	// MaxCPUSeconds is the advisory CPU time ceiling.
	MaxCPUSeconds float64 `yaml:"max_cpu_seconds"`
	// MaxDiskBytes is the advisory disk usage ceiling inside the tree.
	MaxDiskBytes int64 `yaml:"max_disk_bytes"`
	// DefaultTimeout applies when an execution does not carry its own.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// ExtraEnv names additional environment variables passed through to
	// sandboxed processes on top of the built-in allowlist.
	ExtraEnv []string `yaml:"extra_env"`
}

// DefaultConfig returns sane execution bounds.
func DefaultConfig() Config {
	return Config{
		BaseDir:        filepath.Join(os.TempDir(), "toolgate-sandboxes"),
		MaxMemoryBytes: 256 * 1024 * 1024,
		MaxCPUSeconds:  30,
		MaxDiskBytes:   100 * 1024 * 1024,
		DefaultTimeout: 30 * time.Second,
	}
}

// Resources is the usage observed across a sandbox's executions.
type Resources struct {
	MemoryPeakBytes int64         `json:"memory_peak_bytes"`
	CPUTime         time.Duration `json:"cpu_time"`
	DiskUsageBytes  int64         `json:"disk_usage_bytes"`
}

// Context is one live sandbox. Mutated only by its owning Manager.
type Context struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	ToolName  string    `json:"tool_name"`
	RootDir   string    `json:"root_dir"`
	WorkDir   string    `json:"work_dir"`
	TempDir   string    `json:"temp_dir"`
	CreatedAt time.Time `json:"created_at"`
	State     State     `json:"state"`
	// PIDs of processes started in this sandbox, live or exited.
	PIDs      []int     `json:"pids,omitempty"`
	Resources Resources `json:"resources"`

	isolation Isolation
}

// Manager owns every live sandbox. Safe for concurrent use; each sandbox's
// executions are serialized by the caller, but distinct sandboxes run
// concurrently.
type Manager struct {
	cfg       Config
	isolation Isolation
	clock     types.Clock

	mu     sync.Mutex
	active map[string]*Context

	created   int64
	destroyed int64
}

// NewManager creates a sandbox manager, probes the platform for the best
// available isolation, and prepares the base directory.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("sandbox base directory is required")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if err := fileutil.SecureMkdirAll(cfg.BaseDir); err != nil {
		return nil, fmt.Errorf("create sandbox base directory: %w", err)
	}

	iso := selectIsolation()
	caps := iso.Capabilities()
	if !caps.FilesystemIsolation {
		// Directory scoping is a boundary for cooperating tools only.
		// Saying so loudly beats claiming isolation the platform did not
		// provide.
		log.Warn("No OS-level filesystem isolation available on this platform, falling back to directory scoping only (%s)", iso.Name())
	} else {
		log.Info("Sandbox isolation: %s (filesystem=%v network=%v)", iso.Name(), caps.FilesystemIsolation, caps.NetworkIsolation)
	}

	return &Manager{
		cfg:       cfg,
		isolation: iso,
		clock:     types.SystemClock{},
		active:    make(map[string]*Context),
	}, nil
}

// NewTestManager creates a manager pinned to directory scoping so tests
// never re-exec the test binary through an isolation wrapper.
func NewTestManager(cfg Config) (*Manager, error) {
	m, err := NewManager(cfg)
	if err != nil {
		return nil, err
	}
	m.isolation = dirIsolation{}
	return m, nil
}

// SetClock overrides the clock (tests).
func (m *Manager) SetClock(c types.Clock) { m.clock = c }

// Isolation reports the selected isolation backend.
func (m *Manager) Isolation() Isolation { return m.isolation }

// CreateSandbox allocates a private root/working/temp tree for one request.
// No two live sandboxes share a directory.
func (m *Manager) CreateSandbox(req *request.ToolRequest) (*Context, error) {
	id := "sbx-" + uuid.NewString()
	root := filepath.Join(m.cfg.BaseDir, id)

	work := filepath.Join(root, "work")
	tmp := filepath.Join(root, "tmp")
	for _, dir := range []string{root, work, tmp} {
		if err := fileutil.SecureMkdirAll(dir); err != nil {
			_ = os.RemoveAll(root)
			return nil, fmt.Errorf("allocate sandbox tree: %w", err)
		}
	}

	ctx := &Context{
		ID:        id,
		RequestID: req.RequestID,
		ToolName:  req.ToolName,
		RootDir:   root,
		WorkDir:   work,
		TempDir:   tmp,
		CreatedAt: m.clock.Now(),
		State:     StateCreated,
		isolation: m.isolation,
	}

	m.mu.Lock()
	m.active[id] = ctx
	m.created++
	m.mu.Unlock()

	log.Debug("Sandbox %s created for %s (%s)", id, req.ToolName, req.RequestID)
	return ctx, nil
}

// ExecuteInSandbox runs command inside the sandbox with a filtered
// environment and the configured isolation. The result is always
// structured; failures and timeouts are captured, never raised.
func (m *Manager) ExecuteInSandbox(ctx context.Context, id string, command []string, env map[string]string, stdin string, timeout time.Duration) ExecutionResult {
	sb, err := m.get(id)
	if err != nil {
		return failedResult(err.Error())
	}
	if len(command) == 0 {
		return failedResult("empty command")
	}
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	res := m.run(ctx, sb, command, env, stdin, timeout)

	// Advisory ceilings: violations are reported, never thrown.
	res.Violations = m.cfg.violations(res.Resources)
	sb.Resources.CPUTime += res.Resources.CPUTime
	if res.Resources.MemoryPeakBytes > sb.Resources.MemoryPeakBytes {
		sb.Resources.MemoryPeakBytes = res.Resources.MemoryPeakBytes
	}
	sb.Resources.DiskUsageBytes = res.Resources.DiskUsageBytes
	return res
}

// CleanupSandbox kills anything still running, removes the directory tree,
// and drops the sandbox from the active set. Idempotent: cleaning an
// unknown or already-destroyed id is a no-op. Must run on success and
// failure paths alike.
func (m *Manager) CleanupSandbox(id string) error {
	m.mu.Lock()
	sb, ok := m.active[id]
	if ok {
		delete(m.active, id)
		m.destroyed++
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	for _, pid := range sb.PIDs {
		killProcessGroup(pid)
	}
	err := os.RemoveAll(sb.RootDir)
	sb.State = StateDestroyed
	if err != nil {
		log.Warn("Sandbox %s directory removal failed: %v", id, err)
		return fmt.Errorf("remove sandbox tree: %w", err)
	}
	log.Debug("Sandbox %s destroyed", id)
	return nil
}

// CleanupAll destroys every live sandbox (shutdown path).
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.CleanupSandbox(id)
	}
}

// Get returns a live sandbox context.
func (m *Manager) Get(id string) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.active[id]
	return sb, ok
}

func (m *Manager) get(id string) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("sandbox %s not active", id)
	}
	return sb, nil
}

// ActiveCount reports live sandboxes.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Stats is the manager's counter snapshot for the status endpoint.
type Stats struct {
	Active    int    `json:"active"`
	Created   int64  `json:"created"`
	Destroyed int64  `json:"destroyed"`
	Isolation string `json:"isolation"`
}

// GetStats returns the counter snapshot.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Active:    len(m.active),
		Created:   m.created,
		Destroyed: m.destroyed,
		Isolation: m.isolation.Name(),
	}
}

// violations compares observed usage against configured ceilings.
func (c Config) violations(r Resources) []string {
	var v []string
	if c.MaxMemoryBytes > 0 && r.MemoryPeakBytes > c.MaxMemoryBytes {
		v = append(v, fmt.Sprintf("memory: %d bytes exceeds limit %d", r.MemoryPeakBytes, c.MaxMemoryBytes))
	}
	if c.MaxCPUSeconds > 0 && r.CPUTime.Seconds() > c.MaxCPUSeconds {
		v = append(v, fmt.Sprintf("cpu: %.2fs exceeds limit %.2fs", r.CPUTime.Seconds(), c.MaxCPUSeconds))
	}
	if c.MaxDiskBytes > 0 && r.DiskUsageBytes > c.MaxDiskBytes {
		v = append(v, fmt.Sprintf("disk: %d bytes exceeds limit %d", r.DiskUsageBytes, c.MaxDiskBytes))
	}
	return v
}

// diskUsage sums file sizes under the sandbox root.
func diskUsage(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
