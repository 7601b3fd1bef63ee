package sandbox

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

// ExecutionResult is what one sandboxed run produced. Always structured;
// a timeout or spawn failure is a result, not an error.
type ExecutionResult struct {
	Success    bool          `json:"success"`
	Status     string        `json:"status"` // completed, timeout, failed
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	Duration   time.Duration `json:"duration"`
	Resources  Resources     `json:"resources"`
	Violations []string      `json:"violations,omitempty"`
}

const (
	StatusCompleted = "completed"
	StatusTimeout   = "timeout"
	StatusFailed    = "failed"
)

// maxCapturedOutput bounds stdout/stderr capture per run.
const maxCapturedOutput = 1 << 20

func failedResult(reason string) ExecutionResult {
	return ExecutionResult{Success: false, Status: StatusFailed, ExitCode: -1, Stderr: reason}
}

// run spawns the command in its own process group inside the sandbox tree.
// On timeout the whole group gets SIGTERM, then SIGKILL, so no orphans
// survive the deadline.
func (m *Manager) run(ctx context.Context, sb *Context, command []string, env map[string]string, stdin string, timeout time.Duration) ExecutionResult {
	argv := sb.isolation.WrapCommand(command, sb)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = sb.WorkDir
	cmd.Env = filteredEnv(m.cfg.ExtraEnv, env, sb)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitWriter{w: &stdout, n: maxCapturedOutput}
	cmd.Stderr = &limitWriter{w: &stderr, n: maxCapturedOutput}

	setProcGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return failedResult("spawn failed: " + err.Error())
	}
	sb.PIDs = append(sb.PIDs, cmd.Process.Pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var res ExecutionResult
	select {
	case err := <-done:
		res.Status = StatusCompleted
		res.ExitCode = cmd.ProcessState.ExitCode()
		res.Success = err == nil && res.ExitCode == 0
		if err != nil && res.ExitCode == -1 {
			res.Status = StatusFailed
		}
	case <-runCtx.Done():
		killProcessGroup(cmd.Process.Pid)
		<-done
		res.Status = StatusTimeout
		res.Success = false
		res.ExitCode = -1
	}

	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Resources = Resources{
		CPUTime:         processCPUTime(cmd),
		MemoryPeakBytes: processPeakRSS(cmd),
		DiskUsageBytes:  diskUsage(sb.RootDir),
	}
	return res
}

// limitWriter discards bytes past n instead of growing without bound.
type limitWriter struct {
	w *bytes.Buffer
	n int
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if remaining := l.n - l.w.Len(); remaining > 0 {
		if len(p) > remaining {
			l.w.Write(p[:remaining])
		} else {
			l.w.Write(p)
		}
	}
	return len(p), nil
}
