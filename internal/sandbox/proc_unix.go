//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// setProcGroup puts the child in its own process group so a timeout kill
// reaps the whole tree, not just the direct child.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGTERM to the group, then SIGKILL shortly after
// for anything that ignored it.
func killProcessGroup(pid int) {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	_ = unix.Kill(-pgid, unix.SIGTERM)
	time.AfterFunc(2*time.Second, func() {
		_ = unix.Kill(-pgid, unix.SIGKILL)
	})
}

// processCPUTime reads user+system CPU time from the exited process.
func processCPUTime(cmd *exec.Cmd) time.Duration {
	if cmd.ProcessState == nil {
		return 0
	}
	return cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()
}

// processPeakRSS reads the peak resident set size in bytes.
func processPeakRSS(cmd *exec.Cmd) int64 {
	if cmd.ProcessState == nil {
		return 0
	}
	ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage)
	if !ok {
		return 0
	}
	// Maxrss is kilobytes on Linux, bytes on Darwin.
	if rssIsBytes {
		return ru.Maxrss
	}
	return ru.Maxrss * 1024
}
