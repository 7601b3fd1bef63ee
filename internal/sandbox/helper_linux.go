//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Landlock syscall numbers. x/sys/unix ships the attr types and access
// constants but no wrappers, so the calls are issued raw.
const (
	sysLandlockCreateRuleset = 444
	sysLandlockAddRule       = 445
	sysLandlockRestrictSelf  = 446
)

func landlockCreateRuleset(attr *unix.LandlockRulesetAttr, flags int) (int, error) {
	var ptr unsafe.Pointer
	var size uintptr
	if attr != nil {
		ptr = unsafe.Pointer(attr)
		size = unsafe.Sizeof(*attr)
	}
	fd, _, errno := unix.Syscall(sysLandlockCreateRuleset, uintptr(ptr), size, uintptr(flags))
	if errno != 0 {
		return 0, errno
	}
	return int(fd), nil
}

func landlockAddPathBeneathRule(rulesetFd int, attr *unix.LandlockPathBeneathAttr, flags int) error {
	_, _, errno := unix.Syscall6(sysLandlockAddRule,
		uintptr(rulesetFd),
		uintptr(unix.LANDLOCK_RULE_PATH_BENEATH),
		uintptr(unsafe.Pointer(attr)),
		uintptr(flags), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func landlockRestrictSelf(rulesetFd, flags int) error {
	_, _, errno := unix.Syscall(sysLandlockRestrictSelf, uintptr(rulesetFd), uintptr(flags), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// HelperFlag is the argv[1] marker for sandbox helper mode. main checks for
// it before any other initialization.
const HelperFlag = "__sandbox-helper"

// readOnlyRoots are host paths the confined process may read and execute
// but never modify. Everything else outside the sandbox tree is invisible
// to it.
var readOnlyRoots = []string{"/usr", "/bin", "/sbin", "/lib", "/lib64", "/etc", "/opt", "/proc/self"}

const (
	landlockAccessRead = unix.LANDLOCK_ACCESS_FS_READ_FILE |
		unix.LANDLOCK_ACCESS_FS_READ_DIR |
		unix.LANDLOCK_ACCESS_FS_EXECUTE

	landlockAccessFull = landlockAccessRead |
		unix.LANDLOCK_ACCESS_FS_WRITE_FILE |
		unix.LANDLOCK_ACCESS_FS_REMOVE_DIR |
		unix.LANDLOCK_ACCESS_FS_REMOVE_FILE |
		unix.LANDLOCK_ACCESS_FS_MAKE_DIR |
		unix.LANDLOCK_ACCESS_FS_MAKE_REG |
		unix.LANDLOCK_ACCESS_FS_MAKE_SYM |
		unix.LANDLOCK_ACCESS_FS_MAKE_FIFO |
		unix.LANDLOCK_ACCESS_FS_MAKE_SOCK
)

// RunHelper is the helper-mode entry point: apply Landlock so only the
// sandbox tree is writable, then exec the target command. Never returns on
// success.
func RunHelper(args []string) error {
	// args: <rootDir> -- <command...>
	if len(args) < 3 || args[1] != "--" {
		return fmt.Errorf("helper usage: %s <root> -- <command...>", HelperFlag)
	}
	rootDir := args[0]
	command := args[2:]

	if err := applyLandlock(rootDir); err != nil {
		return fmt.Errorf("apply landlock: %w", err)
	}

	path, err := exec.LookPath(command[0])
	if err != nil {
		return fmt.Errorf("resolve %s: %w", command[0], err)
	}
	return unix.Exec(path, command, os.Environ())
}

// applyLandlock builds and self-applies a ruleset: read-only host roots,
// full access beneath the sandbox tree.
func applyLandlock(rootDir string) error {
	attr := unix.LandlockRulesetAttr{Access_fs: landlockAccessFull}
	fd, err := landlockCreateRuleset(&attr, 0)
	if err != nil {
		return fmt.Errorf("create ruleset: %w", err)
	}
	defer unix.Close(fd)

	if err := addPathRule(fd, rootDir, landlockAccessFull); err != nil {
		return err
	}
	for _, root := range readOnlyRoots {
		if _, err := os.Stat(root); err != nil {
			continue
		}
		if err := addPathRule(fd, root, landlockAccessRead); err != nil {
			return err
		}
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no_new_privs: %w", err)
	}
	if err := landlockRestrictSelf(fd, 0); err != nil {
		return fmt.Errorf("restrict self: %w", err)
	}
	return nil
}

func addPathRule(rulesetFd int, path string, access uint64) error {
	pathFd, err := unix.Open(path, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(pathFd)

	rule := unix.LandlockPathBeneathAttr{
		Allowed_access: access,
		Parent_fd:      int32(pathFd),
	}
	if err := landlockAddPathBeneathRule(rulesetFd, &rule, 0); err != nil {
		return fmt.Errorf("add rule for %s: %w", path, err)
	}
	return nil
}
