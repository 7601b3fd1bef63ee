//go:build linux

package sandbox

import (
	"os"

	"golang.org/x/sys/unix"
)

// MinLandlockABI is the minimum Landlock ABI the gateway will use.
// ABI 1 (kernel 5.13+) covers filesystem confinement.
const MinLandlockABI = 1

// detectLandlockABI probes the kernel for the supported Landlock ABI
// version. 0 means unsupported.
func detectLandlockABI() int {
	v, err := landlockCreateRuleset(nil, unix.LANDLOCK_CREATE_RULESET_VERSION)
	if err != nil {
		return 0
	}
	return v
}

// landlockIsolation confines the child by re-executing the gateway binary
// in helper mode: the helper restricts itself with Landlock, then execs the
// target command. The parent stays unrestricted.
type landlockIsolation struct {
	abi     int
	selfExe string
}

func (l *landlockIsolation) Name() string { return "landlock" }

func (l *landlockIsolation) Capabilities() Capabilities {
	return Capabilities{
		FilesystemIsolation: true,
		// Network scoping needs ABI 4 (kernel 6.7+).
		NetworkIsolation: l.abi >= 4,
	}
}

func (l *landlockIsolation) WrapCommand(argv []string, sb *Context) []string {
	wrapped := []string{l.selfExe, HelperFlag, sb.RootDir, "--"}
	return append(wrapped, argv...)
}

// selectIsolation picks the strongest backend the kernel supports.
func selectIsolation() Isolation {
	abi := detectLandlockABI()
	if abi < MinLandlockABI {
		return dirIsolation{}
	}
	exe, err := os.Executable()
	if err != nil {
		log.Warn("Cannot determine own executable path, Landlock unavailable: %v", err)
		return dirIsolation{}
	}
	return &landlockIsolation{abi: abi, selfExe: exe}
}
