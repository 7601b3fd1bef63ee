//go:build darwin

package sandbox

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/toolgate/toolgate/internal/fileutil"
)

// HelperFlag exists on every platform so main can check for it; only Linux
// uses helper mode.
const HelperFlag = "__sandbox-helper"

// RunHelper is not used on darwin; sandbox-exec wraps directly.
func RunHelper(args []string) error {
	return fmt.Errorf("sandbox helper mode is not used on darwin")
}

// seatbeltIsolation confines the child with macOS sandbox-exec using a
// profile generated per sandbox: default-deny writes, allow beneath the
// sandbox tree.
type seatbeltIsolation struct{}

func (seatbeltIsolation) Name() string { return "seatbelt" }

func (seatbeltIsolation) Capabilities() Capabilities {
	return Capabilities{FilesystemIsolation: true}
}

func (seatbeltIsolation) WrapCommand(argv []string, sb *Context) []string {
	profile := filepath.Join(sb.RootDir, "profile.sb")
	if err := fileutil.SecureWriteFile(profile, []byte(seatbeltProfile(sb))); err != nil {
		log.Warn("Cannot write seatbelt profile, running without it: %v", err)
		return argv
	}
	wrapped := []string{"sandbox-exec", "-f", profile}
	return append(wrapped, argv...)
}

// seatbeltProfile renders the per-sandbox profile: everything readable,
// writes confined to the sandbox tree.
func seatbeltProfile(sb *Context) string {
	var b strings.Builder
	b.WriteString("(version 1)\n")
	b.WriteString("(allow default)\n")
	b.WriteString("(deny file-write*)\n")
	fmt.Fprintf(&b, "(allow file-write* (subpath %q))\n", sb.RootDir)
	b.WriteString("(allow file-write* (subpath \"/dev\"))\n")
	return b.String()
}

func selectIsolation() Isolation {
	if _, err := exec.LookPath("sandbox-exec"); err != nil {
		return dirIsolation{}
	}
	return seatbeltIsolation{}
}
