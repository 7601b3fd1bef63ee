//go:build !linux && !darwin

package sandbox

import "fmt"

const HelperFlag = "__sandbox-helper"

// RunHelper is not used on this platform.
func RunHelper(args []string) error {
	return fmt.Errorf("sandbox helper mode is not supported on this platform")
}

// selectIsolation has no OS confinement primitive here; the Manager logs
// the directory-only fallback.
func selectIsolation() Isolation {
	return dirIsolation{}
}
