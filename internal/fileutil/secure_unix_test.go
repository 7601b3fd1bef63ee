//go:build !windows

package fileutil

import "testing"

// assertOwnerOnlyWindows is a no-op on Unix; the shared assertOwnerOnly
// covers permission checks using standard mode bits.
func assertOwnerOnlyWindows(t *testing.T, _ string) {
	t.Helper()
}

// assertHasInheritedACEs is a no-op on Unix; the check is Windows ACL specific.
func assertHasInheritedACEs(t *testing.T, _ string) {
	t.Helper()
}
