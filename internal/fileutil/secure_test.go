package fileutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestSecureWriteFile(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"content", []byte("audit-index-key-material")},
		{"empty", []byte{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "secret.txt")
			if err := SecureWriteFile(path, tc.data); err != nil {
				t.Fatalf("SecureWriteFile: %v", err)
			}
			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if string(got) != string(tc.data) {
				t.Fatalf("content = %q, want %q", got, tc.data)
			}
			assertOwnerOnly(t, path)
		})
	}
}

func TestSecureWriteFileOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotated.jsonl")
	for _, payload := range []string{"first", "second"} {
		if err := SecureWriteFile(path, []byte(payload)); err != nil {
			t.Fatalf("SecureWriteFile(%q): %v", payload, err)
		}
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("content = %q, want %q", got, "second")
	}
	assertOwnerOnly(t, path)
}

func TestSecureMkdirAll(t *testing.T) {
	// Sandbox workspaces are nested under a base dir, and the same path may
	// be created again after a restart.
	path := filepath.Join(t.TempDir(), "sandboxes", "sb-123", "workspace")
	for _i := 0; _i < 2; _i++ {
		if err := SecureMkdirAll(path); err != nil {
			t.Fatalf("SecureMkdirAll: %v", err)
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("%s is not a directory", path)
	}
	assertOwnerOnly(t, path)
}

func TestSecureAppendFile(t *testing.T) {
	// The audit streams reopen their file on every rotation check; appends
	// across opens must accumulate.
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	for _, line := range []string{"{\"seq\":1}\n", "{\"seq\":2}\n"} {
		f, err := SecureAppendFile(path)
		if err != nil {
			t.Fatalf("SecureAppendFile: %v", err)
		}
		if _, err := f.WriteString(line); err != nil {
			t.Fatalf("WriteString: %v", err)
		}
		if err := f.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "{\"seq\":1}\n{\"seq\":2}\n" {
		t.Fatalf("content = %q", got)
	}
	assertOwnerOnly(t, path)
}

func TestSecureOpenFileTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	if err := SecureWriteFile(path, []byte("stale state")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f, err := SecureOpenFile(path, os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		t.Fatalf("SecureOpenFile: %v", err)
	}
	if _, err := f.WriteString("fresh"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	got, _ := os.ReadFile(path)
	if string(got) != "fresh" {
		t.Fatalf("content = %q, want %q", got, "fresh")
	}
	assertOwnerOnly(t, path)
}

func TestPlainWriteFileInheritsACL(t *testing.T) {
	if runtime.GOOS != "windows" {
		t.Skip("Windows ACL behavior")
	}
	// os.WriteFile with 0600 does not restrict access on Windows; the file
	// inherits the parent DACL, which typically grants BUILTIN\Users read.
	path := filepath.Join(t.TempDir(), "inherited.txt")
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	assertHasInheritedACEs(t, path)
}

// assertOwnerOnly fails the test when path is accessible beyond its owner.
// Unix checks mode bits here; Windows delegates to the DACL helper.
func assertOwnerOnly(t *testing.T, path string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		assertOwnerOnlyWindows(t, path)
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat %s: %v", path, err)
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		t.Errorf("%s reachable by group/other: %04o", path, mode)
	}
}
