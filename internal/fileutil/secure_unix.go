//go:build !windows

package fileutil

import "os"

// SecureWriteFile writes data to a file with owner-only permissions (0600).
func SecureWriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0600)
}

// SecureMkdirAll creates a directory tree with owner-only permissions (0700).
func SecureMkdirAll(path string) error {
	return os.MkdirAll(path, 0700)
}

// SecureOpenFile opens a file for writing with owner-only permissions (0600).
func SecureOpenFile(path string, flag int) (*os.File, error) {
	return os.OpenFile(path, flag, 0600)
}

// SecureAppendFile opens a file for appending, creating it with owner-only
// permissions if it does not exist. Used by the rotating audit streams.
func SecureAppendFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}
