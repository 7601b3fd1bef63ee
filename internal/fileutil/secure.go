// Package fileutil provides file operations that enforce owner-only access
// on both Unix and Windows.
//
// Audit streams, sandbox directories and policy snapshots all contain
// material an agent must not be able to read or tamper with, so every
// directory and file this gateway creates goes through these helpers.
//
// On Unix, standard file mode bits (0600, 0700) are enforced.
// On Windows, DACL-based ACLs restrict access to the current user only,
// since Unix permission bits are silently ignored by the Windows kernel.
package fileutil
