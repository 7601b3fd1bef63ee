//go:build linux

package sandbox

const rssIsBytes = false
