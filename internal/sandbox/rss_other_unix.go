//go:build unix && !linux && !darwin

package sandbox

const rssIsBytes = false
