//go:build darwin

package sandbox

const rssIsBytes = true
