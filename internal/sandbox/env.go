package sandbox

import (
	"os"
	"runtime"
	"sort"
)

// filteredEnv builds the environment for a sandboxed process. Only
// allowlisted host variables pass through, so API keys and tokens in the
// gateway's own environment never leak into a tool. Caller-supplied
// variables and the sandbox paths are layered on top.
func filteredEnv(extra []string, override map[string]string, sb *Context) []string {
	vars := make(map[string]string)

	for _, key := range safeEnvKeys() {
		if val, ok := os.LookupEnv(key); ok {
			vars[key] = val
		}
	}
	for _, key := range extra {
		if val, ok := os.LookupEnv(key); ok {
			vars[key] = val
		}
	}

	// The sandbox tree replaces the host notion of home and temp.
	vars["HOME"] = sb.RootDir
	vars["TMPDIR"] = sb.TempDir
	vars["PWD"] = sb.WorkDir

	for k, v := range override {
		vars[k] = v
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// safeEnvKeys is the platform-appropriate passthrough allowlist.
func safeEnvKeys() []string {
	if runtime.GOOS == "windows" {
		return []string{
			"PATH", "USERPROFILE", "USERNAME", "HOMEDRIVE", "HOMEPATH",
			"LANG", "TERM", "TEMP", "TMP", "TZ",
			"SYSTEMROOT", "COMSPEC", "PATHEXT",
		}
	}
	return []string{"PATH", "USER", "LANG", "LC_ALL", "TERM", "SHELL", "TZ"}
}
