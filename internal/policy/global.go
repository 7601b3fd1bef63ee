package policy

import "regexp"

// Hardcoded global deny tables. These live in Go code rather than YAML so
// they cannot be tampered with by policy file edits or hot reload, and they
// override any per-tool allow list.

// GlobalTableVersion identifies the revision of the hardcoded deny tables.
// Bump when patterns change so audit entries stay attributable.
const GlobalTableVersion = 3

// globalForbiddenPaths are path globs no policy can unlock: credentials,
// OS configuration, and the device/proc filesystems.
var globalForbiddenPaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/sudoers",
	"/etc/sudoers.d/**",
	"/etc/ssh/**",
	"/boot/**",
	"/proc/**",
	"/sys/**",
	"/dev/**",
	"/root/.ssh/**",
	"**/.ssh/id_*",
	"**/.ssh/authorized_keys",
	"**/.aws/credentials",
	"**/.config/gcloud/**",
	"**/.kube/config",
	"**/.gnupg/**",
	"**/.env",
	"**/.env.*",
	"**/.npmrc",
	"**/.netrc",
	"C:/Windows/System32/**",
}

// globalForbiddenOperations can never be unlocked by a per-tool policy.
// Raw system access is a hard deny, never routed through confirmation.
var globalForbiddenOperations = map[string]bool{
	"system": true,
}

// dangerousPattern is one entry in the parameter threat table.
type dangerousPattern struct {
	name string
	re   *regexp.Regexp
}

// dangerousParamPatterns is the fixed shell/command-injection library run
// against every string parameter value before any per-tool rule applies.
var dangerousParamPatterns = []dangerousPattern{
	{"rm-recursive-root", regexp.MustCompile(`(?i)rm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\s+(/|~)`)},
	{"command-substitution", regexp.MustCompile("\\$\\([^)]*\\)|`[^`]+`")},
	{"shell-chaining", regexp.MustCompile(`(?i)(;|\|\||&&)\s*(rm|dd|mkfs|shutdown|reboot|halt)\b`)},
	{"pipe-to-shell", regexp.MustCompile(`(?i)(curl|wget)\b[^|;]*\|\s*(ba)?sh\b`)},
	{"dd-device-write", regexp.MustCompile(`(?i)dd\s+[^;|]*of=/dev/`)},
	{"fork-bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}`)},
	{"eval-injection", regexp.MustCompile(`(?i)\beval\s+["'$]`)},
	{"null-byte", regexp.MustCompile("\x00")},
	{"chmod-setuid", regexp.MustCompile(`(?i)chmod\s+[ugo]*\+s|chmod\s+[0-7]*[4-7][0-7]{3}`)},
	{"history-tamper", regexp.MustCompile(`(?i)(history\s+-c|>\s*~/\.bash_history)`)},
}

// compiledGlobals holds the pre-compiled global tables shared by every
// engine instance. Compiled once at package init; patterns are literals so
// MustCompile failures surface immediately in tests.
type compiledGlobals struct {
	forbiddenPaths *PathMatcher
}

var globals = func() *compiledGlobals {
	m, err := NewPathMatcher(globalForbiddenPaths)
	if err != nil {
		panic("policy: invalid builtin forbidden path table: " + err.Error())
	}
	return &compiledGlobals{forbiddenPaths: m}
}()

// GlobalForbiddenPath reports whether path falls in the global deny set.
func GlobalForbiddenPath(path string) (bool, string) {
	return globals.forbiddenPaths.Match(path)
}

// MatchDangerousParam scans a parameter value against the injection
// pattern library, returning the first matched pattern name.
func MatchDangerousParam(value string) (bool, string) {
	for _, p := range dangerousParamPatterns {
		if p.re.MatchString(value) {
			return true, p.name
		}
	}
	return false, ""
}
