package security

import (
	"regexp"

	"github.com/toolgate/toolgate/internal/types"
)

// PatternTableVersion tracks revisions to the built-in threat tables.
// Bump on any addition, removal, or severity change.
const PatternTableVersion = 4

// ThreatPattern is one compiled detection rule. Patterns are data, not
// logic: the scanner iterates the tables and reports every family that
// matched, escalating risk to the highest matched severity.
type ThreatPattern struct {
	// Name identifies the specific pattern inside its family.
	Name string
	// Family groups related patterns (command_injection, path_traversal, ...).
	Family string
	// Severity is the risk contributed when this pattern matches.
	Severity types.RiskLevel
	// Pattern is the compiled expression, matched case-insensitively where
	// the source says so.
	Pattern *regexp.Regexp
}

func mustPattern(name, family string, severity types.RiskLevel, expr string) ThreatPattern {
	return ThreatPattern{
		Name:     name,
		Family:   family,
		Severity: severity,
		Pattern:  regexp.MustCompile(expr),
	}
}

// threatPatterns is the built-in battery run against every validated input.
var threatPatterns = []ThreatPattern{
	// Command injection.
	mustPattern("shell-metachar-chain", "command_injection", types.RiskHigh,
		`[;&|]\s*(?:rm|dd|mkfs|curl|wget|nc|ncat|sh|bash|python\d?|perl|ruby)\b`),
	mustPattern("command-substitution", "command_injection", types.RiskCritical,
		"\\$\\([^)]*\\)|`[^`]+`"),
	mustPattern("nested-shell", "command_injection", types.RiskHigh,
		`(?i)(?:^|[;&|]\s*)(?:sh|bash|zsh|dash|ksh)\s+-c\s`),
	mustPattern("eval-exec", "command_injection", types.RiskCritical,
		`(?i)\b(?:eval|exec)\s*[\s(]`),

	// Path traversal.
	mustPattern("dot-dot-slash", "path_traversal", types.RiskHigh,
		`\.\.[/\\]`),
	mustPattern("encoded-traversal", "path_traversal", types.RiskHigh,
		`(?i)%2e%2e[/\\%]|\.\.%2f|%252e`),
	mustPattern("null-byte", "path_traversal", types.RiskCritical,
		`\x00|%00`),

	// Script and code injection.
	mustPattern("script-tag", "script_injection", types.RiskHigh,
		`(?i)<\s*script[\s>]`),
	mustPattern("js-protocol", "script_injection", types.RiskMedium,
		`(?i)javascript\s*:`),
	mustPattern("template-injection", "script_injection", types.RiskHigh,
		`\{\{.*\}\}|\$\{.*\}`),
	mustPattern("python-dunder", "script_injection", types.RiskHigh,
		`__(?:import|builtins|globals|subclasses)__`),

	// Credential exfiltration.
	mustPattern("credential-file", "credential_exfiltration", types.RiskCritical,
		`(?i)(?:\.ssh/|id_rsa|id_ed25519|\.aws/credentials|\.netrc|\.npmrc|\.pgpass)`),
	mustPattern("passwd-shadow", "credential_exfiltration", types.RiskCritical,
		`(?i)/etc/(?:passwd|shadow|sudoers)`),
	mustPattern("env-secret-read", "credential_exfiltration", types.RiskHigh,
		`(?i)\$(?:\{)?(?:AWS_SECRET|API_KEY|.*_TOKEN|.*_PASSWORD)`),

	// Privilege escalation.
	mustPattern("sudo-su", "privilege_escalation", types.RiskHigh,
		`(?i)\b(?:sudo|doas)\s|\bsu\s+(?:-|root)\b`),
	mustPattern("setuid-chmod", "privilege_escalation", types.RiskCritical,
		`(?i)\bchmod\s+(?:[ugo]*\+s|[0-7]*[4-7][0-7]{3})\b`),
	mustPattern("chown-root", "privilege_escalation", types.RiskHigh,
		`(?i)\bchown\s+(?:root|0)\b`),

	// Denial of service.
	mustPattern("fork-bomb", "denial_of_service", types.RiskCritical,
		`:\s*\(\s*\)\s*\{.*:\s*\|\s*:`),
	mustPattern("dd-device", "denial_of_service", types.RiskCritical,
		`(?i)\bdd\b.*\bof=/dev/(?:sd|nvme|hd|vd)`),
	mustPattern("recursive-delete-root", "denial_of_service", types.RiskCritical,
		`(?i)\brm\s+(?:-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\s+(?:/|\*|~)\s*$|\brm\s+-rf\s+/(?:\s|$)`),

	// Network attack primitives.
	mustPattern("reverse-shell", "network_attack", types.RiskCritical,
		`(?i)\b(?:nc|ncat|netcat)\b.*\s-e\s|/dev/tcp/`),
	mustPattern("pipe-to-shell", "network_attack", types.RiskCritical,
		`(?i)\b(?:curl|wget)\b[^|;]*\|\s*(?:sh|bash|zsh|python\d?)\b`),
	mustPattern("port-scan", "network_attack", types.RiskMedium,
		`(?i)\bnmap\b|\bmasscan\b`),

	// Obfuscation and encoding tricks.
	mustPattern("base64-decode-exec", "obfuscation", types.RiskHigh,
		`(?i)base64\s+(?:-d|--decode)[^|;]*\|`),
	mustPattern("hex-escape-run", "obfuscation", types.RiskMedium,
		`(?:\\x[0-9a-fA-F]{2}){4,}`),
	mustPattern("excessive-url-encoding", "obfuscation", types.RiskMedium,
		`(?:%[0-9a-fA-F]{2}){8,}`),
}

// promptInjectionPatterns feed DetectPromptInjection. Each indicator is
// reported by name.
var promptInjectionPatterns = []ThreatPattern{
	mustPattern("instruction-override", "prompt_injection", types.RiskHigh,
		`(?i)\b(?:ignore|disregard|forget|override)\b.{0,30}\b(?:previous|prior|above|earlier|all)\b.{0,30}\b(?:instructions?|prompts?|rules?|directives?)\b`),
	mustPattern("role-reassignment", "prompt_injection", types.RiskHigh,
		`(?i)\byou\s+are\s+(?:now|no\s+longer)\b|\bact\s+as\s+(?:a\s+)?(?:root|admin|unrestricted|dan)\b|\bpretend\s+(?:to\s+be|you)\b`),
	mustPattern("jailbreak-marker", "prompt_injection", types.RiskHigh,
		`(?i)\b(?:jailbreak|dev(?:eloper)?\s+mode|do\s+anything\s+now|no\s+restrictions?|without\s+(?:any\s+)?(?:limits?|filters?|restrictions?))\b`),
	mustPattern("system-prompt-probe", "prompt_injection", types.RiskMedium,
		`(?i)\b(?:system\s+prompt|initial\s+instructions?|reveal\s+your\s+(?:prompt|instructions))\b`),
	mustPattern("instruction-separator", "prompt_injection", types.RiskMedium,
		`(?i)(?:^|\n)\s*(?:###|---|===)\s*(?:system|instruction|new\s+task)`),
}

// dangerousBinaries are commands whose bare presence in an executable
// parameter marks the request high risk.
var dangerousBinaries = map[string]types.RiskLevel{
	"rm":       types.RiskHigh,
	"dd":       types.RiskCritical,
	"mkfs":     types.RiskCritical,
	"fdisk":    types.RiskCritical,
	"shred":    types.RiskHigh,
	"shutdown": types.RiskCritical,
	"reboot":   types.RiskCritical,
	"halt":     types.RiskCritical,
	"kill":     types.RiskMedium,
	"pkill":    types.RiskHigh,
	"killall":  types.RiskHigh,
	"iptables": types.RiskHigh,
	"nft":      types.RiskHigh,
	"insmod":   types.RiskCritical,
	"rmmod":    types.RiskCritical,
	"mount":    types.RiskHigh,
	"umount":   types.RiskHigh,
}

// systemDirPrefixes deny writes and mark reads risky for paths that live in
// OS territory.
var systemDirPrefixes = []string{
	"/etc/", "/boot/", "/sys/", "/proc/", "/dev/",
	"/usr/bin/", "/usr/sbin/", "/bin/", "/sbin/",
	"/var/log/", "/root/",
}

// dangerousExtensions flag payload-bearing file types in path inputs.
var dangerousExtensions = map[string]bool{
	".so": true, ".dll": true, ".dylib": true,
	".ko": true, ".sys": true, ".exe": true,
	".scr": true, ".bat": true, ".cmd": true, ".ps1": true,
}
