package security

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/toolgate/toolgate/internal/types"
)

// CommandAnalysis is what analyzeCommand learned from one shell string.
type CommandAnalysis struct {
	// Binaries is every command name invoked, including after pipes and
	// separators.
	Binaries []string
	// HasSubstitution reports $(...) or backtick substitution anywhere.
	HasSubstitution bool
	// HasPipeline reports a | chain.
	HasPipeline bool
	// HasBackground reports & backgrounding.
	HasBackground bool
	// HasRedirect reports output redirection.
	HasRedirect bool
	// ParseFailed reports that the shell parser rejected the input; the
	// caller treats that as suspicious rather than clean.
	ParseFailed bool
}

// analyzeCommand parses a command with a real shell grammar instead of
// guessing with string splits. Quoting and escaping tricks that defeat a
// regex ("r''m -rf /") parse to their true argv here.
func analyzeCommand(cmd string) CommandAnalysis {
	var a CommandAnalysis

	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil {
		a.ParseFailed = true
		return a
	}

	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.CallExpr:
			if len(n.Args) > 0 {
				if name := literalValue(n.Args[0]); name != "" {
					a.Binaries = append(a.Binaries, baseName(name))
				}
			}
		case *syntax.CmdSubst, *syntax.ProcSubst:
			a.HasSubstitution = true
		case *syntax.BinaryCmd:
			if n.Op == syntax.Pipe || n.Op == syntax.PipeAll {
				a.HasPipeline = true
			}
		case *syntax.Stmt:
			if n.Background {
				a.HasBackground = true
			}
		case *syntax.Redirect:
			if n.Op == syntax.RdrOut || n.Op == syntax.AppOut ||
				n.Op == syntax.RdrAll || n.Op == syntax.AppAll {
				a.HasRedirect = true
			}
		}
		return true
	})
	return a
}

// literalValue extracts the literal string of a word, resolving single and
// double quoting but refusing expansions.
func literalValue(w *syntax.Word) string {
	var sb strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				if lit, ok := inner.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		default:
			return ""
		}
	}
	return sb.String()
}

func baseName(cmd string) string {
	if i := strings.LastIndexByte(cmd, '/'); i >= 0 {
		return cmd[i+1:]
	}
	return cmd
}

// commandThreats runs the shell-aware checks for command-typed inputs and
// returns the threats found plus the worst severity.
func commandThreats(cmd string) ([]string, types.RiskLevel) {
	var threats []string
	risk := types.RiskLow

	a := analyzeCommand(cmd)
	if a.ParseFailed {
		threats = append(threats, "command:unparseable")
		risk = risk.Max(types.RiskMedium)
	}
	for _, bin := range a.Binaries {
		if sev, ok := dangerousBinaries[bin]; ok {
			threats = append(threats, "command:dangerous-binary:"+bin)
			risk = risk.Max(sev)
		}
	}
	if a.HasSubstitution {
		threats = append(threats, "command:substitution")
		risk = risk.Max(types.RiskCritical)
	}
	if a.HasPipeline && len(a.Binaries) > 1 && containsShellBinary(a.Binaries[1:]) {
		threats = append(threats, "command:pipe-to-shell")
		risk = risk.Max(types.RiskCritical)
	}
	if a.HasBackground {
		threats = append(threats, "command:background-execution")
		risk = risk.Max(types.RiskMedium)
	}
	return threats, risk
}

func containsShellBinary(bins []string) bool {
	for _, b := range bins {
		switch b {
		case "sh", "bash", "zsh", "dash", "ksh", "python", "python3", "perl", "ruby":
			return true
		}
	}
	return false
}
