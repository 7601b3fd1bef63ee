package policy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader reads per-tool policy documents from a directory. Each .yaml file
// holds either a single tool policy or a versioned policies list.
type Loader struct {
	dir string
}

// NewLoader creates a loader for the given policy directory.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// DefaultPolicyDir returns the default policy directory (~/.toolgate/policies.d).
func DefaultPolicyDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolgate/policies.d"
	}
	return filepath.Join(home, ".toolgate", "policies.d")
}

// Dir returns the directory this loader reads from.
func (l *Loader) Dir() string {
	return l.dir
}

// Load reads every policy file in the directory. A malformed file is a
// configuration error for the tools it declares: those tools are skipped
// (so they resolve to deny-by-default) and the error is reported in the
// returned problem list. Well-formed files always load.
func (l *Loader) Load() (map[string]*ToolPolicy, []error) {
	policies := make(map[string]*ToolPolicy)

	if l.dir == "" {
		return policies, nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return policies, nil
		}
		return policies, []error{fmt.Errorf("read policy directory: %w", err)}
	}

	var problems []error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(l.dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", path, err))
			continue
		}

		loaded, err := ParsePolicies(data)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", path, err))
			continue
		}

		for i := range loaded {
			p := loaded[i]
			p.FilePath = path
			if prev, dup := policies[p.ToolName]; dup {
				problems = append(problems, fmt.Errorf("%s: duplicate policy for tool %q (already defined in %s)", path, p.ToolName, prev.FilePath))
				// Conflicting definitions are unsafe to pick between; the
				// tool falls back to deny-by-default.
				delete(policies, p.ToolName)
				continue
			}
			policies[p.ToolName] = &p
		}
	}

	return policies, problems
}

// ParsePolicies parses one YAML document into validated tool policies.
// Accepts both the single-policy and the versioned list form.
func ParsePolicies(data []byte) ([]ToolPolicy, error) {
	// Try the list form first with strict field checking.
	var ps PolicySet
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&ps); err == nil && len(ps.Policies) > 0 {
		if err := ValidatePolicySet(&ps); err != nil {
			return nil, err
		}
		return ps.Policies, nil
	}

	// Single-policy form.
	var p ToolPolicy
	dec = yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return []ToolPolicy{p}, nil
}
