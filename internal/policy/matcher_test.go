package policy

import "testing"

func TestPathMatcherPrefixSemantics(t *testing.T) {
	m, err := NewPathMatcher([]string{"/etc", "./build/", "*.log"})
	if err != nil {
		t.Fatalf("NewPathMatcher: %v", err)
	}

	tests := []struct {
		path string
		want bool
	}{
		{"/etc/passwd", true},
		{"/etc", true},
		{"/etcetera", false},
		{"./build/out/bin", true},
		{"debug.log", true},
		{"nested/dir/debug.log", false},
		{"/var/tmp", false},
	}
	for _, tt := range tests {
		if got, _ := m.Match(tt.path); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestPathMatcherRejectsBadPattern(t *testing.T) {
	if _, err := NewPathMatcher([]string{"[unclosed"}); err == nil {
		t.Error("expected error for invalid glob")
	}
	if _, err := NewPathMatcher([]string{""}); err == nil {
		t.Error("expected error for empty pattern")
	}
}

func TestHostMatcherCaseAndGlobs(t *testing.T) {
	m, err := NewHostMatcher([]string{"API.Example.com", "*.internal"})
	if err != nil {
		t.Fatalf("NewHostMatcher: %v", err)
	}
	if !m.Match("api.example.com") {
		t.Error("host matching must be case-insensitive")
	}
	if !m.Match(" db.internal ") {
		t.Error("surrounding whitespace should be trimmed")
	}
	if m.Match("deep.db.internal") {
		t.Error("single-level glob must not cross subdomain boundaries")
	}
}
