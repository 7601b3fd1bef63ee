package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"", LevelInfo, false}, // empty defaults to info
		{"invalid", 0, true},
		{"fatal", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q) should return error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLevel(%q) unexpected error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetColored(false)
	SetGlobalLevel(LevelWarn)
	defer func() {
		SetOutput(os.Stderr)
		SetGlobalLevel(LevelInfo)
	}()

	l := New("test")
	l.Debug("hidden %d", 1)
	l.Info("hidden %d", 2)
	l.Warn("visible %d", 3)
	l.Error("visible %d", 4)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("below-threshold messages were logged: %q", out)
	}
	if !strings.Contains(out, "visible 3") || !strings.Contains(out, "visible 4") {
		t.Errorf("expected warn and error messages, got %q", out)
	}
	if !strings.Contains(out, "[test]") {
		t.Errorf("expected prefix in output, got %q", out)
	}
}
