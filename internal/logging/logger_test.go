package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestConsoleHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelDebug, Output: &buf})

	log.WithComponent("engine").Info("applied segment", "kind", "vlan", "key", "eth0.10")

	out := buf.String()
	if !strings.Contains(out, "[info]") {
		t.Errorf("expected level marker in output, got %q", out)
	}
	if !strings.Contains(out, "engine: applied segment") {
		t.Errorf("expected component header, got %q", out)
	}
	if !strings.Contains(out, "kind=vlan") || !strings.Contains(out, "key=eth0.10") {
		t.Errorf("expected key=value attrs, got %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelWarn, Output: &buf})

	log.Debug("hidden")
	log.Info("hidden too")
	log.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug/info should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn message missing: %q", out)
	}

	log.SetLevel(LevelDebug)
	log.Debug("now shown")
	if !strings.Contains(buf.String(), "now shown") {
		t.Error("debug message missing after SetLevel")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": LevelDebug,
		"info":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
		"bogus": LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
