package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("text") != FormatText {
		t.Error("expected text format")
	}
	if ParseFormat("anything") != FormatJSON {
		t.Error("expected JSON fallback")
	}
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Output: &buf})

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")
	l.Errorf("also shown", map[string]any{"table": "events"})

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", len(lines), buf.String())
	}
	if lines[0]["message"] != "shown" || lines[0]["level"] != "warn" {
		t.Errorf("unexpected first entry: %v", lines[0])
	}
	if lines[1]["table"] != "events" {
		t.Errorf("expected table field, got %v", lines[1])
	}
}

func TestWithAddsFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, Output: &buf}).
		With(map[string]any{"replica": "r1"}).
		WithCorrelationID("req-1")

	l.Infof("fetched", map[string]any{"part": "all_0_0_0", "err": errors.New("boom")})

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	got := lines[0]
	if got["replica"] != "r1" || got["correlationId"] != "req-1" || got["part"] != "all_0_0_0" {
		t.Errorf("missing fields: %v", got)
	}
	if got["err"] != "boom" {
		t.Errorf("err = %v, want boom", got["err"])
	}
	if l.CorrelationID() != "req-1" {
		t.Errorf("CorrelationID() = %q", l.CorrelationID())
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Format: FormatText, Output: &buf})
	l.Infof("cleanup pass", map[string]any{"removed": 3})
	out := buf.String()
	if !strings.Contains(out, "cleanup pass") || !strings.Contains(out, "removed=3") {
		t.Errorf("unexpected text output: %q", out)
	}
}

func TestFromCtx(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf})

	ctx := WithLoggerCtx(context.Background(), l)
	if FromCtx(ctx) != l {
		t.Error("FromCtx should return attached logger")
	}

	ctx = WithCorrelationIDCtx(context.Background(), "abc")
	if got := FromCtx(ctx).CorrelationID(); got != "abc" {
		t.Errorf("correlation id = %q, want abc", got)
	}
}

func TestOrGlobal(t *testing.T) {
	if OrGlobal(nil) != Global() {
		t.Error("OrGlobal(nil) should return global logger")
	}
	n := Nop()
	if OrGlobal(n) != n {
		t.Error("OrGlobal should return given logger")
	}
}
