package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestAlertSinkFiltersByLevelAndRate(t *testing.T) {
	svc, log := New(Config{Level: "debug", Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 1}})
	var buf bytes.Buffer
	svc.mu.Lock()
	svc.alert = &buf
	svc.mu.Unlock()

	log.Info("below threshold")
	log.Warn("first alert", String("node", "a/b"))
	log.Error("second alert")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("alert lines = %d, want 1: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("alert line is not JSON: %v", err)
	}
	if m["message"] != "first alert" || m["node"] != "a/b" {
		t.Fatalf("unexpected alert record: %v", m)
	}
	if got := svc.AlertsDropped(); got != 1 {
		t.Fatalf("AlertsDropped = %d, want 1", got)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("dropped")
	if l.With(String("k", "v")).IsZero() {
		t.Fatal("logger with fields should not be zero")
	}
}

func TestNewWriterEmitsFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"))
	l.Debug("hello", Int("n", 3))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["comp"] != "test" || m["n"] != float64(3) || m["message"] != "hello" {
		t.Fatalf("unexpected record: %v", m)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}
