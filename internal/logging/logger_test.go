package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestFormat(t *testing.T) {
	got := Format("WARN", "delivery: message not found", []interface{}{
		Fields{"message_id": "m1", "event": "message_sent"},
		errors.New("boom"),
	})
	want := `WARN delivery: message not found event=message_sent message_id=m1 err="boom"`
	if got != want {
		t.Fatalf("Format() = %q, want %q", got, want)
	}
}

func TestStdLogger_DebugSuppressed(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "bus", false)

	l.Debug("hidden")
	l.Info("shown", Fields{"n": 1})

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line written while debug disabled: %q", out)
	}
	if !strings.Contains(out, "[bus] ") || !strings.Contains(out, "INFO shown n=1") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestStdLogger_DebugEnabled(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "", true)

	l.Debug("visible")
	if !strings.Contains(buf.String(), "DEBUG visible") {
		t.Errorf("expected debug line, got %q", buf.String())
	}
}
