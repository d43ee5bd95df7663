package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLoggerAndComponent(t *testing.T) {
	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	defer SetLogger(nil)

	Component("Sensor")("captured %d points", 12)
	Logf("plain")

	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %v", len(lines), lines)
	}
	if lines[0] != "[Sensor] captured 12 points" {
		t.Errorf("unexpected prefixed line %q", lines[0])
	}
	if lines[1] != "plain" {
		t.Errorf("unexpected plain line %q", lines[1])
	}
}

func TestSetLoggerNilMutes(t *testing.T) {
	SetLogger(nil)
	Logf("dropped %s", "silently") // must not panic
}
