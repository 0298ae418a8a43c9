package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func newBufferLogger(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(Config{Level: level, Pretty: false, Output: &buf}), &buf
}

func TestNew(t *testing.T) {
	if New(DefaultConfig()) == nil {
		t.Fatal("New() returned nil")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != InfoLevel {
		t.Errorf("Level = %v, want InfoLevel", cfg.Level)
	}
	if !cfg.Pretty {
		t.Error("Pretty should be true by default")
	}
	if cfg.Output == nil {
		t.Error("Output should not be nil")
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Info("discarded")
	l.WithJob("job-1").Error("discarded")
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	l, _ := newBufferLogger(InfoLevel)
	if OrNop(l) != l {
		t.Error("OrNop should return a non-nil logger unchanged")
	}
}

func TestLogger_Component(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: InfoLevel, Output: &buf, Component: "orchestrator"})
	l.Info("started")

	if !strings.Contains(buf.String(), "orchestrator") {
		t.Errorf("Output should contain component: %s", buf.String())
	}
}

func TestLogger_ContextFields(t *testing.T) {
	l, buf := newBufferLogger(InfoLevel)

	l.WithComponent("synth").
		WithJob("job-42").
		WithURL("https://example.com/login").
		WithDomain("example.com").
		WithWorker(3).
		WithField("kind", "button").
		WithDuration(250 * time.Millisecond).
		Info("synthesized")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}

	want := map[string]interface{}{
		"component": "synth",
		"job_id":    "job-42",
		"url":       "https://example.com/login",
		"domain":    "example.com",
		"kind":      "button",
		"message":   "synthesized",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
	if entry["worker_id"] != float64(3) {
		t.Errorf("worker_id = %v, want 3", entry["worker_id"])
	}
	if _, ok := entry["duration"]; !ok {
		t.Error("duration field missing")
	}
}

func TestLogger_WithFields(t *testing.T) {
	l, buf := newBufferLogger(InfoLevel)

	l.WithFields(map[string]interface{}{
		"elements":   12,
		"test_cases": 30,
	}).Info("analysis done")

	output := buf.String()
	if !strings.Contains(output, "elements") || !strings.Contains(output, "test_cases") {
		t.Errorf("Output should contain both fields: %s", output)
	}
}

func TestLogger_WithError(t *testing.T) {
	l, buf := newBufferLogger(InfoLevel)

	l.WithError(errors.New("navigation failed")).Warn("url skipped")

	if !strings.Contains(buf.String(), "navigation failed") {
		t.Errorf("Output should contain error: %s", buf.String())
	}
}

func TestLogger_Formatted(t *testing.T) {
	l, buf := newBufferLogger(DebugLevel)

	l.Debugf("found %d elements", 7)
	l.Infof("job %s", "abc")
	l.Warnf("retry %d", 2)
	l.Errorf("failed %s", "xyz")

	output := buf.String()
	for _, want := range []string{"found 7 elements", "job abc", "retry 2", "failed xyz"} {
		if !strings.Contains(output, want) {
			t.Errorf("Output should contain %q: %s", want, output)
		}
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(WarnLevel)

	l.Debug("debug-line")
	l.Info("info-line")
	l.Warn("warn-line")
	l.Error("error-line")

	output := buf.String()
	if strings.Contains(output, "debug-line") || strings.Contains(output, "info-line") {
		t.Errorf("Debug and Info should be filtered: %s", output)
	}
	if !strings.Contains(output, "warn-line") || !strings.Contains(output, "error-line") {
		t.Errorf("Warn and Error should be present: %s", output)
	}
}

func TestLogger_Event(t *testing.T) {
	l, buf := newBufferLogger(DebugLevel)

	l.Event(WarnLevel).Str("selector", "#submit").Msg("node skipped")

	output := buf.String()
	if !strings.Contains(output, `"level":"warn"`) || !strings.Contains(output, "#submit") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestLogger_ErrorEvent(t *testing.T) {
	l, buf := newBufferLogger(InfoLevel)

	l.ErrorEvent(errors.New("HTTP error 404"), "https://example.com/missing", "analyze")

	output := buf.String()
	for _, want := range []string{"HTTP error 404", "https://example.com/missing", "analyze"} {
		if !strings.Contains(output, want) {
			t.Errorf("Output should contain %q: %s", want, output)
		}
	}
}

func TestLogger_StatsEvent(t *testing.T) {
	l, buf := newBufferLogger(InfoLevel)

	l.StatsEvent("Job statistics", map[string]interface{}{
		"url_count":     3,
		"success_count": 2,
	})

	output := buf.String()
	if !strings.Contains(output, "success_count") || !strings.Contains(output, "Job statistics") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestLogger_SetLevel(t *testing.T) {
	l, buf := newBufferLogger(DebugLevel)

	l.Debug("before")
	l.SetLevel(ErrorLevel)
	l.Debug("after")

	output := buf.String()
	if !strings.Contains(output, "before") {
		t.Error("first debug should appear")
	}
	if strings.Contains(output, "after") {
		t.Error("debug after SetLevel(Error) should be filtered")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"debug", DebugLevel},
		{"info", InfoLevel},
		{"warn", WarnLevel},
		{"error", ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if err != nil {
				t.Fatalf("ParseLevel(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel should reject unknown levels")
	}
}
