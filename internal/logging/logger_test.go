package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
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
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		service string
	}{
		{name: "api service", service: "palletsync-api"},
		{name: "empty service", service: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.service)
			if logger == nil {
				t.Fatal("New() returned nil")
			}
			if logger.service != tt.service {
				t.Errorf("New() service = %q, want %q", logger.service, tt.service)
			}
			if logger.out != os.Stdout {
				t.Error("New() should write to stdout")
			}
		})
	}
}

func TestLogEntry_FluentMethods(t *testing.T) {
	tests := []struct {
		name   string
		build  func(*LogEntry) *LogEntry
		verify func(*testing.T, *LogEntry)
	}{
		{
			name:  "WithTask",
			build: func(e *LogEntry) *LogEntry { return e.WithTask("T1") },
			verify: func(t *testing.T, e *LogEntry) {
				if e.TaskID != "T1" {
					t.Errorf("WithTask() TaskID = %q, want %q", e.TaskID, "T1")
				}
			},
		},
		{
			name:  "WithSubscription",
			build: func(e *LogEntry) *LogEntry { return e.WithSubscription("sub-1") },
			verify: func(t *testing.T, e *LogEntry) {
				if e.SubscriptionID != "sub-1" {
					t.Errorf("WithSubscription() SubscriptionID = %q, want %q", e.SubscriptionID, "sub-1")
				}
			},
		},
		{
			name: "chained",
			build: func(e *LogEntry) *LogEntry {
				return e.WithTraceID("trace-1").WithNotification("n-1").WithQueueItem("q-1")
			},
			verify: func(t *testing.T, e *LogEntry) {
				if e.TraceID != "trace-1" || e.NotificationID != "n-1" || e.QueueItemID != "q-1" {
					t.Errorf("chained entry = %+v", e)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New("test").Plain()
			got := tt.build(e)
			if got != e {
				t.Error("fluent methods should return the same entry")
			}
			tt.verify(t, got)
		})
	}
}

func TestLogEntry_Output(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("palletsync-worker", &buf, LevelDebug)

	logger.Plain().WithTask("T1").WithField("fields_changed", 2).Info("task updated")
	logger.WithContext(context.Background()).WithError(errors.New("boom")).Errorf("pass %d failed", 3)

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2", len(lines))
	}
	if lines[0]["level"] != "info" || lines[0]["msg"] != "task updated" || lines[0]["task_id"] != "T1" {
		t.Errorf("first line = %v", lines[0])
	}
	if lines[0]["service"] != "palletsync-worker" {
		t.Errorf("service = %v, want palletsync-worker", lines[0]["service"])
	}
	fields, ok := lines[1]["fields"].(map[string]any)
	if !ok || fields["error"] != "boom" {
		t.Errorf("second line fields = %v, want error=boom", lines[1]["fields"])
	}
	if lines[1]["msg"] != "pass 3 failed" {
		t.Errorf("second line msg = %v", lines[1]["msg"])
	}
}

func TestLogEntry_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("test", &buf, LevelWarn)

	logger.Plain().Debug("hidden")
	logger.Plain().Info("hidden")
	logger.Plain().Warn("shown")
	logger.Plain().Error("shown")

	if got := len(decodeLines(t, &buf)); got != 2 {
		t.Errorf("got %d lines at warn level, want 2", got)
	}
}

func TestLevelFromEnv(t *testing.T) {
	tests := []struct {
		value string
		want  LogLevel
	}{
		{"", LevelInfo},
		{"debug", LevelDebug},
		{"WARN", LevelWarn},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.value)
			if got := LevelFromEnv(); got != tt.want {
				t.Errorf("LevelFromEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSetDefaultService(t *testing.T) {
	orig := defaultLogger.service
	defer SetDefaultService(orig)

	SetDefaultService("palletctl")
	if e := Plain(); e.Service != "palletctl" {
		t.Errorf("Plain().Service = %q, want %q", e.Service, "palletctl")
	}
}

func TestLogEntry_WithFieldsMerges(t *testing.T) {
	e := New("test").WithFields(map[string]any{"a": 1})
	e.WithFields(map[string]any{"b": 2}).WithField("c", 3)
	if len(e.Fields) != 3 {
		t.Errorf("Fields = %v, want 3 entries", e.Fields)
	}
}
