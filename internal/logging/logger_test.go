package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewFansOutToFile(t *testing.T) {
	var out bytes.Buffer
	path := filepath.Join(t.TempDir(), "import.log")

	logger, cleanup := New(&out, "info", "text", path)
	logger.Info("import completed", "job_id", "abc")
	logger.Debug("hidden")
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if !strings.Contains(out.String(), "import completed") {
		t.Errorf("stdout missing record: %q", out.String())
	}
	if strings.Contains(out.String(), "hidden") {
		t.Error("debug record should be filtered at info level")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
		t.Fatalf("log file is not JSON: %v (%q)", err, data)
	}
	if record["job_id"] != "abc" {
		t.Errorf("job_id = %v, want abc", record["job_id"])
	}
}

func TestNewUnwritableFileFallsBack(t *testing.T) {
	var out bytes.Buffer
	logger, cleanup := New(&out, "info", "json", filepath.Join(t.TempDir(), "missing", "dir", "x.log"))
	defer cleanup()

	logger.Info("still logging")
	if !strings.Contains(out.String(), "still logging") {
		t.Errorf("output = %q", out.String())
	}
}

func TestFromContextAddsRequestID(t *testing.T) {
	var out bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&out, nil)))
	defer slog.SetDefault(prev)

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	WithFields(ctx, "job_id", "j1").Info("hello")

	if !strings.Contains(out.String(), `"request_id":"req-1"`) || !strings.Contains(out.String(), `"job_id":"j1"`) {
		t.Errorf("output = %q", out.String())
	}
}
