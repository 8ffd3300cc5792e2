package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chaz8081/tagwatch/internal/config"
)

func newLogger(buf *bytes.Buffer, cfg config.LogConfig) *slog.Logger {
	return slog.New(newHandler(buf, cfg))
}

func TestJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, config.LogConfig{Level: "info", Format: "json"})

	log.Info("[BLE] connected", "id", "AA:BB")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v, output: %s", err, buf.String())
	}
	if entry["msg"] != "[BLE] connected" {
		t.Errorf("msg = %q, want %q", entry["msg"], "[BLE] connected")
	}
	if entry["id"] != "AA:BB" {
		t.Errorf("id = %q, want %q", entry["id"], "AA:BB")
	}
}

func TestTextHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, config.LogConfig{Level: "warn", Format: "text"})

	log.Info("hidden")
	log.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message logged at warn level")
	}
	if !strings.Contains(out, "msg=shown") {
		t.Errorf("output = %q, want the warn message", out)
	}
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tagwatch.log")
	log, closer, err := New(config.LogConfig{Level: "debug", Format: "text", Output: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Debug("written to file")
	if err := closer(); err != nil {
		t.Fatalf("closer() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file = %q, want the debug message", data)
	}
}

func TestNewStderrDefault(t *testing.T) {
	_, closer, err := New(config.LogConfig{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := closer(); err != nil {
		t.Errorf("closer() error = %v", err)
	}
}

func TestNewBadPath(t *testing.T) {
	if _, _, err := New(config.LogConfig{Output: filepath.Join(t.TempDir(), "missing", "x.log")}); err == nil {
		t.Error("New() error = nil for an unwritable path")
	}
}
