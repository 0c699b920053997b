// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	if LevelWarn.toSlogLevel() != slog.LevelWarn {
		t.Error("LevelWarn should map to slog.LevelWarn")
	}
	if Level(-3).toSlogLevel() != slog.LevelInfo {
		t.Error("unknown levels should map to slog.LevelInfo")
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_WritesJSONToNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Service: "statesync"})

	logger.Info("session created", "token", "abc")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "session created" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["service"] != "statesync" {
		t.Errorf("service = %v", entry["service"])
	}
	if entry["token"] != "abc" {
		t.Errorf("token = %v", entry["token"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Level: LevelWarn})

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	out := buf.String()
	if strings.Contains(out, `"debug"`) || strings.Contains(out, `"info"`) {
		t.Errorf("entries below warn leaked: %s", out)
	}
	if !strings.Contains(out, `"warn"`) || !strings.Contains(out, `"error"`) {
		t.Errorf("missing warn/error entries: %s", out)
	}
}

func TestLogger_SetLevel_AppliesToChildren(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Level: LevelInfo})
	child := logger.With("token", "t1")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered at info level: %s", buf.String())
	}

	logger.SetLevel(LevelDebug)
	child.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("child logger did not pick up new level: %s", buf.String())
	}
	if logger.Level() != LevelDebug {
		t.Errorf("Level() = %v, want DEBUG", logger.Level())
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf}).With("token", "t1")

	logger.Info("event processed", "event", "state.counter.increment")

	out := buf.String()
	if !strings.Contains(out, `"token":"t1"`) {
		t.Errorf("missing inherited attribute: %s", out)
	}
	if !strings.Contains(out, `"event":"state.counter.increment"`) {
		t.Errorf("missing call attribute: %s", out)
	}
}

func TestNop_DiscardsOutput(t *testing.T) {
	logger := Nop()
	logger.Error("nothing to see")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Quiet: true, LogDir: dir, Service: "svc"})
	logger.Info("to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	name := filepath.Join(dir, "svc_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file content = %q", data)
	}
}

func TestLogger_FileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export", "statesync.jsonl")
	exporter, err := NewFileExporter(path)
	if err != nil {
		t.Fatalf("NewFileExporter() = %v", err)
	}
	logger := New(Config{Quiet: true, Exporter: exporter, Service: "svc"})

	logger.Info("exported", "key", "value")
	logger.Debug("filtered")
	// Component loggers go through Slog(); they must reach the exporter too.
	logger.Slog().With("token", "t1").WithGroup("lock").Warn("lock wait", "waited_ms", 12)
	logger.SetLevel(LevelDebug)
	logger.Debug("now visible")

	if err := logger.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d exported lines, want 3: %s", len(lines), data)
	}

	var entries []map[string]any
	for _, line := range lines {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %q is not JSON: %v", line, err)
		}
		entries = append(entries, e)
	}

	if entries[0]["msg"] != "exported" || entries[0]["level"] != "INFO" || entries[0]["service"] != "svc" {
		t.Errorf("unexpected first entry: %v", entries[0])
	}
	if attrs, _ := entries[0]["attrs"].(map[string]any); attrs["key"] != "value" || attrs["service"] != nil {
		t.Errorf("first entry attrs = %v", entries[0]["attrs"])
	}

	attrs, _ := entries[1]["attrs"].(map[string]any)
	if entries[1]["level"] != "WARN" || attrs["token"] != "t1" || attrs["lock.waited_ms"] != float64(12) {
		t.Errorf("unexpected slog entry: %v", entries[1])
	}
	if entries[2]["msg"] != "now visible" || entries[2]["level"] != "DEBUG" {
		t.Errorf("level change not applied to exporter: %v", entries[2])
	}
}

func TestFileExporter_ExportAfterClose(t *testing.T) {
	exporter, err := NewFileExporter(filepath.Join(t.TempDir(), "x.jsonl"))
	if err != nil {
		t.Fatalf("NewFileExporter() = %v", err)
	}
	if err := exporter.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := exporter.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	err = exporter.Export(context.Background(), LogEntry{Message: "late"})
	if !errors.Is(err, os.ErrClosed) {
		t.Errorf("Export() after Close = %v, want os.ErrClosed", err)
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	var buf syncBuffer
	logger := New(Config{Output: &buf})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.With("worker", i).Info("tick")
			if i%5 == 0 {
				logger.SetLevel(LevelInfo)
			}
		}(i)
	}
	wg.Wait()

	if got := strings.Count(buf.String(), "tick"); got != 20 {
		t.Errorf("got %d entries, want 20", got)
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath() = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath() = %q", got)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
