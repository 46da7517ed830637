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
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"Warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"trace", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnknownLevel) {
				t.Errorf("error = %v, want ErrUnknownLevel", err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLevel_String(t *testing.T) {
	for _, l := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(l.String())
		if err != nil || parsed != l {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", l.String(), parsed, err, l)
		}
	}
	if got := Level(9).String(); got != "level(9)" {
		t.Errorf("Level(9).String() = %q", got)
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_TextToWriter(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: LevelInfo, Writer: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer logger.Close()

	logger.Slog().Debug("hidden")
	logger.Slog().Info("graph built", slog.Int("nodes", 12))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug record written at info level")
	}
	for _, want := range []string{"graph built", "nodes=12", "service=spectrace"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: LevelDebug, JSON: true, Writer: &buf, Service: "watch"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Slog().Debug("refresh", slog.String("path", "spec/prd.md"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if rec["msg"] != "refresh" || rec["path"] != "spec/prd.md" || rec["service"] != "watch" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestNew_LogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var console bytes.Buffer
	logger, err := New(Config{Level: LevelWarn, LogDir: dir, Writer: &console})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Slog().Info("dropped")
	logger.Slog().Warn("conflict", slog.String("path", "spec/dev.md"))
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	name := "spectrace_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if strings.Contains(string(data), "dropped") {
		t.Error("info record written to file at warn level")
	}
	if !strings.Contains(string(data), `"msg":"conflict"`) {
		t.Errorf("log file missing JSON record:\n%s", data)
	}
	if !strings.Contains(console.String(), "conflict") {
		t.Error("console did not receive the record")
	}
}

func TestNew_LogDirUnwritable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(Config{LogDir: filepath.Join(file, "logs")}); err == nil {
		t.Error("New() with a file as log dir parent should fail")
	}
}

// =============================================================================
// multiHandler Tests
// =============================================================================

func TestMultiHandler_LevelFiltering(t *testing.T) {
	var debug, errOnly bytes.Buffer
	mh := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&errOnly, &slog.HandlerOptions{Level: slog.LevelError}),
	}}

	if !mh.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Debug should be enabled by the first handler")
	}

	record := slog.NewRecord(time.Now(), slog.LevelInfo, "info message", 0)
	if err := mh.Handle(context.Background(), record); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if debug.Len() == 0 {
		t.Error("debug handler should have content")
	}
	if errOnly.Len() != 0 {
		t.Error("error handler should be empty")
	}
}

func TestMultiHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	mh := &multiHandler{handlers: []slog.Handler{slog.NewTextHandler(&buf, nil)}}

	h := mh.WithAttrs([]slog.Attr{slog.String("root", "/repo")}).WithGroup("refresh")
	logger := slog.New(h)
	logger.Info("done", slog.Int("changed", 2))

	out := buf.String()
	if !strings.Contains(out, "root=/repo") || !strings.Contains(out, "refresh.changed=2") {
		t.Errorf("unexpected output: %s", out)
	}
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (failingHandler) Handle(context.Context, slog.Record) error {
	return errors.New("disk full")
}

func TestMultiHandler_ErrorDoesNotStarveOthers(t *testing.T) {
	var buf bytes.Buffer
	mh := &multiHandler{handlers: []slog.Handler{
		failingHandler{},
		slog.NewTextHandler(&buf, nil),
	}}
	err := mh.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "msg", 0))
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Handle() error = %v, want disk full", err)
	}
	if buf.Len() == 0 {
		t.Error("second handler should still receive the record")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct {
		input string
		want  string
	}{
		{"~/logs", filepath.Join(home, "logs")},
		{"~", home},
		{"/var/log", "/var/log"},
		{"relative/path", "relative/path"},
	}
	for _, tt := range tests {
		if got := expandPath(tt.input); got != tt.want {
			t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
