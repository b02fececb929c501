package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		level string
		env   string
		want  zapcore.Level
	}{
		{name: "debug", level: "debug", want: zapcore.DebugLevel},
		{name: "warn", level: "warn", want: zapcore.WarnLevel},
		{name: "warning alias", level: "WARNING", want: zapcore.WarnLevel},
		{name: "error", level: "error", want: zapcore.ErrorLevel},
		{name: "unknown falls back to info", level: "verbose", want: zapcore.InfoLevel},
		{name: "env used when config empty", env: "debug", want: zapcore.DebugLevel},
		{name: "config wins over env", level: "error", env: "debug", want: zapcore.ErrorLevel},
		{name: "default info", want: zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(LogLevelEnvVar, tt.env)
			if got := parseLevel(tt.level); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestNewLogger_WritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")

	logger, f, err := newLogger(dir, "info")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	logger.Info("client connected", zap.String("remote", "10.0.0.7:51022"))
	logger.Debug("suppressed at info level")
	logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, LogFile))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, `"msg":"client connected"`) || !strings.Contains(got, `"remote":"10.0.0.7:51022"`) {
		t.Errorf("log file missing entry: %q", got)
	}
	if strings.Contains(got, "suppressed") {
		t.Errorf("debug entry written at info level: %q", got)
	}
}

func TestNewLogger_StderrOnly(t *testing.T) {
	logger, f, err := newLogger("", "debug")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	if f != nil {
		t.Error("newLogger() opened a file without a log dir")
	}
	if logger == nil {
		t.Fatal("newLogger() returned nil logger")
	}
}

func TestZapAdapter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	a := newZapAdapter(zap.New(core))

	a.Debug("read ended", "session", "s-1")
	a.Info("user authenticated", "session", "s-1", "user", "alice")
	a.Warn("pong id mismatch", "session", "s-1")
	a.Error("appending update", "project", int64(7), "error", "disk full")

	entries := logs.All()
	if len(entries) != 4 {
		t.Fatalf("logged %d entries, want 4", len(entries))
	}

	wantLevels := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for i, e := range entries {
		if e.Level != wantLevels[i] {
			t.Errorf("entry %d level = %v, want %v", i, e.Level, wantLevels[i])
		}
	}

	fields := entries[1].ContextMap()
	if fields["user"] != "alice" || fields["session"] != "s-1" {
		t.Errorf("Info fields = %v", fields)
	}
	if entries[3].ContextMap()["project"] != int64(7) {
		t.Errorf("Error fields = %v", entries[3].ContextMap())
	}
}
