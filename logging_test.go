package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"atallasim/config"

	"github.com/rs/zerolog"
)

func TestLogFileNameForDate(t *testing.T) {
	when := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if got := logFileNameForDate(when); got != "atallasim-2026-01-22.log" {
		t.Fatalf("unexpected log filename %q", got)
	}
}

func TestParseLogFileDate(t *testing.T) {
	parsed, ok := parseLogFileDate("atallasim-2026-01-22.log")
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if parsed.Year() != 2026 || parsed.Month() != time.January || parsed.Day() != 22 {
		t.Fatalf("unexpected parsed date: %s", parsed.Format(time.RFC3339))
	}
	for _, name := range []string{"notes.txt", "2026-01-22.log", "atallasim-today.log"} {
		if _, ok := parseLogFileDate(name); ok {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
}

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		"atallasim-2026-01-20.log",
		"atallasim-2026-01-21.log",
		"atallasim-2026-01-22.log",
		"notes.txt",
	}
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	now := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if err := cleanupOldLogs(dir, now, 2); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "atallasim-2026-01-20.log")); !os.IsNotExist(err) {
		t.Fatalf("expected oldest log to be removed, stat err=%v", err)
	}
	for _, name := range files[1:] {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to remain: %v", name, err)
		}
	}
}

func TestDailyFileSinkRotatesAndStripsColor(t *testing.T) {
	dir := t.TempDir()
	sink, err := newDailyFileSink(dir, 7)
	if err != nil {
		t.Fatalf("newDailyFileSink: %v", err)
	}
	defer sink.Close()

	var gotPrev, gotNew string
	hookDone := make(chan struct{})
	var hookOnce sync.Once
	sink.SetRotateHook(func(prevPath, newPath string) {
		gotPrev, gotNew = prevPath, newPath
		hookOnce.Do(func() { close(hookDone) })
	})

	day1 := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	sink.WriteLine("\x1b[32mINF\x1b[0m first", day1)
	sink.WriteLine("second", day1.Add(24*time.Hour))

	select {
	case <-hookDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("rotate hook did not run")
	}
	if filepath.Base(gotPrev) != "atallasim-2026-01-22.log" || filepath.Base(gotNew) != "atallasim-2026-01-23.log" {
		t.Fatalf("unexpected rotation paths %q -> %q", gotPrev, gotNew)
	}
	data, err := os.ReadFile(gotPrev)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(data), "\x1b[") {
		t.Fatalf("file sink kept ANSI escapes: %q", data)
	}
	if !strings.Contains(string(data), "INF first") {
		t.Fatalf("file line missing: %q", data)
	}
}

func TestRotateHookLoggingDoesNotDeadlock(t *testing.T) {
	dir := t.TempDir()
	sink, err := newDailyFileSink(dir, 1)
	if err != nil {
		t.Fatalf("newDailyFileSink: %v", err)
	}
	defer sink.Close()

	fanout := newLogFanout(nil, sink)
	logger := zerolog.New(fanout)

	now := time.Now().UTC()
	sink.WriteLine("prime", now)

	sink.mu.Lock()
	sink.currentDate = now.Add(-24 * time.Hour).Format(logFileDateLayout)
	sink.mu.Unlock()

	hookDone := make(chan struct{})
	var hookOnce sync.Once
	sink.SetRotateHook(func(prevPath, newPath string) {
		logger.Info().Str("current", newPath).Msg("rotated")
		hookOnce.Do(func() { close(hookDone) })
	})

	done := make(chan struct{})
	go func() {
		logger.Info().Msg("trigger rotation")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("logging deadlocked during rotate hook")
	}
	select {
	case <-hookDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("rotate hook did not complete")
	}
}

func TestLogFanoutSplitsLines(t *testing.T) {
	var console bytes.Buffer
	fanout := newLogFanout(&ioLineSink{w: &console}, nil)
	_, _ = fanout.Write([]byte("one\r\ntw"))
	_, _ = fanout.Write([]byte("o\n"))
	if got := console.String(); got != "one\ntwo\n" {
		t.Fatalf("console = %q", got)
	}
}

func TestSetupLoggingConsoleOnly(t *testing.T) {
	t.Setenv(logLevelEnv, "")
	var console bytes.Buffer
	logger, fanout, err := setupLogging(config.LoggingConfig{Level: "warn"}, &console, false)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	defer fanout.Close()
	if fanout.HasFileSink() {
		t.Fatalf("file sink should be disabled without a directory")
	}
	logger.Info().Msg("hidden")
	logger.Warn().Str("code", "93").Msg("shown")
	out := console.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line leaked at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "code=93") {
		t.Fatalf("warn line missing: %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("non-terminal console must not be colored: %q", out)
	}
}

func TestSetupLoggingWritesFile(t *testing.T) {
	t.Setenv(logLevelEnv, "")
	dir := t.TempDir()
	var console bytes.Buffer
	logger, fanout, err := setupLogging(config.LoggingConfig{Level: "info", Dir: dir, RetentionDays: 3}, &console, false)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	logger.Info().Msg("to file")
	if err := fanout.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, logFileNameForDate(time.Now())))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Fatalf("log file missing line: %q", data)
	}
}

func TestResolveLogLevelPrefersEnv(t *testing.T) {
	t.Setenv(logLevelEnv, "debug")
	if got := resolveLogLevel("error"); got != zerolog.DebugLevel {
		t.Fatalf("level = %v, want debug", got)
	}
	t.Setenv(logLevelEnv, "bogus")
	if got := resolveLogLevel("error"); got != zerolog.ErrorLevel {
		t.Fatalf("level = %v, want error", got)
	}
	t.Setenv(logLevelEnv, "")
	if got := resolveLogLevel(""); got != zerolog.InfoLevel {
		t.Fatalf("level = %v, want info", got)
	}
}
