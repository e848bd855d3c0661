package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type bufWriter struct{ bytes.Buffer }

func newTestLogger(level slog.Level) (*slog.Logger, *bufWriter) {
	buf := &bufWriter{}
	lv := new(slog.LevelVar)
	lv.Set(level)
	return slog.New(newConsoleHandler(buf, lv, false)), buf
}

func TestConsoleHandlerFormatsFields(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelInfo)
	logger = WithComponent(logger, "fetch")

	logger.Info("downloaded record", Record(3), String("path", "03.jpg"), Int64("bytes", 1024))

	line := buf.String()
	if !strings.Contains(line, "INFO fetch: downloaded record") {
		t.Fatalf("unexpected line: %q", line)
	}
	if !strings.Contains(line, "record=3") || !strings.Contains(line, "path=03.jpg") || !strings.Contains(line, "bytes=1024") {
		t.Fatalf("missing fields in line: %q", line)
	}
}

func TestConsoleHandlerQuotesValuesWithSpaces(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelInfo)
	logger.Info("msg", String("reason", "link expired"))
	if !strings.Contains(buf.String(), `reason="link expired"`) {
		t.Fatalf("value not quoted: %q", buf.String())
	}
}

func TestConsoleHandlerLevelFilter(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelWarn)
	logger.Info("should not appear")
	logger.Warn("should appear")
	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("info leaked past warn filter: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("warn missing: %q", out)
	}
}

func TestConsoleHandlerGroups(t *testing.T) {
	buf := &bufWriter{}
	lv := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(buf, lv, false)).WithGroup("http")
	logger.Info("fetched", Int("status", 200))
	if !strings.Contains(buf.String(), "http.status=200") {
		t.Fatalf("group prefix missing: %q", buf.String())
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		" debug ": slog.LevelDebug,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNoopHandler(t *testing.T) {
	logger := NewNop()
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("noop logger should report disabled")
	}
	// Must not panic.
	logger.Error("ignored", Error(nil), Duration("elapsed", time.Second))
}
