package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_WritesRotatedFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "loyalty.log")
	log, closer := NewLogger(Config{LogLevel: "warn", LogFormat: "json", LogFile: path})

	log.Info("dropped.below.level")
	log.Warn("loyalty.test.event", "merchant_id", "m-1")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), `"msg":"loyalty.test.event"`) || !strings.Contains(string(raw), `"merchant_id":"m-1"`) {
		t.Fatalf("missing record in %s", raw)
	}
	if strings.Contains(string(raw), "dropped.below.level") {
		t.Fatalf("info record must be filtered at warn level")
	}
}

func TestFanout_ForwardsAttrsToEveryHandler(t *testing.T) {
	t.Parallel()

	var a, b bytes.Buffer
	h := fanout{
		slog.NewJSONHandler(&a, nil),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	}
	log := slog.New(h).With("request_id", "r-1")

	log.InfoContext(context.Background(), "first")
	log.Error("second")

	if !strings.Contains(a.String(), "first") || !strings.Contains(a.String(), "second") {
		t.Fatalf("json sink missing records: %s", a.String())
	}
	if strings.Contains(b.String(), "first") || !strings.Contains(b.String(), "request_id=r-1") {
		t.Fatalf("text sink: %s", b.String())
	}
}
