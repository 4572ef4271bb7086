package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
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

func TestNewLogger_JSONByDefault(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "info", "", false)
	log.Info("server.start", "addr", "127.0.0.1:3001")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected json line, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "server.start" || rec["addr"] != "127.0.0.1:3001" {
		t.Fatalf("unexpected record: %v", rec)
	}
}
