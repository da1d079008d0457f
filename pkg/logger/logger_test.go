package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewWithWriterAddsServiceAttr(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "worker", slog.LevelInfo)
	log.Info("started", "workers", 4)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["service"] != "worker" {
		t.Fatalf("expected service attr worker, got %v", entry["service"])
	}
	if entry["msg"] != "started" {
		t.Fatalf("unexpected message: %v", entry["msg"])
	}
}

func TestNewWithWriterHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "api", slog.LevelWarn)
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	if got := ParseLevel("debug"); got != slog.LevelDebug {
		t.Fatalf("expected debug, got %v", got)
	}
	if got := ParseLevel(" WARN "); got != slog.LevelWarn {
		t.Fatalf("expected warn, got %v", got)
	}
	if got := ParseLevel("verbose"); got != slog.LevelInfo {
		t.Fatalf("expected fallback to info, got %v", got)
	}
}
