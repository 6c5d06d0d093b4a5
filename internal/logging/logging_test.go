package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := ForApp(newLogger(Config{Level: "debug"}, &buf), "flipwatch", "test")
	logger.Debug().Dur("took", 1500*time.Microsecond).Msg("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["message"] != "hello" || rec["app"] != "flipwatch" || rec["env"] != "test" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["took"] != 1.5 {
		t.Fatalf("took = %v, want 1.5 (ms)", rec["took"])
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn"}, &buf)
	logger.Info().Msg("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %s", buf.String())
	}

	buf.Reset()
	logger = newLogger(Config{Level: "nonsense"}, &buf)
	logger.Info().Msg("loud")
	if !strings.Contains(buf.String(), "loud") {
		t.Fatal("unknown level should fall back to info")
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Format: "console"}, &buf)
	logger.Info().Str("item", "AK-47").Msg("listing")
	out := buf.String()
	if strings.HasPrefix(out, "{") || !strings.Contains(out, "AK-47") {
		t.Fatalf("expected console output, got %q", out)
	}
}
