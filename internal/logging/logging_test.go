package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewJSONLogger(t *testing.T) {
	var b bytes.Buffer
	log, err := New("debug", FormatJSON, &b)
	if err != nil {
		t.Fatal(err)
	}
	log.Debug().Str("series", "PID0").Msg("published")
	var line map[string]any
	if err := json.Unmarshal(b.Bytes(), &line); err != nil {
		t.Fatalf("expected json line, got %q: %v", b.String(), err)
	}
	if line["series"] != "PID0" || line["level"] != "debug" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var b bytes.Buffer
	log, err := New("warn", "", &b)
	if err != nil {
		t.Fatal(err)
	}
	log.Info().Msg("hidden")
	if b.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", b.String())
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New("loud", "", nil); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := New("info", "xml", nil); err == nil {
		t.Fatalf("expected format error")
	}
}
