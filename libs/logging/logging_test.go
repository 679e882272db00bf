package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLoggerScrubsSensitiveAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "info", "settlement", "test")
	logger.Info("claim", "pin", "123456", "account_number", "0123456789", "email", "ada@example.com", "amount", "15000")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line["pin"] != "[REDACTED]" {
		t.Fatalf("expected pin redacted, got %v", line["pin"])
	}
	if line["account_number"] != "******6789" {
		t.Fatalf("expected masked account, got %v", line["account_number"])
	}
	if line["amount"] != "15000" || line["service"] != "settlement" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn", "settlement", "test")
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %s", buf.String())
	}
	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Fatalf("expected warn to be written")
	}
}
