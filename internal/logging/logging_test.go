package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", "json")
	if err != nil {
		t.Fatalf("Failed to build logger: %v", err)
	}

	logger.Info().Msg("hidden")
	logger.Warn().Str("room", "abc").Msg("shown")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["message"] != "shown" || entry["room"] != "abc" {
		t.Errorf("Unexpected entry %v", entry)
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	var buf bytes.Buffer
	if _, err := New(&buf, "loud", "json"); err == nil {
		t.Error("Expected error for unknown level")
	}
	if _, err := New(&buf, "info", "xml"); err == nil {
		t.Error("Expected error for unknown format")
	}
}
