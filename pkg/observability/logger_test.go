package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestLoggerWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithField("session_uuid", "s1").Info("session registered")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Log line is not JSON: %v", err)
	}
	if entry["msg"] != "session registered" {
		t.Errorf("Expected message, got %v", entry["msg"])
	}
	if entry["session_uuid"] != "s1" {
		t.Errorf("Expected session_uuid field, got %v", entry["session_uuid"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(ErrorLevel, &buf)

	logger.Info("should be suppressed")
	if buf.Len() != 0 {
		t.Errorf("Info should be filtered at error level, got %s", buf.String())
	}

	logger.WithError(errors.New("boom")).Error("flush failed")
	if buf.Len() == 0 {
		t.Fatal("Error should be emitted")
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Log line is not JSON: %v", err)
	}
	if entry["error"] != "boom" {
		t.Errorf("Expected error field, got %v", entry["error"])
	}
}

func TestLoggerContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	ctx := WithLogger(context.Background(), logger)
	if GetLogger(ctx) != logger {
		t.Error("Expected logger from context")
	}
}
