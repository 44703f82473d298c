package logger_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/smstool/gateway/internal/logger"
)

func TestNewWritesStructuredLogs(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.New("production", "info", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	log.Info().Str("job_id", "j-1").Msg("job dispatched")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["level"] != "info" || entry["message"] != "job dispatched" || entry["job_id"] != "j-1" {
		t.Errorf("unexpected log entry: %v", entry)
	}
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.New("production", "warn", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	log.Debug().Msg("hidden")
	log.Info().Msg("also hidden")
	if buf.Len() != 0 {
		t.Errorf("below-level output leaked: %q", buf.String())
	}

	log.Warn().Msg("visible")
	if buf.Len() == 0 {
		t.Error("warn output missing")
	}
}

func TestNewDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.New("production", "", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	log.Info().Msg("present")
	if buf.Len() == 0 {
		t.Error("info output missing at default level")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := logger.New("production", "verbose"); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}
