package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewEmitsServiceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, " settled ", "prod")
	logger.Info("listener ready", "address", ":8080")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["service"] != "settled" {
		t.Fatalf("service = %v", line["service"])
	}
	if line["env"] != "prod" {
		t.Fatalf("env = %v", line["env"])
	}
	if line["severity"] != "INFO" {
		t.Fatalf("severity = %v", line["severity"])
	}
	if line["message"] != "listener ready" {
		t.Fatalf("message = %v", line["message"])
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("missing timestamp: %s", buf.String())
	}
	if strings.Contains(buf.String(), `"msg"`) || strings.Contains(buf.String(), `"level"`) {
		t.Fatalf("default slog keys leaked: %s", buf.String())
	}
}

func TestDebugSuppressedOutsideLocal(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "settled", "prod").Debug("noisy detail")
	if buf.Len() != 0 {
		t.Fatalf("debug logged in prod: %s", buf.String())
	}

	buf.Reset()
	New(&buf, "settled", "local").Debug("noisy detail")
	if buf.Len() == 0 {
		t.Fatal("debug suppressed in local")
	}
}
