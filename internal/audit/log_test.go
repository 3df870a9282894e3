package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"ontour.app/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := WithRequestID(context.Background(), "req-123")

	err := LogEvent(ctx, Event{
		Kind:           "tenant.superadmin_context",
		UserID:         "user-42",
		OrganizationID: "org_1",
		Detail:         map[string]any{"foo": "bar"},
	})
	if err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "tenant.superadmin_context" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" || entry["organization_id"] != "org_1" {
		t.Fatalf("unexpected actor: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresKind(t *testing.T) {
	if err := LogEvent(context.Background(), Event{Kind: "  "}); !errors.Is(err, ErrMissingKind) {
		t.Fatalf("expected ErrMissingKind, got %v", err)
	}
}
