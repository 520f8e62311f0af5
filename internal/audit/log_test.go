package audit

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"smartattend.org/internal/auth"
)

func TestLogEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithActor(ctx, auth.Actor{ID: "user-42", Role: auth.RoleInvestigator, TenantID: "t1"})

	if err := LogEventTo(logger, ctx, "escalation.resolve", map[string]any{"event_id": "e1"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	m := entries[0].ContextMap()
	if m["type"] != "audit" {
		t.Fatalf("unexpected type: %v", m["type"])
	}
	if m["event"] != "escalation.resolve" {
		t.Fatalf("unexpected event: %v", m["event"])
	}
	if m["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", m["request_id"])
	}
	if m["actor_id"] != "user-42" {
		t.Fatalf("unexpected actor id: %v", m["actor_id"])
	}
	fields, ok := m["fields"].(map[string]any)
	if !ok || fields["event_id"] != "e1" {
		t.Fatalf("fields missing or incorrect: %v", m["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), " ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}
