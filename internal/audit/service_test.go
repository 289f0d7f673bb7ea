package audit

import (
	"context"
	"testing"
)

func TestService_AppendRequiresOrganizationAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeCallUsage}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{OrganizationID: "org"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_LogCallUsageKeepsID(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogCallUsage(context.Background(), "evt-1", "org", "twilio", "CA1", "call_inbound_completed", 42, `{"units":42}`); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].ID != "evt-1" {
		t.Fatalf("expected caller id kept, got %q", evs[0].ID)
	}
	if evs[0].Type != EventTypeCallUsage || evs[0].CallID != "CA1" {
		t.Fatalf("unexpected event: %+v", evs[0])
	}
	if evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected created_at stamped")
	}
}

func TestService_LogOriginationCapturesActor(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogOrigination(context.Background(), "org", "u1", "agent", "1.2.3.4", "telnyx", "v3:abc", "+15550000002"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	evs := repo.Events()
	if len(evs) != 1 || evs[0].IPAddress != "1.2.3.4" || evs[0].ActorRole != "agent" {
		t.Fatalf("unexpected events: %+v", evs)
	}
	if evs[0].ID == "" {
		t.Fatalf("expected generated id")
	}
}
