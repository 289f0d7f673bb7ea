package reporting

import (
	"context"
	"testing"
	"time"

	"telephony-bridge/internal/calls"
	"telephony-bridge/internal/usage"
)

func ev(org string, p calls.Provider, callID string, t calls.UsageType, units int64, at time.Time) usage.Event {
	return usage.Event{ID: callID + string(t), OrganizationID: org, Provider: p, CallID: callID, Type: t, Units: units, OccurredAt: at}
}

func TestUsageSummary(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in, out := calls.DirectionInbound, calls.DirectionOutbound
	events := []usage.Event{
		ev("org-1", calls.ProviderTwilio, "CA1", calls.StartedUsage(in), 1, base),
		ev("org-1", calls.ProviderTwilio, "CA1", calls.CompletedUsage(in), 90, base.Add(2*time.Minute)),
		ev("org-1", calls.ProviderTelnyx, "v3:1", calls.StartedUsage(out), 1, base),
		ev("org-1", calls.ProviderTelnyx, "v3:1", calls.CompletedUsage(out), 30, base.Add(time.Minute)),
		ev("org-1", calls.ProviderTelnyx, "v3:2", calls.FailedUsage(out), 1, base),
		// other organization
		ev("org-2", calls.ProviderTwilio, "CA2", calls.StartedUsage(in), 1, base),
		// outside the range
		ev("org-1", calls.ProviderTwilio, "CA3", calls.StartedUsage(in), 1, base.Add(48*time.Hour)),
	}
	svc := NewService(NewMemoryRepo(func() []usage.Event { return events }))

	got, err := svc.UsageSummary(context.Background(), UsageSummaryRequest{
		OrganizationID: "org-1",
		Range:          TimeRange{From: base.Add(-time.Hour), To: base.Add(time.Hour * 24)},
	})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if got.InboundCalls != 1 || got.OutboundCalls != 1 {
		t.Fatalf("unexpected call counts: %+v", got)
	}
	if got.CompletedCalls != 2 || got.FailedCalls != 1 {
		t.Fatalf("unexpected outcome counts: %+v", got)
	}
	if got.BillableSeconds != 120 || got.AverageSeconds != 60 {
		t.Fatalf("unexpected seconds: %+v", got)
	}
	if got.Events[calls.StartedUsage(in)] != 1 {
		t.Fatalf("unexpected event counts: %+v", got.Events)
	}

	got, err = svc.UsageSummary(context.Background(), UsageSummaryRequest{
		OrganizationID: "org-1",
		Provider:       calls.ProviderTelnyx,
		Range:          TimeRange{From: base.Add(-time.Hour), To: base.Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if got.InboundCalls != 0 || got.OutboundCalls != 1 || got.BillableSeconds != 30 {
		t.Fatalf("provider filter not applied: %+v", got)
	}
}

func TestUsageSummaryRejectsInvalidRequest(t *testing.T) {
	svc := NewService(NewMemoryRepo(nil))
	now := time.Now()

	cases := []UsageSummaryRequest{
		{Range: TimeRange{From: now, To: now.Add(time.Hour)}},
		{OrganizationID: "o", Range: TimeRange{From: now, To: now}},
		{OrganizationID: "o"},
		{OrganizationID: "o", Provider: "plivo", Range: TimeRange{From: now, To: now.Add(time.Hour)}},
	}
	for _, req := range cases {
		if _, err := svc.UsageSummary(context.Background(), req); err != ErrInvalidRequest {
			t.Fatalf("%+v: expected ErrInvalidRequest, got %v", req, err)
		}
	}
}
