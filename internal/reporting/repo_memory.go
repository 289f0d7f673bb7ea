package reporting

import (
	"context"
	"errors"
	"time"

	"telephony-bridge/internal/calls"
	"telephony-bridge/internal/usage"
)

// MemoryRepo reads from an in-process event source, normally (*usage.MemorySink).Events.
type MemoryRepo struct {
	source func() []usage.Event
}

func NewMemoryRepo(source func() []usage.Event) *MemoryRepo { return &MemoryRepo{source: source} }

func (r *MemoryRepo) ListUsage(_ context.Context, organizationID string, from, to time.Time, provider calls.Provider) ([]usage.Event, error) {
	if organizationID == "" {
		return nil, errors.New("organization_id required")
	}
	if r.source == nil {
		return nil, nil
	}
	var out []usage.Event
	for _, ev := range r.source() {
		if ev.OrganizationID != organizationID {
			continue
		}
		if ev.OccurredAt.Before(from) || !ev.OccurredAt.Before(to) {
			continue
		}
		if provider != "" && ev.Provider != provider {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
