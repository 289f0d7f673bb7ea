package reporting

import (
	"context"
	"errors"
	"time"

	"telephony-bridge/internal/calls"
	"telephony-bridge/internal/usage"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts read access to the usage ledger.
//
// IMPORTANT:
// - Implementations must filter by organization.
// - The range is [from, to) on occurred_at.
type Repository interface {
	ListUsage(ctx context.Context, organizationID string, from, to time.Time, provider calls.Provider) ([]usage.Event, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// UsageSummary aggregates the organization's usage events over req.Range.
func (s *Service) UsageSummary(ctx context.Context, req UsageSummaryRequest) (UsageSummary, error) {
	if req.OrganizationID == "" || !req.Range.Valid() {
		return UsageSummary{}, ErrInvalidRequest
	}
	if req.Provider != "" && !req.Provider.Valid() {
		return UsageSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return UsageSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListUsage(ctx, req.OrganizationID, req.Range.From, req.Range.To, req.Provider)
	if err != nil {
		return UsageSummary{}, err
	}

	out := UsageSummary{
		OrganizationID: req.OrganizationID,
		Provider:       req.Provider,
		Range:          req.Range,
		Events:         map[calls.UsageType]int64{},
	}
	for _, ev := range rows {
		out.Events[ev.Type]++
		switch ev.Type {
		case calls.StartedUsage(calls.DirectionInbound):
			out.InboundCalls++
		case calls.StartedUsage(calls.DirectionOutbound):
			out.OutboundCalls++
		case calls.CompletedUsage(calls.DirectionInbound), calls.CompletedUsage(calls.DirectionOutbound):
			out.CompletedCalls++
			out.BillableSeconds += ev.Units
		case calls.FailedUsage(calls.DirectionInbound), calls.FailedUsage(calls.DirectionOutbound):
			out.FailedCalls++
		}
	}
	if out.CompletedCalls > 0 {
		out.AverageSeconds = out.BillableSeconds / out.CompletedCalls
	}
	return out, nil
}
