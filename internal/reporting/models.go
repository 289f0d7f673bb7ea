package reporting

import (
	"time"

	"telephony-bridge/internal/calls"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Valid reports whether the range is non-empty. From is inclusive, To exclusive.
func (r TimeRange) Valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

// UsageSummaryRequest asks for one organization's usage over a range.
// Organization isolation: OrganizationID is required.
type UsageSummaryRequest struct {
	OrganizationID string         `json:"organization_id"`
	Range          TimeRange      `json:"range"`
	Provider       calls.Provider `json:"provider,omitempty"`
}

type UsageSummary struct {
	OrganizationID string         `json:"organization_id"`
	Provider       calls.Provider `json:"provider,omitempty"`
	Range          TimeRange      `json:"range"`

	InboundCalls   int64 `json:"inbound_calls"`
	OutboundCalls  int64 `json:"outbound_calls"`
	CompletedCalls int64 `json:"completed_calls"`
	FailedCalls    int64 `json:"failed_calls"`

	BillableSeconds int64 `json:"billable_seconds"`
	AverageSeconds  int64 `json:"average_seconds"`

	// Events counts ledger rows per usage type.
	Events map[calls.UsageType]int64 `json:"events"`
}
