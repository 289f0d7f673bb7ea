package usage

import (
	"errors"
	"fmt"
	"time"

	"telephony-bridge/internal/calls"
)

// ErrEmit is returned when an event could not even be handed to the delivery pipeline.
// It never affects the call transition that produced the event.
var ErrEmit = errors.New("usage: emit failed")

// Event is one billable/activity fact about a call. Exactly one is delivered per
// (provider, call_id, type).
type Event struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Provider       calls.Provider  `json:"provider"`
	CallID         string          `json:"call_id"`
	Type           calls.UsageType `json:"type"`
	Units          int64           `json:"units"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// DedupeKey identifies the event across replicas and redeliveries.
func (e Event) DedupeKey() string {
	return fmt.Sprintf("usage:%s:%s:%s", e.Provider, e.CallID, e.Type)
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks a sink error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
