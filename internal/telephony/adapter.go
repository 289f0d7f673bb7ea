package telephony

import (
	"context"
	"errors"
	"net/http"
	"time"

	"telephony-bridge/internal/calls"
)

var (
	// ErrAuthentication means the webhook signature did not verify. Nothing may be mutated.
	ErrAuthentication = errors.New("telephony: webhook authentication failed")

	// ErrUnrecognizedPayload means the body could not be mapped to a call event.
	ErrUnrecognizedPayload = errors.New("telephony: unrecognized payload")
)

// WebhookRequest is a provider callback as received, before any parsing.
type WebhookRequest struct {
	// URL is the public URL the provider called, including the query string.
	// Twilio signs over it.
	URL        string
	Header     http.Header
	Body       []byte
	ReceivedAt time.Time
}

// Adapter turns one provider's webhook dialect into canonical call events.
//
// Rules:
// - Authenticity is checked before the body is parsed.
// - Informational notifications map to calls.EventNoop, never to an error.
// - No call state is read or written here.
type Adapter interface {
	Provider() calls.Provider
	Normalize(ctx context.Context, req WebhookRequest) (calls.Event, error)
}

// Adapters indexes the configured adapters by provider tag.
type Adapters map[calls.Provider]Adapter

func NewAdapters(list ...Adapter) Adapters {
	out := make(Adapters, len(list))
	for _, a := range list {
		out[a.Provider()] = a
	}
	return out
}

func (a Adapters) Get(p calls.Provider) (Adapter, bool) {
	ad, ok := a[p]
	return ad, ok
}
