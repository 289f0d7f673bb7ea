package telephony

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"telephony-bridge/internal/calls"
	"telephony-bridge/internal/metrics"
)

// CallControl is the provider REST surface the bridge drives.
type CallControl interface {
	Provider() calls.Provider
	Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error)
	// Answer accepts an inbound call and starts streaming to the bridge. Providers that
	// answer through the webhook reply treat it as a no-op.
	Answer(ctx context.Context, callID string) error
	Hangup(ctx context.Context, callID string) error
}

type OriginateRequest struct {
	OrganizationID string
	From           string
	To             string
}

type OriginateResult struct {
	CallID string
	Status string
}

// APIError is a non-2xx provider response.
type APIError struct {
	Provider calls.Provider
	Status   int
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s api error %d (%s): %s", e.Provider, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api error %d: %s", e.Provider, e.Status, e.Message)
}

// Controls indexes call control clients by provider.
type Controls map[calls.Provider]CallControl

func NewControls(list ...CallControl) Controls {
	out := make(Controls, len(list))
	for _, c := range list {
		if c != nil {
			out[c.Provider()] = c
		}
	}
	return out
}

func (c Controls) Get(p calls.Provider) (CallControl, bool) {
	cc, ok := c[p]
	return cc, ok
}

func defaultHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func readBody(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func observeRequest(p calls.Provider, operation string, start time.Time) {
	metrics.ProviderRequestDuration.WithLabelValues(string(p), operation).Observe(time.Since(start).Seconds())
}
