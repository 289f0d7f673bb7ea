package telephony

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"telephony-bridge/internal/calls"
)

const (
	headerTelnyxSignature = "Telnyx-Signature-Ed25519"
	headerTelnyxTimestamp = "Telnyx-Timestamp"

	DefaultTelnyxTolerance = 5 * time.Minute
)

// telnyxEnvelope is the Call Control webhook body.
type telnyxEnvelope struct {
	Data struct {
		ID         string `json:"id"`
		EventType  string `json:"event_type"`
		OccurredAt string `json:"occurred_at"`
		Payload    struct {
			CallControlID string `json:"call_control_id"`
			CallLegID     string `json:"call_leg_id"`
			CallSessionID string `json:"call_session_id"`
			ConnectionID  string `json:"connection_id"`
			From          string `json:"from"`
			To            string `json:"to"`
			Direction     string `json:"direction"`
			State         string `json:"state"`
			HangupCause   string `json:"hangup_cause,omitempty"`
			HangupSource  string `json:"hangup_source,omitempty"`
			FailureReason string `json:"failure_reason,omitempty"`
		} `json:"payload"`
	} `json:"data"`
}

// TelnyxAdapter normalizes Telnyx Call Control webhooks.
type TelnyxAdapter struct {
	publicKey ed25519.PublicKey
	tolerance time.Duration
	insecure  bool
}

// NewTelnyxAdapter takes the base64 public key from the Telnyx portal.
func NewTelnyxAdapter(publicKeyB64 string, tolerance time.Duration, insecure bool) (*TelnyxAdapter, error) {
	a := &TelnyxAdapter{tolerance: tolerance, insecure: insecure}
	if a.tolerance <= 0 {
		a.tolerance = DefaultTelnyxTolerance
	}
	if strings.TrimSpace(publicKeyB64) != "" {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(publicKeyB64))
		if err != nil {
			return nil, fmt.Errorf("telephony: telnyx public key: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("telephony: telnyx public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
		}
		a.publicKey = ed25519.PublicKey(raw)
	}
	return a, nil
}

func (a *TelnyxAdapter) Provider() calls.Provider { return calls.ProviderTelnyx }

func (a *TelnyxAdapter) Normalize(_ context.Context, req WebhookRequest) (calls.Event, error) {
	if !a.insecure {
		if err := a.verify(req); err != nil {
			return calls.Event{}, err
		}
	}

	var env telnyxEnvelope
	if err := json.Unmarshal(req.Body, &env); err != nil {
		return calls.Event{}, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}
	if env.Data.EventType == "" {
		return calls.Event{}, fmt.Errorf("%w: data.event_type missing", ErrUnrecognizedPayload)
	}

	p := env.Data.Payload
	typ := telnyxEventType(env.Data.EventType, p.HangupCause)
	if typ != calls.EventNoop && p.CallControlID == "" {
		return calls.Event{}, fmt.Errorf("%w: call_control_id missing on %s", ErrUnrecognizedPayload, env.Data.EventType)
	}

	detail := env.Data.EventType
	switch {
	case p.HangupCause != "":
		detail = p.HangupCause
	case p.FailureReason != "":
		detail = p.FailureReason
	}

	occurred := req.ReceivedAt.UTC()
	if t, err := time.Parse(time.RFC3339Nano, env.Data.OccurredAt); err == nil {
		occurred = t.UTC()
	}

	return calls.Event{
		Provider:   calls.ProviderTelnyx,
		CallID:     p.CallControlID,
		Type:       typ,
		OccurredAt: occurred,
		Direction:  telnyxDirection(p.Direction),
		From:       strings.TrimSpace(p.From),
		To:         strings.TrimSpace(p.To),
		Detail:     detail,
		Raw:        req.Body,
	}, nil
}

// verify checks ed25519(timestamp|body) and the timestamp window.
func (a *TelnyxAdapter) verify(req WebhookRequest) error {
	if len(a.publicKey) == 0 {
		return fmt.Errorf("%w: telnyx public key not configured", ErrAuthentication)
	}
	sigB64 := req.Header.Get(headerTelnyxSignature)
	ts := req.Header.Get(headerTelnyxTimestamp)
	if sigB64 == "" || ts == "" {
		return ErrAuthentication
	}

	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrAuthentication
	}
	sent := time.Unix(secs, 0)
	now := req.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}
	if d := now.Sub(sent); d > a.tolerance || d < -a.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrAuthentication)
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return ErrAuthentication
	}
	msg := make([]byte, 0, len(ts)+1+len(req.Body))
	msg = append(msg, ts...)
	msg = append(msg, '|')
	msg = append(msg, req.Body...)
	if !ed25519.Verify(a.publicKey, msg, sig) {
		return ErrAuthentication
	}
	return nil
}

// telnyxSetupFailures are hangup causes meaning the call never connected.
var telnyxSetupFailures = map[string]struct{}{
	"call_rejected":            {},
	"user_busy":                {},
	"unallocated_number":       {},
	"destination_out_of_order": {},
	"invalid_number_format":    {},
	"no_route_destination":     {},
	"network_out_of_order":     {},
}

func telnyxEventType(eventType, hangupCause string) calls.EventType {
	switch eventType {
	case "call.initiated":
		return calls.EventInitiated
	case "call.ringing":
		return calls.EventRinging
	case "call.answered":
		return calls.EventAnswered
	case "call.hangup":
		if _, ok := telnyxSetupFailures[strings.ToLower(hangupCause)]; ok {
			return calls.EventFailed
		}
		return calls.EventEnded
	case "streaming.failed":
		return calls.EventFailed
	default:
		// streaming.started, call.bridged, call.dtmf.received, ...
		return calls.EventNoop
	}
}

func telnyxDirection(d string) calls.Direction {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case "incoming", "inbound":
		return calls.DirectionInbound
	case "outgoing", "outbound":
		return calls.DirectionOutbound
	default:
		return ""
	}
}
