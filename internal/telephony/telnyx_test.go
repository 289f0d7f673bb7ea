package telephony

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"telephony-bridge/internal/calls"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type telnyxSigner struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newTelnyxSigner(t *testing.T) telnyxSigner {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return telnyxSigner{pub: pub, priv: priv}
}

func (s telnyxSigner) request(body string, sentAt, receivedAt time.Time) WebhookRequest {
	ts := strconv.FormatInt(sentAt.Unix(), 10)
	sig := ed25519.Sign(s.priv, []byte(ts+"|"+body))
	h := http.Header{}
	h.Set("telnyx-signature-ed25519", base64.StdEncoding.EncodeToString(sig))
	h.Set("telnyx-timestamp", ts)
	return WebhookRequest{Header: h, Body: []byte(body), ReceivedAt: receivedAt}
}

func telnyxBody(eventType, direction, hangupCause string) string {
	return fmt.Sprintf(`{"data":{"id":"evt-1","event_type":%q,"occurred_at":"2023-11-14T22:13:20.000000Z",
"payload":{"call_control_id":"v3:abc","direction":%q,"from":"+15551230000","to":"+15557654321","hangup_cause":%q}}}`,
		eventType, direction, hangupCause)
}

func newTestTelnyxAdapter(t *testing.T, s telnyxSigner) *TelnyxAdapter {
	t.Helper()
	a, err := NewTelnyxAdapter(base64.StdEncoding.EncodeToString(s.pub), 0, false)
	require.NoError(t, err)
	return a
}

func TestTelnyxAdapter_EventMapping(t *testing.T) {
	s := newTelnyxSigner(t)
	a := newTestTelnyxAdapter(t, s)
	now := time.Unix(1700000000, 0)

	cases := []struct {
		eventType, cause string
		want             calls.EventType
	}{
		{"call.initiated", "", calls.EventInitiated},
		{"call.ringing", "", calls.EventRinging},
		{"call.answered", "", calls.EventAnswered},
		{"call.hangup", "normal_clearing", calls.EventEnded},
		{"call.hangup", "user_busy", calls.EventFailed},
		{"call.hangup", "call_rejected", calls.EventFailed},
		{"streaming.failed", "", calls.EventFailed},
		{"streaming.started", "", calls.EventNoop},
		{"call.dtmf.received", "", calls.EventNoop},
	}
	for _, tc := range cases {
		t.Run(tc.eventType+"/"+tc.cause, func(t *testing.T) {
			ev, err := a.Normalize(context.Background(), s.request(telnyxBody(tc.eventType, "incoming", tc.cause), now, now))
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev.Type)
			assert.Equal(t, "v3:abc", ev.CallID)
			assert.Equal(t, calls.DirectionInbound, ev.Direction)
			assert.Equal(t, now.UTC(), ev.OccurredAt)
			if tc.cause != "" {
				assert.Equal(t, tc.cause, ev.Detail)
			}
		})
	}
}

func TestTelnyxAdapter_RejectsTamperedBody(t *testing.T) {
	s := newTelnyxSigner(t)
	a := newTestTelnyxAdapter(t, s)
	now := time.Unix(1700000000, 0)

	req := s.request(telnyxBody("call.answered", "outgoing", ""), now, now)
	req.Body = []byte(telnyxBody("call.hangup", "outgoing", ""))
	_, err := a.Normalize(context.Background(), req)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestTelnyxAdapter_RejectsStaleTimestamp(t *testing.T) {
	s := newTelnyxSigner(t)
	a := newTestTelnyxAdapter(t, s)
	sent := time.Unix(1700000000, 0)

	_, err := a.Normalize(context.Background(), s.request(telnyxBody("call.answered", "outgoing", ""), sent, sent.Add(6*time.Minute)))
	assert.ErrorIs(t, err, ErrAuthentication)

	ev, err := a.Normalize(context.Background(), s.request(telnyxBody("call.answered", "outgoing", ""), sent, sent.Add(4*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, calls.DirectionOutbound, ev.Direction)
}

func TestTelnyxAdapter_Unrecognized(t *testing.T) {
	s := newTelnyxSigner(t)
	a := newTestTelnyxAdapter(t, s)
	now := time.Unix(1700000000, 0)

	_, err := a.Normalize(context.Background(), s.request(`not json`, now, now))
	assert.ErrorIs(t, err, ErrUnrecognizedPayload)

	_, err = a.Normalize(context.Background(), s.request(`{"data":{"event_type":"call.answered","payload":{}}}`, now, now))
	assert.ErrorIs(t, err, ErrUnrecognizedPayload)
}

func TestNewTelnyxAdapter_BadKey(t *testing.T) {
	_, err := NewTelnyxAdapter(base64.StdEncoding.EncodeToString([]byte("short")), 0, false)
	assert.Error(t, err)
}
