package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"telephony-bridge/internal/calls"
)

const headerTwilioSignature = "X-Twilio-Signature"

// TwilioAdapter normalizes Twilio voice status callbacks.
type TwilioAdapter struct {
	authToken string

	// insecure disables signature checks. Local development only.
	insecure bool
}

func NewTwilioAdapter(authToken string, insecure bool) *TwilioAdapter {
	return &TwilioAdapter{authToken: authToken, insecure: insecure}
}

func (a *TwilioAdapter) Provider() calls.Provider { return calls.ProviderTwilio }

func (a *TwilioAdapter) Normalize(_ context.Context, req WebhookRequest) (calls.Event, error) {
	values, err := url.ParseQuery(string(req.Body))
	if err != nil {
		// an unparsable body cannot have been signed by Twilio either
		if !a.insecure {
			return calls.Event{}, ErrAuthentication
		}
		return calls.Event{}, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}

	if !a.insecure {
		if a.authToken == "" {
			return calls.Event{}, fmt.Errorf("%w: twilio auth token not configured", ErrAuthentication)
		}
		sig := req.Header.Get(headerTwilioSignature)
		if sig == "" || !ValidTwilioSignature(a.authToken, req.URL, values, sig) {
			return calls.Event{}, ErrAuthentication
		}
	}

	form := ParseTwilioForm(values)
	if form.CallSid == "" || form.CallStatus == "" {
		return calls.Event{}, fmt.Errorf("%w: CallSid and CallStatus are required", ErrUnrecognizedPayload)
	}

	ev := calls.Event{
		Provider:   calls.ProviderTwilio,
		CallID:     form.CallSid,
		Type:       twilioEventType(form.CallStatus),
		OccurredAt: form.occurredAt(req.ReceivedAt),
		Direction:  twilioDirection(form.Direction),
		From:       form.From,
		To:         form.To,
		Detail:     form.CallStatus,
		Raw:        req.Body,
	}
	return ev, nil
}

// twilioEventType maps CallStatus. Unknown values are informational.
func twilioEventType(status string) calls.EventType {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "queued", "initiated":
		return calls.EventInitiated
	case "ringing":
		return calls.EventRinging
	case "in-progress", "answered":
		return calls.EventAnswered
	case "completed", "no-answer", "canceled":
		return calls.EventEnded
	case "busy", "failed":
		return calls.EventFailed
	default:
		return calls.EventNoop
	}
}

// twilioDirection maps "inbound", "outbound-api" and "outbound-dial".
func twilioDirection(d string) calls.Direction {
	d = strings.ToLower(strings.TrimSpace(d))
	switch {
	case d == "inbound":
		return calls.DirectionInbound
	case strings.HasPrefix(d, "outbound"):
		return calls.DirectionOutbound
	default:
		return ""
	}
}

// ValidTwilioSignature checks X-Twilio-Signature: base64(HMAC-SHA1(token, url + sorted k/v pairs)).
func ValidTwilioSignature(authToken, fullURL string, params url.Values, signature string) bool {
	expected := TwilioSignature(authToken, fullURL, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func TwilioSignature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (f TwilioForm) occurredAt(fallback time.Time) time.Time {
	if f.Timestamp != "" {
		if t, err := time.Parse(time.RFC1123Z, f.Timestamp); err == nil {
			return t.UTC()
		}
	}
	return fallback.UTC()
}
