package telephony

import (
	"net/url"
	"strings"
)

// TwilioForm captures the subset of voice webhook fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/twiml#request-parameters
type TwilioForm struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	Direction  string
	CallStatus string
	Timestamp  string

	// CallDuration is only present on the final callback.
	CallDuration   string
	SequenceNumber string
}

func ParseTwilioForm(v url.Values) TwilioForm {
	return TwilioForm{
		CallSid:        strings.TrimSpace(v.Get("CallSid")),
		AccountSid:     v.Get("AccountSid"),
		From:           normalizePhone(v.Get("From")),
		To:             normalizePhone(v.Get("To")),
		Direction:      v.Get("Direction"),
		CallStatus:     v.Get("CallStatus"),
		Timestamp:      v.Get("Timestamp"),
		CallDuration:   v.Get("CallDuration"),
		SequenceNumber: v.Get("SequenceNumber"),
	}
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}
