package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"sort"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// Only include primitives the bridge answers with.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter,omitempty"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Reply tells the webhook handler what to answer the provider with.
type Reply int

const (
	// ReplyAck acknowledges without instructions.
	ReplyAck Reply = iota
	// ReplyStream connects the call audio to the bridge media endpoint.
	ReplyStream
	// ReplyReject refuses the call.
	ReplyReject
)

// RenderTwiML maps a Reply to TwiML. streamURL is required for ReplyStream; params are
// passed to the media socket as customParameters.
func RenderTwiML(reply Reply, streamURL string, params map[string]string) (string, error) {
	var r twimlResponse

	switch reply {
	case ReplyAck:
	case ReplyReject:
		r.Verbs = append(r.Verbs, twimlReject{Reason: "rejected"})
	case ReplyStream:
		if strings.TrimSpace(streamURL) == "" {
			return "", errors.New("telephony: stream url required for stream reply")
		}
		s := twimlStream{URL: streamURL}
		for _, k := range sortedKeys(params) {
			s.Parameters = append(s.Parameters, twimlParameter{Name: k, Value: params[k]})
		}
		r.Verbs = append(r.Verbs, twimlConnect{Stream: s})
	default:
		return "", errors.New("telephony: unknown reply")
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
