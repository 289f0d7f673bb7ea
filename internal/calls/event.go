package calls

import "time"

// EventType is the canonical, provider-independent call-control signal.
type EventType string

const (
	EventInitiated  EventType = "initiated"
	EventRinging    EventType = "ringing"
	EventAnswered   EventType = "answered"
	EventMediaReady EventType = "media_ready"
	EventEnded      EventType = "ended"
	EventFailed     EventType = "failed"

	// EventNoop is any recognised but state-irrelevant provider notification.
	EventNoop EventType = "noop"
)

// Event is built by a provider adapter, consumed once by the bridge, then discarded.
type Event struct {
	Provider   Provider
	CallID     string
	Type       EventType
	OccurredAt time.Time

	// Direction is empty when the provider payload does not say.
	Direction Direction
	From      string
	To        string

	// Detail carries the provider status or hangup cause for logs and EndReason.
	Detail string

	Raw []byte
}

func (e Event) Key() Key { return Key{Provider: e.Provider, CallID: e.CallID} }

// CreatesSession reports whether the event may open a new session when none exists.
// Only inbound setup signals do; outbound sessions are seeded by the initiator.
func (e Event) CreatesSession() bool {
	if e.Direction != DirectionInbound {
		return false
	}
	return e.Type == EventInitiated || e.Type == EventRinging
}
