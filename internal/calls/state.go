package calls

// State is the lifecycle position of a call.
type State string

const (
	StatePending  State = "pending"
	StateRinging  State = "ringing"
	StateAnswered State = "answered"
	StateActive   State = "active"
	StateEnded    State = "ended"
	StateFailed   State = "failed"
)

// rank orders states for forward-progress checks. Both terminal states share the top rank.
func (s State) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateRinging:
		return 1
	case StateAnswered:
		return 2
	case StateActive:
		return 3
	case StateEnded, StateFailed:
		return 4
	default:
		return -1
	}
}

func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

// targetState maps an event to the state it asks for. ok is false for noop.
func targetState(t EventType) (State, bool) {
	switch t {
	case EventInitiated:
		return StatePending, true
	case EventRinging:
		return StateRinging, true
	case EventAnswered:
		return StateAnswered, true
	case EventMediaReady:
		return StateActive, true
	case EventEnded:
		return StateEnded, true
	case EventFailed:
		return StateFailed, true
	default:
		return "", false
	}
}
