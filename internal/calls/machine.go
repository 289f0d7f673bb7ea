package calls

import "time"

// Outcome classifies what applying an event did to a session.
// None of them is an error towards the provider.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeOutOfOrder Outcome = "out_of_order"
	OutcomeNoop       Outcome = "noop"
)

// Transition is the result of Session.Apply. The caller performs the side effects it lists.
type Transition struct {
	From    State
	To      State
	Outcome Outcome

	// TeardownMedia is set when the session left ACTIVE while a relay was bound.
	TeardownMedia bool

	// Usage lists the usage kinds that became due with this transition, in order.
	Usage []UsageType
}

func (t Transition) Applied() bool { return t.Outcome == OutcomeApplied }

// Apply validates ev against the current state and mutates the session when it represents
// forward progress. It never returns an error: repeats are duplicates, regressions and
// anything after a terminal state are out-of-order, and both leave the session untouched.
//
// FAILED is accepted from every non-terminal state.
func (s *Session) Apply(ev Event, now time.Time) Transition {
	tr := Transition{From: s.State, To: s.State}

	target, ok := targetState(ev.Type)
	if !ok {
		tr.Outcome = OutcomeNoop
		return tr
	}

	at := ev.OccurredAt
	if at.IsZero() {
		at = now
	}
	at = at.UTC()

	switch {
	case s.State.Terminal():
		if target == s.State {
			tr.Outcome = OutcomeDuplicate
		} else {
			tr.Outcome = OutcomeOutOfOrder
		}
		return tr
	case target == StateFailed:
		// always wins
	case target == s.State:
		tr.Outcome = OutcomeDuplicate
		return tr
	case target == StateAnswered && s.State.rank() > StateAnswered.rank():
		// ANSWERED repeats after ACTIVE are still idempotent repeats, not regressions.
		tr.Outcome = OutcomeDuplicate
		return tr
	case target.rank() < s.State.rank():
		tr.Outcome = OutcomeOutOfOrder
		return tr
	}

	s.State = target
	tr.To = target
	tr.Outcome = OutcomeApplied

	if target.rank() >= StateAnswered.rank() && !target.Terminal() && s.AnsweredAt == nil {
		s.AnsweredAt = &at
		tr.Usage = append(tr.Usage, StartedUsage(s.Direction))
	}

	if target.Terminal() {
		if s.EndedAt == nil {
			s.EndedAt = &at
		}
		if s.EndReason == "" {
			s.EndReason = ev.Detail
		}
		if s.Media != nil {
			tr.TeardownMedia = true
		}
		if target == StateFailed {
			tr.Usage = append(tr.Usage, FailedUsage(s.Direction))
		} else {
			tr.Usage = append(tr.Usage, CompletedUsage(s.Direction))
		}
	}
	return tr
}
