package calls

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1700000000, 0).UTC()

type countingMedia struct{ teardowns int }

func (m *countingMedia) Teardown() { m.teardowns++ }

func newInbound() *Session {
	return NewSession(Key{Provider: ProviderTwilio, CallID: "CA1"}, "org-1", DirectionInbound, t0)
}

func ev(t EventType, offset time.Duration) Event {
	return Event{Provider: ProviderTwilio, CallID: "CA1", Type: t, OccurredAt: t0.Add(offset)}
}

func TestApply_InboundLifecycle(t *testing.T) {
	s := newInbound()
	steps := []struct {
		event EventType
		want  State
	}{
		{EventInitiated, StatePending},
		{EventRinging, StateRinging},
		{EventAnswered, StateAnswered},
		{EventMediaReady, StateActive},
		{EventEnded, StateEnded},
	}

	var usage []UsageType
	for i, st := range steps {
		tr := s.Apply(ev(st.event, time.Duration(i)*time.Second), t0)
		assert.Equal(t, st.want, s.State, "after %s", st.event)
		usage = append(usage, tr.Usage...)
	}

	assert.Equal(t, []UsageType{"call_inbound_started", "call_inbound_completed"}, usage)
	require.NotNil(t, s.AnsweredAt)
	require.NotNil(t, s.EndedAt)
	assert.Equal(t, t0.Add(2*time.Second), *s.AnsweredAt)
	assert.Equal(t, int64(2), s.BillableSeconds())
}

func TestApply_DuplicateAnsweredKeepsFirstTimestamp(t *testing.T) {
	s := newInbound()
	first := s.Apply(ev(EventAnswered, time.Second), t0)
	require.True(t, first.Applied())
	require.Len(t, first.Usage, 1)

	for _, st := range []State{StateAnswered, StateActive} {
		s.State = st
		tr := s.Apply(ev(EventAnswered, 10*time.Second), t0)
		assert.Equal(t, OutcomeDuplicate, tr.Outcome)
		assert.Empty(t, tr.Usage)
		assert.Equal(t, st, s.State)
		assert.Equal(t, t0.Add(time.Second), *s.AnsweredAt)
	}
}

func TestApply_RegressiveEventsAreDiscarded(t *testing.T) {
	s := newInbound()
	s.Apply(ev(EventMediaReady, time.Second), t0)
	require.Equal(t, StateActive, s.State)

	tr := s.Apply(ev(EventRinging, 2*time.Second), t0)
	assert.Equal(t, OutcomeOutOfOrder, tr.Outcome)
	assert.Equal(t, StateActive, s.State)
	assert.False(t, tr.TeardownMedia)
}

func TestApply_SkippingStatesSetsAnsweredAt(t *testing.T) {
	s := newInbound()
	tr := s.Apply(ev(EventMediaReady, 3*time.Second), t0)
	require.True(t, tr.Applied())
	require.NotNil(t, s.AnsweredAt)
	assert.Equal(t, []UsageType{"call_inbound_started"}, tr.Usage)
}

func TestApply_FailedWinsFromEveryNonTerminalState(t *testing.T) {
	for _, st := range []State{StatePending, StateRinging, StateAnswered, StateActive} {
		t.Run(string(st), func(t *testing.T) {
			s := newInbound()
			s.State = st
			m := &countingMedia{}
			if st == StateActive {
				s.Media = m
			}

			tr := s.Apply(ev(EventFailed, time.Second), t0)
			require.True(t, tr.Applied())
			assert.Equal(t, StateFailed, s.State)
			assert.Equal(t, st == StateActive, tr.TeardownMedia)
			assert.Contains(t, tr.Usage, FailedUsage(DirectionInbound))

			again := s.Apply(ev(EventFailed, 2*time.Second), t0)
			assert.Equal(t, OutcomeDuplicate, again.Outcome)
			assert.False(t, again.TeardownMedia)
		})
	}
}

func TestApply_LateRingingAfterEndedIsNoop(t *testing.T) {
	s := newInbound()
	s.Apply(ev(EventAnswered, time.Second), t0)
	s.Apply(ev(EventEnded, 5*time.Second), t0)
	before := s.Snapshot()

	tr := s.Apply(ev(EventRinging, 6*time.Second), t0)
	assert.Equal(t, OutcomeOutOfOrder, tr.Outcome)
	assert.Empty(t, tr.Usage)
	assert.Equal(t, before.State, s.State)
	assert.Equal(t, *before.EndedAt, *s.EndedAt)

	tr = s.Apply(ev(EventFailed, 7*time.Second), t0)
	assert.Equal(t, OutcomeOutOfOrder, tr.Outcome)
	assert.Equal(t, StateEnded, s.State)
}

func TestApply_NoopNeverTransitions(t *testing.T) {
	s := newInbound()
	tr := s.Apply(ev(EventNoop, time.Second), t0)
	assert.Equal(t, OutcomeNoop, tr.Outcome)
	assert.Equal(t, StatePending, s.State)
}

func TestApply_EndedWithoutAnswerBillsZero(t *testing.T) {
	s := NewSession(Key{Provider: ProviderTelnyx, CallID: "v3:abc"}, "org", DirectionOutbound, t0)
	tr := s.Apply(Event{Type: EventEnded, OccurredAt: t0.Add(30 * time.Second), Detail: "no-answer"}, t0)
	assert.Equal(t, []UsageType{"call_outbound_completed"}, tr.Usage)
	assert.Equal(t, int64(0), s.BillableSeconds())
	assert.Equal(t, "no-answer", s.EndReason)
}

func TestSession_MarkEmittedIsIdempotent(t *testing.T) {
	s := newInbound()
	assert.True(t, s.MarkEmitted("call_inbound_started"))
	assert.False(t, s.MarkEmitted("call_inbound_started"))
	assert.True(t, s.HasEmitted("call_inbound_started"))

	snap := s.Snapshot()
	s.UnmarkEmitted("call_inbound_started")
	assert.True(t, snap.HasEmitted("call_inbound_started"))
	assert.False(t, s.HasEmitted("call_inbound_started"))
}

func TestEvent_CreatesSession(t *testing.T) {
	assert.True(t, Event{Type: EventInitiated, Direction: DirectionInbound}.CreatesSession())
	assert.True(t, Event{Type: EventRinging, Direction: DirectionInbound}.CreatesSession())
	assert.False(t, Event{Type: EventInitiated, Direction: DirectionOutbound}.CreatesSession())
	assert.False(t, Event{Type: EventAnswered, Direction: DirectionInbound}.CreatesSession())
}
