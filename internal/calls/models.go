package calls

import (
	"fmt"
	"time"
)

// Provider identifies the telephony carrier that owns a call.
type Provider string

const (
	ProviderTwilio Provider = "twilio"
	ProviderTelnyx Provider = "telnyx"
)

func (p Provider) Valid() bool {
	return p == ProviderTwilio || p == ProviderTelnyx
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Key is the global identity of a call: provider call IDs are only unique per provider.
type Key struct {
	Provider Provider `json:"provider"`
	CallID   string   `json:"call_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Provider, k.CallID)
}

// MediaHandle is the session's reference to the relay streaming its audio.
// Teardown must be idempotent and must not block on the remote peers.
type MediaHandle interface {
	Teardown()
}

// Session is one phone call end-to-end.
//
// Concurrency: a Session is owned by the registry entry for its Key and must only be
// touched by the holder of that entry's lock. Snapshot returns a detached copy for readers.
type Session struct {
	Key            Key       `json:"key"`
	OrganizationID string    `json:"organization_id"`
	Direction      Direction `json:"direction"`
	State          State     `json:"state"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`

	// EndReason is the provider hangup cause or the relay failure that ended the call.
	EndReason string `json:"end_reason,omitempty"`

	// Media is set only while State == StateActive.
	Media MediaHandle `json:"-"`

	emitted map[UsageType]struct{}
}

// NewSession creates a PENDING session. startedAt is the creation time of the call.
func NewSession(key Key, organizationID string, dir Direction, startedAt time.Time) *Session {
	t := startedAt.UTC()
	return &Session{
		Key:            key,
		OrganizationID: organizationID,
		Direction:      dir,
		State:          StatePending,
		StartedAt:      &t,
		emitted:        map[UsageType]struct{}{},
	}
}

// HasEmitted reports whether a usage kind was already emitted for this call.
func (s *Session) HasEmitted(t UsageType) bool {
	_, ok := s.emitted[t]
	return ok
}

// MarkEmitted records t and reports whether it was newly added.
func (s *Session) MarkEmitted(t UsageType) bool {
	if s.emitted == nil {
		s.emitted = map[UsageType]struct{}{}
	}
	if _, ok := s.emitted[t]; ok {
		return false
	}
	s.emitted[t] = struct{}{}
	return true
}

// UnmarkEmitted is used when an emission could not be handed off at all.
func (s *Session) UnmarkEmitted(t UsageType) {
	delete(s.emitted, t)
}

// Emitted lists the usage kinds emitted so far.
func (s *Session) Emitted() []UsageType {
	out := make([]UsageType, 0, len(s.emitted))
	for t := range s.emitted {
		out = append(out, t)
	}
	return out
}

// HasMedia reports whether a relay is bound to the session.
func (s *Session) HasMedia() bool { return s.Media != nil }

// Snapshot returns a copy that is safe to read without holding the call lock.
// The media handle is not carried over.
func (s *Session) Snapshot() Session {
	out := *s
	out.Media = nil
	out.StartedAt = copyTime(s.StartedAt)
	out.AnsweredAt = copyTime(s.AnsweredAt)
	out.EndedAt = copyTime(s.EndedAt)
	out.emitted = make(map[UsageType]struct{}, len(s.emitted))
	for t := range s.emitted {
		out.emitted[t] = struct{}{}
	}
	return out
}

// BillableSeconds is the answered duration rounded up to whole seconds; 0 if never answered.
func (s *Session) BillableSeconds() int64 {
	if s.AnsweredAt == nil || s.EndedAt == nil {
		return 0
	}
	d := s.EndedAt.Sub(*s.AnsweredAt)
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// UsageType is a billable/activity event kind, e.g. call_inbound_started.
type UsageType string

const (
	usageStarted   = "started"
	usageCompleted = "completed"
	usageFailed    = "failed"
)

func usageFor(dir Direction, kind string) UsageType {
	return UsageType(fmt.Sprintf("call_%s_%s", dir, kind))
}

func StartedUsage(dir Direction) UsageType   { return usageFor(dir, usageStarted) }
func CompletedUsage(dir Direction) UsageType { return usageFor(dir, usageCompleted) }
func FailedUsage(dir Direction) UsageType    { return usageFor(dir, usageFailed) }
