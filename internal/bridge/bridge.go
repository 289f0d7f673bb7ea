package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"telephony-bridge/internal/calls"
	"telephony-bridge/internal/directory"
	"telephony-bridge/internal/metrics"
	"telephony-bridge/internal/registry"
	"telephony-bridge/internal/relay"
	"telephony-bridge/internal/telephony"
)

// ErrNotBound is returned by AttachMedia when the stream could not be attached to its call.
var ErrNotBound = errors.New("bridge: media not bound")

// AgentDialer opens the agent side of a media relay. Satisfied by relay.Dialer.
type AgentDialer interface {
	Dial(ctx context.Context, key calls.Key, organizationID string) (relay.FrameConn, error)
}

// Emitter is satisfied by *usage.Emitter.
type Emitter interface {
	Emit(s *calls.Session, t calls.UsageType, units int64) error
}

// CapacityReleaser frees an organization's outbound call slot. Satisfied by *initiator.Initiator.
type CapacityReleaser interface {
	Release(ctx context.Context, organizationID string)
}

// FailureRecorder is satisfied by *audit.Service.
type FailureRecorder interface {
	LogRelayFailure(ctx context.Context, organizationID, provider, callID, reason string) error
}

type Deps struct {
	Registry  *registry.Registry
	Directory directory.Resolver
	Usage     Emitter
	Controls  telephony.Controls
	Agent     AgentDialer
	Relay     relay.Config

	// Optional.
	Capacity CapacityReleaser
	Activity FailureRecorder

	// StaleAfter fails calls that never got media and made no progress for this long.
	// 0 disables it.
	StaleAfter time.Duration
}

// Result is what HandleEvent did with one provider event.
type Result struct {
	Outcome calls.Outcome
	State   calls.State
	Created bool
	// Unknown is set when the event referred to no live call and could not create one.
	Unknown bool
	// Rejected is set when an inbound call was refused because nobody owns the number.
	Rejected bool
	// Stream is set when the provider should be told to start streaming media.
	Stream bool
}

// Bridge coordinates provider events, call state, media relays and usage.
//
// Locking: everything that touches a session runs inside registry.Do/GetOrCreate.
// Network calls (directory lookups, agent dials, provider REST) never run under a call lock.
type Bridge struct {
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	// relays run on baseCtx so they outlive the HTTP request that attached them.
	baseCtx context.Context
	cancel  context.CancelFunc

	relays sync.WaitGroup
	async  sync.WaitGroup

	asyncTimeout time.Duration
}

func New(deps Deps, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		deps:         deps,
		log:          log.With("component", "bridge"),
		now:          time.Now,
		baseCtx:      ctx,
		cancel:       cancel,
		asyncTimeout: 10 * time.Second,
	}
}

var _ telephony.Dispatcher = (*Bridge)(nil)
var _ telephony.MediaAttacher = (*Bridge)(nil)

// Dispatch implements telephony.Dispatcher.
func (b *Bridge) Dispatch(ctx context.Context, ev calls.Event) (telephony.Reply, error) {
	res, err := b.HandleEvent(ctx, ev)
	switch {
	case err != nil:
		return telephony.ReplyAck, err
	case res.Rejected:
		return telephony.ReplyReject, nil
	case res.Stream:
		return telephony.ReplyStream, nil
	}
	return telephony.ReplyAck, nil
}

// HandleEvent applies one canonical event. Only inbound setup events may create a session;
// any other event for an unknown call is acknowledged and dropped.
func (b *Bridge) HandleEvent(ctx context.Context, ev calls.Event) (Result, error) {
	log := b.log.With("provider", string(ev.Provider), "call_id", ev.CallID, "event", string(ev.Type))

	if ev.Type == calls.EventNoop {
		metrics.TransitionsTotal.WithLabelValues(string(ev.Provider), string(ev.Type), string(calls.OutcomeNoop)).Inc()
		return Result{Outcome: calls.OutcomeNoop}, nil
	}

	if ev.CreatesSession() {
		return b.handleInboundSetup(ctx, ev, log)
	}

	return b.applyExisting(ctx, ev, log)
}

func (b *Bridge) applyExisting(ctx context.Context, ev calls.Event, log *slog.Logger) (Result, error) {
	var res Result
	err := b.deps.Registry.Do(ctx, ev.Key(), func(s *calls.Session) error {
		tr := b.applyLocked(s, ev, log)
		res = Result{Outcome: tr.Outcome, State: s.State}
		return nil
	})
	if errors.Is(err, registry.ErrNotFound) {
		log.Debug("event for unknown call ignored")
		metrics.TransitionsTotal.WithLabelValues(string(ev.Provider), string(ev.Type), "unknown_call").Inc()
		return Result{Outcome: calls.OutcomeNoop, Unknown: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("apply %s: %w", ev.Type, err)
	}
	return res, nil
}

func (b *Bridge) handleInboundSetup(ctx context.Context, ev calls.Event, log *slog.Logger) (Result, error) {
	key := ev.Key()

	// Resolve the owner outside any lock. A live session keeps the organization it was
	// created with, so lookup failures only matter for new calls.
	orgID, err := b.deps.Directory.Resolve(ctx, ev.Provider, ev.To)
	if err != nil {
		if _, gerr := b.deps.Registry.Get(ctx, key); gerr == nil {
			return b.applyExisting(ctx, ev, log)
		}
		if !errors.Is(err, directory.ErrUnknownNumber) {
			return Result{}, fmt.Errorf("resolve organization: %w", err)
		}
		log.Warn("inbound call to unassigned number rejected", "to", ev.To)
		metrics.TransitionsTotal.WithLabelValues(string(ev.Provider), string(ev.Type), "rejected").Inc()
		if ev.Provider != calls.ProviderTwilio {
			// Twilio is refused through the webhook reply; others need an API call.
			b.hangupAsync(key, "unassigned number")
		}
		return Result{Outcome: calls.OutcomeNoop, Rejected: true}, nil
	}

	newSession := func() *calls.Session {
		s := calls.NewSession(key, orgID, calls.DirectionInbound, b.now())
		s.From = ev.From
		s.To = ev.To
		return s
	}

	var res Result
	err = b.deps.Registry.GetOrCreate(ctx, key, newSession, func(s *calls.Session, created bool) error {
		if created {
			log.Info("inbound call registered", "organization_id", s.OrganizationID)
		}
		tr := b.applyLocked(s, ev, log)
		res = Result{
			Outcome: tr.Outcome,
			State:   s.State,
			Created: created,
			Stream:  !s.State.Terminal() && !s.HasMedia(),
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("register inbound call: %w", err)
	}

	if res.Created {
		b.answerAsync(key)
	}
	return res, nil
}

// applyLocked runs the state machine and performs the side effects of the transition.
// The caller holds the call lock.
func (b *Bridge) applyLocked(s *calls.Session, ev calls.Event, log *slog.Logger) calls.Transition {
	tr := s.Apply(ev, b.now())
	metrics.TransitionsTotal.WithLabelValues(string(ev.Provider), string(ev.Type), string(tr.Outcome)).Inc()

	switch tr.Outcome {
	case calls.OutcomeOutOfOrder:
		log.Warn("out of order event discarded", "state", s.State)
		return tr
	case calls.OutcomeDuplicate, calls.OutcomeNoop:
		log.Debug("event had no effect", "outcome", tr.Outcome, "state", s.State)
		return tr
	}

	log.Info("call state changed", "from", tr.From, "to", tr.To, "detail", ev.Detail)

	if tr.TeardownMedia && s.Media != nil {
		s.Media.Teardown()
		s.Media = nil
	}

	for _, kind := range tr.Usage {
		if err := b.deps.Usage.Emit(s, kind, usageUnits(s, kind)); err != nil {
			log.Warn("usage event not emitted", "usage_type", kind, "error", err)
		}
	}

	if tr.To.Terminal() && s.Direction == calls.DirectionOutbound && b.deps.Capacity != nil {
		org := s.OrganizationID
		b.goAsync(func(ctx context.Context) { b.deps.Capacity.Release(ctx, org) })
	}
	return tr
}

// usageUnits: billable seconds for completed calls, one per call otherwise.
func usageUnits(s *calls.Session, kind calls.UsageType) int64 {
	if kind == calls.CompletedUsage(s.Direction) {
		return s.BillableSeconds()
	}
	return 1
}

// AttachMedia binds a provider media stream to its call: it dials the agent, applies
// media_ready and starts a relay. On error the caller still owns stream.
func (b *Bridge) AttachMedia(ctx context.Context, stream *telephony.MediaStream) error {
	key := stream.Key()
	log := b.log.With("provider", string(key.Provider), "call_id", key.CallID)

	snap, err := b.deps.Registry.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotBound, err)
	}
	if snap.State.Terminal() {
		return fmt.Errorf("%w: call is %s", ErrNotBound, snap.State)
	}

	agent, err := b.deps.Agent.Dial(ctx, key, snap.OrganizationID)
	if err != nil {
		log.Error("agent media dial failed", "error", err)
		b.failCall(key, "agent unreachable: "+err.Error(), log)
		return fmt.Errorf("%w: %v", ErrNotBound, err)
	}

	var bound bool
	err = b.deps.Registry.Do(ctx, key, func(s *calls.Session) error {
		b.applyLocked(s, stream.ReadyEvent(b.now()), log)
		if s.State != calls.StateActive || s.HasMedia() {
			return nil
		}
		if b.baseCtx.Err() != nil {
			return errors.New("bridge is shutting down")
		}

		var r *relay.Relay
		hooks := relay.Hooks{
			OnExit: func(exit relay.Exit) { b.onRelayExit(exit, func() *relay.Relay { return r }) },
			OnDrop: func(dir relay.Direction, reason string) {
				metrics.RelayFramesDroppedTotal.WithLabelValues(string(dir), reason).Inc()
			},
		}
		b.relays.Add(1)
		metrics.RelaysActive.WithLabelValues(string(key.Provider)).Inc()
		r = relay.Attach(b.baseCtx, key, stream, agent, b.deps.Relay, hooks, b.log)
		s.Media = r
		bound = true
		return nil
	})
	if err != nil || !bound {
		_ = agent.Close()
		if err == nil {
			err = errors.New("session not ready for media")
		}
		return fmt.Errorf("%w: %v", ErrNotBound, err)
	}
	log.Info("media relay started")
	return nil
}

// onRelayExit runs on the relay's goroutine once both sockets are closed. self is only
// read under the call lock, which AttachMedia holds until the relay is assigned.
func (b *Bridge) onRelayExit(exit relay.Exit, self func() *relay.Relay) {
	defer b.relays.Done()
	key := exit.Key
	metrics.RelaysActive.WithLabelValues(string(key.Provider)).Dec()
	metrics.RelayExitsTotal.WithLabelValues(string(key.Provider), string(exit.Reason)).Inc()

	log := b.log.With("provider", string(key.Provider), "call_id", key.CallID)

	ctx, cancel := context.WithTimeout(context.Background(), b.asyncTimeout)
	defer cancel()
	err := b.deps.Registry.Do(ctx, key, func(s *calls.Session) error {
		if current, ok := s.Media.(*relay.Relay); ok && current == self() {
			s.Media = nil
		}
		return nil
	})
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		log.Warn("relay exit bookkeeping failed", "error", err)
	}

	if exit.Reason == relay.ExitFailure {
		b.failCall(key, fmt.Sprintf("relay failure: %v", exit.Err), log)
	}
}

// failCall moves the call to FAILED and hangs it up at the provider.
func (b *Bridge) failCall(key calls.Key, reason string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), b.asyncTimeout)
	defer cancel()

	ev := calls.Event{
		Provider:   key.Provider,
		CallID:     key.CallID,
		Type:       calls.EventFailed,
		OccurredAt: b.now(),
		Detail:     reason,
	}
	var (
		applied bool
		org     string
	)
	err := b.deps.Registry.Do(ctx, key, func(s *calls.Session) error {
		applied = b.applyLocked(s, ev, log).Applied()
		org = s.OrganizationID
		return nil
	})
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			log.Warn("could not fail call", "error", err)
		}
		return
	}
	if !applied {
		return
	}

	b.hangupAsync(key, reason)
	if b.deps.Activity != nil {
		if err := b.deps.Activity.LogRelayFailure(ctx, org, string(key.Provider), key.CallID, reason); err != nil {
			log.Warn("relay failure activity not recorded", "error", err)
		}
	}
}

// ExpireStale fails calls whose terminal webhook never arrived. A call with media bound
// is left alone: the relay ends it. The failure settles usage and capacity like any other
// terminal event, and the provider leg is hung up in case it is still alive.
func (b *Bridge) ExpireStale(ctx context.Context) int {
	n := 0
	for _, key := range b.deps.Registry.Stale(b.now(), b.deps.StaleAfter) {
		log := b.log.With("provider", string(key.Provider), "call_id", key.CallID)
		ev := calls.Event{
			Provider:   key.Provider,
			CallID:     key.CallID,
			Type:       calls.EventFailed,
			OccurredAt: b.now(),
			Detail:     "stale",
		}
		var applied bool
		err := b.deps.Registry.Do(ctx, key, func(s *calls.Session) error {
			if s.State.Terminal() || s.HasMedia() {
				return nil
			}
			applied = b.applyLocked(s, ev, log).Applied()
			return nil
		})
		if err != nil {
			if !errors.Is(err, registry.ErrNotFound) {
				log.Warn("could not expire stale call", "error", err)
			}
			continue
		}
		if applied {
			log.Warn("stale call failed", "after", b.deps.StaleAfter)
			b.hangupAsync(key, "stale")
			n++
		}
	}
	return n
}

// Run expires stale calls on every tick until ctx is done.
func (b *Bridge) Run(ctx context.Context, interval time.Duration) {
	if b.deps.StaleAfter <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.ExpireStale(ctx)
		}
	}
}

func (b *Bridge) answerAsync(key calls.Key) {
	ctl, ok := b.deps.Controls.Get(key.Provider)
	if !ok {
		return
	}
	b.goAsync(func(ctx context.Context) {
		if err := ctl.Answer(ctx, key.CallID); err != nil {
			b.log.Error("answer failed", "provider", string(key.Provider), "call_id", key.CallID, "error", err)
		}
	})
}

func (b *Bridge) hangupAsync(key calls.Key, reason string) {
	ctl, ok := b.deps.Controls.Get(key.Provider)
	if !ok {
		return
	}
	b.goAsync(func(ctx context.Context) {
		if err := ctl.Hangup(ctx, key.CallID); err != nil {
			b.log.Warn("hangup failed", "provider", string(key.Provider), "call_id", key.CallID, "reason", reason, "error", err)
		}
	})
}

func (b *Bridge) goAsync(fn func(ctx context.Context)) {
	b.async.Add(1)
	go func() {
		defer b.async.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.asyncTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Snapshot returns a detached copy of the session for key.
func (b *Bridge) Snapshot(ctx context.Context, key calls.Key) (calls.Session, error) {
	return b.deps.Registry.Get(ctx, key)
}

// Shutdown tears down every relay and waits for relays and pending provider calls.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.relays.Wait()
		b.async.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
