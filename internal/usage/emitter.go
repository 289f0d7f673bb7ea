package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"telephony-bridge/internal/calls"
	"telephony-bridge/internal/metrics"
)

// Config controls the delivery worker pool.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// ClaimTTL bounds how long a crashed replica holds an event's claim.
	ClaimTTL time.Duration
	// AttemptTimeout bounds one Deliver call.
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 1024
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = 200 * time.Millisecond
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 10 * time.Second
	}
	if out.ClaimTTL <= 0 {
		out.ClaimTTL = 24 * time.Hour
	}
	if out.AttemptTimeout <= 0 {
		out.AttemptTimeout = 5 * time.Second
	}
	return out
}

// Emitter hands usage events to sinks asynchronously.
//
// Emit is called by the bridge while it holds the call lock; it records the kind on the
// session and returns without waiting for any sink.
type Emitter struct {
	cfg     Config
	claimer Claimer
	sinks   []Sink
	log     *slog.Logger
	now     func() time.Time

	queue chan Event

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.RWMutex
	stopped bool

	startOnce sync.Once
	workers   sync.WaitGroup
	overflow  sync.WaitGroup
}

// NewEmitter builds an emitter. claimer may be nil, in which case deduplication relies on
// the session's emitted set and on the sinks themselves.
func NewEmitter(cfg Config, claimer Claimer, log *slog.Logger, sinks ...Sink) *Emitter {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Emitter{
		cfg:     cfg,
		claimer: claimer,
		sinks:   sinks,
		log:     log.With("component", "usage"),
		now:     time.Now,
		queue:   make(chan Event, cfg.QueueSize),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Start launches the worker pool. Calling it more than once has no effect.
func (e *Emitter) Start() {
	e.startOnce.Do(func() {
		for i := 0; i < e.cfg.Workers; i++ {
			e.workers.Add(1)
			go func() {
				defer e.workers.Done()
				for ev := range e.queue {
					e.deliver(e.baseCtx, ev)
				}
			}()
		}
	})
}

// Emit records t on s and schedules delivery. Repeated kinds are silent successes.
// The caller must hold the session's call lock.
func (e *Emitter) Emit(s *calls.Session, t calls.UsageType, units int64) error {
	if s == nil || s.OrganizationID == "" || s.Key.CallID == "" || t == "" {
		return fmt.Errorf("%w: session, organization, call id and type are required", ErrEmit)
	}
	if units < 0 {
		return fmt.Errorf("%w: negative units", ErrEmit)
	}
	if !s.MarkEmitted(t) {
		return nil
	}

	ev := Event{
		ID:             uuid.NewString(),
		OrganizationID: s.OrganizationID,
		Provider:       s.Key.Provider,
		CallID:         s.Key.CallID,
		Type:           t,
		Units:          units,
		OccurredAt:     e.now().UTC(),
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		s.UnmarkEmitted(t)
		return fmt.Errorf("%w: emitter stopped", ErrEmit)
	}

	select {
	case e.queue <- ev:
	default:
		// Queue full: deliver on a dedicated goroutine rather than block the call lock.
		e.overflow.Add(1)
		go func() {
			defer e.overflow.Done()
			e.deliver(e.baseCtx, ev)
		}()
	}
	return nil
}

// Close stops accepting events and waits for queued deliveries. If ctx expires first,
// in-flight retries are abandoned.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	close(e.queue)
	e.mu.Unlock()

	// Workers that were never started still have to drain the queue.
	e.Start()

	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		e.overflow.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

func (e *Emitter) deliver(ctx context.Context, ev Event) {
	log := e.log.With("provider", string(ev.Provider), "call_id", ev.CallID, "usage_type", string(ev.Type))

	if e.claimer != nil {
		ok, err := e.claimer.Claim(ctx, ev.DedupeKey(), e.cfg.ClaimTTL)
		switch {
		case err != nil:
			// Sinks dedupe on their own; an unreachable claim store must not lose usage.
			log.Warn("usage claim failed, delivering unclaimed", "error", err)
		case !ok:
			metrics.UsageEventsTotal.WithLabelValues("claim", string(ev.Type), "duplicate").Inc()
			log.Debug("usage event already claimed")
			return
		}
	}

	failed := false
	for _, sink := range e.sinks {
		start := time.Now()
		err := e.deliverTo(ctx, sink, ev)
		metrics.UsageDeliveryDuration.WithLabelValues(sink.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			failed = true
			metrics.UsageEventsTotal.WithLabelValues(sink.Name(), string(ev.Type), "failed").Inc()
			log.Error("usage delivery failed", "sink", sink.Name(), "event_id", ev.ID, "error", err)
			continue
		}
		metrics.UsageEventsTotal.WithLabelValues(sink.Name(), string(ev.Type), "delivered").Inc()
	}

	if failed && e.claimer != nil {
		relCtx, cancel := context.WithTimeout(context.Background(), e.cfg.AttemptTimeout)
		defer cancel()
		if err := e.claimer.Release(relCtx, ev.DedupeKey()); err != nil {
			log.Warn("usage claim release failed", "error", err)
		}
	}
}

func (e *Emitter) deliverTo(ctx context.Context, sink Sink, ev Event) error {
	var err error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		err = sink.Deliver(attemptCtx, ev)
		cancel()
		if err == nil || IsPermanent(err) {
			return err
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(e.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (gave up: %v)", err, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("after %d attempts: %w", e.cfg.MaxAttempts, err)
}

func (e *Emitter) backoff(attempt int) time.Duration {
	d := e.cfg.BaseBackoff << (attempt - 1)
	if d <= 0 || d > e.cfg.MaxBackoff {
		return e.cfg.MaxBackoff
	}
	return d
}
