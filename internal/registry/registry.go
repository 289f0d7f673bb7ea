package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"telephony-bridge/internal/calls"
	"telephony-bridge/internal/metrics"
)

var ErrNotFound = errors.New("registry: call not found")

const DefaultGrace = 60 * time.Second

// entry is one live call. lock is a 1-slot channel so acquisition can honour ctx.
type entry struct {
	lock    chan struct{}
	session *calls.Session

	// guarded by lock
	removed bool

	// guarded by Registry.mu
	evictAt   time.Time
	touchedAt time.Time
}

func newEntry(s *calls.Session) *entry {
	return &entry{lock: make(chan struct{}, 1), session: s}
}

func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) tryAcquire() bool {
	select {
	case e.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *entry) release() { <-e.lock }

// Registry maps (provider, call id) to the live session and serializes all work on one call.
//
// Rules:
// - mu guards the map only and is never held while waiting for a call lock.
// - Work on different calls never contends beyond the map access.
// - Terminal sessions stay resolvable for the grace window so late webhooks are no-ops.
type Registry struct {
	mu      sync.Mutex
	entries map[calls.Key]*entry

	grace time.Duration
	now   func() time.Time
	log   *slog.Logger
}

func New(grace time.Duration, log *slog.Logger) *Registry {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		entries: map[calls.Key]*entry{},
		grace:   grace,
		now:     time.Now,
		log:     log.With("component", "registry"),
	}
}

func (r *Registry) lookup(key calls.Key) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return e, ok
}

// lockExisting returns the entry for key with its lock held.
func (r *Registry) lockExisting(ctx context.Context, key calls.Key) (*entry, error) {
	for {
		e, ok := r.lookup(key)
		if !ok {
			return nil, ErrNotFound
		}
		if err := e.acquire(ctx); err != nil {
			return nil, err
		}
		if !e.removed {
			return e, nil
		}
		// evicted while we waited; the key may have been recreated since
		e.release()
	}
}

// lockOrInsert returns the entry for key with its lock held, inserting the session
// built by newSession when the key is absent.
func (r *Registry) lockOrInsert(ctx context.Context, key calls.Key, newSession func() *calls.Session) (*entry, bool, error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[key]
		if !ok {
			e = newEntry(newSession())
			// fresh entry: nobody else can hold its lock yet
			e.lock <- struct{}{}
			r.entries[key] = e
			r.mu.Unlock()
			metrics.ActiveSessions.Inc()
			return e, true, nil
		}
		r.mu.Unlock()

		if err := e.acquire(ctx); err != nil {
			return nil, false, err
		}
		if !e.removed {
			return e, false, nil
		}
		e.release()
	}
}

// finish records progress, schedules eviction for sessions that became terminal,
// then releases the call lock. Progress is creation or a state change; repeated
// no-op events do not keep a session fresh.
func (r *Registry) finish(e *entry, created bool, before calls.State) {
	progressed := created || e.session.State != before
	terminal := e.session.State.Terminal()
	if progressed || terminal {
		now := r.now()
		r.mu.Lock()
		if progressed {
			e.touchedAt = now
		}
		if terminal && e.evictAt.IsZero() {
			e.evictAt = now.Add(r.grace)
		}
		r.mu.Unlock()
	}
	e.release()
}

// Do runs fn with exclusive access to the session for key.
// fn must not retain the pointer after returning.
func (r *Registry) Do(ctx context.Context, key calls.Key, fn func(s *calls.Session) error) error {
	e, err := r.lockExisting(ctx, key)
	if err != nil {
		return err
	}
	defer r.finish(e, false, e.session.State)
	return fn(e.session)
}

// GetOrCreate runs fn with exclusive access to the session for key, creating it with
// newSession when absent. created tells fn which case applies.
func (r *Registry) GetOrCreate(ctx context.Context, key calls.Key, newSession func() *calls.Session, fn func(s *calls.Session, created bool) error) error {
	e, created, err := r.lockOrInsert(ctx, key, newSession)
	if err != nil {
		return err
	}
	defer r.finish(e, created, e.session.State)
	return fn(e.session, created)
}

// Seed stores s unless a session already exists for its key.
// It returns a snapshot of whichever session is now registered.
func (r *Registry) Seed(ctx context.Context, s *calls.Session) (calls.Session, bool, error) {
	var (
		out     calls.Session
		created bool
	)
	err := r.GetOrCreate(ctx, s.Key, func() *calls.Session { return s }, func(cur *calls.Session, c bool) error {
		out = cur.Snapshot()
		created = c
		return nil
	})
	return out, created, err
}

// Get returns a detached snapshot of the session.
func (r *Registry) Get(ctx context.Context, key calls.Key) (calls.Session, error) {
	var out calls.Session
	err := r.Do(ctx, key, func(s *calls.Session) error {
		out = s.Snapshot()
		return nil
	})
	return out, err
}

// Remove drops the session immediately. It must not be called while holding the call lock.
func (r *Registry) Remove(ctx context.Context, key calls.Key) error {
	e, err := r.lockExisting(ctx, key)
	if err != nil {
		return err
	}
	r.drop(key, e)
	e.release()
	return nil
}

// drop deletes e from the map. The caller holds e's lock.
func (r *Registry) drop(key calls.Key, e *entry) {
	e.removed = true
	r.mu.Lock()
	if cur, ok := r.entries[key]; ok && cur == e {
		delete(r.entries, key)
		metrics.ActiveSessions.Dec()
	}
	r.mu.Unlock()
}

// Sweep evicts terminal sessions whose grace window has passed. Entries that are busy
// are skipped and picked up by the next sweep.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	due := make(map[calls.Key]*entry)
	for k, e := range r.entries {
		if !e.evictAt.IsZero() && !now.Before(e.evictAt) {
			due[k] = e
		}
	}
	r.mu.Unlock()

	n := 0
	for k, e := range due {
		if !e.tryAcquire() {
			continue
		}
		if !e.removed {
			r.drop(k, e)
			n++
		}
		e.release()
	}
	if n > 0 {
		r.log.Debug("evicted terminal sessions", "count", n)
	}
	return n
}

// Stale lists non-terminal sessions that made no progress for at least after.
// The caller decides what to do with them; Stale itself changes nothing.
func (r *Registry) Stale(now time.Time, after time.Duration) []calls.Key {
	if after <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []calls.Key
	for k, e := range r.entries {
		if e.evictAt.IsZero() && !e.touchedAt.IsZero() && now.Sub(e.touchedAt) >= after {
			out = append(out, k)
		}
	}
	return out
}

// Run sweeps on every tick until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.grace / 4
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(r.now())
		}
	}
}

// Len is the number of sessions currently registered, terminal ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys lists the registered keys. Used at shutdown to tear down live media.
func (r *Registry) Keys() []calls.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.Key, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	return out
}
