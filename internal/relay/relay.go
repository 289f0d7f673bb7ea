package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"telephony-bridge/internal/calls"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrRelayFailure means a write kept failing after all retries.
	ErrRelayFailure = errors.New("relay: write failed after retries")

	// ErrClosed is returned by a FrameConn whose socket has been closed by either side.
	ErrClosed = errors.New("relay: connection closed")

	// ErrWriteTimeout is returned by a FrameConn when a write hit its socket deadline.
	// A websocket that timed out a write is unusable afterwards.
	ErrWriteTimeout = errors.New("relay: write timeout")
)

// FrameConn is one side of a media relay: the provider media socket or the agent socket.
//
// Implementations must allow one concurrent reader and one concurrent writer, and Close
// must unblock a pending ReadFrame and be safe to call more than once.
type FrameConn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

type Direction string

const (
	ProviderToAgent Direction = "provider_to_agent"
	AgentToProvider Direction = "agent_to_provider"
)

type ExitReason string

const (
	ExitClosed   ExitReason = "closed"
	ExitTeardown ExitReason = "teardown"
	ExitCanceled ExitReason = "canceled"
	ExitFailure  ExitReason = "failure"
)

// Exit describes why a relay stopped. Err wraps ErrRelayFailure when Reason is ExitFailure.
type Exit struct {
	Key    calls.Key
	Reason ExitReason
	Err    error
	Stats  Stats
}

type Hooks struct {
	// OnExit is called exactly once, after both sockets are closed.
	OnExit func(Exit)

	// OnDrop is called for every frame discarded by backpressure. reason is queue_full or write_timeout.
	OnDrop func(dir Direction, reason string)
}

// Config bounds each direction.
//
// WriteTimeout is the per-frame budget: a frame that could not start being written
// within WriteTimeout of being read is dropped. StallTimeout is the socket write
// deadline; a write that blocks that long ends the relay with ErrRelayFailure.
type Config struct {
	QueueSize       int
	WriteTimeout    time.Duration
	StallTimeout    time.Duration
	MaxWriteRetries int
	RetryBackoff    time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.QueueSize <= 0 {
		out.QueueSize = 64
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.StallTimeout < out.WriteTimeout {
		out.StallTimeout = 5 * out.WriteTimeout
	}
	if out.MaxWriteRetries < 0 {
		out.MaxWriteRetries = 0
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = 50 * time.Millisecond
	}
	return out
}

type Stats struct {
	Forwarded map[Direction]int64 `json:"forwarded"`
	Dropped   map[Direction]int64 `json:"dropped"`
}

type counters struct {
	forwarded atomic.Int64
	dropped   atomic.Int64
}

// Relay pumps frames both ways between a provider media socket and an agent socket.
// It implements calls.MediaHandle.
type Relay struct {
	key      calls.Key
	provider FrameConn
	agent    FrameConn
	cfg      Config
	hooks    Hooks
	log      *slog.Logger

	cancel   context.CancelFunc
	tornDown atomic.Bool
	done     chan struct{}

	closeProvider sync.Once
	closeAgent    sync.Once

	stats map[Direction]*counters
}

var _ calls.MediaHandle = (*Relay)(nil)

// Attach starts relaying immediately and returns without blocking.
func Attach(ctx context.Context, key calls.Key, providerConn, agentConn FrameConn, cfg Config, hooks Hooks, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	rctx, cancel := context.WithCancel(ctx)
	r := &Relay{
		key:      key,
		provider: providerConn,
		agent:    agentConn,
		cfg:      cfg,
		hooks:    hooks,
		log:      log.With("component", "relay", "provider", key.Provider, "call_id", key.CallID),
		cancel:   cancel,
		done:     make(chan struct{}),
		stats: map[Direction]*counters{
			ProviderToAgent: {},
			AgentToProvider: {},
		},
	}

	g, gctx := errgroup.WithContext(rctx)
	r.pipe(gctx, g, ProviderToAgent, providerConn, agentConn)
	r.pipe(gctx, g, AgentToProvider, agentConn, providerConn)
	g.Go(func() error {
		<-gctx.Done()
		r.closeBoth()
		return nil
	})

	go r.wait(ctx, g)
	return r
}

// Teardown stops the relay and closes both sockets. It is idempotent and never
// waits for either peer.
func (r *Relay) Teardown() {
	if r.tornDown.CompareAndSwap(false, true) {
		r.cancel()
	}
}

// Done is closed after OnExit has returned.
func (r *Relay) Done() <-chan struct{} { return r.done }

func (r *Relay) Stats() Stats {
	out := Stats{Forwarded: map[Direction]int64{}, Dropped: map[Direction]int64{}}
	for d, c := range r.stats {
		out.Forwarded[d] = c.forwarded.Load()
		out.Dropped[d] = c.dropped.Load()
	}
	return out
}

func (r *Relay) closeBoth() {
	r.closeProvider.Do(func() { _ = r.provider.Close() })
	r.closeAgent.Do(func() { _ = r.agent.Close() })
}

func (r *Relay) wait(parent context.Context, g *errgroup.Group) {
	defer close(r.done)

	err := g.Wait()
	r.cancel()
	r.closeBoth()

	exit := Exit{Key: r.key, Err: err, Stats: r.Stats()}
	switch {
	case r.tornDown.Load():
		exit.Reason = ExitTeardown
	case errors.Is(err, ErrRelayFailure):
		exit.Reason = ExitFailure
	case parent.Err() != nil:
		exit.Reason = ExitCanceled
	default:
		exit.Reason = ExitClosed
	}

	r.log.Info("relay stopped", "reason", exit.Reason, "err", err,
		"forwarded_in", exit.Stats.Forwarded[ProviderToAgent], "forwarded_out", exit.Stats.Forwarded[AgentToProvider])

	if r.hooks.OnExit != nil {
		r.hooks.OnExit(exit)
	}
}

// pipe starts the reader and writer for one direction. Both always return a non-nil
// error so that the first one to stop cancels the whole group.
func (r *Relay) pipe(ctx context.Context, g *errgroup.Group, dir Direction, src, dst FrameConn) {
	q := newDropQueue(r.cfg.QueueSize)
	c := r.stats[dir]

	g.Go(func() error {
		for {
			frame, err := src.ReadFrame(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%s read: %w", dir, errors.Join(ErrClosed, err))
			}
			if q.push(frame, time.Now()) {
				c.dropped.Add(1)
				r.dropped(dir, "queue_full")
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case item := <-q.ch:
				if time.Since(item.at) > r.cfg.WriteTimeout {
					c.dropped.Add(1)
					r.dropped(dir, "write_timeout")
					continue
				}
				if err := r.write(ctx, dir, dst, item.data); err != nil {
					return err
				}
			}
		}
	})
}

// write delivers one frame. The socket deadline is StallTimeout, not the per-frame
// budget: backpressure is absorbed by the queue, and a deadline hit means the peer
// stopped reading altogether.
func (r *Relay) write(ctx context.Context, dir Direction, dst FrameConn, frame []byte) error {
	c := r.stats[dir]
	for attempt := 0; ; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, r.cfg.StallTimeout)
		err := dst.WriteFrame(wctx, frame)
		cancel()

		switch {
		case err == nil:
			c.forwarded.Add(1)
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case isTimeout(err):
			return fmt.Errorf("%w: %s stalled for %s: %v", ErrRelayFailure, dir, r.cfg.StallTimeout, err)
		case errors.Is(err, ErrClosed):
			return fmt.Errorf("%s write: %w", dir, err)
		case attempt >= r.cfg.MaxWriteRetries:
			return fmt.Errorf("%w: %s after %d attempts: %v", ErrRelayFailure, dir, attempt+1, err)
		}

		r.log.Debug("relay write retry", "direction", dir, "attempt", attempt+1, "err", err)
		t := time.NewTimer(r.cfg.RetryBackoff << attempt)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (r *Relay) dropped(dir Direction, reason string) {
	if r.hooks.OnDrop != nil {
		r.hooks.OnDrop(dir, reason)
	}
}

// isTimeout recognises deadline errors however they are wrapped. gorilla/websocket
// returns its own net.Error for write deadlines, which does not unwrap.
func isTimeout(err error) bool {
	if errors.Is(err, ErrWriteTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
