package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"telephony-bridge/internal/calls"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}

	closeOnce sync.Once
	closes    atomic.Int32

	mu       sync.Mutex
	written  [][]byte
	attempts int
	writeErr func(attempt int) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteFrame(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.writeErr != nil {
		if err := c.writeErr(c.attempts); err != nil {
			return err
		}
	}
	c.written = append(c.written, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

func (c *fakeConn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type exitRecorder struct {
	mu    sync.Mutex
	exits []Exit
}

func (e *exitRecorder) hook(x Exit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exits = append(e.exits, x)
}

func (e *exitRecorder) all() []Exit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Exit(nil), e.exits...)
}

var testKey = calls.Key{Provider: calls.ProviderTwilio, CallID: "CA1"}

func waitDone(t *testing.T, r *Relay) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop")
	}
}

func TestRelay_PreservesOrderPerDirection(t *testing.T) {
	provider, agent := newFakeConn(), newFakeConn()
	rec := &exitRecorder{}
	r := Attach(context.Background(), testKey, provider, agent, Config{}, Hooks{OnExit: rec.hook}, nil)

	provider.in <- []byte("f1")
	provider.in <- []byte("f2")
	provider.in <- []byte("f3")
	agent.in <- []byte("a1")

	require.Eventually(t, func() bool { return len(agent.Written()) == 3 && len(provider.Written()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("f1"), []byte("f2"), []byte("f3")}, agent.Written())
	assert.Equal(t, [][]byte{[]byte("a1")}, provider.Written())

	r.Teardown()
	waitDone(t, r)

	exits := rec.all()
	require.Len(t, exits, 1)
	assert.Equal(t, ExitTeardown, exits[0].Reason)
	assert.Equal(t, int64(3), exits[0].Stats.Forwarded[ProviderToAgent])
}

func TestRelay_TeardownIsIdempotentAndClosesBoth(t *testing.T) {
	provider, agent := newFakeConn(), newFakeConn()
	rec := &exitRecorder{}
	r := Attach(context.Background(), testKey, provider, agent, Config{}, Hooks{OnExit: rec.hook}, nil)

	start := time.Now()
	r.Teardown()
	r.Teardown()
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	waitDone(t, r)
	assert.True(t, provider.isClosed())
	assert.True(t, agent.isClosed())
	assert.Len(t, rec.all(), 1)
}

func TestRelay_PeerCloseStopsBothSides(t *testing.T) {
	provider, agent := newFakeConn(), newFakeConn()
	rec := &exitRecorder{}
	r := Attach(context.Background(), testKey, provider, agent, Config{}, Hooks{OnExit: rec.hook}, nil)

	close(provider.in)
	waitDone(t, r)

	assert.True(t, agent.isClosed())
	assert.True(t, provider.isClosed())
	exits := rec.all()
	require.Len(t, exits, 1)
	assert.Equal(t, ExitClosed, exits[0].Reason)
	assert.ErrorIs(t, exits[0].Err, ErrClosed)
}

func TestRelay_WriteRetriesExhaustedIsFailure(t *testing.T) {
	provider, agent := newFakeConn(), newFakeConn()
	agent.writeErr = func(int) error { return errors.New("broken pipe") }
	rec := &exitRecorder{}
	r := Attach(context.Background(), testKey, provider, agent,
		Config{MaxWriteRetries: 2, RetryBackoff: time.Millisecond}, Hooks{OnExit: rec.hook}, nil)

	provider.in <- []byte("f1")
	waitDone(t, r)

	exits := rec.all()
	require.Len(t, exits, 1)
	assert.Equal(t, ExitFailure, exits[0].Reason)
	assert.ErrorIs(t, exits[0].Err, ErrRelayFailure)
	assert.Equal(t, 3, agent.Attempts())
	assert.True(t, provider.isClosed())
}

func TestRelay_TransientWriteErrorRecovers(t *testing.T) {
	provider, agent := newFakeConn(), newFakeConn()
	agent.writeErr = func(attempt int) error {
		if attempt == 1 {
			return errors.New("temporary")
		}
		return nil
	}
	r := Attach(context.Background(), testKey, provider, agent,
		Config{MaxWriteRetries: 2, RetryBackoff: time.Millisecond}, Hooks{}, nil)
	defer r.Teardown()

	provider.in <- []byte("f1")
	require.Eventually(t, func() bool { return len(agent.Written()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRelay_StalledWriteIsFailure(t *testing.T) {
	provider, agent := newFakeConn(), newFakeConn()
	agent.writeErr = func(int) error { return ErrWriteTimeout }
	rec := &exitRecorder{}
	r := Attach(context.Background(), testKey, provider, agent,
		Config{MaxWriteRetries: 3, RetryBackoff: time.Millisecond}, Hooks{OnExit: rec.hook}, nil)

	provider.in <- []byte("f1")
	waitDone(t, r)

	exits := rec.all()
	require.Len(t, exits, 1)
	assert.Equal(t, ExitFailure, exits[0].Reason)
	assert.ErrorIs(t, exits[0].Err, ErrRelayFailure)
	assert.Equal(t, 1, agent.Attempts(), "a stalled socket is not retried")
}

func TestRelay_StaleFramesAreDropped(t *testing.T) {
	provider, agent := newFakeConn(), newFakeConn()
	agent.writeErr = func(attempt int) error {
		if attempt == 1 {
			time.Sleep(60 * time.Millisecond)
		}
		return nil
	}
	var drops atomic.Int32
	r := Attach(context.Background(), testKey, provider, agent, Config{WriteTimeout: 20 * time.Millisecond}, Hooks{
		OnDrop: func(dir Direction, reason string) {
			if dir == ProviderToAgent && reason == "write_timeout" {
				drops.Add(1)
			}
		},
	}, nil)
	defer r.Teardown()

	provider.in <- []byte("f1")
	provider.in <- []byte("f2")
	require.Eventually(t, func() bool { return drops.Load() == 1 }, time.Second, 5*time.Millisecond)

	provider.in <- []byte("f3")
	require.Eventually(t, func() bool { return len(agent.Written()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("f1"), []byte("f3")}, agent.Written())
	assert.Equal(t, int64(1), r.Stats().Dropped[ProviderToAgent])

	select {
	case <-r.Done():
		t.Fatal("relay stopped after a slow write")
	default:
	}
}

func TestRelay_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider, agent := newFakeConn(), newFakeConn()
	rec := &exitRecorder{}
	r := Attach(ctx, testKey, provider, agent, Config{}, Hooks{OnExit: rec.hook}, nil)

	cancel()
	waitDone(t, r)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, ExitCanceled, rec.all()[0].Reason)
}

func TestDropQueue_DropsOldest(t *testing.T) {
	q := newDropQueue(2)
	now := time.Now()
	assert.False(t, q.push([]byte("a"), now))
	assert.False(t, q.push([]byte("b"), now))
	assert.True(t, q.push([]byte("c"), now))

	assert.Equal(t, []byte("b"), (<-q.ch).data)
	assert.Equal(t, []byte("c"), (<-q.ch).data)
}
