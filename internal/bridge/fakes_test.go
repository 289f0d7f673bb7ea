package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"telephony-bridge/internal/calls"
	"telephony-bridge/internal/relay"
	"telephony-bridge/internal/telephony"
)

// providerConn is an in-memory provider media socket.
type providerConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newProviderConn(callID string) *providerConn {
	c := &providerConn{in: make(chan []byte, 16), out: make(chan []byte, 16), closed: make(chan struct{})}
	c.in <- []byte(`{"event":"connected","protocol":"Call"}`)
	start, _ := json.Marshal(map[string]any{
		"event":     "start",
		"streamSid": "MZ1",
		"start":     map[string]any{"callSid": callID, "streamSid": "MZ1"},
	})
	c.in <- start
	return c
}

func (c *providerConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return websocket.TextMessage, m, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *providerConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return websocket.ErrCloseSent
	}
}

func (c *providerConn) SetReadDeadline(time.Time) error  { return nil }
func (c *providerConn) SetWriteDeadline(time.Time) error { return nil }

func (c *providerConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *providerConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// agentConn is an in-memory agent socket.
type agentConn struct {
	in       chan []byte
	out      chan []byte
	writeErr error
	closed   chan struct{}
	once     sync.Once
}

func newAgentConn() *agentConn {
	return &agentConn{in: make(chan []byte, 16), out: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *agentConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, relay.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *agentConn) WriteFrame(ctx context.Context, frame []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	select {
	case c.out <- frame:
		return nil
	case <-c.closed:
		return relay.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *agentConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *agentConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*agentConn
	err   error
	// prepare, when set, configures each new connection.
	prepare func(*agentConn)
}

func (d *fakeDialer) Dial(_ context.Context, _ calls.Key, _ string) (relay.FrameConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newAgentConn()
	if d.prepare != nil {
		d.prepare(c)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *agentConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeControl struct {
	provider calls.Provider

	mu      sync.Mutex
	answers []string
	hangups []string
}

func (f *fakeControl) Provider() calls.Provider { return f.provider }

func (f *fakeControl) Originate(context.Context, telephony.OriginateRequest) (telephony.OriginateResult, error) {
	return telephony.OriginateResult{}, errors.New("not used")
}

func (f *fakeControl) Answer(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, callID)
	return nil
}

func (f *fakeControl) Hangup(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callID)
	return nil
}

func (f *fakeControl) hungUp() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hangups...)
}

func (f *fakeControl) answered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.answers...)
}

type emitted struct {
	CallID string
	Type   calls.UsageType
	Units  int64
}

// recordingEmitter records synchronously; idempotence comes from the session.
type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recordingEmitter) Emit(s *calls.Session, t calls.UsageType, units int64) error {
	if !s.MarkEmitted(t) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{CallID: s.Key.CallID, Type: t, Units: units})
	return nil
}

func (r *recordingEmitter) all() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.events...)
}

type recordingCapacity struct {
	mu       sync.Mutex
	released []string
}

func (r *recordingCapacity) Release(_ context.Context, org string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, org)
}

func (r *recordingCapacity) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.released...)
}

type failedRelay struct {
	mu      sync.Mutex
	reasons []string
}

func (f *failedRelay) LogRelayFailure(_ context.Context, _, _, _, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *failedRelay) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}
