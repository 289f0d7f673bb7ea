package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"telephony-bridge/internal/calls"

	"github.com/gorilla/websocket"
)

// WSConn carries raw binary frames over a websocket. It is the agent side of a relay.
type WSConn struct {
	conn *websocket.Conn

	wmu       sync.Mutex
	closeOnce sync.Once
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// ReadFrame returns the next binary message. Text messages are control chatter and skipped.
func (c *WSConn) ReadFrame(_ context.Context) ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, Classify(err)
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *WSConn) WriteFrame(ctx context.Context, frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return Classify(err)
	}
	return nil
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// best-effort close frame; the peer may already be gone
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(250*time.Millisecond))
		err = c.conn.Close()
	})
	return err
}

// Classify maps websocket errors onto the FrameConn contract: closure becomes ErrClosed,
// a deadline hit becomes ErrWriteTimeout, anything else is returned unchanged.
// Every websocket-backed FrameConn uses it so both relay sides agree.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) || errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrWriteTimeout, err)
	}
	return err
}

// Dialer opens the agent media socket for a call.
type Dialer struct {
	URL              string
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Dial connects to the agent endpoint, passing the call identity as query parameters.
func (d Dialer) Dial(ctx context.Context, key calls.Key, organizationID string) (FrameConn, error) {
	if d.URL == "" {
		return nil, errors.New("relay: agent url is not configured")
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("relay: parse agent url: %w", err)
	}
	q := u.Query()
	q.Set("call_id", key.CallID)
	q.Set("provider", string(key.Provider))
	q.Set("organization_id", organizationID)
	u.RawQuery = q.Encode()

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay: dial agent: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("relay: dial agent: %w", err)
	}
	return NewWSConn(conn), nil
}
