package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"telephony-bridge/internal/calls"
	"telephony-bridge/internal/relay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessageConn struct {
	in      []string
	readErr error

	mu      sync.Mutex
	written []map[string]any
	closed  bool
}

func (c *fakeMessageConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.in) == 0 {
		if c.readErr != nil {
			return 0, nil, c.readErr
		}
		return 0, nil, errors.New("eof")
	}
	msg := c.in[0]
	c.in = c.in[1:]
	return 1, []byte(msg), nil
}

func (c *fakeMessageConn) WriteMessage(_ int, data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, m)
	return nil
}

func (c *fakeMessageConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeMessageConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeMessageConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestAcceptStream_Twilio(t *testing.T) {
	conn := &fakeMessageConn{in: []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"organization_id":"org-1"}}}`,
		`{"event":"media","streamSid":"MZ1","media":{"track":"inbound","payload":"` + b64("f1") + `"}}`,
		`{"event":"mark","streamSid":"MZ1","mark":{"name":"x"}}`,
		`{"event":"media","streamSid":"MZ1","media":{"track":"inbound","payload":"` + b64("f2") + `"}}`,
		`{"event":"stop","streamSid":"MZ1"}`,
	}}

	s, err := AcceptStream(conn, calls.ProviderTwilio, time.Second)
	require.NoError(t, err)
	assert.Equal(t, calls.Key{Provider: calls.ProviderTwilio, CallID: "CA1"}, s.Key())
	assert.Equal(t, "org-1", s.Parameters()["organization_id"])
	assert.Equal(t, calls.EventMediaReady, s.ReadyEvent(time.Now()).Type)

	ctx := context.Background()
	f, err := s.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("f1"), f)
	f, err = s.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("f2"), f)
	_, err = s.ReadFrame(ctx)
	assert.ErrorIs(t, err, relay.ErrClosed)

	require.NoError(t, s.WriteFrame(ctx, []byte("out")))
	require.Len(t, conn.written, 1)
	assert.Equal(t, "media", conn.written[0]["event"])
	assert.Equal(t, "MZ1", conn.written[0]["streamSid"])
	assert.Equal(t, b64("out"), conn.written[0]["media"].(map[string]any)["payload"])
}

func TestAcceptStream_Telnyx(t *testing.T) {
	conn := &fakeMessageConn{in: []string{
		`{"event":"connected","version":"1.0.0"}`,
		`{"event":"start","sequence_number":"1","stream_id":"st-1","start":{"call_control_id":"v3:abc","media_format":{"encoding":"PCMU","sample_rate":8000,"channels":1}}}`,
	}}

	s, err := AcceptStream(conn, calls.ProviderTelnyx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v3:abc", s.Key().CallID)

	require.NoError(t, s.WriteFrame(context.Background(), []byte("out")))
	_, hasStreamSid := conn.written[0]["streamSid"]
	assert.False(t, hasStreamSid)
}

func TestAcceptStream_StopBeforeStart(t *testing.T) {
	conn := &fakeMessageConn{in: []string{`{"event":"stop"}`}}
	_, err := AcceptStream(conn, calls.ProviderTwilio, time.Second)
	assert.Error(t, err)
	assert.True(t, conn.closed)
}

func TestAcceptStream_StartWithoutCallID(t *testing.T) {
	conn := &fakeMessageConn{in: []string{`{"event":"start","start":{}}`}}
	_, err := AcceptStream(conn, calls.ProviderTwilio, time.Second)
	assert.ErrorIs(t, err, ErrUnrecognizedPayload)
	assert.True(t, conn.closed)
}

func TestMediaStream_LocalCloseIsClosed(t *testing.T) {
	conn := &fakeMessageConn{
		in: []string{
			`{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1"}}`,
		},
		readErr: &net.OpError{Op: "read", Net: "tcp", Err: net.ErrClosed},
	}

	s, err := AcceptStream(conn, calls.ProviderTwilio, time.Second)
	require.NoError(t, err)

	_, err = s.ReadFrame(context.Background())
	assert.ErrorIs(t, err, relay.ErrClosed)
}
