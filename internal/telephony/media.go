package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"telephony-bridge/internal/calls"
	"telephony-bridge/internal/relay"

	"github.com/gorilla/websocket"
)

// MessageConn is the part of *websocket.Conn the media stream needs.
type MessageConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// streamMessage covers both Twilio Media Streams and Telnyx media streaming messages.
type streamMessage struct {
	Event string `json:"event"`

	StreamSID string `json:"streamSid,omitempty"`
	StreamID  string `json:"stream_id,omitempty"`

	Start *struct {
		CallSID          string            `json:"callSid"`
		StreamSID        string            `json:"streamSid"`
		CallControlID    string            `json:"call_control_id"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`

	Media *struct {
		Track   string `json:"track,omitempty"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

// MediaStream is a provider media socket after its start handshake. It carries raw audio
// frames and implements relay.FrameConn.
type MediaStream struct {
	provider calls.Provider
	conn     MessageConn

	callID   string
	streamID string
	params   map[string]string

	wmu       sync.Mutex
	closeOnce sync.Once
}

var _ relay.FrameConn = (*MediaStream)(nil)

// AcceptStream reads the provider handshake (connected, start) and returns the stream
// once the start message names the call. The socket is closed on error.
func AcceptStream(conn MessageConn, provider calls.Provider, timeout time.Duration) (*MediaStream, error) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("telephony: media handshake: %w", err)
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case "connected":
			continue
		case "start":
			s := &MediaStream{provider: provider, conn: conn}
			if err := s.start(msg); err != nil {
				_ = conn.Close()
				return nil, err
			}
			_ = conn.SetReadDeadline(time.Time{})
			return s, nil
		case "stop":
			_ = conn.Close()
			return nil, fmt.Errorf("telephony: media stream stopped before start")
		}
	}
}

func (s *MediaStream) start(msg streamMessage) error {
	if msg.Start == nil {
		return fmt.Errorf("%w: start message without body", ErrUnrecognizedPayload)
	}
	switch s.provider {
	case calls.ProviderTwilio:
		s.callID = msg.Start.CallSID
		s.streamID = firstNonEmpty(msg.Start.StreamSID, msg.StreamSID)
	case calls.ProviderTelnyx:
		s.callID = msg.Start.CallControlID
		s.streamID = msg.StreamID
	}
	if s.callID == "" {
		return fmt.Errorf("%w: start message without call id", ErrUnrecognizedPayload)
	}
	s.params = msg.Start.CustomParameters
	return nil
}

func (s *MediaStream) Key() calls.Key {
	return calls.Key{Provider: s.provider, CallID: s.callID}
}

// Parameters are the customParameters sent with the start message.
func (s *MediaStream) Parameters() map[string]string { return s.params }

// ReadyEvent is the media_ready event the start handshake stands for.
func (s *MediaStream) ReadyEvent(at time.Time) calls.Event {
	return calls.Event{
		Provider:   s.provider,
		CallID:     s.callID,
		Type:       calls.EventMediaReady,
		OccurredAt: at.UTC(),
		Detail:     "stream " + s.streamID,
	}
}

// ReadFrame returns the next decoded audio payload. A stop message ends the stream.
func (s *MediaStream) ReadFrame(_ context.Context) ([]byte, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, relay.Classify(err)
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case "media":
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			return audio, nil
		case "stop":
			return nil, fmt.Errorf("%w: provider sent stop", relay.ErrClosed)
		}
	}
}

// WriteFrame sends audio back to the caller in the provider's media message format.
func (s *MediaStream) WriteFrame(ctx context.Context, frame []byte) error {
	msg := map[string]any{
		"event": "media",
		"media": map[string]string{"payload": base64.StdEncoding.EncodeToString(frame)},
	}
	if s.provider == calls.ProviderTwilio {
		msg["streamSid"] = s.streamID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
	return relay.Classify(s.conn.WriteMessage(websocket.TextMessage, data))
}

func (s *MediaStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.conn.Close() })
	return err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
