package telephony

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"telephony-bridge/internal/calls"
	"telephony-bridge/internal/metrics"
	"telephony-bridge/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const defaultMaxWebhookBytes = 1 << 20

// Dispatcher applies a normalized event to call state and says how to answer the provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev calls.Event) (Reply, error)
}

// MediaAttacher binds an accepted provider media stream to its call.
type MediaAttacher interface {
	AttachMedia(ctx context.Context, stream *MediaStream) error
}

// WebhookHandler converts provider webhooks to canonical events and hands them to the
// Dispatcher.
//
// No business logic here. Providers retry on non-2xx, so only authentication failures
// and unreadable bodies are answered with an error status.
type WebhookHandler struct {
	Adapters   Adapters
	Dispatcher Dispatcher

	// PublicBaseURL is scheme://host as the providers see it. Twilio signs the full URL,
	// which is not recoverable behind a proxy.
	PublicBaseURL string

	// StreamURL returns the media endpoint handed to the provider in stream replies.
	StreamURL func(p calls.Provider) string

	MaxBodyBytes int64
	Now          func() time.Time
}

func (h WebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Now == nil {
		h.Now = time.Now
	}
	if h.MaxBodyBytes <= 0 {
		h.MaxBodyBytes = defaultMaxWebhookBytes
	}
	if h.Dispatcher == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatcher not configured"})
		return
	}

	provider := calls.Provider(strings.ToLower(c.Param("provider")))
	adapter, ok := h.Adapters.Get(provider)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	log = log.With("provider", provider)

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxBodyBytes))
	if err != nil {
		log.Warn("webhook body read failed", "err", err)
		metrics.WebhooksTotal.WithLabelValues(string(provider), "unreadable").Inc()
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	req := WebhookRequest{
		URL:        h.publicURL(c.Request),
		Header:     c.Request.Header,
		Body:       body,
		ReceivedAt: h.Now(),
	}

	ev, err := adapter.Normalize(c.Request.Context(), req)
	switch {
	case errors.Is(err, ErrAuthentication):
		log.Warn("webhook rejected", "err", err)
		metrics.WebhooksTotal.WithLabelValues(string(provider), "unauthenticated").Inc()
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	case errors.Is(err, ErrUnrecognizedPayload):
		log.Warn("webhook payload not recognized", "err", err)
		metrics.WebhooksTotal.WithLabelValues(string(provider), "unrecognized").Inc()
		h.reply(c, provider, ReplyAck, nil)
		return
	case err != nil:
		log.Error("webhook normalize failed", "err", err)
		metrics.WebhooksTotal.WithLabelValues(string(provider), "error").Inc()
		h.reply(c, provider, ReplyAck, nil)
		return
	}

	reply, err := h.Dispatcher.Dispatch(c.Request.Context(), ev)
	if err != nil {
		log.Error("call event dispatch failed", "call_id", ev.CallID, "event", ev.Type, "err", err)
		metrics.WebhooksTotal.WithLabelValues(string(provider), "error").Inc()
		h.reply(c, provider, ReplyAck, nil)
		return
	}
	metrics.WebhooksTotal.WithLabelValues(string(provider), "accepted").Inc()
	h.reply(c, provider, reply, map[string]string{"call_id": ev.CallID})
}

func (h WebhookHandler) reply(c *gin.Context, p calls.Provider, reply Reply, params map[string]string) {
	if p != calls.ProviderTwilio {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	streamURL := ""
	if reply == ReplyStream && h.StreamURL != nil {
		streamURL = h.StreamURL(p)
	}
	twiml, err := RenderTwiML(reply, streamURL, params)
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		twiml, _ = RenderTwiML(ReplyAck, "", nil)
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}

func (h WebhookHandler) publicURL(r *http.Request) string {
	base := strings.TrimRight(h.PublicBaseURL, "/")
	if base == "" {
		scheme := "https"
		if r.TLS == nil {
			scheme = "http"
		}
		base = scheme + "://" + r.Host
	}
	return base + r.URL.RequestURI()
}

// MediaHandler upgrades provider media stream connections and hands them to the bridge
// once the start message identifies the call.
type MediaHandler struct {
	Attacher MediaAttacher
	Upgrader websocket.Upgrader

	// StartTimeout bounds the wait for the start message.
	StartTimeout time.Duration
}

func (h MediaHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	provider := calls.Provider(strings.ToLower(c.Param("provider")))
	if !provider.Valid() {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	if h.Attacher == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "media not configured"})
		return
	}
	if h.StartTimeout <= 0 {
		h.StartTimeout = 10 * time.Second
	}

	ws, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response
		log.Warn("media upgrade failed", "provider", provider, "err", err)
		return
	}

	stream, err := AcceptStream(ws, provider, h.StartTimeout)
	if err != nil {
		log.Warn("media handshake failed", "provider", provider, "err", err)
		return
	}

	if err := h.Attacher.AttachMedia(c.Request.Context(), stream); err != nil {
		log.Warn("media attach failed", "provider", provider, "call_id", stream.Key().CallID, "err", err)
		_ = stream.Close()
	}
}
