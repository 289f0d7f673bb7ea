package utils

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig controls the NATS connection used for event publication.
type NATSConfig struct {
	URL           string
	Name          string
	Timeout       time.Duration
	PingInterval  time.Duration
	ReconnectWait time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	out := c
	if out.Name == "" {
		out.Name = "telephony-bridge"
	}
	if out.Timeout <= 0 {
		out.Timeout = 5 * time.Second
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 20 * time.Second
	}
	if out.ReconnectWait <= 0 {
		out.ReconnectWait = 2 * time.Second
	}
	return out
}

// OpenNATS connects with infinite reconnects; connection state changes are logged.
// The URL may carry credentials and must not be logged.
func OpenNATS(cfg NATSConfig, log *slog.Logger) (*nats.Conn, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if log == nil {
		log = slog.Default()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "server", nc.ConnectedServerName())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("nats connection closed", "error", nc.LastError())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// CloseNATS drains pending publishes before closing.
func CloseNATS(nc *nats.Conn) {
	if nc == nil || nc.IsClosed() {
		return
	}
	_ = nc.Drain()
}
