package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "call_bridge"

var (
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Provider webhooks received, by result (accepted, unauthenticated, unrecognized, error).",
		},
		[]string{"provider", "result"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Call events applied to sessions, by event type and outcome.",
		},
		[]string{"provider", "event", "outcome"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_sessions",
			Help:      "Sessions currently held by the registry, terminal ones included.",
		},
	)

	RelaysActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_active",
			Help:      "Media relays currently running.",
		},
		[]string{"provider"},
	)

	RelayExitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_exits_total",
			Help:      "Media relays stopped, by reason.",
		},
		[]string{"provider", "reason"},
	)

	RelayFramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_dropped_total",
			Help:      "Audio frames discarded by backpressure.",
		},
		[]string{"direction", "reason"},
	)

	UsageEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_events_total",
			Help:      "Usage events by delivery result (delivered, duplicate, failed).",
		},
		[]string{"sink", "type", "result"},
	)

	UsageDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "usage_delivery_duration_seconds",
			Help:      "Time to deliver a usage event to one sink, retries included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	OriginationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "originations_total",
			Help:      "Outbound call attempts, by result.",
		},
		[]string{"provider", "result"},
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of provider REST requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)
)
