package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay host
	RelayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursechat_relay_requests_total",
			Help: "Total relay requests by transport and outcome",
		},
		[]string{"transport", "outcome"}, // outcome: "data" or "error"
	)

	RelayRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coursechat_relay_request_duration_seconds",
			Help:    "Upstream fetch duration as seen by the relay host",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	RelayChannelsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coursechat_relay_channels_active",
			Help: "Relay channels currently attached to the host",
		},
		[]string{"channel"},
	)

	// Chat backend
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursechat_http_requests_total",
			Help: "Total chat API requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coursechat_http_request_duration_seconds",
			Help:    "Chat API request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursechat_messages_posted_total",
			Help: "Total messages posted",
		},
		[]string{"room_type"},
	)

	MessagesEdited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coursechat_messages_edited_total",
			Help: "Total messages edited",
		},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coursechat_stream_subscribers",
			Help: "Room stream subscribers currently connected",
		},
	)
)
