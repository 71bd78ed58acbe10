package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// FramesReceived counts inbound websocket frames by kind (heartbeat/data/control)
var FramesReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradefeed_frames_received_total",
		Help: "Total number of frames received from the upstream feed",
	},
	[]string{"kind"},
)

// TradesPublished counts trades forwarded to the output topic
var TradesPublished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradefeed_trades_published_total",
		Help: "Total number of trades published to the output stream",
	},
	[]string{"instrument"},
)

// PublishErrors counts failed publish attempts
var PublishErrors = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradefeed_publish_errors_total",
		Help: "Total number of failed publishes to the output stream",
	},
)

// ProtocolViolations counts frames that failed to parse as valid feed messages
var ProtocolViolations = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradefeed_protocol_violations_total",
		Help: "Total number of malformed frames received from the upstream feed",
	},
)

// Reconnects counts upstream reconnection attempts
var Reconnects = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradefeed_feed_reconnects_total",
		Help: "Total number of reconnections to the upstream feed",
	},
)

// Feed connection state metrics
var (
	FeedConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradefeed_feed_connected",
			Help: "Whether the upstream feed connection is established (1) or not (0)",
		},
	)

	LastFrameAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradefeed_feed_last_frame_age_seconds",
			Help: "Seconds since the last frame was received from the upstream feed",
		},
	)
)

// PollBatchSize records the distribution of trades produced per polled frame
var PollBatchSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tradefeed_poll_batch_size",
		Help:    "Number of trades decoded from a single inbound frame",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
	},
)

func init() {
	prometheus.MustRegister(FramesReceived, TradesPublished, PublishErrors)
	prometheus.MustRegister(ProtocolViolations, Reconnects)
	prometheus.MustRegister(FeedConnected, LastFrameAge, PollBatchSize)
}
