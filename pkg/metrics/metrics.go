// Package metrics exposes the server's Prometheus instrumentation.
// All recording methods are safe to call on a nil *Metrics, so components
// can take an optional *Metrics without guarding every call site.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	framesIn       *prometheus.CounterVec
	framesOut      *prometheus.CounterVec
	bytesIn        prometheus.Counter
	bytesOut       prometheus.Counter
	frameErrors    *prometheus.CounterVec
	handshakes     prometheus.Counter
	replays        prometheus.Counter
	retransmits    prometheus.Counter
	giveUps        prometheus.Counter
	messages       prometheus.Counter
	aiRequests     *prometheus.CounterVec
	aiDropped      prometheus.Counter
	sessionsLive   prometheus.Gauge
	sessionsAuth   prometheus.Gauge
	rooms          prometheus.Gauge
	members        prometheus.Gauge
	inflightFrames prometheus.Gauge
	handleSeconds  *prometheus.HistogramVec
}

// New creates the metric set on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.framesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "udpchat_frames_received_total",
		Help: "Inbound datagrams by frame type.",
	}, []string{"type"})
	m.framesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "udpchat_frames_sent_total",
		Help: "Outbound frames by kind, not counting retransmissions.",
	}, []string{"type"})
	m.bytesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udpchat_bytes_received_total",
		Help: "Inbound datagram bytes.",
	})
	m.bytesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udpchat_bytes_sent_total",
		Help: "Outbound datagram bytes, retransmissions included.",
	})
	m.frameErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "udpchat_frame_errors_total",
		Help: "Dropped inbound frames by reason.",
	}, []string{"reason"})
	m.handshakes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udpchat_handshakes_total",
		Help: "Completed SESSION_INIT handshakes.",
	})
	m.replays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udpchat_nonce_replays_total",
		Help: "Frames rejected for nonce reuse.",
	})
	m.retransmits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udpchat_retransmits_total",
		Help: "Reliable frame retransmissions.",
	})
	m.giveUps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udpchat_delivery_giveups_total",
		Help: "Reliable frames abandoned after exhausting retries.",
	})
	m.messages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udpchat_chat_messages_total",
		Help: "Chat messages persisted.",
	})
	m.aiRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "udpchat_ai_requests_total",
		Help: "AI completion requests by outcome.",
	}, []string{"outcome"})
	m.aiDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udpchat_ai_dropped_total",
		Help: "AI requests dropped because the queue was full.",
	})
	m.sessionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "udpchat_sessions_live",
		Help: "Sessions currently held in memory.",
	})
	m.sessionsAuth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "udpchat_sessions_authenticated",
		Help: "Live sessions with a logged-in user.",
	})
	m.rooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "udpchat_rooms",
		Help: "Rooms in the store.",
	})
	m.members = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "udpchat_room_members",
		Help: "Room memberships in the store.",
	})
	m.inflightFrames = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "udpchat_inflight_frames",
		Help: "Reliable frames awaiting acknowledgement.",
	})
	m.handleSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "udpchat_handle_seconds",
		Help:    "Payload handling latency by payload type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	m.registry.MustRegister(
		m.framesIn, m.framesOut, m.bytesIn, m.bytesOut, m.frameErrors,
		m.handshakes, m.replays, m.retransmits, m.giveUps, m.messages,
		m.aiRequests, m.aiDropped, m.sessionsLive, m.sessionsAuth,
		m.rooms, m.members, m.inflightFrames, m.handleSeconds,
	)
	return m
}

// Handler returns the scrape handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server exposing /metrics on addr. It blocks until
// the listener fails.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}

func (m *Metrics) FrameReceived(frameType string) {
	if m != nil {
		m.framesIn.WithLabelValues(frameType).Inc()
	}
}

func (m *Metrics) FrameSent(kind string) {
	if m != nil {
		m.framesOut.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) BytesReceived(n int) {
	if m != nil {
		m.bytesIn.Add(float64(n))
	}
}

func (m *Metrics) BytesSent(n int) {
	if m != nil {
		m.bytesOut.Add(float64(n))
	}
}

func (m *Metrics) FrameError(reason string) {
	if m != nil {
		m.frameErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Handshake() {
	if m != nil {
		m.handshakes.Inc()
	}
}

func (m *Metrics) NonceReplay() {
	if m != nil {
		m.replays.Inc()
	}
}

func (m *Metrics) Retransmit() {
	if m != nil {
		m.retransmits.Inc()
	}
}

func (m *Metrics) DeliveryGiveUp() {
	if m != nil {
		m.giveUps.Inc()
	}
}

func (m *Metrics) ChatMessage() {
	if m != nil {
		m.messages.Inc()
	}
}

func (m *Metrics) AIRequest(outcome string) {
	if m != nil {
		m.aiRequests.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) AIDropped() {
	if m != nil {
		m.aiDropped.Inc()
	}
}

func (m *Metrics) SetSessionsLive(n int) {
	if m != nil {
		m.sessionsLive.Set(float64(n))
	}
}

func (m *Metrics) SetSessionsAuthenticated(n int) {
	if m != nil {
		m.sessionsAuth.Set(float64(n))
	}
}

func (m *Metrics) SetRooms(n int64) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

func (m *Metrics) SetMembers(n int64) {
	if m != nil {
		m.members.Set(float64(n))
	}
}

func (m *Metrics) SetInflightFrames(n int) {
	if m != nil {
		m.inflightFrames.Set(float64(n))
	}
}

func (m *Metrics) ObserveHandle(payloadType string, d time.Duration) {
	if m != nil {
		m.handleSeconds.WithLabelValues(payloadType).Observe(d.Seconds())
	}
}
