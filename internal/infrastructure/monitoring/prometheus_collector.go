package monitoring

import (
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	apperrors "peercall/pkg/errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "peercall"

// PrometheusCollector exports relay activity. It implements ports.CallMetrics.
type PrometheusCollector struct {
	presenceOnline prometheus.Gauge
	callsLive      prometheus.Gauge
	callsStarted   prometheus.Counter
	connections    prometheus.Gauge

	callsEnded    *prometheus.CounterVec
	callsRejected *prometheus.CounterVec
	events        *prometheus.CounterVec
	deliveryDrops *prometheus.CounterVec

	callSetup    prometheus.Histogram
	callDuration prometheus.Histogram
}

var _ ports.CallMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the collectors with reg, or with the
// default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		presenceOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_online",
			Help:      "Number of registered identities",
		}),

		callsLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_live",
			Help:      "Number of call sessions that have not ended",
		}),

		callsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Total number of call sessions created",
		}),

		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Number of open signaling connections",
		}),

		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Total number of call sessions ended, by reason",
		}, []string{"reason"}),

		callsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_rejected_total",
			Help:      "Call requests refused before a session was created",
		}, []string{"reason"}),

		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_events_total",
			Help:      "Inbound signaling events, by type and outcome",
		}, []string{"type", "result"}),

		deliveryDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_dropped_total",
			Help:      "Outbound messages dropped for unreachable or slow connections",
		}, []string{"message_type"}),

		callSetup: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_setup_seconds",
			Help:      "Time from call request until both sides report a connected stream",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 45},
		}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Lifetime of call sessions",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}
}

func (p *PrometheusCollector) PresenceChanged(online int) {
	p.presenceOnline.Set(float64(online))
}

func (p *PrometheusCollector) SessionStarted() {
	p.callsStarted.Inc()
	p.callsLive.Inc()
}

func (p *PrometheusCollector) SessionActive(setup time.Duration) {
	p.callSetup.Observe(setup.Seconds())
}

func (p *PrometheusCollector) SessionEnded(reason domain.HangupReason, lifetime time.Duration) {
	if reason == "" {
		reason = domain.ReasonHangup
	}
	p.callsLive.Dec()
	p.callsEnded.WithLabelValues(string(reason)).Inc()
	p.callDuration.Observe(lifetime.Seconds())
}

func (p *PrometheusCollector) CallRejected(reason domain.HangupReason) {
	p.callsRejected.WithLabelValues(string(reason)).Inc()
}

func (p *PrometheusCollector) EventHandled(eventType string, err error) {
	result := "ok"
	if err != nil {
		result = string(apperrors.FromDomain(err).Code)
	}
	p.events.WithLabelValues(eventType, result).Inc()
}

func (p *PrometheusCollector) DeliveryDropped(messageType string) {
	p.deliveryDrops.WithLabelValues(messageType).Inc()
}

// SetConnections records the number of open signaling connections.
func (p *PrometheusCollector) SetConnections(n int) {
	p.connections.Set(float64(n))
}
