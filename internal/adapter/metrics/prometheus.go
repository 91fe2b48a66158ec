package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

const namespace = "stock_ledger"

// Prometheus records ledger activity as Prometheus collectors.
type Prometheus struct {
	appended       *prometheus.CounterVec
	appendDuration *prometheus.HistogramVec
	rejected       *prometheus.CounterVec
	expired        prometheus.Counter
	sinkFailures   *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Prometheus {
	m := &Prometheus{
		appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Stock events appended to the ledger.",
		}, []string{"kind"}),
		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_duration_seconds",
			Help:      "Time spent appending a stock event, including the store write.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_rejected_total",
			Help:      "Reservation requests rejected before any event was appended.",
		}, []string{"reason"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_expired_total",
			Help:      "Reservations moved to the expired state by the sweeper.",
		}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failures_total",
			Help:      "Failed deliveries to downstream ledger sinks.",
		}, []string{"sink"}),
	}

	reg.MustRegister(m.appended, m.appendDuration, m.rejected, m.expired, m.sinkFailures)
	return m
}

func (m *Prometheus) EventAppended(kind domain.EventKind, took time.Duration) {
	m.appended.WithLabelValues(string(kind)).Inc()
	m.appendDuration.WithLabelValues(string(kind)).Observe(took.Seconds())
}

func (m *Prometheus) ReservationRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Prometheus) ReservationsExpired(n int) {
	m.expired.Add(float64(n))
}

func (m *Prometheus) SinkFailed(sink string) {
	m.sinkFailures.WithLabelValues(sink).Inc()
}
