package hostbrowser

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	pkginv "nodeident/pkg/inventory"
)

// Session outcomes.
const (
	OutcomeOK             = "ok"
	OutcomeProtocolError  = "protocol_error"
	OutcomeTransportError = "transport_error"
	OutcomeDeliveryError  = "delivery_error"
)

// Metrics counts collection sessions.
type Metrics struct {
	sessions *prometheus.CounterVec
	duration prometheus.Histogram
	records  *prometheus.CounterVec
}

// NewMetrics registers the collector metrics with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, errors.New("registerer is required")
	}
	m := &Metrics{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostbrowser_sessions_total",
			Help: "Identify conversations handled, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hostbrowser_session_duration_seconds",
			Help:    "Time from accept to delivery of one conversation.",
			Buckets: prometheus.DefBuckets,
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostbrowser_records_total",
			Help: "CPU and NIC records received in complete inventories.",
		}, []string{"kind"}),
	}
	for _, c := range []prometheus.Collector{m.sessions, m.duration, m.records} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(outcome string, elapsed time.Duration, inv *pkginv.Inventory) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
	if inv != nil {
		m.records.WithLabelValues("cpu").Add(float64(len(inv.CPUs)))
		m.records.WithLabelValues("nic").Add(float64(len(inv.NICs)))
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrProtocol):
		return OutcomeProtocolError
	case errors.Is(err, ErrTransport):
		return OutcomeTransportError
	default:
		return OutcomeDeliveryError
	}
}
