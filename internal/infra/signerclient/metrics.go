package signerclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 暴露队列深度、在途调用、周期结果与退避等待。
type Metrics struct {
	queueDepth   prometheus.Gauge
	inFlight     prometheus.Gauge
	cycles       *prometheus.CounterVec
	cycleLatency *prometheus.HistogramVec
	scheduled    prometheus.Histogram
	unmatched    prometheus.Counter
	evicted      prometheus.Counter
	requeued     prometheus.Counter
}

// NewMetrics 在注册器中注册指标，reg 为空时使用全局注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "walletlink",
			Subsystem: "signer_client",
			Name:      "queue_depth",
			Help:      "Number of calls waiting to be sent to the signer",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "walletlink",
			Subsystem: "signer_client",
			Name:      "in_flight_calls",
			Help:      "Number of calls awaiting a signer response",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletlink",
			Subsystem: "signer_client",
			Name:      "cycles_total",
			Help:      "Transport cycles by kind and outcome",
		}, []string{"kind", "result"}),
		cycleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "walletlink",
			Subsystem: "signer_client",
			Name:      "cycle_latency_ms",
			Help:      "Transport round-trip latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"kind"}),
		scheduled: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "walletlink",
			Subsystem: "signer_client",
			Name:      "scheduled_delay_ms",
			Help:      "Delay before the next transport cycle in milliseconds",
			Buckets:   []float64{0, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "walletlink",
			Subsystem: "signer_client",
			Name:      "unmatched_responses_total",
			Help:      "Responses discarded because their id was not pending",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "walletlink",
			Subsystem: "signer_client",
			Name:      "evicted_calls_total",
			Help:      "Calls failed after exceeding the pending TTL",
		}),
		requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "walletlink",
			Subsystem: "signer_client",
			Name:      "requeued_calls_total",
			Help:      "Calls put back at the head of the queue after a transport failure",
		}),
	}
	reg.MustRegister(m.queueDepth, m.inFlight, m.cycles, m.cycleLatency, m.scheduled, m.unmatched, m.evicted, m.requeued)
	return m
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) setInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

func (m *Metrics) observeCycle(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(kind, result).Inc()
	m.cycleLatency.WithLabelValues(kind).Observe(d.Seconds() * 1000)
}

func (m *Metrics) observeScheduled(d time.Duration) {
	if m == nil {
		return
	}
	m.scheduled.Observe(d.Seconds() * 1000)
}

func (m *Metrics) incUnmatched() {
	if m == nil {
		return
	}
	m.unmatched.Inc()
}

func (m *Metrics) incEvicted() {
	if m == nil {
		return
	}
	m.evicted.Inc()
}

func (m *Metrics) incRequeued() {
	if m == nil {
		return
	}
	m.requeued.Inc()
}
