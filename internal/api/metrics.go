package walletapi

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 记录 HTTP 接口的请求结果与限流次数。
type Metrics struct {
	requests  *prometheus.CounterVec
	throttled prometheus.Counter
}

// NewMetrics 在 reg 上注册指标，reg 为 nil 时使用默认 Registerer。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletlink",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP API requests by route and status code.",
		}, []string{"route", "status"}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "walletlink",
			Subsystem: "api",
			Name:      "unlock_throttled_total",
			Help:      "Unlock attempts rejected by the rate limiter.",
		}),
	}
	reg.MustRegister(m.requests, m.throttled)
	return m
}

func (m *Metrics) observeRequest(route string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) incThrottled() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}
