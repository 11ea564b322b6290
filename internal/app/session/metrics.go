package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics 收敛会话锁状态相关指标。
type Metrics struct {
	locked      prometheus.Gauge
	transitions *prometheus.CounterVec
	unlocks     *prometheus.CounterVec
	relocks     prometheus.Counter
}

// NewMetrics 构造指标集合，reg 为空时默认使用全局注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		locked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "walletlink",
			Name:      "session_locked",
			Help:      "1 when the signer session is locked, 0 when unlocked",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletlink",
			Name:      "session_transitions_total",
			Help:      "Lock state transitions by target state and reason",
		}, []string{"to", "reason"}),
		unlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletlink",
			Name:      "session_unlock_attempts_total",
			Help:      "Unlock attempts by result",
		}, []string{"result"}),
		relocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "walletlink",
			Name:      "session_relock_timeouts_total",
			Help:      "Number of automatic relocks after the unlock window elapsed",
		}),
	}
	m.locked.Set(1)
	reg.MustRegister(m.locked, m.transitions, m.unlocks, m.relocks)
	return m
}

func (m *Metrics) observeTransition(to State, reason string) {
	if m == nil {
		return
	}
	if to == StateLocked {
		m.locked.Set(1)
	} else {
		m.locked.Set(0)
	}
	m.transitions.WithLabelValues(string(to), reason).Inc()
}

func (m *Metrics) observeUnlock(result string) {
	if m == nil {
		return
	}
	m.unlocks.WithLabelValues(result).Inc()
}

func (m *Metrics) incRelock() {
	if m == nil {
		return
	}
	m.relocks.Inc()
}
