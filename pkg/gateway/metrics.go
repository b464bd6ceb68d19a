package gateway

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgegate/edgegate-core/pkg/ratelimit"
)

// Outcome labels for the decisions and rotations metrics.
const (
	outcomeAllowed         = "allowed"
	outcomeDenied          = "denied"
	outcomeUnauthenticated = "unauthenticated"
	outcomeRateLimited     = "rate_limited"
	outcomeIPBlocked       = "ip_blocked"
	outcomeAccountLocked   = "account_locked"
	outcomeError           = "error"
	outcomeRotated         = "rotated"
	outcomeReused          = "reused"
	outcomeFailed          = "failed"
)

// Metrics holds the gateway's Prometheus instruments. A nil *Metrics is
// valid everywhere and records nothing.
type Metrics struct {
	decisions   *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	rotations   *prometheus.CounterVec
	keyRefresh  prometheus.Counter
}

// NewMetrics creates and registers the gateway metrics on reg. A nil
// reg falls back to [prometheus.DefaultRegisterer].
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgegate",
			Subsystem: "gateway",
			Name:      "authorize_decisions_total",
			Help:      "Authorization pipeline outcomes.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgegate",
			Subsystem: "gateway",
			Name:      "ratelimit_rejections_total",
			Help:      "Requests rejected by rate limiting, by limit type.",
		}, []string{"limit_type"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgegate",
			Subsystem: "gateway",
			Name:      "token_rotations_total",
			Help:      "Refresh-token rotation outcomes.",
		}, []string{"outcome"}),
		keyRefresh: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegate",
			Subsystem: "gateway",
			Name:      "key_refreshes_total",
			Help:      "Forced signing-key bundle refreshes.",
		}),
	}
	reg.MustRegister(m.decisions, m.rateLimited, m.rotations, m.keyRefresh)
	return m
}

func (m *Metrics) observeDecision(outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeRateLimited(t ratelimit.LimitType) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) observeRotation(outcome string) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeKeyRefresh() {
	if m == nil {
		return
	}
	m.keyRefresh.Inc()
}
