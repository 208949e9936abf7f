package obs

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rampart_decisions_total",
			Help: "Authorization decisions by kind and result.",
		},
		[]string{"tenant", "kind", "result"},
	)

	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rampart_sessions_active",
			Help: "Live sessions per tenant.",
		},
		[]string{"tenant"},
	)

	authenticationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rampart_authentications_total",
			Help: "Authentication attempts by result.",
		},
		[]string{"tenant", "result"},
	)

	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rampart_audit_events_dropped_total",
		Help: "Audit events dropped because the recorder buffer was full.",
	})

	auditEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rampart_audit_events_evicted_total",
		Help: "Audit events evicted from the bounded in-memory store.",
	})

	auditFlush = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rampart_audit_flush_seconds",
		Help:    "Latency of audit batch writes.",
		Buckets: prometheus.DefBuckets,
	})

	policyReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rampart_policy_reloads_total",
			Help: "Policy document applications by result.",
		},
		[]string{"tenant", "result"},
	)

	ready = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rampart_ready",
			Help: "1 when the named service passes its readiness probe.",
		},
		[]string{"service"},
	)

	initOnce sync.Once
)

// Init registers the collectors in the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(decisionsTotal, sessionsActive, authenticationsTotal,
			auditDropped, auditEvicted, auditFlush, policyReloads, ready)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func result(ok bool) string {
	if ok {
		return "allow"
	}
	return "deny"
}

// ObserveDecision counts one authorization decision.
func ObserveDecision(tenant, kind string, allowed bool) {
	decisionsTotal.WithLabelValues(tenant, kind, result(allowed)).Inc()
}

// SetSessions records the number of live sessions of a tenant.
func SetSessions(tenant string, n int) {
	sessionsActive.WithLabelValues(tenant).Set(float64(n))
}

// ObserveAuthentication counts one bind attempt.
func ObserveAuthentication(tenant string, ok bool) {
	r := "failure"
	if ok {
		r = "success"
	}
	authenticationsTotal.WithLabelValues(tenant, r).Inc()
}

// AuditDropped counts events discarded by a full recorder buffer.
func AuditDropped() { auditDropped.Inc() }

// AuditEvicted counts events pushed out of a full in-memory store.
func AuditEvicted(n int) { auditEvicted.Add(float64(n)) }

// ObserveAuditFlush records how long a batch write took.
func ObserveAuditFlush(d time.Duration) { auditFlush.Observe(d.Seconds()) }

// ObservePolicyReload counts one policy application.
func ObservePolicyReload(tenant string, err error) {
	r := "ok"
	if err != nil {
		r = "error"
	}
	policyReloads.WithLabelValues(tenant, r).Inc()
}

// SetReady records the readiness of one service.
func SetReady(service string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	ready.WithLabelValues(service).Set(v)
}
