package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "domestique",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Entity cache lookups by category and result (hit/miss)",
	}, []string{"category", "result"})

	RESTRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "domestique",
		Subsystem: "rest",
		Name:      "requests_total",
		Help:      "REST requests by operation and outcome",
	}, []string{"operation", "outcome"})

	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "domestique",
		Subsystem: "queue",
		Name:      "rate_limited_total",
		Help:      "429 responses observed by the request queue per category",
	}, []string{"category"})

	QueueDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "domestique",
		Subsystem: "queue",
		Name:      "discarded_total",
		Help:      "Pending requests dropped from a category without being settled",
	}, []string{"category"})

	PacketsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "domestique",
		Subsystem: "gateway",
		Name:      "packets_total",
		Help:      "Stream packets received by type",
	}, []string{"type"})

	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "domestique",
		Subsystem: "gateway",
		Name:      "reconnects_total",
		Help:      "Automatic reconnect attempts by result",
	}, []string{"result"})

	SessionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "domestique",
		Subsystem: "gateway",
		Name:      "state",
		Help:      "Current stream dispatcher state as its numeric value",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(CacheLookups)
		prometheus.MustRegister(RESTRequests)
		prometheus.MustRegister(RateLimited)
		prometheus.MustRegister(QueueDiscarded)
		prometheus.MustRegister(PacketsReceived)
		prometheus.MustRegister(Reconnects)
		prometheus.MustRegister(SessionState)
	})
}
