//go:build prom

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	promInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appvm_invocations_total",
		Help: "Entry point calls by kind",
	}, []string{"kind"})

	promRefused = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appvm_refused_calls_total",
		Help: "Cross-application calls refused by the router",
	}, []string{"reason"})

	promTraps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appvm_traps_total",
		Help: "Guest traps by cause",
	}, []string{"cause"})

	promCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appvm_commits_total",
		Help: "Transaction commits by result",
	}, []string{"result"})

	promGasUsed = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "appvm_gas_used",
		Help:    "Gas used per transaction",
		Buckets: prometheus.ExponentialBuckets(1_000, 4, 10),
	})

	promCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appvm_module_cache_lookups_total",
		Help: "Module registry lookups by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(promInvocations, promRefused, promTraps, promCommits, promGasUsed, promCache)
}

func observeInvocation(nested bool) {
	kind := "root"
	if nested {
		kind = "nested"
	}
	promInvocations.WithLabelValues(kind).Inc()
}

func observeRefused(reason string) {
	promRefused.WithLabelValues(reason).Inc()
}

func observeTrap(cause string) {
	promTraps.WithLabelValues(cause).Inc()
}

func observeCommit(ok bool, gasUsed uint64) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	promCommits.WithLabelValues(result).Inc()
	promGasUsed.Observe(float64(gasUsed))
}

func observeCache(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	promCache.WithLabelValues(result).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}
