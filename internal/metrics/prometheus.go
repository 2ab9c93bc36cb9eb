package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DispatchedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "calls_dispatched_total", Help: "Calls handed to the voice provider"}, []string{"campaign_id"})
	OutcomeCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "call_outcomes_total", Help: "Call outcomes by kind"}, []string{"outcome"})
	DeferredCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "calls_deferred_total", Help: "Leads pushed back without an attempt"}, []string{"reason"})
	RetryCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "call_retries_scheduled_total", Help: "Retries scheduled by the retry policy"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "calls_inflight", Help: "Calls currently with the provider"})
	CostCounter       = prometheus.NewCounter(prometheus.CounterOpts{Name: "call_cost_total", Help: "Accumulated provider cost"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DispatchedCounter,
			OutcomeCounter,
			DeferredCounter,
			RetryCounter,
			InFlightGauge,
			CostCounter,
		)
	})
	return promhttp.Handler()
}
