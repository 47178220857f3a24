// Package metrics holds the Prometheus collectors shared by the device engine
// and the relay server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mistakeknot/cuerelay/internal/arbiter"
)

const namespace = "cuerelay"

var (
	cueDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "decisions_total",
			Help:      "Cue decisions by behavior and outcome",
		},
		[]string{"behavior", "decision"},
	)

	arbiterBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "busy",
			Help:      "1 while a cue owns the audio slot",
		},
	)

	linkChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cascade",
			Name:      "link_changes_total",
			Help:      "Device link transitions observed",
		},
	)

	historyWatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cascade",
			Name:      "history_watch_restarts_total",
			Help:      "History watches opened after a link change",
		},
	)

	watchReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "watch_reconnects_total",
			Help:      "Watch streams re-established after a transport fault",
		},
		[]string{"backend"},
	)

	relaySessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "watch_sessions",
			Help:      "Open websocket watch sessions",
		},
	)

	relayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Document API requests by method and status",
		},
		[]string{"method", "status"},
	)

	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "query_duration_seconds",
			Help:      "SQLite statement latency by statement kind",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"statement"},
	)

	breakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "circuit_breaker_open",
			Help:      "1 while the store circuit breaker rejects calls",
		},
	)
)

// ObserveOutcome records an arbiter decision. It is registered as an
// arbiter observer.
func ObserveOutcome(o arbiter.Outcome) {
	behavior := string(o.Request.Behavior)
	if behavior == "" && o.Cue != nil {
		behavior = string(o.Cue.Behavior)
	}
	cueDecisions.WithLabelValues(behavior, string(o.Decision)).Inc()
	if o.Busy {
		arbiterBusy.Set(1)
	} else {
		arbiterBusy.Set(0)
	}
}

func LinkChanged() { linkChanges.Inc() }

func HistoryWatchOpened() { historyWatches.Inc() }

func WatchReconnected(backend string) { watchReconnects.WithLabelValues(backend).Inc() }

func RelaySessionOpened() { relaySessions.Inc() }

func RelaySessionClosed() { relaySessions.Dec() }

func RelayRequest(method, status string) { relayRequests.WithLabelValues(method, status).Inc() }

// QueryObserved records how long one relay database statement took.
func QueryObserved(statement string, seconds float64) {
	queryDuration.WithLabelValues(statement).Observe(seconds)
}

// BreakerChanged mirrors the relay store's circuit breaker state.
func BreakerChanged(open bool) {
	if open {
		breakerState.Set(1)
		return
	}
	breakerState.Set(0)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
