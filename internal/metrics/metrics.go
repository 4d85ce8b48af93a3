package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	deployAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mrdeploy",
			Subsystem: "daemon",
			Name:      "deploy_attempts_total",
			Help:      "Number of deploy attempts by result (succeeded, failed).",
		}, []string{"result"},
	)
	vetoes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mrdeploy",
			Subsystem: "daemon",
			Name:      "vetoes_total",
			Help:      "Number of iterations aborted because dangerous files changed.",
		},
	)
	iterations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mrdeploy",
			Subsystem: "daemon",
			Name:      "iterations_total",
			Help:      "Number of poll loop iterations.",
		},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mrdeploy",
			Subsystem: "daemon",
			Name:      "current_state",
			Help:      "Current state of the deploy state machine (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	lastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mrdeploy",
			Subsystem: "daemon",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful deploy.",
		},
	)

	supervisorStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mrdeploy",
			Subsystem: "supervisor",
			Name:      "starts_total",
			Help:      "Number of daemon process starts.",
		},
	)
	supervisorStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mrdeploy",
			Subsystem: "supervisor",
			Name:      "stops_total",
			Help:      "Number of observed daemon exits (requested or not).",
		},
	)
	supervisorRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mrdeploy",
			Subsystem: "supervisor",
			Name:      "running",
			Help:      "1 while the daemon process is running.",
		},
	)
	relayedLines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mrdeploy",
			Subsystem: "relay",
			Name:      "lines_total",
			Help:      "Number of daemon output lines published on the output channel.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		deployAttempts, vetoes, iterations, currentState, lastSuccess,
		supervisorStarts, supervisorStops, supervisorRunning, relayedLines,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the metrics of a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncDeploy(result string) {
	if regOK.Load() {
		deployAttempts.WithLabelValues(result).Inc()
	}
}

func IncVeto() {
	if regOK.Load() {
		vetoes.Inc()
	}
}

func IncIteration() {
	if regOK.Load() {
		iterations.Inc()
	}
}

// SetState marks state as the single active state among all.
func SetState(state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		var v float64
		if s == state {
			v = 1
		}
		currentState.WithLabelValues(s).Set(v)
	}
}

func SetLastSuccess(unix float64) {
	if regOK.Load() {
		lastSuccess.Set(unix)
	}
}

func IncSupervisorStart() {
	if regOK.Load() {
		supervisorStarts.Inc()
		supervisorRunning.Set(1)
	}
}

func IncSupervisorStop() {
	if regOK.Load() {
		supervisorStops.Inc()
		supervisorRunning.Set(0)
	}
}

func IncRelayedLine() {
	if regOK.Load() {
		relayedLines.Inc()
	}
}
