// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/gauntlet-run/plugin-core/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PluginsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plugins_running",
		Help: "Number of plugin runtimes currently running",
	})
	PluginStarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plugin_starts_total",
		Help: "Total number of plugin runtime starts",
	})
	PluginExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plugin_exits_total",
		Help: "Total number of plugin runtime exits by class",
	}, []string{"class"})
	EntrypointInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "entrypoint_invocations_total",
		Help: "Total number of entrypoint invocations by kind",
	}, []string{"kind"})
	EntrypointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "entrypoint_invocation_duration_seconds",
		Help:    "Histogram of entrypoint invocation durations",
		Buckets: prometheus.DefBuckets,
	})
	UIRoundTripDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ui_round_trip_duration_seconds",
		Help:    "Histogram of UI bridge request/response round trips",
		Buckets: prometheus.DefBuckets,
	})
	CommandBusPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "command_bus_published_total",
		Help: "Total number of commands published to the command bus",
	}, []string{"kind"})
	CommandBusDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "command_bus_dropped_total",
		Help: "Total number of events dropped because a subscriber's channel was full",
	})
	ScriptErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "script_errors_total",
		Help: "Total number of uncaught script errors raised by plugin runtimes",
	})
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plugin_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, per plugin",
	}, []string{"plugin"})
	BreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plugin_breaker_trips_total",
		Help: "Count of times a plugin's circuit breaker transitioned to Open",
	})
)

func init() {
	prometheus.MustRegister(PluginsRunning, PluginStarts, PluginExits, EntrypointInvocations,
		EntrypointDuration, UIRoundTripDuration, CommandBusPublished, CommandBusDropped,
		ScriptErrors, BreakerState, BreakerTrips)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// StartMetricsServer is retained for compatibility but consider using StartHTTPServer
// which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
