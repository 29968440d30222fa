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

	backendStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printshell",
			Subsystem: "backend",
			Name:      "state_transitions_total",
			Help:      "Number of backend handle state transitions.",
		}, []string{"from", "to"},
	)
	backendCurrentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "printshell",
			Subsystem: "backend",
			Name:      "current_state",
			Help:      "Current backend state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	backendStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "printshell",
			Subsystem: "backend",
			Name:      "starts_total",
			Help:      "Number of backend starts that reached readiness.",
		},
	)
	backendStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printshell",
			Subsystem: "backend",
			Name:      "stops_total",
			Help:      "Number of backend stops by mode (graceful or forced).",
		}, []string{"mode"},
	)
	backendUnexpectedExits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "printshell",
			Subsystem: "backend",
			Name:      "unexpected_exits_total",
			Help:      "Number of backend exits that were not requested.",
		},
	)
	backendReadinessAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "printshell",
			Subsystem: "backend",
			Name:      "readiness_attempts",
			Help:      "Health polls needed before the backend answered (or gave up).",
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 30, 60},
		},
	)
	backendRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "printshell",
			Subsystem: "backend",
			Name:      "rss_bytes",
			Help:      "Resident set size of the backend process at last sample.",
		},
	)

	bridgeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printshell",
			Subsystem: "bridge",
			Name:      "requests_total",
			Help:      "Requests forwarded to the backend by outcome.",
		}, []string{"method", "outcome"},
	)
	bridgeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "printshell",
			Subsystem: "bridge",
			Name:      "request_duration_seconds",
			Help:      "Latency of forwarded backend requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"},
	)

	streamConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "printshell",
			Subsystem: "stream",
			Name:      "connected",
			Help:      "1 when the event stream is connected and subscribed.",
		},
	)
	streamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "printshell",
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Number of event stream reconnect attempts.",
		},
	)
	streamMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printshell",
			Subsystem: "stream",
			Name:      "messages_total",
			Help:      "Messages received per topic.",
		}, []string{"topic"},
	)
	streamMalformed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "printshell",
			Subsystem: "stream",
			Name:      "malformed_total",
			Help:      "Messages dropped because the payload could not be parsed.",
		},
	)

	updatePhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "printshell",
			Subsystem: "update",
			Name:      "state",
			Help:      "Current update coordinator phase (1 = active).",
		}, []string{"phase"},
	)
	taskCounts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "printshell",
			Name:      "tasks",
			Help:      "Tasks held by the reconciler per status.",
		}, []string{"status"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		backendStateTransitions, backendCurrentState, backendStarts, backendStops,
		backendUnexpectedExits, backendReadinessAttempts, backendRSS,
		bridgeRequests, bridgeDuration,
		streamConnected, streamReconnects, streamMessages, streamMalformed,
		updatePhase, taskCounts,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		backendStateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		backendCurrentState.WithLabelValues(state).Set(value)
	}
}

func IncStart() {
	if regOK.Load() {
		backendStarts.Inc()
	}
}

func IncStop(forced bool) {
	if regOK.Load() {
		mode := "graceful"
		if forced {
			mode = "forced"
		}
		backendStops.WithLabelValues(mode).Inc()
	}
}

func IncUnexpectedExit() {
	if regOK.Load() {
		backendUnexpectedExits.Inc()
	}
}

func ObserveReadinessAttempts(n int) {
	if regOK.Load() {
		backendReadinessAttempts.Observe(float64(n))
	}
}

func SetBackendRSS(bytes uint64) {
	if regOK.Load() {
		backendRSS.Set(float64(bytes))
	}
}

func ObserveBridgeRequest(method, outcome string, seconds float64) {
	if regOK.Load() {
		bridgeRequests.WithLabelValues(method, outcome).Inc()
		bridgeDuration.WithLabelValues(method).Observe(seconds)
	}
}

func SetStreamConnected(connected bool) {
	if regOK.Load() {
		if connected {
			streamConnected.Set(1)
		} else {
			streamConnected.Set(0)
		}
	}
}

func IncStreamReconnect() {
	if regOK.Load() {
		streamReconnects.Inc()
	}
}

func IncStreamMessage(topic string) {
	if regOK.Load() {
		streamMessages.WithLabelValues(topic).Inc()
	}
}

func IncStreamMalformed() {
	if regOK.Load() {
		streamMalformed.Inc()
	}
}

// SetUpdatePhase marks phase active and every other known phase inactive.
func SetUpdatePhase(phase string, all []string) {
	if regOK.Load() {
		for _, p := range all {
			updatePhase.WithLabelValues(p).Set(0)
		}
		updatePhase.WithLabelValues(phase).Set(1)
	}
}

func SetTaskCounts(counts map[string]int) {
	if regOK.Load() {
		for status, n := range counts {
			taskCounts.WithLabelValues(status).Set(float64(n))
		}
	}
}
