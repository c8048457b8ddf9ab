// Package metrics holds the Prometheus collectors of the service. Collectors
// are registered through Register; the helpers no-op until then.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	sessionSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groupcast",
			Subsystem: "session",
			Name:      "saves_total",
			Help:      "Session save attempts by result (ok, error, empty, throttled).",
		}, []string{"result"},
	)
	agentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groupcast",
			Subsystem: "agent",
			Name:      "transitions_total",
			Help:      "Agent state transitions.",
		}, []string{"from", "to"},
	)
	poolInitializing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "groupcast",
			Subsystem: "pool",
			Name:      "initializing",
			Help:      "Agents currently holding an initialization slot.",
		},
	)
	poolAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "groupcast",
			Subsystem: "pool",
			Name:      "agents",
			Help:      "Agents registered in the pool.",
		},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groupcast",
			Name:      "deliveries_total",
			Help:      "Per-group delivery attempts by status.",
		}, []string{"status"},
	)
	schedulerPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groupcast",
			Subsystem: "scheduler",
			Name:      "passes_total",
			Help:      "Scheduler passes by phase (prepare, execute, reset).",
		}, []string{"phase"},
	)
)

// Register registers all collectors with r. Calling it again after a
// successful registration is a no-op.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{sessionSaves, agentTransitions, poolInitializing, poolAgents, deliveries, schedulerPasses}
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

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

func IncSessionSave(result string) {
	if regOK.Load() {
		sessionSaves.WithLabelValues(result).Inc()
	}
}

func RecordTransition(from, to string) {
	if regOK.Load() {
		agentTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetPoolInitializing(n int) {
	if regOK.Load() {
		poolInitializing.Set(float64(n))
	}
}

func SetPoolAgents(n int) {
	if regOK.Load() {
		poolAgents.Set(float64(n))
	}
}

func IncDelivery(status string) {
	if regOK.Load() {
		deliveries.WithLabelValues(status).Inc()
	}
}

func IncSchedulerPass(phase string) {
	if regOK.Load() {
		schedulerPasses.WithLabelValues(phase).Inc()
	}
}
