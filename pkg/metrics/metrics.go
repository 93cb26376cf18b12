// Package metrics provides Prometheus metrics collection for the fleet services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the global Prometheus registry for all metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MustRegister registers collectors with the global registry.
// Panics if registration fails.
func MustRegister(collectors ...prometheus.Collector) {
	Registry.MustRegister(collectors...)
}

// Set bundles the metrics of every component of one process.
// Create it once per process; registering twice panics.
type Set struct {
	API       *APIMetrics
	Store     *StoreMetrics
	Router    *RouterMetrics
	Tasks     *TaskMetrics
	Presence  *PresenceMetrics
	Alerts    *AlertMetrics
	Commands  *CommandMetrics
	Broker    *BrokerMetrics
	Transport *TransportMetrics
}

// NewSet creates and registers all component metrics under namespace.
func NewSet(namespace string) *Set {
	return &Set{
		API:       NewAPIMetrics(namespace),
		Store:     NewStoreMetrics(namespace),
		Router:    NewRouterMetrics(namespace),
		Tasks:     NewTaskMetrics(namespace),
		Presence:  NewPresenceMetrics(namespace),
		Alerts:    NewAlertMetrics(namespace),
		Commands:  NewCommandMetrics(namespace),
		Broker:    NewBrokerMetrics(namespace),
		Transport: NewTransportMetrics(namespace),
	}
}
