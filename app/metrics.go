package flock

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/putto11262002/flock/core"
)

const metricsNamespace = "flock"

// Event outcomes.
const (
	outcomeOK       = "ok"
	outcomeDropped  = "dropped"
	outcomeRejected = "rejected"
	outcomeUnknown  = "unknown"
	outcomeError    = "error"
)

// otherEvent labels every event type without a handler so clients cannot
// grow the label set.
const otherEvent = "other"

type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
}

// NewMetrics registers the server's collectors on a private registry.
// The gauges read their values from the coordinator and the connection
// manager at scrape time.
func NewMetrics(coordinator *core.Coordinator, conns *core.ConnManager) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_handled_total",
			Help:      "Number of events handled by type and outcome.",
		}, []string{"event", "outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "groups",
			Help:      "Number of groups in the registry.",
		}, func() float64 { return float64(coordinator.GroupCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "online_members",
			Help:      "Number of members with a live connection.",
		}, func() float64 { return float64(coordinator.OnlineCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Number of open websocket connections.",
		}, func() float64 { return float64(conns.Count()) }),
	)
	return m
}

// ObserveEvent is the event router's handled hook.
func (m *Metrics) ObserveEvent(eventType string, err error) {
	if errors.Is(err, core.ErrUnknownEvent) {
		eventType = otherEvent
	}
	m.events.WithLabelValues(eventType, outcome(err)).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func outcome(err error) string {
	var verr *core.ValidationError
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, core.ErrDropped):
		return outcomeDropped
	case errors.As(err, &verr):
		return outcomeRejected
	case errors.Is(err, core.ErrUnknownEvent):
		return outcomeUnknown
	default:
		return outcomeError
	}
}
