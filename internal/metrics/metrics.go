// Package metrics provides Prometheus instrumentation for the connector,
// mapping the four categories reported by the control loop's `stats`
// command (spec §4.6, §6) onto gauges and counters: clients, dead, sends,
// and delays, each with count/memory/generated. Only SendsCount, SendsMemory,
// SendsGenerated and DelaysGenerated are updated by the connector; the
// clients, dead and remaining delays metrics are registered but never set,
// so they always read zero.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

var (
	ClientsCount     = newGauge("connector_clients_count", "Current number of live clients")
	ClientsMemory    = newGauge("connector_clients_memory_bytes", "Memory used by live client records")
	ClientsGenerated = newCounter("connector_clients_generated_total", "Total clients ever recruited")

	DeadCount     = newGauge("connector_dead_count", "Current number of dead (not yet recycled) client records")
	DeadMemory    = newGauge("connector_dead_memory_bytes", "Memory used by dead client records")
	DeadGenerated = newCounter("connector_dead_generated_total", "Total client records ever moved to the dead list")

	SendsCount     = newGauge("connector_sends_count", "Current number of queued outbound sends")
	SendsMemory    = newGauge("connector_sends_memory_bytes", "Memory used by queued outbound sends")
	SendsGenerated = newCounter("connector_sends_generated_total", "Total sends ever enqueued")

	DelaysCount     = newGauge("connector_delays_count", "Current number of stalled (blocked-since-set) sends")
	DelaysMemory    = newGauge("connector_delays_memory_bytes", "Memory held by stalled sends")
	DelaysGenerated = newCounter("connector_delays_generated_total", "Total sends that ever entered a stalled state")
)

func newGauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	prometheus.MustRegister(g)
	return g
}

func newCounter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	prometheus.MustRegister(c)
	return c
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Value reads the current value of a gauge or counter registered in this
// package. Used by the control loop's stats command to report live
// counters (spec §4.6) without a second bookkeeping path duplicating the
// one already kept here for Prometheus scraping.
func Value(m prometheus.Metric) float64 {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return 0
	}
	if g := pb.GetGauge(); g != nil {
		return g.GetValue()
	}
	if c := pb.GetCounter(); c != nil {
		return c.GetValue()
	}
	return 0
}
