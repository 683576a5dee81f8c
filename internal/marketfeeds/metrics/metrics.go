// Package metrics exports the broadcast core's introspection surface to
// Prometheus. All values are advisory snapshots under concurrency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TicksPublished counts signals accepted into the ring by source.
var TicksPublished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "streamcore_ticks_published_total",
		Help: "Total number of ticks published into the broadcast ring",
	},
	[]string{"source"},
)

// TicksDelivered counts signals delivered to WebSocket clients.
var TicksDelivered = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "streamcore_ticks_delivered_total",
		Help: "Total number of ticks delivered to downstream clients",
	},
)

// ClientsConnected tracks active fan-out subscribers.
var ClientsConnected = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "streamcore_clients_connected",
		Help: "Number of connected WebSocket clients",
	},
)

// Introspection is the advisory state a processor exposes to operators.
type Introspection interface {
	Capacity() int64
	RemainingCapacity() int64
	Pending() int64
	DownstreamsCount() int64
}

// Collector publishes processor introspection as gauges.
type Collector struct {
	proc      Introspection
	capacity  *prometheus.Desc
	remaining *prometheus.Desc
	pending   *prometheus.Desc
	consumers *prometheus.Desc
}

// NewCollector wraps a processor for registration.
func NewCollector(proc Introspection) *Collector {
	return &Collector{
		proc:      proc,
		capacity:  prometheus.NewDesc("streamcore_ring_capacity", "Configured ring buffer size", nil, nil),
		remaining: prometheus.NewDesc("streamcore_ring_remaining_capacity", "Slots claimable before producers block", nil, nil),
		pending:   prometheus.NewDesc("streamcore_ring_pending", "Published slots not yet consumed by the slowest subscriber", nil, nil),
		consumers: prometheus.NewDesc("streamcore_downstreams", "Active subscriber loops", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.remaining
	ch <- c.pending
	ch <- c.consumers
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(c.proc.Capacity()))
	ch <- prometheus.MustNewConstMetric(c.remaining, prometheus.GaugeValue, float64(c.proc.RemainingCapacity()))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(c.proc.Pending()))
	ch <- prometheus.MustNewConstMetric(c.consumers, prometheus.GaugeValue, float64(c.proc.DownstreamsCount()))
}

// MustRegister installs the static metrics and the processor collector on
// the given registry.
func MustRegister(reg prometheus.Registerer, proc Introspection) {
	reg.MustRegister(TicksPublished, TicksDelivered, ClientsConnected, NewCollector(proc))
}
