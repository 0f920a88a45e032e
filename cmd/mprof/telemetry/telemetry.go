// Package telemetry holds the Prometheus metrics exported by mprof.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mprof"

type Metrics struct {
	registry *prometheus.Registry

	Stamps           prometheus.Counter
	BoundsViolations prometheus.Counter
	PacketsFlushed   prometheus.Counter
	EventsStored     prometheus.Counter
	StoreErrors      prometheus.Counter
	BatchFlush       prometheus.Histogram
	QueueWait        prometheus.Histogram
	KernelClockSkew  prometheus.Gauge
}

// New creates a registry with the mprof metrics plus the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Stamps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stamps_total",
			Help:      "Monotonic timestamps written into packet buffers.",
		}),
		BoundsViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bounds_violations_total",
			Help:      "Stamp or record writes rejected because they did not fit the declared buffer length.",
		}),
		PacketsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_flushed_total",
			Help:      "Sampler packets decoded and handed to the process workers.",
		}),
		EventsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_stored_total",
			Help:      "Events written to the session store.",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed batch writes to the session store.",
		}),
		BatchFlush: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_flush_seconds",
			Help:      "Time spent flushing one batch to storage and websocket clients.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time between stamping an event and a process worker picking it up.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 12),
		}),
		KernelClockSkew: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kernel_clock_skew_nanoseconds",
			Help:      "bpf_ktime_get_ns() minus the userspace monotonic clock at the last probe.",
		}),
	}

	reg.MustRegister(
		m.Stamps,
		m.BoundsViolations,
		m.PacketsFlushed,
		m.EventsStored,
		m.StoreErrors,
		m.BatchFlush,
		m.QueueWait,
		m.KernelClockSkew,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveNanos records a nanosecond duration in a seconds histogram.
func ObserveNanos(h prometheus.Observer, ns int64) {
	h.Observe(time.Duration(ns).Seconds())
}
