// Package scanmetrics exposes Prometheus instrumentation for a scan run,
// grounded directly on the teacher's internal/metrics.Collector: a struct
// of pre-built vectors, constructed once and registered against a supplied
// prometheus.Registerer, with small setter/increment methods instead of
// exposing the vectors directly.
package scanmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "hostscan"
	subsystem = "discovery"
)

// Label names.
const (
	labelMethod = "method" // icmp | tcp_syn | tcp_ack | arp
)

// Collector holds every Prometheus metric a scan run emits (spec §9
// "Design Notes": per-run counts should be exposed as gauges/counters
// alongside the Orchestrator's state).
type Collector struct {
	// AliveHosts reports the count of hosts currently marked alive,
	// re-set at the end of each scan.
	AliveHosts prometheus.Gauge

	// SuppressedHosts reports hosts observed alive but not published
	// because the scan-host cap (max_scan_hosts) had already been reached.
	SuppressedHosts prometheus.Gauge

	// DeadHosts reports the final dead-host count (spec §6 DEADHOST
	// status message).
	DeadHosts prometheus.Gauge

	// ProbesSent counts packets emitted, labeled by method.
	ProbesSent *prometheus.CounterVec

	// RepliesObserved counts replies classified and accepted by the
	// Restriction Manager.
	RepliesObserved prometheus.Counter

	// ScanDuration records wall-clock time from INIT to DONE.
	ScanDuration prometheus.Histogram

	// SetupFailures counts scans that aborted during socket/capture open
	// (spec §7 "Setup failure").
	SetupFailures prometheus.Counter
}

// NewCollector builds a Collector and registers its metrics against reg.
// If reg is nil, prometheus.DefaultRegisterer is used, matching the
// teacher's NewCollector.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.AliveHosts,
		c.SuppressedHosts,
		c.DeadHosts,
		c.ProbesSent,
		c.RepliesObserved,
		c.ScanDuration,
		c.SetupFailures,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		AliveHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "alive_hosts",
			Help:      "Number of hosts marked alive in the most recently completed scan.",
		}),

		SuppressedHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "suppressed_hosts",
			Help:      "Number of hosts observed alive but not published because the scan-host cap had already been reached.",
		}),

		DeadHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dead_hosts",
			Help:      "Number of targets counted dead (no reply, or suppressed by the scan-host cap) in the most recently completed scan.",
		}),

		ProbesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "probes_sent_total",
			Help:      "Total liveness probes transmitted, labeled by method.",
		}, []string{labelMethod}),

		RepliesObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replies_observed_total",
			Help:      "Total classified replies accepted by the restriction manager.",
		}),

		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "scan_duration_seconds",
			Help:      "Wall-clock duration of a scan run, from INIT to DONE.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),

		SetupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "setup_failures_total",
			Help:      "Total scans aborted during socket or capture setup.",
		}),
	}
}

// IncProbesSent increments the probe counter for method.
func (c *Collector) IncProbesSent(method string) {
	c.ProbesSent.WithLabelValues(method).Inc()
}

// IncRepliesObserved increments the accepted-reply counter.
func (c *Collector) IncRepliesObserved() {
	c.RepliesObserved.Inc()
}

// IncSetupFailures increments the setup-failure counter.
func (c *Collector) IncSetupFailures() {
	c.SetupFailures.Inc()
}

// ObserveScanDuration records how long a completed scan took.
func (c *Collector) ObserveScanDuration(d time.Duration) {
	c.ScanDuration.Observe(d.Seconds())
}

// SetSummary publishes the end-of-scan gauges in one call, mirroring
// orchestrate.Scanner.publishSummary's single accounting pass.
func (c *Collector) SetSummary(alive, suppressed, dead int) {
	c.AliveHosts.Set(float64(alive))
	c.SuppressedHosts.Set(float64(suppressed))
	c.DeadHosts.Set(float64(dead))
}
