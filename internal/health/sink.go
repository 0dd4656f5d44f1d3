// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package health

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink receives every Snapshot collected by Aggregator. Sinks are
// fire-and-forget observability collaborators: a broken sink must never
// corrupt the calling Collect(), so every implementation guards its own
// work with try/recover (here, defer/recover around the one call site).
type MetricsSink interface {
	EmitSnapshot(Snapshot)
}

// NoopSink discards every snapshot. It is the default when no sink is wired.
type NoopSink struct{}

func (NoopSink) EmitSnapshot(Snapshot) {}

// PrometheusSink publishes the composite snapshot as a handful of gauges
// on a caller-supplied registry, exposed at /metrics by the API server.
// Per the "fire-and-forget observability sinks" design note, a panic
// anywhere in EmitSnapshot is recovered and logged rather than propagated.
type PrometheusSink struct {
	statusGauge       prometheus.Gauge
	availableGauge    prometheus.Gauge
	totalGauge        prometheus.Gauge
	bufferUtilGauge   prometheus.Gauge
	ipPoolUtilGauge   prometheus.Gauge
}

// NewPrometheusSink registers its gauges on reg and returns the sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		statusGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_health_status",
			Help: "0=healthy 1=degraded 2=unhealthy",
		}),
		availableGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_health_subsystems_available",
			Help: "Count of subsystems that answered their last stats() call",
		}),
		totalGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_health_subsystems_total",
			Help: "Count of registered subsystems",
		}),
		bufferUtilGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_result_buffer_util_pct",
			Help: "Result buffer utilization percent",
		}),
		ipPoolUtilGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_ip_pool_util_pct",
			Help: "IP pool utilization percent",
		}),
	}

	if reg != nil {
		reg.MustRegister(s.statusGauge, s.availableGauge, s.totalGauge, s.bufferUtilGauge, s.ipPoolUtilGauge)
	}
	return s
}

func (s *PrometheusSink) EmitSnapshot(snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("health: prometheus sink panicked, dropping snapshot: %v", r)
		}
	}()

	switch snap.Status {
	case StatusHealthy:
		s.statusGauge.Set(0)
	case StatusDegraded:
		s.statusGauge.Set(1)
	case StatusUnhealthy:
		s.statusGauge.Set(2)
	}
	s.availableGauge.Set(float64(snap.SubsystemsAvailable))
	s.totalGauge.Set(float64(snap.SubsystemsTotal))

	if rb, ok := snap.Subsystems["result_buffer"]; ok && rb.Available {
		if util, ok := numeric(rb.Stats["util_pct"]); ok {
			s.bufferUtilGauge.Set(util)
		}
	}
	if ip, ok := snap.Subsystems["ip_pool"]; ok && ip.Available {
		if util, ok := numeric(ip.Stats["util_pct"]); ok {
			s.ipPoolUtilGauge.Set(util)
		}
	}
}
