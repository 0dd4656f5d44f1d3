// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package health implements the pull-based composite health snapshot: a
// registry of named subsystems, each contributing its own stats, combined
// under a single status derivation that alert Thresholds configure.
package health

import (
	"encoding/json"
	"sync"
	"time"
)

// Status is the overall health classification.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// StatsProvider is implemented by every subsystem the aggregator polls.
// Stats returning an error marks the subsystem unavailable for this
// snapshot; the error's message is reported back to callers, never swallowed
// silently the way fire-and-forget metric sinks are.
type StatsProvider interface {
	Stats() (map[string]any, error)
}

// StatsProviderFunc adapts a plain function to StatsProvider.
type StatsProviderFunc func() (map[string]any, error)

func (f StatsProviderFunc) Stats() (map[string]any, error) { return f() }

// SubsystemBlock is one subsystem's contribution to a Snapshot.
type SubsystemBlock struct {
	Available bool           `json:"available"`
	Error     string         `json:"error,omitempty"`
	Stats     map[string]any `json:"-"`
}

// MarshalJSON flattens Stats alongside available/error, so a consumer of
// /swarm/health sees e.g. {"available":true,"util_pct":42} rather than
// Stats being dropped behind its json:"-" tag.
func (b SubsystemBlock) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(b.Stats)+2)
	for k, v := range b.Stats {
		out[k] = v
	}
	out["available"] = b.Available
	if b.Error != "" {
		out["error"] = b.Error
	}
	return json.Marshal(out)
}

// Snapshot is the composite result of Collect.
type Snapshot struct {
	Status               Status                     `json:"status"`
	Timestamp             time.Time                  `json:"timestamp"`
	SubsystemsAvailable   int                        `json:"subsystems_available"`
	SubsystemsTotal       int                        `json:"subsystems_total"`
	Subsystems            map[string]SubsystemBlock  `json:"subsystems"`
}

// Aggregator polls a registry of named StatsProviders and derives a single
// composite Snapshot. Register adds or replaces a subsystem's provider;
// callers build the full registry once at wiring time.
type Aggregator struct {
	mu         sync.RWMutex
	providers  map[string]StatsProvider
	thresholds *ThresholdStore
	sink       MetricsSink
}

// New constructs an Aggregator backed by thresholds. A nil sink disables
// metric emission (tests typically pass nil).
func New(thresholds *ThresholdStore, sink MetricsSink) *Aggregator {
	if thresholds == nil {
		thresholds = Singleton()
	}
	if sink == nil {
		sink = NoopSink{}
	}
	return &Aggregator{
		providers:  make(map[string]StatsProvider),
		thresholds: thresholds,
		sink:       sink,
	}
}

// Register adds or replaces the provider for tag.
func (a *Aggregator) Register(tag string, provider StatsProvider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.providers[tag] = provider
}

// Collect polls every registered subsystem and derives the overall Status
// per spec §4.9's first-rule-that-fires precedence.
func (a *Aggregator) Collect() Snapshot {
	a.mu.RLock()
	providers := make(map[string]StatsProvider, len(a.providers))
	for k, v := range a.providers {
		providers[k] = v
	}
	a.mu.RUnlock()

	blocks := make(map[string]SubsystemBlock, len(providers))
	available := 0
	for tag, p := range providers {
		stats, err := p.Stats()
		if err != nil {
			blocks[tag] = SubsystemBlock{Available: false, Error: err.Error()}
			continue
		}
		blocks[tag] = SubsystemBlock{Available: true, Stats: stats}
		available++
	}

	snapshot := Snapshot{
		Timestamp:           time.Now().UTC(),
		SubsystemsAvailable: available,
		SubsystemsTotal:     len(providers),
		Subsystems:          blocks,
	}
	snapshot.Status = deriveStatus(blocks, available, len(providers), a.thresholds.Get())

	a.sink.EmitSnapshot(snapshot)

	return snapshot
}

func deriveStatus(blocks map[string]SubsystemBlock, available, total int, th Thresholds) Status {
	if pd, ok := blocks["partition_detection"]; ok && pd.Available {
		if state, _ := pd.Stats["current_state"].(string); state == "degraded" {
			return StatusUnhealthy
		}
	}

	if available == 0 && total > 0 {
		return StatusUnhealthy
	}
	if available < total {
		return StatusDegraded
	}

	if rb, ok := blocks["result_buffer"]; ok && rb.Available {
		if util, ok := numeric(rb.Stats["util_pct"]); ok && util > th.BufferUtilPct {
			return StatusDegraded
		}
	}
	if nc, ok := blocks["node_crash_detection"]; ok && nc.Available {
		if crashes, ok := numeric(nc.Stats["recent_crashes"]); ok && int(crashes) >= th.CrashCount {
			return StatusDegraded
		}
	}
	if lr, ok := blocks["lease_revocation"]; ok && lr.Available {
		if rate, ok := numeric(lr.Stats["revocation_rate"]); ok && rate > th.RevocationRatePct {
			return StatusDegraded
		}
	}
	if ip, ok := blocks["ip_pool"]; ok && ip.Available {
		if util, ok := numeric(ip.Stats["util_pct"]); ok && util > th.IPPoolUtilPct {
			return StatusDegraded
		}
	}

	return StatusHealthy
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
