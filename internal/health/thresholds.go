// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package health

import (
	"fmt"
	"sync"
	"time"
)

// Thresholds holds the configurable alert bounds that drive status
// derivation in Aggregator.Collect.
type Thresholds struct {
	BufferUtilPct       float64
	CrashCount          int
	RevocationRatePct   float64
	IPPoolUtilPct       float64
	UpdatedAt           time.Time
}

// DefaultThresholds matches the defaults named in spec §3.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BufferUtilPct:     80,
		CrashCount:        3,
		RevocationRatePct: 50,
		IPPoolUtilPct:     90,
		UpdatedAt:         time.Now().UTC(),
	}
}

// ThresholdStore is the process-wide singleton holding the current
// Thresholds, guarded by a single mutex over the smallest possible
// critical section. Singleton constructs it once via sync.Once so every
// caller of its Get/Update methods shares one instance.
type ThresholdStore struct {
	mu sync.RWMutex
	t  Thresholds
}

var (
	singletonOnce  sync.Once
	singletonStore *ThresholdStore
)

// Singleton returns the process-wide ThresholdStore, constructing it with
// DefaultThresholds on first use.
func Singleton() *ThresholdStore {
	singletonOnce.Do(func() {
		singletonStore = &ThresholdStore{t: DefaultThresholds()}
	})
	return singletonStore
}

// ResetSingletonForTest reconstructs the singleton with fresh defaults.
// Exposed only so tests don't leak state across packages; production code
// should never call it.
func ResetSingletonForTest() {
	singletonOnce = sync.Once{}
	singletonStore = nil
}

// Get returns a copy of the current thresholds.
func (s *ThresholdStore) Get() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t
}

// Update applies a partial patch. Unknown keys are silently ignored; if
// any recognized value fails bounds validation the whole update is
// rejected and the store is left unchanged.
func (s *ThresholdStore) Update(updates map[string]float64) (Thresholds, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := s.t
	for key, value := range updates {
		switch key {
		case "buffer_utilization", "buffer_util_pct":
			if err := pctBound(key, value); err != nil {
				return s.t, err
			}
			candidate.BufferUtilPct = value
		case "crash_count":
			if value < 0 {
				return s.t, fmt.Errorf("health: %s must be >= 0, got %v", key, value)
			}
			candidate.CrashCount = int(value)
		case "revocation_rate_pct", "revocation_rate":
			if err := pctBound(key, value); err != nil {
				return s.t, err
			}
			candidate.RevocationRatePct = value
		case "ip_pool_util_pct", "ip_pool_utilization":
			if err := pctBound(key, value); err != nil {
				return s.t, err
			}
			candidate.IPPoolUtilPct = value
		}
	}

	candidate.UpdatedAt = time.Now().UTC()
	s.t = candidate
	return s.t, nil
}

func pctBound(key string, value float64) error {
	if value < 0 || value > 100 {
		return fmt.Errorf("health: %s must be in [0,100], got %v", key, value)
	}
	return nil
}
