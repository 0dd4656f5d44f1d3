// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package timeline implements the bounded, queryable event stream that
// backs dashboards: an append-only ring buffer of task- and node-lifecycle
// events.
package timeline

import (
	"sort"
	"sync"
	"time"
)

// EventType is the closed enum of timeline event kinds.
type EventType string

const (
	TaskCreated   EventType = "TASK_CREATED"
	TaskQueued    EventType = "TASK_QUEUED"
	TaskLeased    EventType = "TASK_LEASED"
	TaskStarted   EventType = "TASK_STARTED"
	TaskProgress  EventType = "TASK_PROGRESS"
	TaskCompleted EventType = "TASK_COMPLETED"
	TaskFailed    EventType = "TASK_FAILED"
	TaskExpired   EventType = "TASK_EXPIRED"
	TaskRequeued  EventType = "TASK_REQUEUED"
	LeaseIssued   EventType = "LEASE_ISSUED"
	LeaseExpired  EventType = "LEASE_EXPIRED"
	LeaseRevoked  EventType = "LEASE_REVOKED"
	NodeCrashed   EventType = "NODE_CRASHED"
)

// Event is a single append-only timeline record.
type Event struct {
	Type      EventType
	TaskID    string
	PeerID    string
	Timestamp time.Time
	Metadata  map[string]any
}

// Query selects a filtered, paginated view of the timeline.
type Query struct {
	TaskID    string
	PeerID    string
	EventType EventType
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

const defaultMaxEvents = 10000

// Log is a bounded, thread-safe ring buffer of Events.
type Log struct {
	mu        sync.Mutex
	events    []Event
	maxEvents int
}

// New constructs a Log bounded at maxEvents. A non-positive maxEvents
// selects the default bound of 10,000.
func New(maxEvents int) *Log {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	return &Log{maxEvents: maxEvents}
}

// Record appends an event, defaulting Timestamp to now and Metadata to an
// empty map, and evicts the oldest event if the bound is exceeded.
func (l *Log) Record(typ EventType, taskID, peerID string, timestamp time.Time, metadata map[string]any) Event {
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	evt := Event{
		Type:      typ,
		TaskID:    taskID,
		PeerID:    peerID,
		Timestamp: timestamp,
		Metadata:  metadata,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, evt)
	if len(l.events) > l.maxEvents {
		overflow := len(l.events) - l.maxEvents
		l.events = l.events[overflow:]
	}
	return evt
}

// Query returns events matching q, newest-first, along with the total
// count of matches before pagination. Filters combine with AND. The
// buffer is copied under lock and filtered outside it so that readers
// never block writers for longer than the copy.
func (l *Log) Query(q Query) ([]Event, int) {
	snapshot := l.snapshot()

	matched := make([]Event, 0, len(snapshot))
	for _, e := range snapshot {
		if q.TaskID != "" && e.TaskID != q.TaskID {
			continue
		}
		if q.PeerID != "" && e.PeerID != q.PeerID {
			continue
		}
		if q.EventType != "" && e.Type != q.EventType {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
			continue
		}
		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []Event{}, total
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total
}

func (l *Log) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Count returns the number of events currently retained.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Clear removes all retained events.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

// Stats reports counters consumed by the health aggregator.
type Stats struct {
	Count     int `json:"count"`
	MaxEvents int `json:"max_events"`
}

// StatsSnapshot reports the retained event count and the configured bound.
func (l *Log) StatsSnapshot() Stats {
	return Stats{Count: l.Count(), MaxEvents: l.maxEvents}
}
