// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package partition implements the single-endpoint partition detector:
// it polls the upstream coordinator's health endpoint, flips into
// degraded mode on failure, rejects new task acceptance while degraded,
// and triggers a result-buffer flush on recovery.
package partition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/overlayctl/hub/internal/resultbuffer"
)

// ErrPartitioned is returned by AcceptNewTask while the detector is in
// degraded mode.
var ErrPartitioned = errors.New("partition: upstream is unreachable, new tasks are rejected")

const defaultMaxEventHistory = 100

// EventType distinguishes the two partition lifecycle events.
type EventType string

const (
	EventPartitionDetected  EventType = "partition_detected"
	EventPartitionRecovered EventType = "partition_recovered"
)

// Event is one partition lifecycle transition.
type Event struct {
	Type                     EventType
	Timestamp                time.Time
	ErrorMessage             string
	ConsecutiveFailures      int
	PartitionDurationSeconds float64
}

// Statistics is the get_partition_statistics() response shape.
type Statistics struct {
	TotalPartitions                  int
	TotalRecoveries                  int
	TotalPartitionDurationSeconds    float64
	CurrentState                     string
	CurrentPartitionDurationSeconds  float64
	BufferedResultsCount             int
	InProgressTasksCount             int
}

// Detector polls upstream health and tracks degraded/normal state.
type Detector struct {
	upstreamURL string
	httpClient  *http.Client
	buffer      *resultbuffer.Buffer

	mu                  sync.Mutex
	degraded            bool
	partitionCount      int
	consecutiveFailures int
	partitionStart      *time.Time
	inProgress          map[string]struct{}
	events              []Event
	maxEventHistory     int
	recoveryDurations   []float64

	stopLoop chan struct{}
	loopDone chan struct{}
}

// New constructs a Detector. buffer is the C6 result buffer flushed on
// recovery; maxEventHistory <= 0 defaults to 100.
func New(upstreamURL string, timeout time.Duration, buffer *resultbuffer.Buffer, maxEventHistory int) *Detector {
	if maxEventHistory <= 0 {
		maxEventHistory = defaultMaxEventHistory
	}
	return &Detector{
		upstreamURL:     upstreamURL,
		httpClient:      &http.Client{Timeout: timeout},
		buffer:          buffer,
		inProgress:      make(map[string]struct{}),
		maxEventHistory: maxEventHistory,
	}
}

type healthBody struct {
	Status string `json:"status"`
}

// Check performs one health poll and returns whether the upstream is
// currently partitioned, transitioning degraded/normal state as needed.
func (d *Detector) Check(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.upstreamURL+"/health", nil)
	if err != nil {
		return d.handleFailure(err.Error()), nil
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return d.handleFailure(err.Error()), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return d.handleFailure(fmt.Sprintf("HTTP %d", resp.StatusCode)), nil
	}

	var body healthBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return d.handleFailure(fmt.Sprintf("invalid response: %v", err)), nil
	}
	if body.Status != "healthy" {
		return d.handleFailure(fmt.Sprintf("unhealthy status: %s", body.Status)), nil
	}

	return d.handleSuccess(ctx), nil
}

func (d *Detector) handleFailure(errMsg string) bool {
	d.mu.Lock()
	d.consecutiveFailures++
	wasDegraded := d.degraded
	var evt *Event
	if !wasDegraded {
		d.degraded = true
		d.partitionCount++
		now := time.Now().UTC()
		d.partitionStart = &now
		evt = &Event{
			Type:                EventPartitionDetected,
			Timestamp:           now,
			ErrorMessage:        errMsg,
			ConsecutiveFailures: d.consecutiveFailures,
		}
	}
	if evt != nil {
		d.appendEvent(*evt)
	}
	d.mu.Unlock()
	return true
}

func (d *Detector) handleSuccess(ctx context.Context) bool {
	d.mu.Lock()
	d.consecutiveFailures = 0
	wasDegraded := d.degraded
	var duration float64
	if wasDegraded {
		d.degraded = false
		if d.partitionStart != nil {
			duration = time.Since(*d.partitionStart).Seconds()
		}
		d.partitionStart = nil
		d.recoveryDurations = append(d.recoveryDurations, duration)
		d.appendEvent(Event{
			Type:                     EventPartitionRecovered,
			Timestamp:                time.Now().UTC(),
			PartitionDurationSeconds: duration,
		})
	}
	d.mu.Unlock()

	if wasDegraded && d.buffer != nil {
		// best-effort: flush runs outside the state lock so a slow
		// upstream POST never blocks concurrent Check/AcceptNewTask calls.
		_, _ = d.buffer.Flush(ctx, d)
	}
	return false
}

// appendEvent must be called with d.mu held.
func (d *Detector) appendEvent(e Event) {
	d.events = append(d.events, e)
	if len(d.events) > d.maxEventHistory {
		d.events = d.events[len(d.events)-d.maxEventHistory:]
	}
}

// IsDegradedMode reports the current state.
func (d *Detector) IsDegradedMode() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded
}

// AcceptNewTask returns ErrPartitioned while degraded; otherwise nil.
// Existing in-progress tasks are unaffected by this check.
func (d *Detector) AcceptNewTask() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.degraded {
		return ErrPartitioned
	}
	return nil
}

// CanCompleteTask reports whether taskID may still be completed: either
// it was already in progress, or the system is not currently degraded.
func (d *Detector) CanCompleteTask(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inProgress[taskID]; ok {
		return true
	}
	return !d.degraded
}

// RegisterTaskStart marks taskID as in-progress, surviving any partition
// that begins after it started.
func (d *Detector) RegisterTaskStart(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inProgress[taskID] = struct{}{}
}

// RegisterTaskComplete removes taskID from the in-progress set.
func (d *Detector) RegisterTaskComplete(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inProgress, taskID)
}

// GetInProgressTasks returns a snapshot of in-progress task IDs.
func (d *Detector) GetInProgressTasks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.inProgress))
	for id := range d.inProgress {
		out = append(out, id)
	}
	return out
}

// GetPartitionEvents returns a snapshot of the bounded event history.
func (d *Detector) GetPartitionEvents() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Event, len(d.events))
	copy(out, d.events)
	return out
}

// GetPartitionStatistics reports totals and current state.
func (d *Detector) GetPartitionStatistics(ctx context.Context) Statistics {
	d.mu.Lock()
	totalPartitions := d.partitionCount
	totalRecoveries := len(d.recoveryDurations)
	var totalDuration float64
	for _, dur := range d.recoveryDurations {
		totalDuration += dur
	}
	state := "normal"
	var currentDuration float64
	if d.degraded {
		state = "degraded"
		if d.partitionStart != nil {
			currentDuration = time.Since(*d.partitionStart).Seconds()
		}
	}
	inProgressCount := len(d.inProgress)
	d.mu.Unlock()

	bufferedCount := 0
	if d.buffer != nil {
		if size, err := d.buffer.Size(ctx); err == nil {
			bufferedCount = size
		}
	}

	return Statistics{
		TotalPartitions:                 totalPartitions,
		TotalRecoveries:                 totalRecoveries,
		TotalPartitionDurationSeconds:   totalDuration,
		CurrentState:                    state,
		CurrentPartitionDurationSeconds: currentDuration,
		BufferedResultsCount:            bufferedCount,
		InProgressTasksCount:            inProgressCount,
	}
}

// Stats adapts GetPartitionStatistics to the health.StatsProvider shape.
func (d *Detector) Stats() (map[string]any, error) {
	s := d.GetPartitionStatistics(context.Background())
	return map[string]any{
		"total_partitions":          s.TotalPartitions,
		"total_recoveries":          s.TotalRecoveries,
		"current_state":             s.CurrentState,
		"buffered_results_count":    s.BufferedResultsCount,
		"in_progress_tasks_count":   s.InProgressTasksCount,
	}, nil
}

// Send implements resultbuffer.Sink: it posts row to the upstream result
// endpoint, returning nil only on a 2xx response.
func (d *Detector) Send(ctx context.Context, row resultbuffer.Row) error {
	body, err := json.Marshal(map[string]any{
		"task_id":     row.TaskID,
		"agent_id":    row.AgentID,
		"lease_token": row.LeaseToken,
		"result":      json.RawMessage(row.Result),
		"metadata":    json.RawMessage(row.Metadata),
	})
	if err != nil {
		return fmt.Errorf("partition: marshaling buffered row %s: %w", row.TaskID, err)
	}

	url := fmt.Sprintf("%s/tasks/%s/result", d.upstreamURL, row.TaskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("partition: building flush request for %s: %w", row.TaskID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("partition: flushing result for %s: %w", row.TaskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("partition: flush of %s rejected with HTTP %d", row.TaskID, resp.StatusCode)
	}
	return nil
}

// IsConnected always reports true: Send's own error return is what
// gates whether a given row actually made it upstream.
func (d *Detector) IsConnected(ctx context.Context) bool {
	return true
}

// StartBackgroundChecks launches a polling loop calling Check every
// interval until StopBackgroundChecks is called.
func (d *Detector) StartBackgroundChecks(interval time.Duration) {
	d.mu.Lock()
	if d.stopLoop != nil {
		d.mu.Unlock()
		return
	}
	d.stopLoop = make(chan struct{})
	d.loopDone = make(chan struct{})
	stop := d.stopLoop
	done := d.loopDone
	d.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), d.httpClient.Timeout)
				_, _ = d.Check(ctx)
				cancel()
			}
		}
	}()
}

// StopBackgroundChecks halts the loop started by StartBackgroundChecks,
// blocking until it exits. Safe to call when no loop is running.
func (d *Detector) StopBackgroundChecks() {
	d.mu.Lock()
	stop := d.stopLoop
	done := d.loopDone
	d.stopLoop = nil
	d.loopDone = nil
	d.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
