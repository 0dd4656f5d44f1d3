// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink writes events as JSON-lines to a size-rotating log file and
// answers Query by replaying the active file; rotated backups are not read.
// It is the reference "rotating file sink" spec §4.10 requires.
type FileSink struct {
	mu      sync.Mutex
	writer  *lumberjack.Logger
	encoder *json.Encoder
}

// FileSinkConfig configures rotation behavior.
type FileSinkConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// fileEvent is the JSON-line wire shape; Timestamp is rendered ISO-8601 UTC.
type fileEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	PeerID    string         `json:"peer_id"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewFileSink constructs a FileSink rotating at cfg.MaxSizeMB, retaining
// cfg.MaxBackups compressed backups.
func NewFileSink(cfg FileSinkConfig) *FileSink {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 50
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 10
	}

	writer := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}

	return &FileSink{
		writer:  writer,
		encoder: json.NewEncoder(writer),
	}
}

func (s *FileSink) Store(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.encoder.Encode(fileEvent{
		Timestamp: e.Timestamp.UTC(),
		Kind:      e.Kind,
		PeerID:    e.PeerID,
		Action:    e.Action,
		Resource:  e.Resource,
		Result:    e.Result,
		Reason:    e.Reason,
		Metadata:  e.Metadata,
	})
}

// Query scans the active log file line-by-line, applying filter. Rotated
// backups are not searched: the active file is the queryable window, by
// design, to keep query cost bounded.
func (s *FileSink) Query(filter Filter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.writer.Filename)
	if os.IsNotExist(err) {
		return []Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: opening log file: %w", err)
	}
	defer f.Close()

	var matched []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var fe fileEvent
		if err := json.Unmarshal(scanner.Bytes(), &fe); err != nil {
			continue
		}
		evt := Event{
			Timestamp: fe.Timestamp,
			Kind:      fe.Kind,
			PeerID:    fe.PeerID,
			Action:    fe.Action,
			Resource:  fe.Resource,
			Result:    fe.Result,
			Reason:    fe.Reason,
			Metadata:  fe.Metadata,
		}
		if matchesFilter(evt, filter) {
			matched = append(matched, evt)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scanning log file: %w", err)
	}

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []Event{}, nil
	}
	end := len(matched)
	if filter.Limit > 0 && offset+filter.Limit < end {
		end = offset + filter.Limit
	}
	return matched[offset:end], nil
}

func matchesFilter(e Event, f Filter) bool {
	if f.PeerID != "" && e.PeerID != f.PeerID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// Close flushes and closes the underlying log file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}
