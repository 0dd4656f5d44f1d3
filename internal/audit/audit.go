// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package audit implements the append-only structured record of
// security-relevant events: peer provisioning, lease issuance/revocation,
// and anything else C4/C5 consider worth a durable trail.
package audit

import (
	"fmt"
	"strings"
	"time"
)

// forbiddenSubstrings are matched case-insensitively against every
// metadata key. A hit fails the Event constructor outright — this is a
// programmer error, not a runtime condition to recover from.
var forbiddenSubstrings = []string{
	"token", "password", "secret", "api_key", "private_key",
	"access_token", "refresh_token", "jwt", "credential",
	"ssn", "credit_card", "cvv",
}

// Kind is the enum of audit event categories.
type Kind string

const (
	KindProvisioning Kind = "provisioning"
	KindDeprovision  Kind = "deprovision"
	KindLeaseIssue   Kind = "lease_issue"
	KindLeaseRevoke  Kind = "lease_revoke"
	KindAuthFailure  Kind = "auth_failure"
)

// Event is a single immutable audit record.
type Event struct {
	Timestamp time.Time
	Kind      Kind
	PeerID    string
	Action    string
	Resource  string
	Result    string
	Reason    string
	Metadata  map[string]any
}

// NewEvent constructs an Event, rejecting metadata keys that look like
// they carry a secret. This is the only place the sensitive-key filter
// runs: once built, an Event is known-safe to log.
func NewEvent(kind Kind, peerID, action, resource, result, reason string, metadata map[string]any) (Event, error) {
	for key := range metadata {
		lower := strings.ToLower(key)
		for _, forbidden := range forbiddenSubstrings {
			if strings.Contains(lower, forbidden) {
				return Event{}, fmt.Errorf("audit: metadata key %q looks sensitive (contains %q); refusing to log", key, forbidden)
			}
		}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Event{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		PeerID:    peerID,
		Action:    action,
		Resource:  resource,
		Result:    result,
		Reason:    reason,
		Metadata:  metadata,
	}, nil
}

// Filter selects a subset of stored events.
type Filter struct {
	PeerID    string
	Kind      Kind
	Result    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// Sink is a storage backend for audit events. Implementations are
// pluggable: a rotating file sink, a durable Store-backed sink, or both.
type Sink interface {
	Store(Event) error
	Query(Filter) ([]Event, error)
}

// Logger is the front door: validate-then-store, with a uniform query
// surface over whichever Sink was configured.
type Logger struct {
	sink Sink
}

// New constructs a Logger writing to sink.
func New(sink Sink) *Logger {
	return &Logger{sink: sink}
}

// Log validates event shape by constructing it via NewEvent, then stores
// it. Call sites build the event inline: l.Log(audit.KindProvisioning, ...).
func (l *Logger) Log(kind Kind, peerID, action, resource, result, reason string, metadata map[string]any) error {
	event, err := NewEvent(kind, peerID, action, resource, result, reason, metadata)
	if err != nil {
		return err
	}
	return l.sink.Store(event)
}

// Query delegates to the configured sink.
func (l *Logger) Query(filter Filter) ([]Event, error) {
	return l.sink.Query(filter)
}
