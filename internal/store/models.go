// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package store

import "time"

// TaskRow is the persisted view of a task row.
type TaskRow struct {
	ID         string
	Status     string
	Complexity string
	CreatedAt  time.Time
}

// LeaseRow is the persisted view of a lease row.
type LeaseRow struct {
	LeaseID    string
	TaskID     string
	PeerID     string
	Token      string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Complexity string
	IsActive   bool
}

// PeerConfigurationRow is the persisted provisioning record for a peer.
type PeerConfigurationRow struct {
	PeerID           string
	AssignedIP       string
	SubnetMask       string
	HubPublicKey     string
	HubEndpoint      string
	AllowedIPsForHub string
	KeepaliveS       int
	DNS              []string
	ProvisionedAt    time.Time
}

// AuditEventRow is the persisted form of an audit.Event.
type AuditEventRow struct {
	ID        int64
	Timestamp time.Time
	Kind      string
	PeerID    string
	Action    string
	Resource  string
	Result    string
	Reason    string
	Metadata  map[string]any
}
