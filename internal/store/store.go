// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package store is the reference Postgres-backed implementation of the
// persistence boundary the core treats as an opaque external Store:
// provisioning records, task/lease rows, and the audit trail.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/overlayctl/hub/internal/audit"
	"github.com/overlayctl/hub/internal/lease"
	"github.com/overlayctl/hub/internal/provisioning"
)

// Store provides database access for the control plane.
type Store struct {
	pool *pgxpool.Pool
}

// Connect creates a new database connection pool and verifies it.
func Connect(databaseURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool returns the underlying connection pool for direct queries.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// --- provisioning.Recorder ---

// SaveProvisioning persists a peer's provisioning record, upserting on
// peer_id to tolerate a retried provisioning call.
func (s *Store) SaveProvisioning(ctx context.Context, peerID string, cfg provisioning.PeerConfiguration) error {
	dnsJSON, err := json.Marshal(cfg.DNS)
	if err != nil {
		return fmt.Errorf("store: marshal dns: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO peer_configurations (peer_id, assigned_ip, subnet_mask, hub_public_key, hub_endpoint, allowed_ips_for_hub, keepalive_s, dns, provisioned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (peer_id) DO UPDATE SET
			assigned_ip = EXCLUDED.assigned_ip,
			subnet_mask = EXCLUDED.subnet_mask,
			hub_public_key = EXCLUDED.hub_public_key,
			hub_endpoint = EXCLUDED.hub_endpoint,
			allowed_ips_for_hub = EXCLUDED.allowed_ips_for_hub,
			keepalive_s = EXCLUDED.keepalive_s,
			dns = EXCLUDED.dns,
			provisioned_at = EXCLUDED.provisioned_at
	`, peerID, cfg.AssignedIP, cfg.SubnetMask, cfg.HubPublicKey, cfg.HubEndpoint, cfg.AllowedIPsForHub, cfg.KeepaliveS, dnsJSON, cfg.ProvisionedAt)
	return err
}

// GetPeerConfiguration retrieves a peer's provisioning record.
func (s *Store) GetPeerConfiguration(ctx context.Context, peerID string) (PeerConfigurationRow, error) {
	var row PeerConfigurationRow
	var dnsJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT peer_id, assigned_ip, subnet_mask, hub_public_key, hub_endpoint, allowed_ips_for_hub, keepalive_s, dns, provisioned_at
		FROM peer_configurations
		WHERE peer_id = $1
	`, peerID).Scan(&row.PeerID, &row.AssignedIP, &row.SubnetMask, &row.HubPublicKey, &row.HubEndpoint, &row.AllowedIPsForHub, &row.KeepaliveS, &dnsJSON, &row.ProvisionedAt)
	if err != nil {
		return PeerConfigurationRow{}, err
	}
	if len(dnsJSON) > 0 {
		_ = json.Unmarshal(dnsJSON, &row.DNS)
	}
	return row, nil
}

// --- lease.Store ---
//
// The lease.Store interface predates a context parameter; every method
// here uses a background context with a fixed timeout rather than
// threading one through the interface.

const leaseStoreTimeout = 5 * time.Second

// GetTask implements lease.Store.
func (s *Store) GetTask(taskID string) (lease.Task, error) {
	ctx, cancel := context.WithTimeout(context.Background(), leaseStoreTimeout)
	defer cancel()

	var t lease.Task
	var status, complexity string
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, complexity FROM tasks WHERE id = $1
	`, taskID).Scan(&t.ID, &status, &complexity)
	if err != nil {
		return lease.Task{}, err
	}
	t.Status = lease.TaskStatus(status)
	t.Complexity = lease.Complexity(complexity)
	return t, nil
}

// InsertLeaseAndMarkLeased implements lease.Store: a single transaction
// inserting the lease row and flipping the task to LEASED.
func (s *Store) InsertLeaseAndMarkLeased(tl lease.TaskLease) error {
	ctx, cancel := context.WithTimeout(context.Background(), leaseStoreTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO leases (lease_id, task_id, peer_id, token, issued_at, expires_at, complexity, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, tl.LeaseID, tl.TaskID, tl.PeerID, tl.Token, tl.IssuedAt, tl.ExpiresAt, string(tl.Complexity), tl.IsActive)
	if err != nil {
		return fmt.Errorf("store: insert lease: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE tasks SET status = $2 WHERE id = $1
	`, tl.TaskID, string(lease.TaskLeased))
	if err != nil {
		return fmt.Errorf("store: mark task leased: %w", err)
	}

	return tx.Commit(ctx)
}

// GetLease implements lease.Store.
func (s *Store) GetLease(leaseID string) (lease.TaskLease, error) {
	ctx, cancel := context.WithTimeout(context.Background(), leaseStoreTimeout)
	defer cancel()

	var tl lease.TaskLease
	var complexity string
	err := s.pool.QueryRow(ctx, `
		SELECT lease_id, task_id, peer_id, token, issued_at, expires_at, complexity, is_active
		FROM leases WHERE lease_id = $1
	`, leaseID).Scan(&tl.LeaseID, &tl.TaskID, &tl.PeerID, &tl.Token, &tl.IssuedAt, &tl.ExpiresAt, &complexity, &tl.IsActive)
	if err != nil {
		return lease.TaskLease{}, err
	}
	tl.Complexity = lease.Complexity(complexity)
	return tl, nil
}

// UpdateLease implements lease.Store.
func (s *Store) UpdateLease(tl lease.TaskLease) error {
	ctx, cancel := context.WithTimeout(context.Background(), leaseStoreTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE leases SET expires_at = $2, is_active = $3 WHERE lease_id = $1
	`, tl.LeaseID, tl.ExpiresAt, tl.IsActive)
	return err
}

// RequeueTask implements lease.Store: flips a task back to QUEUED, as
// happens on lease revocation.
func (s *Store) RequeueTask(taskID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), leaseStoreTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2 WHERE id = $1
	`, taskID, string(lease.TaskQueued))
	return err
}

// --- audit.Sink ---

// StoreEvent persists an audit.Event; Store below delegates to it to
// satisfy the audit.Sink interface.
func (s *Store) StoreEvent(e audit.Event) error {
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal audit metadata: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), leaseStoreTimeout)
	defer cancel()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (timestamp, kind, peer_id, action, resource, result, reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.Timestamp, string(e.Kind), e.PeerID, e.Action, e.Resource, e.Result, e.Reason, metadataJSON)
	return err
}

// Store implements audit.Sink.
func (s *Store) Store(e audit.Event) error {
	return s.StoreEvent(e)
}

// Query implements audit.Sink, translating a audit.Filter into a
// parameterized SELECT over audit_events.
func (s *Store) Query(f audit.Filter) ([]audit.Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), leaseStoreTimeout)
	defer cancel()

	q := `SELECT timestamp, kind, peer_id, action, resource, result, reason, metadata FROM audit_events WHERE 1=1`
	args := []any{}
	argN := 0

	next := func() int {
		argN++
		return argN
	}

	if f.PeerID != "" {
		q += fmt.Sprintf(" AND peer_id = $%d", next())
		args = append(args, f.PeerID)
	}
	if f.Kind != "" {
		q += fmt.Sprintf(" AND kind = $%d", next())
		args = append(args, string(f.Kind))
	}
	if f.Result != "" {
		q += fmt.Sprintf(" AND result = $%d", next())
		args = append(args, f.Result)
	}
	if !f.StartTime.IsZero() {
		q += fmt.Sprintf(" AND timestamp >= $%d", next())
		args = append(args, f.StartTime)
	}
	if !f.EndTime.IsZero() {
		q += fmt.Sprintf(" AND timestamp <= $%d", next())
		args = append(args, f.EndTime)
	}

	q += " ORDER BY timestamp ASC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", next())
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		q += fmt.Sprintf(" OFFSET $%d", next())
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var e audit.Event
		var kind string
		var metadataJSON []byte
		if err := rows.Scan(&e.Timestamp, &kind, &e.PeerID, &e.Action, &e.Resource, &e.Result, &e.Reason, &metadataJSON); err != nil {
			return nil, err
		}
		e.Kind = audit.Kind(kind)
		if len(metadataJSON) > 0 {
			_ = json.Unmarshal(metadataJSON, &e.Metadata)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ErrTaskNotFound is a sentinel for a missing task row; no function in
// this package returns it.
var ErrTaskNotFound = errors.New("store: task not found")

// CreateTask inserts a new queued task row.
func (s *Store) CreateTask(ctx context.Context, taskID string, complexity string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, status, complexity) VALUES ($1, 'QUEUED', $2)
	`, taskID, complexity)
	return err
}

// TaskExists reports whether a task row exists, translating
// pgx.ErrNoRows into a plain bool rather than surfacing the driver
// error to callers that just want a predicate.
func (s *Store) TaskExists(ctx context.Context, taskID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return exists, err
}
