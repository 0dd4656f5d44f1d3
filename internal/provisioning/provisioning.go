// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package provisioning implements the peer join workflow: validate
// credentials, allocate an IP from the pool, register the peer with the
// hub, and hand back the configuration a joining node needs.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/overlayctl/hub/internal/audit"
	"github.com/overlayctl/hub/internal/hubpeer"
	"github.com/overlayctl/hub/internal/ippool"
)

// ErrInvalidCredentials is returned when the request shape fails
// validation (empty identifiers, malformed public key or version).
var ErrInvalidCredentials = errors.New("provisioning: invalid credentials")

// DuplicatePeerError carries the existing configuration for an already
// provisioned peer_id.
type DuplicatePeerError struct {
	Existing PeerConfiguration
}

func (e *DuplicatePeerError) Error() string {
	return fmt.Sprintf("provisioning: peer %s is already provisioned", e.Existing.PeerID)
}

var publicKeyPattern = regexp.MustCompile(`^[A-Za-z0-9+/]{42,44}={0,2}$`)
var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Request is the inbound join request.
type Request struct {
	PeerID      string
	WGPublicKey string
	Version     string
	Endpoint    string
}

func (r Request) validate() error {
	if r.PeerID == "" {
		return fmt.Errorf("%w: peer_id is empty", ErrInvalidCredentials)
	}
	if !publicKeyPattern.MatchString(r.WGPublicKey) {
		return fmt.Errorf("%w: wg_public_key has invalid shape", ErrInvalidCredentials)
	}
	if !versionPattern.MatchString(r.Version) {
		return fmt.Errorf("%w: version has invalid shape", ErrInvalidCredentials)
	}
	return nil
}

// HubIdentity is included in every issued PeerConfiguration.
type HubIdentity struct {
	PublicKey string
	Endpoint  string
	HubIP     string
}

// PeerConfiguration is what a successfully provisioned node receives.
type PeerConfiguration struct {
	PeerID             string
	AssignedIP         string
	SubnetMask         string
	HubPublicKey       string
	HubEndpoint        string
	AllowedIPsForHub   string
	KeepaliveS         int
	DNS                []string
	ProvisionedAt      time.Time
}

const (
	defaultSubnetMask = "/24"
	defaultKeepalive  = 25
)

// Recorder persists provisioning records; implementations are optional
// (a nil Recorder skips persistence, as in tests).
type Recorder interface {
	SaveProvisioning(ctx context.Context, peerID string, cfg PeerConfiguration) error
}

// AuditLogger is the subset of audit.Logger the service calls.
type AuditLogger interface {
	Log(kind audit.Kind, peerID, action, resource, result, reason string, metadata map[string]any) error
}

// Service wires C1 (IP pool), C2 (hub registry), and an optional C10
// audit sink and persistence Recorder into the provisioning workflow.
type Service struct {
	mu sync.Mutex

	pool     *ippool.Pool
	hub      *hubpeer.Registry
	hubID    HubIdentity
	recorder Recorder
	audit    AuditLogger

	records map[string]PeerConfiguration
}

// New constructs a Service. recorder and audit may be nil.
func New(pool *ippool.Pool, hub *hubpeer.Registry, hubID HubIdentity, recorder Recorder, audit AuditLogger) *Service {
	return &Service{
		pool:     pool,
		hub:      hub,
		hubID:    hubID,
		recorder: recorder,
		audit:    audit,
		records:  make(map[string]PeerConfiguration),
	}
}

// Provision runs the full join workflow under the service's single
// provisioning mutex.
func (s *Service) Provision(ctx context.Context, req Request) (PeerConfiguration, error) {
	if err := req.validate(); err != nil {
		return PeerConfiguration{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[req.PeerID]; ok {
		return PeerConfiguration{}, &DuplicatePeerError{Existing: existing}
	}

	assignedIP, err := s.pool.Allocate(req.PeerID)
	if err != nil {
		return PeerConfiguration{}, err
	}

	err = s.hub.AddPeer(ctx, hubpeer.PeerEntry{
		PeerID:      req.PeerID,
		WGPublicKey: req.WGPublicKey,
		AllowedIPs:  []string{assignedIP + "/32"},
		Endpoint:    req.Endpoint,
		KeepaliveS:  defaultKeepalive,
	})
	if err != nil {
		// Compensate: no partial state persists past a failed hub add.
		_ = s.pool.Release(req.PeerID)
		s.logAudit(req.PeerID, "provision", "failure", err.Error())
		return PeerConfiguration{}, err
	}

	cfg := PeerConfiguration{
		PeerID:           req.PeerID,
		AssignedIP:       assignedIP,
		SubnetMask:       defaultSubnetMask,
		HubPublicKey:     s.hubID.PublicKey,
		HubEndpoint:      s.hubID.Endpoint,
		AllowedIPsForHub: s.pool.CIDR(),
		KeepaliveS:       defaultKeepalive,
		DNS:              []string{s.hubID.HubIP},
		ProvisionedAt:    time.Now().UTC(),
	}

	if s.recorder != nil {
		if err := s.recorder.SaveProvisioning(ctx, req.PeerID, cfg); err != nil {
			s.logAudit(req.PeerID, "provision", "failure", err.Error())
			return PeerConfiguration{}, fmt.Errorf("provisioning: persisting record: %w", err)
		}
	}

	s.records[req.PeerID] = cfg
	s.logAudit(req.PeerID, "provision", "success", "")

	return cfg, nil
}

// Deprovision releases a peer's IP, removes it from the hub registry,
// and drops the local provisioning record.
func (s *Service) Deprovision(ctx context.Context, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[peerID]; !ok {
		return fmt.Errorf("provisioning: peer %s is not provisioned", peerID)
	}

	if err := s.hub.RemovePeer(ctx, peerID); err != nil && !errors.Is(err, hubpeer.ErrNotFound) {
		s.logAudit(peerID, "deprovision", "failure", err.Error())
		return err
	}
	if err := s.pool.Release(peerID); err != nil && !errors.Is(err, ippool.ErrNotAllocated) {
		s.logAudit(peerID, "deprovision", "failure", err.Error())
		return err
	}

	delete(s.records, peerID)
	s.logAudit(peerID, "deprovision", "success", "")
	return nil
}

func (s *Service) logAudit(peerID, action, result, reason string) {
	if s.audit == nil {
		return
	}
	kind := audit.KindProvisioning
	if action == "deprovision" {
		kind = audit.KindDeprovision
	}
	_ = s.audit.Log(kind, peerID, action, "", result, reason, nil)
}
