// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package lease implements the task lease issuer: capability matching
// against a node's advertised capabilities, HS256 JWT minting, and
// verify/revoke against the same key.
package lease

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for Issue.
var (
	ErrTaskNotAvailable   = errors.New("lease: task is not available for leasing")
	ErrCapabilityMismatch = errors.New("lease: node capabilities do not satisfy task requirements")
	ErrIssuanceFailed     = errors.New("lease: issuance failed")
)

// Sentinel errors for Verify.
var (
	ErrExpired = errors.New("lease: token expired")
	ErrInvalid = errors.New("lease: token invalid")
)

// Complexity drives lease TTL; unknown values default to Medium.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

var ttlByComplexity = map[Complexity]time.Duration{
	ComplexityLow:    5 * time.Minute,
	ComplexityMedium: 10 * time.Minute,
	ComplexityHigh:   15 * time.Minute,
}

// TaskStatus is the subset of task lifecycle states the issuer touches.
type TaskStatus string

const (
	TaskQueued TaskStatus = "QUEUED"
	TaskLeased TaskStatus = "LEASED"
)

// Task is the minimal view of a task the issuer needs.
type Task struct {
	ID         string
	Status     TaskStatus
	Complexity Complexity
}

// NodeCapabilities is the request-supplied capability snapshot.
type NodeCapabilities struct {
	CPUCores    int `json:"cpu_cores"`
	MemoryMB    int `json:"memory_mb"`
	GPUCount    int `json:"gpu_count"`
	GPUMemoryMB int `json:"gpu_memory_mb"`
	StorageMB   int `json:"storage_mb"`
}

// Requirements is what the task demands of the leasing node.
type Requirements struct {
	CPUCores    int  `json:"cpu_cores"`
	MemoryMB    int  `json:"memory_mb"`
	StorageMB   int  `json:"storage_mb"`
	RequiresGPU bool `json:"requires_gpu"`
	GPUMemoryMB int  `json:"gpu_memory_mb"`
}

// Deficit describes one unmet requirement, carried on CapabilityMismatch.
type Deficit struct {
	Resource string `json:"resource"`
	Required int    `json:"required"`
	Provided int    `json:"provided"`
}

// MismatchError wraps ErrCapabilityMismatch with the specific deficits.
type MismatchError struct {
	Deficits []Deficit
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%v: %d deficit(s)", ErrCapabilityMismatch, len(e.Deficits))
}

func (e *MismatchError) Unwrap() error { return ErrCapabilityMismatch }

// Request is the issuance request.
type Request struct {
	TaskID           string
	NodeCapabilities NodeCapabilities
}

// Claims is the token payload, signed with HS256.
type Claims struct {
	TaskID string `json:"task_id"`
	PeerID string `json:"peer_id"`
	jwt.RegisteredClaims
}

// TaskLease is the issued lease.
type TaskLease struct {
	LeaseID    string     `json:"lease_id"`
	TaskID     string     `json:"task_id"`
	PeerID     string     `json:"peer_id"`
	Token      string     `json:"token"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Complexity Complexity `json:"complexity"`
	IsActive   bool       `json:"is_active"`
}

// Store is the persistence boundary the issuer needs: task lookup and
// the single-transaction lease-insert + task-status-update.
type Store interface {
	GetTask(taskID string) (Task, error)
	InsertLeaseAndMarkLeased(lease TaskLease) error
	GetLease(leaseID string) (TaskLease, error)
	UpdateLease(lease TaskLease) error
	RequeueTask(taskID string) error
}

// Issuer mints and verifies task leases.
type Issuer struct {
	store     Store
	secretKey []byte
	idGen     func() string
}

// New constructs an Issuer signing/verifying with secretKey. idGen
// generates lease_id values; callers typically pass uuid.NewString.
func New(store Store, secretKey []byte, idGen func() string) *Issuer {
	return &Issuer{store: store, secretKey: secretKey, idGen: idGen}
}

// Issue matches capabilities, mints a token, and persists the lease.
func (i *Issuer) Issue(peerID string, req Request, reqs Requirements) (TaskLease, error) {
	task, err := i.store.GetTask(req.TaskID)
	if err != nil {
		return TaskLease{}, fmt.Errorf("%w: %v", ErrTaskNotAvailable, err)
	}
	if task.Status != TaskQueued {
		return TaskLease{}, ErrTaskNotAvailable
	}

	if deficits := matchCapabilities(reqs, req.NodeCapabilities); len(deficits) > 0 {
		return TaskLease{}, &MismatchError{Deficits: deficits}
	}

	complexity := task.Complexity
	if _, ok := ttlByComplexity[complexity]; !ok {
		complexity = ComplexityMedium
	}

	now := time.Now().UTC()
	expiresAt := now.Add(ttlByComplexity[complexity])

	token, err := i.mint(task.ID, peerID, now, expiresAt)
	if err != nil {
		return TaskLease{}, fmt.Errorf("%w: %v", ErrIssuanceFailed, err)
	}

	leaseID := i.idGen()
	taskLease := TaskLease{
		LeaseID:    leaseID,
		TaskID:     task.ID,
		PeerID:     peerID,
		Token:      token,
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
		Complexity: complexity,
		IsActive:   true,
	}

	if err := i.store.InsertLeaseAndMarkLeased(taskLease); err != nil {
		return TaskLease{}, fmt.Errorf("%w: %v", ErrIssuanceFailed, err)
	}

	return taskLease, nil
}

func matchCapabilities(req Requirements, have NodeCapabilities) []Deficit {
	var deficits []Deficit
	if have.CPUCores < req.CPUCores {
		deficits = append(deficits, Deficit{Resource: "cpu_cores", Required: req.CPUCores, Provided: have.CPUCores})
	}
	if have.MemoryMB < req.MemoryMB {
		deficits = append(deficits, Deficit{Resource: "memory_mb", Required: req.MemoryMB, Provided: have.MemoryMB})
	}
	if have.StorageMB < req.StorageMB {
		deficits = append(deficits, Deficit{Resource: "storage_mb", Required: req.StorageMB, Provided: have.StorageMB})
	}
	if req.RequiresGPU {
		if have.GPUCount < 1 {
			deficits = append(deficits, Deficit{Resource: "gpu_count", Required: 1, Provided: have.GPUCount})
		} else if have.GPUMemoryMB < req.GPUMemoryMB {
			deficits = append(deficits, Deficit{Resource: "gpu_memory_mb", Required: req.GPUMemoryMB, Provided: have.GPUMemoryMB})
		}
	}
	return deficits
}

func (i *Issuer) mint(taskID, peerID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := Claims{
		TaskID: taskID,
		PeerID: peerID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secretKey)
}

// Verify parses and validates token, returning its claims.
func (i *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return i.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalid
	}
	return claims, nil
}

// Revoke sets expires_at=now and requeues the task. Idempotent on an
// already-expired lease.
func (i *Issuer) Revoke(leaseID, reason string) error {
	l, err := i.store.GetLease(leaseID)
	if err != nil {
		return fmt.Errorf("lease: loading %s: %w", leaseID, err)
	}

	now := time.Now().UTC()
	if l.IsActive && l.ExpiresAt.After(now) {
		l.ExpiresAt = now
		l.IsActive = false
		if err := i.store.UpdateLease(l); err != nil {
			return fmt.Errorf("lease: revoking %s: %w", leaseID, err)
		}
		if err := i.store.RequeueTask(l.TaskID); err != nil {
			return fmt.Errorf("lease: requeuing task for %s: %w", leaseID, err)
		}
	}

	return nil
}

// Active reports the effective active predicate: is_active AND
// expires_at > now.
func (l TaskLease) Active(now time.Time) bool {
	return l.IsActive && l.ExpiresAt.After(now)
}
