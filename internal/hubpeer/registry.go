// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package hubpeer implements the hub-side peer registry and WireGuard
// config writer: an in-memory peer map rendered to an atomically-written
// config file, reloaded into the kernel/userspace device via
// `wg syncconf`.
package hubpeer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrNotFound is raised only when an operation targets an unknown peer_id.
var ErrNotFound = errors.New("hubpeer: peer not found")

// ErrReloadFailed wraps a non-zero exit from the reload command. The
// in-memory map and file are already in the new state when this is
// returned — the spec requires no auto-rollback.
var ErrReloadFailed = errors.New("hubpeer: wg syncconf reload failed")

// ErrEmptyAllowedIPs is returned by AddPeer when AllowedIPs is empty.
var ErrEmptyAllowedIPs = errors.New("hubpeer: allowed_ips must not be empty")

// PeerEntry is one WireGuard peer known to the hub.
type PeerEntry struct {
	PeerID      string
	WGPublicKey string
	AllowedIPs  []string
	Endpoint    string
	KeepaliveS  int
}

// HubIdentity renders the [Interface] block of the config file.
type HubIdentity struct {
	PrivateKey string
	ListenPort int
	Address    string
}

// Reloader invokes the hub's config reload command.
type Reloader interface {
	Reload(ctx context.Context, iface, configPath string) error
}

// execReloader shells out to `wg syncconf <iface> <path>`.
type execReloader struct{}

func (execReloader) Reload(ctx context.Context, iface, configPath string) error {
	cmd := exec.CommandContext(ctx, "wg", "syncconf", iface, configPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrReloadFailed, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Pinger probes reachability of an IP within a deadline.
type Pinger interface {
	Ping(ctx context.Context, ip string, timeout time.Duration) bool
}

// icmpPinger shells out to the system `ping` binary, one probe.
type icmpPinger struct{}

func (icmpPinger) Ping(ctx context.Context, ip string, timeout time.Duration) bool {
	deadline := timeout + time.Second
	pingCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	cmd := exec.CommandContext(pingCtx, "ping", "-c", "1", "-W", fmt.Sprint(secs), ip)
	return cmd.Run() == nil
}

// Registry is the hub-side peer map and config writer. One Registry
// owns one WireGuard interface's config file.
type Registry struct {
	mu sync.Mutex

	iface      string
	configPath string
	identity   HubIdentity

	peers []string // insertion order
	byID  map[string]PeerEntry

	reloader Reloader
	pinger   Pinger
	fileLock *flock.Flock
}

// New constructs a Registry. configPath is the live `wg` config file;
// a sibling lock file path is derived from it.
func New(iface, configPath string, identity HubIdentity) *Registry {
	return &Registry{
		iface:      iface,
		configPath: configPath,
		identity:   identity,
		byID:       make(map[string]PeerEntry),
		reloader:   execReloader{},
		pinger:     icmpPinger{},
		fileLock:   flock.New(configPath + ".lock"),
	}
}

// AddPeer inserts or updates a peer entry, rewrites the config file, and
// reloads the hub device. Adding an existing peer_id is an update, never
// a silent no-op.
func (r *Registry) AddPeer(ctx context.Context, entry PeerEntry) error {
	if len(entry.AllowedIPs) == 0 {
		return ErrEmptyAllowedIPs
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[entry.PeerID]; !exists {
		r.peers = append(r.peers, entry.PeerID)
	}
	r.byID[entry.PeerID] = entry

	return r.writeAndReload(ctx)
}

// RemovePeer deletes a peer entry, rewrites the config file, and
// reloads the hub device.
func (r *Registry) RemovePeer(ctx context.Context, peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[peerID]; !exists {
		return ErrNotFound
	}
	delete(r.byID, peerID)
	for i, id := range r.peers {
		if id == peerID {
			r.peers = append(r.peers[:i], r.peers[i+1:]...)
			break
		}
	}

	return r.writeAndReload(ctx)
}

// SetCollaborators overrides the reloader and pinger used by the
// registry. A nil argument leaves the existing collaborator in place;
// intended for tests that need to substitute fakes from outside the
// package.
func (r *Registry) SetCollaborators(reloader Reloader, pinger Pinger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reloader != nil {
		r.reloader = reloader
	}
	if pinger != nil {
		r.pinger = pinger
	}
}

// Get returns the peer entry for peerID, if known.
func (r *Registry) Get(peerID string) (PeerEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byID[peerID]
	return entry, ok
}

// List returns known peer_ids in insertion order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.peers))
	copy(out, r.peers)
	return out
}

// VerifyConnectivity pings the first host IP in the peer's allowed_ips.
// It returns false on timeout, never an error for that case; ErrNotFound
// is the only raised error, for an unknown peer.
func (r *Registry) VerifyConnectivity(ctx context.Context, peerID string, timeout time.Duration) (bool, error) {
	r.mu.Lock()
	entry, ok := r.byID[peerID]
	r.mu.Unlock()
	if !ok {
		return false, ErrNotFound
	}
	if len(entry.AllowedIPs) == 0 {
		return false, nil
	}

	ip := firstHostIP(entry.AllowedIPs[0])
	return r.pinger.Ping(ctx, ip, timeout), nil
}

// writeAndReload must be called with r.mu held.
func (r *Registry) writeAndReload(ctx context.Context) error {
	if err := r.fileLock.Lock(); err != nil {
		return fmt.Errorf("hubpeer: acquiring config lock: %w", err)
	}
	defer r.fileLock.Unlock()

	if err := r.renderAtomic(); err != nil {
		return err
	}
	return r.reloader.Reload(ctx, r.iface, r.configPath)
}

// renderAtomic writes the deterministic config render to a sibling temp
// file, chmods it 0600, fsyncs it, then renames over the target so readers
// never observe a partial file.
func (r *Registry) renderAtomic() error {
	contents := r.render()

	dir := filepath.Dir(r.configPath)
	tmp, err := os.CreateTemp(dir, ".wgconf-*.tmp")
	if err != nil {
		return fmt.Errorf("hubpeer: creating temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.WriteString(contents); err != nil {
		tmp.Close()
		return fmt.Errorf("hubpeer: writing temp config file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("hubpeer: chmod temp config file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("hubpeer: fsync temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("hubpeer: closing temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, r.configPath); err != nil {
		return fmt.Errorf("hubpeer: renaming config file into place: %w", err)
	}
	return nil
}

// render must be called with r.mu held. Output is deterministic in
// insertion order for diffability.
func (r *Registry) render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", r.identity.PrivateKey)
	if r.identity.ListenPort != 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", r.identity.ListenPort)
	}
	if r.identity.Address != "" {
		fmt.Fprintf(&b, "Address = %s\n", r.identity.Address)
	}
	b.WriteString("\n")

	for _, id := range r.peers {
		entry := r.byID[id]
		fmt.Fprintf(&b, "# Peer ID: %s\n", entry.PeerID)
		fmt.Fprintf(&b, "[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", entry.WGPublicKey)
		fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(entry.AllowedIPs, ", "))
		if entry.Endpoint != "" {
			fmt.Fprintf(&b, "Endpoint = %s\n", entry.Endpoint)
		}
		if entry.KeepaliveS > 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", entry.KeepaliveS)
		}
		b.WriteString("\n")
	}

	return b.String()
}

func firstHostIP(cidr string) string {
	ip, _, ok := strings.Cut(cidr, "/")
	if !ok {
		return cidr
	}
	return ip
}
