// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package provisioning

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlayctl/hub/internal/hubpeer"
	"github.com/overlayctl/hub/internal/ippool"
)

const validPublicKey = "AbCdEfGhIjKlMnOpQrStUvWxYz0123456789ABCDEF+/="

type fakeReloader struct {
	failNext bool
}

func (f *fakeReloader) Reload(ctx context.Context, iface, configPath string) error {
	if f.failNext {
		return hubpeer.ErrReloadFailed
	}
	return nil
}

type MockRecorder struct {
	saved   map[string]PeerConfiguration
	saveErr error
}

func newMockRecorder() *MockRecorder {
	return &MockRecorder{saved: make(map[string]PeerConfiguration)}
}

func (m *MockRecorder) SaveProvisioning(ctx context.Context, peerID string, cfg PeerConfiguration) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved[peerID] = cfg
	return nil
}

func newTestService(t *testing.T, reloader *fakeReloader) (*Service, *ippool.Pool) {
	t.Helper()
	pool, err := ippool.New("10.88.0.0/29", []string{"10.88.0.1"})
	require.NoError(t, err)

	hub := hubpeer.New("wg0", filepath.Join(t.TempDir(), "wg0.conf"), hubpeer.HubIdentity{
		PrivateKey: "hub-priv",
		ListenPort: 51820,
		Address:    "10.88.0.1/24",
	})
	hub.SetCollaborators(reloader, nil) // keeps the registry's default icmpPinger

	hubID := HubIdentity{PublicKey: "hub-pub-key", Endpoint: "hub.example.com:51820", HubIP: "10.88.0.1"}
	svc := New(pool, hub, hubID, nil, nil)
	return svc, pool
}

func TestProvision_Success(t *testing.T) {
	svc, pool := newTestService(t, &fakeReloader{})

	cfg, err := svc.Provision(context.Background(), Request{
		PeerID:      "peer-1",
		WGPublicKey: validPublicKey,
		Version:     "1.2.3",
		Endpoint:    "peer1.example.com:51820",
	})
	require.NoError(t, err)

	assert.Equal(t, "peer-1", cfg.PeerID)
	assert.Equal(t, "/24", cfg.SubnetMask)
	assert.Equal(t, "hub-pub-key", cfg.HubPublicKey)
	assert.Equal(t, 25, cfg.KeepaliveS)
	assert.Equal(t, []string{"10.88.0.1"}, cfg.DNS)
	assert.WithinDuration(t, time.Now().UTC(), cfg.ProvisionedAt, time.Second)

	ip, ok := pool.Lookup("peer-1")
	require.True(t, ok)
	assert.Equal(t, cfg.AssignedIP, ip)
}

func TestProvision_InvalidPublicKeyRejected(t *testing.T) {
	svc, _ := newTestService(t, &fakeReloader{})
	_, err := svc.Provision(context.Background(), Request{PeerID: "peer-1", WGPublicKey: "not-a-key", Version: "1.0.0"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestProvision_InvalidVersionRejected(t *testing.T) {
	svc, _ := newTestService(t, &fakeReloader{})
	_, err := svc.Provision(context.Background(), Request{PeerID: "peer-1", WGPublicKey: validPublicKey, Version: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestProvision_EmptyPeerIDRejected(t *testing.T) {
	svc, _ := newTestService(t, &fakeReloader{})
	_, err := svc.Provision(context.Background(), Request{WGPublicKey: validPublicKey, Version: "1.0.0"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestProvision_DuplicatePeerReturnsExistingConfig(t *testing.T) {
	svc, _ := newTestService(t, &fakeReloader{})
	ctx := context.Background()
	req := Request{PeerID: "peer-1", WGPublicKey: validPublicKey, Version: "1.0.0", Endpoint: "peer1:51820"}

	first, err := svc.Provision(ctx, req)
	require.NoError(t, err)

	_, err = svc.Provision(ctx, req)
	var dup *DuplicatePeerError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.AssignedIP, dup.Existing.AssignedIP)
}

func TestProvision_PoolExhaustedSurfacesUnchanged(t *testing.T) {
	svc, pool := newTestService(t, &fakeReloader{})
	ctx := context.Background()

	// 10.88.0.0/29 minus the reserved hub address leaves 5 usable hosts.
	for i := 0; i < 5; i++ {
		_, err := svc.Provision(ctx, Request{
			PeerID:      peerName(i),
			WGPublicKey: validPublicKey,
			Version:     "1.0.0",
			Endpoint:    "p:51820",
		})
		require.NoError(t, err)
	}

	_, err := svc.Provision(ctx, Request{PeerID: "overflow", WGPublicKey: validPublicKey, Version: "1.0.0"})
	assert.ErrorIs(t, err, ippool.ErrPoolExhausted)

	_, ok := pool.Lookup("overflow")
	assert.False(t, ok)
}

func peerName(i int) string {
	return "peer-" + string(rune('a'+i))
}

func TestProvision_HubReloadFailureReleasesIP(t *testing.T) {
	svc, pool := newTestService(t, &fakeReloader{failNext: true})
	ctx := context.Background()

	_, err := svc.Provision(ctx, Request{PeerID: "peer-1", WGPublicKey: validPublicKey, Version: "1.0.0", Endpoint: "p:51820"})
	require.ErrorIs(t, err, hubpeer.ErrReloadFailed)

	_, ok := pool.Lookup("peer-1")
	assert.False(t, ok, "IP must be released when hub add_peer fails, leaving no partial state")
}

func TestProvision_PersistsViaRecorder(t *testing.T) {
	svc, _ := newTestService(t, &fakeReloader{})
	recorder := newMockRecorder()
	svc.recorder = recorder

	cfg, err := svc.Provision(context.Background(), Request{PeerID: "peer-1", WGPublicKey: validPublicKey, Version: "1.0.0", Endpoint: "p:51820"})
	require.NoError(t, err)

	saved, ok := recorder.saved["peer-1"]
	require.True(t, ok)
	assert.Equal(t, cfg.AssignedIP, saved.AssignedIP)
}

func TestProvision_RecorderErrorSurfaces(t *testing.T) {
	svc, _ := newTestService(t, &fakeReloader{})
	svc.recorder = &MockRecorder{saveErr: errors.New("disk full")}

	_, err := svc.Provision(context.Background(), Request{PeerID: "peer-1", WGPublicKey: validPublicKey, Version: "1.0.0", Endpoint: "p:51820"})
	require.Error(t, err)
}

func TestDeprovision_ReleasesIPAndRemovesFromHub(t *testing.T) {
	svc, pool := newTestService(t, &fakeReloader{})
	ctx := context.Background()

	_, err := svc.Provision(ctx, Request{PeerID: "peer-1", WGPublicKey: validPublicKey, Version: "1.0.0", Endpoint: "p:51820"})
	require.NoError(t, err)

	require.NoError(t, svc.Deprovision(ctx, "peer-1"))

	_, ok := pool.Lookup("peer-1")
	assert.False(t, ok)
	_, ok = svc.hub.Get("peer-1")
	assert.False(t, ok)
}

func TestDeprovision_UnknownPeerErrors(t *testing.T) {
	svc, _ := newTestService(t, &fakeReloader{})
	err := svc.Deprovision(context.Background(), "ghost")
	require.Error(t, err)
}
