// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package nodeconnector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApplier struct {
	ensureErr   error
	addPeerErr  error
	bringUpErr  error
	bringDownErr error
	deleteErr   error
	handshake   string
	handshakeErr error
}

func (f *fakeApplier) EnsureInterface(ctx context.Context, iface, address, privateKey string) error {
	return f.ensureErr
}
func (f *fakeApplier) AddPeer(ctx context.Context, iface, publicKey, endpoint string, allowedIPs []string, keepaliveS int) error {
	return f.addPeerErr
}
func (f *fakeApplier) BringUp(ctx context.Context, iface string) error   { return f.bringUpErr }
func (f *fakeApplier) BringDown(ctx context.Context, iface string) error { return f.bringDownErr }
func (f *fakeApplier) DeleteInterface(ctx context.Context, iface string) error { return f.deleteErr }
func (f *fakeApplier) ShowHandshake(ctx context.Context, iface string) (string, error) {
	return f.handshake, f.handshakeErr
}

type fakePinger struct {
	sequence []bool
	timeout  bool
	calls    int
}

func (f *fakePinger) Ping(ctx context.Context, ip string, timeout time.Duration) (bool, error) {
	if f.timeout {
		return false, ErrConnectionTimeout
	}
	idx := f.calls
	f.calls++
	if idx >= len(f.sequence) {
		return f.sequence[len(f.sequence)-1], nil
	}
	return f.sequence[idx], nil
}

func baseConfig() Config {
	return Config{
		InterfaceName: "wg0",
		PrivateKey:    "node-priv",
		Address:       "10.88.0.5/24",
		Hub: HubConfig{
			PublicKey:  "hub-pub",
			Endpoint:   "hub.example.com:51820",
			AllowedIPs: []string{"10.88.0.1/32"},
			KeepaliveS: 25,
		},
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		MaxRetries:        3,
		ConnectionTimeout: time.Second,
	}
}

func TestNew_ValidatesRequiredFields(t *testing.T) {
	_, err := New(Config{}, "node-1", &fakeApplier{}, &fakePinger{sequence: []bool{true}})
	require.Error(t, err)
	var verr *ConfigValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.MissingFields, "interface_name")
	assert.Contains(t, verr.MissingFields, "hub.public_key")
}

func TestConnect_SuccessOnFirstProbe(t *testing.T) {
	c, err := New(baseConfig(), "node-1", &fakeApplier{}, &fakePinger{sequence: []bool{true}})
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
}

func TestConnect_RetriesThenSucceeds(t *testing.T) {
	c, err := New(baseConfig(), "node-1", &fakeApplier{}, &fakePinger{sequence: []bool{false, false, true}})
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
}

func TestConnect_ExhaustsRetriesReturnsConnectionError(t *testing.T) {
	c, err := New(baseConfig(), "node-1", &fakeApplier{}, &fakePinger{sequence: []bool{false, false, false}})
	require.NoError(t, err)

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectionError)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnect_ProbeTimeoutShortCircuits(t *testing.T) {
	c, err := New(baseConfig(), "node-1", &fakeApplier{}, &fakePinger{timeout: true})
	require.NoError(t, err)

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectionTimeout)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnect_ApplyFailurePropagates(t *testing.T) {
	c, err := New(baseConfig(), "node-1", &fakeApplier{ensureErr: errors.New("boom")}, &fakePinger{sequence: []bool{true}})
	require.NoError(t, err)

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectionError)
}

func TestCheck_DisconnectedWhenNeverConnected(t *testing.T) {
	c, err := New(baseConfig(), "node-1", &fakeApplier{}, &fakePinger{sequence: []bool{true}})
	require.NoError(t, err)

	health := c.Check(context.Background())
	assert.Equal(t, StateDisconnected, health.Status)
}

func TestCheck_UnhealthyWhenCannotPing(t *testing.T) {
	applier := &fakeApplier{handshake: "latest handshake: 5 seconds ago"}
	pinger := &fakePinger{sequence: []bool{true}}
	c, err := New(baseConfig(), "node-1", applier, pinger)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	pinger.sequence = []bool{false}
	pinger.calls = 0
	health := c.Check(context.Background())
	assert.Equal(t, State("unhealthy"), health.Status)
	assert.False(t, health.CanPingHub)
}

func TestCheck_DegradedOnStaleHandshake(t *testing.T) {
	applier := &fakeApplier{handshake: "latest handshake: 4 minutes ago"}
	pinger := &fakePinger{sequence: []bool{true}}
	c, err := New(baseConfig(), "node-1", applier, pinger)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	pinger.calls = 0
	health := c.Check(context.Background())
	assert.Equal(t, State("degraded"), health.Status)
	require.NotNil(t, health.HandshakeAgeS)
	assert.Equal(t, 240.0, *health.HandshakeAgeS)
}

func TestCheck_HealthyOnFreshHandshake(t *testing.T) {
	applier := &fakeApplier{handshake: "latest handshake: 30 seconds ago"}
	pinger := &fakePinger{sequence: []bool{true}}
	c, err := New(baseConfig(), "node-1", applier, pinger)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	pinger.calls = 0
	health := c.Check(context.Background())
	assert.Equal(t, State("healthy"), health.Status)
	require.NotNil(t, health.HandshakeAgeS)
	assert.Equal(t, 30.0, *health.HandshakeAgeS)
}

func TestDisconnect_TeardownErrorsDoNotBlockStateReset(t *testing.T) {
	applier := &fakeApplier{bringDownErr: errors.New("down failed"), deleteErr: errors.New("delete failed")}
	c, err := New(baseConfig(), "node-1", applier, &fakePinger{sequence: []bool{true}})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	errs := c.Disconnect(context.Background())
	assert.Len(t, errs, 2)
	assert.Equal(t, StateDisconnected, c.State())
}
