// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlayctl/hub/internal/api"
	"github.com/overlayctl/hub/internal/health"
	"github.com/overlayctl/hub/internal/hubpeer"
	"github.com/overlayctl/hub/internal/ippool"
	"github.com/overlayctl/hub/internal/lease"
	"github.com/overlayctl/hub/internal/provisioning"
	"github.com/overlayctl/hub/internal/timeline"
)

const testPublicKey = "AbCdEfGhIjKlMnOpQrStUvWxYz0123456789ABCDEF+/="

type noopReloader struct{}

func (noopReloader) Reload(ctx context.Context, iface, configPath string) error { return nil }

type memLeaseStore struct {
	tasks  map[string]lease.Task
	leases map[string]lease.TaskLease
}

func newMemLeaseStore() *memLeaseStore {
	return &memLeaseStore{tasks: map[string]lease.Task{}, leases: map[string]lease.TaskLease{}}
}

func (m *memLeaseStore) GetTask(taskID string) (lease.Task, error) {
	t, ok := m.tasks[taskID]
	if !ok {
		return lease.Task{}, lease.ErrTaskNotAvailable
	}
	return t, nil
}

func (m *memLeaseStore) InsertLeaseAndMarkLeased(tl lease.TaskLease) error {
	m.leases[tl.LeaseID] = tl
	task := m.tasks[tl.TaskID]
	task.Status = lease.TaskLeased
	m.tasks[tl.TaskID] = task
	return nil
}

func (m *memLeaseStore) GetLease(leaseID string) (lease.TaskLease, error) {
	l, ok := m.leases[leaseID]
	if !ok {
		return lease.TaskLease{}, lease.ErrInvalid
	}
	return l, nil
}

func (m *memLeaseStore) UpdateLease(tl lease.TaskLease) error {
	m.leases[tl.LeaseID] = tl
	return nil
}

func (m *memLeaseStore) RequeueTask(taskID string) error {
	task := m.tasks[taskID]
	task.Status = lease.TaskQueued
	m.tasks[taskID] = task
	return nil
}

func setupTestServer(t *testing.T) *api.Server {
	t.Helper()

	pool, err := ippool.New("10.90.0.0/29", []string{"10.90.0.1"})
	require.NoError(t, err)

	hub := hubpeer.New("wg0", filepath.Join(t.TempDir(), "wg0.conf"), hubpeer.HubIdentity{
		PrivateKey: "hub-priv", ListenPort: 51820, Address: "10.90.0.1/24",
	})
	hub.SetCollaborators(noopReloader{}, nil)

	hubID := provisioning.HubIdentity{PublicKey: "hub-pub", Endpoint: "hub.example.com:51820", HubIP: "10.90.0.1"}
	provSvc := provisioning.New(pool, hub, hubID, nil, nil)

	leaseStore := newMemLeaseStore()
	leaseStore.tasks["task-1"] = lease.Task{ID: "task-1", Status: lease.TaskQueued, Complexity: lease.ComplexityLow}
	issuer := lease.New(leaseStore, []byte("test-secret"), func() string { return "lease-1" })

	health.ResetSingletonForTest()
	thresholds := health.Singleton()
	aggregator := health.New(thresholds, nil)
	aggregator.Register("ip_pool", health.StatsProviderFunc(func() (map[string]any, error) {
		stats := pool.Stats()
		return map[string]any{"util_pct": float64(stats.UtilPct)}, nil
	}))

	timelineLog := timeline.New(100)

	srv := api.New(api.Config{ListenAddr: ":0"}, api.Deps{
		Pool:         pool,
		Hub:          hub,
		Provisioning: provSvc,
		LeaseIssuer:  issuer,
		Aggregator:   aggregator,
		Thresholds:   thresholds,
		TimelineLog:  timelineLog,
	})
	return srv
}

func doJSON(t *testing.T, srv *api.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := setupTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProvision_Success(t *testing.T) {
	srv := setupTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/wireguard/provision", map[string]string{
		"peer_id":       "peer-1",
		"wg_public_key": testPublicKey,
		"version":       "1.2.3",
		"endpoint":      "peer1:51820",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "peer-1", resp["peer_id"])
	assert.NotEmpty(t, resp["assigned_ip"])
}

func TestProvision_DuplicateReturns409(t *testing.T) {
	srv := setupTestServer(t)
	body := map[string]string{"peer_id": "peer-1", "wg_public_key": testPublicKey, "version": "1.0.0", "endpoint": "p:1"}
	doJSON(t, srv, http.MethodPost, "/wireguard/provision", body)
	w := doJSON(t, srv, http.MethodPost, "/wireguard/provision", body)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestProvision_InvalidCredentialsReturns422(t *testing.T) {
	srv := setupTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/wireguard/provision", map[string]string{
		"peer_id": "peer-1", "wg_public_key": "bogus", "version": "1.0.0",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestListPeers_ReflectsProvisioned(t *testing.T) {
	srv := setupTestServer(t)
	doJSON(t, srv, http.MethodPost, "/wireguard/provision", map[string]string{
		"peer_id": "peer-1", "wg_public_key": testPublicKey, "version": "1.0.0", "endpoint": "p:1",
	})

	w := doJSON(t, srv, http.MethodGet, "/wireguard/peers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var peers []string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&peers))
	assert.Equal(t, []string{"peer-1"}, peers)
}

func TestDeprovision_UnknownReturns404(t *testing.T) {
	srv := setupTestServer(t)
	w := doJSON(t, srv, http.MethodDelete, "/wireguard/peers/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPoolStats(t *testing.T) {
	srv := setupTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/wireguard/pool/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Contains(t, resp, "util_pct")
}

func TestIssueLease_Success(t *testing.T) {
	srv := setupTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/tasks/lease", map[string]any{
		"task_id": "task-1",
		"peer_id": "peer-1",
		"node_capabilities": map[string]int{
			"cpu_cores": 4, "memory_mb": 2048, "storage_mb": 1024,
		},
		"requirements": map[string]int{
			"cpu_cores": 2, "memory_mb": 1024, "storage_mb": 512,
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestIssueLease_TaskNotAvailableReturns409(t *testing.T) {
	srv := setupTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/tasks/lease", map[string]any{
		"task_id": "ghost-task",
		"peer_id": "peer-1",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSwarmHealth(t *testing.T) {
	srv := setupTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/swarm/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSwarmTimeline_Empty(t *testing.T) {
	srv := setupTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/swarm/timeline", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, float64(0), resp["total"])
}

func TestThresholds_GetAndPut(t *testing.T) {
	srv := setupTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/swarm/alerts/thresholds", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodPut, "/swarm/alerts/thresholds", map[string]float64{"buffer_util_pct": 70})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodPut, "/swarm/alerts/thresholds", map[string]float64{"buffer_util_pct": 150})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestMonitoringStatus(t *testing.T) {
	srv := setupTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/swarm/monitoring/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
