// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/overlayctl/hub/internal/ippool"
	"github.com/overlayctl/hub/internal/lease"
	"github.com/overlayctl/hub/internal/provisioning"
	"github.com/overlayctl/hub/internal/timeline"
)

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error_code": code, "error": message})
}

// --- /wireguard ---

type provisionRequest struct {
	PeerID      string `json:"peer_id"`
	WGPublicKey string `json:"wg_public_key"`
	Version     string `json:"version"`
	Endpoint    string `json:"endpoint"`
}

type peerConfigurationResponse struct {
	PeerID           string   `json:"peer_id"`
	AssignedIP       string   `json:"assigned_ip"`
	SubnetMask       string   `json:"subnet_mask"`
	HubPublicKey     string   `json:"hub_public_key"`
	HubEndpoint      string   `json:"hub_endpoint"`
	AllowedIPsForHub string   `json:"allowed_ips_for_hub"`
	KeepaliveS       int      `json:"keepalive_s"`
	DNS              []string `json:"dns"`
	ProvisionedAt    string   `json:"provisioned_at"`
}

func toPeerConfigurationResponse(cfg provisioning.PeerConfiguration) peerConfigurationResponse {
	return peerConfigurationResponse{
		PeerID:           cfg.PeerID,
		AssignedIP:       cfg.AssignedIP,
		SubnetMask:       cfg.SubnetMask,
		HubPublicKey:     cfg.HubPublicKey,
		HubEndpoint:      cfg.HubEndpoint,
		AllowedIPsForHub: cfg.AllowedIPsForHub,
		KeepaliveS:       cfg.KeepaliveS,
		DNS:              cfg.DNS,
		ProvisionedAt:    cfg.ProvisionedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "validation", err.Error())
		return
	}

	cfg, err := s.provisioning.Provision(r.Context(), provisioning.Request{
		PeerID:      req.PeerID,
		WGPublicKey: req.WGPublicKey,
		Version:     req.Version,
		Endpoint:    req.Endpoint,
	})
	if err != nil {
		var dup *provisioning.DuplicatePeerError
		switch {
		case errors.As(err, &dup):
			respondJSON(w, http.StatusConflict, map[string]any{
				"error_code": "DuplicatePeer",
				"error":      err.Error(),
				"existing":   toPeerConfigurationResponse(dup.Existing),
			})
		case errors.Is(err, ippool.ErrPoolExhausted):
			respondError(w, http.StatusServiceUnavailable, "IPPoolExhausted", err.Error())
		case errors.Is(err, provisioning.ErrInvalidCredentials):
			respondError(w, http.StatusUnprocessableEntity, "validation", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	respondJSON(w, http.StatusOK, toPeerConfigurationResponse(cfg))
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.hub.List())
}

func (s *Server) handleDeprovision(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")
	if err := s.provisioning.Deprovision(r.Context(), nodeID); err != nil {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"total":     stats.Total,
		"reserved":  stats.Reserved,
		"allocated": stats.Allocated,
		"available": stats.Available,
		"util_pct":  stats.UtilPct,
	})
}

func (s *Server) handleWireGuardHealth(w http.ResponseWriter, r *http.Request) {
	deviceStats, err := s.hub.DeviceStats()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if deviceStats == nil {
		respondError(w, http.StatusServiceUnavailable, "wireguard_unavailable", "WireGuard device stack is not present on this host")
		return
	}

	summary := map[string]any{
		"known_peers": len(s.hub.List()),
		"live_peers":  len(deviceStats),
	}
	if r.URL.Query().Get("include_peers") == "true" {
		summary["peers"] = deviceStats
	}
	respondJSON(w, http.StatusOK, summary)
}

// --- /tasks ---

type issueLeaseRequest struct {
	TaskID           string                     `json:"task_id"`
	PeerID           string                     `json:"peer_id"`
	NodeCapabilities lease.NodeCapabilities     `json:"node_capabilities"`
	Requirements     lease.Requirements         `json:"requirements"`
}

func (s *Server) handleIssueLease(w http.ResponseWriter, r *http.Request) {
	var req issueLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "validation", err.Error())
		return
	}

	taskLease, err := s.leaseIssuer.Issue(req.PeerID, lease.Request{
		TaskID:           req.TaskID,
		NodeCapabilities: req.NodeCapabilities,
	}, req.Requirements)
	if err != nil {
		var mismatch *lease.MismatchError
		switch {
		case errors.As(err, &mismatch):
			respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error_code": "CapabilityMismatch",
				"error":      err.Error(),
				"deficits":   mismatch.Deficits,
			})
		case errors.Is(err, lease.ErrTaskNotAvailable):
			respondError(w, http.StatusConflict, "TaskNotAvailable", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	respondJSON(w, http.StatusCreated, taskLease)
}

// --- /swarm ---

func (s *Server) handleSwarmHealth(w http.ResponseWriter, r *http.Request) {
	if s.aggregator == nil {
		respondError(w, http.StatusServiceUnavailable, "aggregator_unavailable", "health aggregator not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.aggregator.Collect())
}

func (s *Server) handleTimelineQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := timeline.Query{
		TaskID:    q.Get("task_id"),
		PeerID:    q.Get("peer_id"),
		EventType: timeline.EventType(q.Get("event_type")),
		Limit:     100,
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			query.Since = t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			query.Until = t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			query.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			query.Offset = n
		}
	}

	events, total := s.timelineLog.Query(query)
	respondJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  query.Limit,
		"offset": query.Offset,
	})
}

func (s *Server) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.thresholds.Get())
}

func (s *Server) handlePutThresholds(w http.ResponseWriter, r *http.Request) {
	var patch map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "validation", err.Error())
		return
	}

	updated, err := s.thresholds.Update(patch)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "out_of_range", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	if s.aggregator == nil {
		respondError(w, http.StatusServiceUnavailable, "aggregator_unavailable", "health aggregator not configured")
		return
	}

	snapshot := s.aggregator.Collect()
	subsystems := make([]string, 0, len(snapshot.Subsystems))
	for name := range snapshot.Subsystems {
		subsystems = append(subsystems, name)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":     snapshot.Status,
		"subsystems": subsystems,
	})
}
