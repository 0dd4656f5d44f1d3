// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package hubpeer

import (
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
)

// PeerStats is one peer's live handshake/transfer data, read directly
// from the kernel/userspace WireGuard device.
type PeerStats struct {
	PublicKey     string
	Endpoint      string
	LastHandshake time.Time
	ReceiveBytes  int64
	TransmitBytes int64
}

// DeviceStats reads live peer stats for r.iface via wgctrl. It degrades
// gracefully (nil slice, nil error) when no WireGuard device is
// present — non-Linux hosts and test environments.
func (r *Registry) DeviceStats() ([]PeerStats, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, nil
	}
	defer client.Close()

	device, err := client.Device(r.iface)
	if err != nil {
		return nil, nil
	}

	stats := make([]PeerStats, 0, len(device.Peers))
	for _, p := range device.Peers {
		endpoint := ""
		if p.Endpoint != nil {
			endpoint = p.Endpoint.String()
		}
		stats = append(stats, PeerStats{
			PublicKey:     p.PublicKey.String(),
			Endpoint:      endpoint,
			LastHandshake: p.LastHandshakeTime,
			ReceiveBytes:  p.ReceiveBytes,
			TransmitBytes: p.TransmitBytes,
		})
	}
	return stats, nil
}

// Stats adapts the registry to the health.StatsProvider shape: peer
// count plus live device stats where available.
func (r *Registry) Stats() (map[string]any, error) {
	r.mu.Lock()
	peerCount := len(r.peers)
	r.mu.Unlock()

	result := map[string]any{
		"peer_count": peerCount,
	}

	deviceStats, err := r.DeviceStats()
	if err == nil {
		result["live_peers"] = len(deviceStats)
	}
	return result, nil
}
