// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// nodeconnect is the node-side agent: it applies the local WireGuard
// config, connects to the hub with bounded retry, and polls handshake
// health until asked to disconnect.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/overlayctl/hub/internal/config"
	"github.com/overlayctl/hub/internal/nodeconnector"
)

func main() {
	cfg, err := config.LoadNode()
	if err != nil {
		log.Fatalf("nodeconnect: config: %v", err)
	}

	conn, err := nodeconnector.New(nodeconnector.Config{
		InterfaceName: cfg.InterfaceName,
		PrivateKey:    cfg.PrivateKey,
		Address:       cfg.Address,
		Hub: nodeconnector.HubConfig{
			PublicKey:  cfg.HubPublicKey,
			Endpoint:   cfg.HubEndpoint,
			AllowedIPs: cfg.HubAllowedIPs,
			KeepaliveS: cfg.KeepaliveS,
		},
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		MaxRetries:        cfg.MaxRetries,
		ConnectionTimeout: cfg.ConnectionTimeout,
	}, cfg.NodeID, nil, nil)
	if err != nil {
		log.Fatalf("nodeconnect: invalid config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	log.Printf("nodeconnect: connecting %s to hub %s", cfg.NodeID, cfg.HubEndpoint)
	if err := conn.Connect(ctx); err != nil {
		log.Fatalf("nodeconnect: connect failed: %v", err)
	}

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			health := conn.Check(ctx)
			if health.Status != "healthy" {
				log.Printf("nodeconnect: health check reports %s (can_ping_hub=%v)", health.Status, health.CanPingHub)
			}
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if errs := conn.Disconnect(shutdownCtx); len(errs) > 0 {
		for _, e := range errs {
			log.Printf("nodeconnect: disconnect error: %v", e)
		}
	}
	log.Printf("nodeconnect: shut down")
}
