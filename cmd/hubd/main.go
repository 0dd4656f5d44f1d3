// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// hubd is the control-plane daemon: it owns the IP pool, the hub peer
// registry, lease issuance, the partition detector, and the HTTP API
// that nodes and operators talk to.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/overlayctl/hub/internal/api"
	"github.com/overlayctl/hub/internal/audit"
	"github.com/overlayctl/hub/internal/config"
	"github.com/overlayctl/hub/internal/health"
	"github.com/overlayctl/hub/internal/hubpeer"
	"github.com/overlayctl/hub/internal/ippool"
	"github.com/overlayctl/hub/internal/lease"
	"github.com/overlayctl/hub/internal/partition"
	"github.com/overlayctl/hub/internal/provisioning"
	"github.com/overlayctl/hub/internal/resultbuffer"
	"github.com/overlayctl/hub/internal/store"
	"github.com/overlayctl/hub/internal/timeline"
)

func main() {
	cfg, err := config.LoadHub()
	if err != nil {
		log.Fatalf("hubd: config: %v", err)
	}

	if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
		log.Fatalf("hubd: migrations: %v", err)
	}

	db, err := store.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("hubd: connecting to database: %v", err)
	}
	defer db.Close()

	pool, err := ippool.New(cfg.PoolCIDR, cfg.PoolReserved)
	if err != nil {
		log.Fatalf("hubd: ip pool: %v", err)
	}

	hub := hubpeer.New(cfg.HubInterface, cfg.HubConfigPath, hubpeer.HubIdentity{
		PrivateKey: cfg.HubPrivateKey,
		ListenPort: cfg.HubListenPort,
		Address:    cfg.HubAddress,
	})

	fileSink := audit.NewFileSink(audit.FileSinkConfig{
		Path:       cfg.AuditLogPath,
		MaxSizeMB:  cfg.AuditMaxSizeMB,
		MaxBackups: cfg.AuditMaxBackups,
		MaxAgeDays: cfg.AuditMaxAgeDays,
	})
	auditLogger := audit.New(fileSink)

	hubID := provisioning.HubIdentity{
		PublicKey: cfg.HubPublicKey,
		Endpoint:  cfg.HubEndpoint,
		HubIP:     hubAddressOnly(cfg.HubAddress),
	}
	provSvc := provisioning.New(pool, hub, hubID, db, auditLogger)

	issuer := lease.New(db, cfg.SecretKey, uuid.NewString)

	buffer, err := resultbuffer.Open(cfg.ResultBufferPath, cfg.ResultBufferMaxSize, cfg.ResultBufferMaxRetries, cfg.ResultBufferFlushInterval)
	if err != nil {
		log.Fatalf("hubd: result buffer: %v", err)
	}
	defer buffer.Close()

	detector := partition.New(cfg.UpstreamURL, cfg.PartitionProbeTimeout, buffer, cfg.PartitionMaxEventHistory)
	detector.StartBackgroundChecks(cfg.PartitionCheckInterval)
	defer detector.StopBackgroundChecks()

	buffer.StartPeriodicFlush(detector)
	defer buffer.StopPeriodicFlush()

	thresholds := health.Singleton()
	aggregator := health.New(thresholds, health.NewPrometheusSink(prometheus.DefaultRegisterer))
	aggregator.Register("ip_pool", health.StatsProviderFunc(func() (map[string]any, error) {
		stats := pool.Stats()
		return map[string]any{
			"total":     stats.Total,
			"reserved":  stats.Reserved,
			"allocated": stats.Allocated,
			"available": stats.Available,
			"util_pct":  stats.UtilPct,
		}, nil
	}))
	aggregator.Register("result_buffer", health.StatsProviderFunc(buffer.Stats))
	aggregator.Register("partition_detection", health.StatsProviderFunc(detector.Stats))

	timelineLog := timeline.New(cfg.TimelineMaxEvents)

	srv := api.New(api.Config{
		ListenAddr:     cfg.ListenAddr,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MetricsEnabled: cfg.MetricsEnabled,
	}, api.Deps{
		Pool:         pool,
		Hub:          hub,
		Provisioning: provSvc,
		LeaseIssuer:  issuer,
		Aggregator:   aggregator,
		Thresholds:   thresholds,
		TimelineLog:  timelineLog,
		AuditLogger:  auditLogger,
	})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("hubd: shutdown error: %v", err)
		}
	}()

	log.Printf("hubd: starting on %s", cfg.ListenAddr)
	if err := srv.Start(); err != nil {
		log.Fatalf("hubd: server error: %v", err)
	}
}

// hubAddressOnly strips a CIDR suffix like "/24" from an address, since
// the provisioning identity wants the bare hub IP.
func hubAddressOnly(address string) string {
	for i, c := range address {
		if c == '/' {
			return address[:i]
		}
	}
	return address
}
