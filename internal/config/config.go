// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package config loads process configuration for the hub daemon and the
// node connector from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// HubConfig configures the hubd process: the HTTP API, the IP pool, the
// peer registry's WireGuard config writer, lease signing, the result
// buffer, the partition detector, and the audit trail.
type HubConfig struct {
	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MetricsEnabled bool

	DatabaseURL string

	PoolCIDR     string
	PoolReserved []string

	HubInterface   string
	HubConfigPath  string
	HubPrivateKey  string
	HubListenPort  int
	HubAddress     string
	HubPublicKey   string
	HubEndpoint    string

	SecretKey []byte

	UpstreamURL              string
	PartitionCheckInterval   time.Duration
	PartitionProbeTimeout    time.Duration
	PartitionMaxEventHistory int

	ResultBufferPath          string
	ResultBufferMaxSize       int
	ResultBufferMaxRetries    int
	ResultBufferFlushInterval time.Duration

	AuditLogPath       string
	AuditMaxSizeMB     int
	AuditMaxBackups    int
	AuditMaxAgeDays    int

	TimelineMaxEvents int
}

// LoadHub reads HubConfig from the environment, applying the same
// defaults-with-override pattern the rest of the pack uses.
func LoadHub() (*HubConfig, error) {
	cfg := &HubConfig{
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 15*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:    getDuration("IDLE_TIMEOUT", 60*time.Second),
		MetricsEnabled: getBool("METRICS_ENABLED", true),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		PoolCIDR:     getEnv("POOL_CIDR", "10.100.0.0/16"),
		PoolReserved: getList("POOL_RESERVED_IPS", nil),

		HubInterface:  getEnv("HUB_INTERFACE", "wg0"),
		HubConfigPath: getEnv("HUB_CONFIG_PATH", "/etc/wireguard/wg0.conf"),
		HubPrivateKey: getEnv("HUB_PRIVATE_KEY", ""),
		HubListenPort: getInt("HUB_LISTEN_PORT", 51820),
		HubAddress:    getEnv("HUB_ADDRESS", ""),
		HubPublicKey:  getEnv("HUB_PUBLIC_KEY", ""),
		HubEndpoint:   getEnv("HUB_ENDPOINT", ""),

		UpstreamURL:              getEnv("UPSTREAM_URL", ""),
		PartitionCheckInterval:   getDuration("PARTITION_CHECK_INTERVAL", 10*time.Second),
		PartitionProbeTimeout:    getDuration("PARTITION_PROBE_TIMEOUT", 5*time.Second),
		PartitionMaxEventHistory: getInt("PARTITION_MAX_EVENT_HISTORY", 100),

		ResultBufferPath:          getEnv("RESULT_BUFFER_PATH", "/var/lib/hub/result_buffer.db"),
		ResultBufferMaxSize:       getInt("RESULT_BUFFER_MAX_SIZE", 10000),
		ResultBufferMaxRetries:    getInt("RESULT_BUFFER_MAX_RETRIES", 5),
		ResultBufferFlushInterval: getDuration("RESULT_BUFFER_FLUSH_INTERVAL", 30*time.Second),

		AuditLogPath:    getEnv("AUDIT_LOG_PATH", "/var/log/hub/audit.jsonl"),
		AuditMaxSizeMB:  getInt("AUDIT_MAX_SIZE_MB", 50),
		AuditMaxBackups: getInt("AUDIT_MAX_BACKUPS", 10),
		AuditMaxAgeDays: getInt("AUDIT_MAX_AGE_DAYS", 30),

		TimelineMaxEvents: getInt("TIMELINE_MAX_EVENTS", 10000),
	}

	secretKey := getEnv("SECRET_KEY", "")
	if secretKey == "" {
		return nil, fmt.Errorf("config: SECRET_KEY is required")
	}
	cfg.SecretKey = []byte(secretKey)

	if cfg.HubPrivateKey == "" {
		return nil, fmt.Errorf("config: HUB_PRIVATE_KEY is required")
	}
	if cfg.HubPublicKey == "" {
		return nil, fmt.Errorf("config: HUB_PUBLIC_KEY is required")
	}
	if cfg.HubEndpoint == "" {
		return nil, fmt.Errorf("config: HUB_ENDPOINT is required")
	}
	if cfg.HubAddress == "" {
		return nil, fmt.Errorf("config: HUB_ADDRESS is required")
	}

	return cfg, nil
}

// NodeConfig configures the nodeconnect process: the local interface and
// the hub it dials.
type NodeConfig struct {
	NodeID string

	InterfaceName string
	PrivateKey    string
	Address       string

	HubPublicKey string
	HubEndpoint  string
	HubAllowedIPs []string
	KeepaliveS    int

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxRetries        int
	ConnectionTimeout time.Duration

	CheckInterval time.Duration
}

// LoadNode reads NodeConfig from the environment.
func LoadNode() (*NodeConfig, error) {
	cfg := &NodeConfig{
		NodeID: getEnv("NODE_ID", ""),

		InterfaceName: getEnv("NODE_INTERFACE", "wg0"),
		PrivateKey:    getEnv("NODE_PRIVATE_KEY", ""),
		Address:       getEnv("NODE_ADDRESS", ""),

		HubPublicKey:  getEnv("HUB_PUBLIC_KEY", ""),
		HubEndpoint:   getEnv("HUB_ENDPOINT", ""),
		HubAllowedIPs: getList("HUB_ALLOWED_IPS", nil),
		KeepaliveS:    getInt("NODE_KEEPALIVE_S", 25),

		InitialBackoff:    getDuration("NODE_INITIAL_BACKOFF", time.Second),
		MaxBackoff:        getDuration("NODE_MAX_BACKOFF", 30*time.Second),
		MaxRetries:        getInt("NODE_MAX_RETRIES", 5),
		ConnectionTimeout: getDuration("NODE_CONNECTION_TIMEOUT", 10*time.Second),

		CheckInterval: getDuration("NODE_CHECK_INTERVAL", 30*time.Second),
	}

	if cfg.NodeID == "" {
		return nil, fmt.Errorf("config: NODE_ID is required")
	}
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("config: NODE_PRIVATE_KEY is required")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("config: NODE_ADDRESS is required")
	}
	if cfg.HubPublicKey == "" {
		return nil, fmt.Errorf("config: HUB_PUBLIC_KEY is required")
	}
	if cfg.HubEndpoint == "" {
		return nil, fmt.Errorf("config: HUB_ENDPOINT is required")
	}
	if len(cfg.HubAllowedIPs) == 0 {
		return nil, fmt.Errorf("config: HUB_ALLOWED_IPS is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
