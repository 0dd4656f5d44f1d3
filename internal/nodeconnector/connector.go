// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package nodeconnector implements the node-side WireGuard connection
// state machine: apply config, verify reachability with bounded
// exponential-backoff retry, monitor handshake-derived health, and tear
// down cleanly on disconnect.
package nodeconnector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
)

// State is one point in the connector's state machine.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateApplying     State = "APPLYING"
	StateVerifying    State = "VERIFYING"
	StateConnected    State = "CONNECTED"
	StateDegraded     State = "DEGRADED"
)

// ErrConnectionTimeout is surfaced when a reachability probe times out.
// A true timeout short-circuits the retry loop rather than stacking
// timeout upon timeout.
var ErrConnectionTimeout = errors.New("nodeconnector: reachability probe timed out")

// ErrConnectionError wraps exhaustion of the retry budget.
var ErrConnectionError = errors.New("nodeconnector: connection failed")

// ConfigValidationError lists every missing required field.
type ConfigValidationError struct {
	MissingFields []string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("nodeconnector: missing required config fields: %s", strings.Join(e.MissingFields, ", "))
}

// HubConfig is the joining node's view of the hub it connects to.
type HubConfig struct {
	PublicKey  string
	Endpoint   string
	AllowedIPs []string
	KeepaliveS int
}

// Config is validated at construction; required fields are
// InterfaceName, PrivateKey, Address, and every Hub field.
type Config struct {
	InterfaceName     string
	PrivateKey        string
	Address           string
	Hub               HubConfig
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxRetries        int
	ConnectionTimeout time.Duration
}

func (c Config) validate() error {
	var missing []string
	if c.InterfaceName == "" {
		missing = append(missing, "interface_name")
	}
	if c.PrivateKey == "" {
		missing = append(missing, "private_key")
	}
	if c.Address == "" {
		missing = append(missing, "address")
	}
	if c.Hub.PublicKey == "" {
		missing = append(missing, "hub.public_key")
	}
	if c.Hub.Endpoint == "" {
		missing = append(missing, "hub.endpoint")
	}
	if len(c.Hub.AllowedIPs) == 0 {
		missing = append(missing, "hub.allowed_ips")
	}
	if len(missing) > 0 {
		return &ConfigValidationError{MissingFields: missing}
	}
	return nil
}

// Health is the check() response shape.
type Health struct {
	Status          State
	CanPingHub      bool
	HandshakeAgeS   *float64
	UptimeS         float64
	NodeID          string
}

// Applier performs the OS-level interface/peer setup. Production code
// uses execApplier; tests substitute a fake.
type Applier interface {
	EnsureInterface(ctx context.Context, iface, address, privateKey string) error
	AddPeer(ctx context.Context, iface, publicKey, endpoint string, allowedIPs []string, keepaliveS int) error
	BringUp(ctx context.Context, iface string) error
	BringDown(ctx context.Context, iface string) error
	DeleteInterface(ctx context.Context, iface string) error
	ShowHandshake(ctx context.Context, iface string) (string, error)
}

// Pinger probes hub reachability. Tests substitute a fake to avoid
// requiring real ICMP privileges.
type Pinger interface {
	Ping(ctx context.Context, ip string, timeout time.Duration) (bool, error)
}

// Connector drives the state machine for one interface.
type Connector struct {
	mu      sync.Mutex
	cfg     Config
	state   State
	applier Applier
	pinger  Pinger
	nodeID  string

	connectedAt time.Time
}

// New validates cfg and constructs a Connector in DISCONNECTED state.
func New(cfg Config, nodeID string, applier Applier, pinger Pinger) (*Connector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	if applier == nil {
		applier = execApplier{}
	}
	if pinger == nil {
		pinger = icmpPinger{}
	}

	return &Connector{
		cfg:     cfg,
		state:   StateDisconnected,
		applier: applier,
		pinger:  pinger,
		nodeID:  nodeID,
	}, nil
}

// State reports the connector's current state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connector) hubIP() string {
	ip, _, ok := strings.Cut(c.cfg.Hub.AllowedIPs[0], "/")
	if !ok {
		return c.cfg.Hub.AllowedIPs[0]
	}
	return ip
}

// Connect applies the WireGuard config and probes hub reachability,
// retrying with exponential backoff up to MaxRetries. A probe timeout
// short-circuits retry and is surfaced immediately.
func (c *Connector) Connect(ctx context.Context) error {
	c.setState(StateApplying)

	if err := c.applier.EnsureInterface(ctx, c.cfg.InterfaceName, c.cfg.Address, c.cfg.PrivateKey); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: %v", ErrConnectionError, err)
	}
	if err := c.applier.AddPeer(ctx, c.cfg.InterfaceName, c.cfg.Hub.PublicKey, c.cfg.Hub.Endpoint, c.cfg.Hub.AllowedIPs, c.cfg.Hub.KeepaliveS); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: %v", ErrConnectionError, err)
	}
	if err := c.applier.BringUp(ctx, c.cfg.InterfaceName); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: %v", ErrConnectionError, err)
	}

	c.setState(StateVerifying)

	var lastErr error
	for i := 0; i < c.cfg.MaxRetries; i++ {
		reachable, err := c.pinger.Ping(ctx, c.hubIP(), c.cfg.ConnectionTimeout)
		if err != nil {
			c.setState(StateDisconnected)
			return fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
		}
		if reachable {
			c.mu.Lock()
			c.state = StateConnected
			c.connectedAt = time.Now().UTC()
			c.mu.Unlock()
			return nil
		}

		lastErr = fmt.Errorf("probe %d: hub not reachable", i)
		backoff := time.Duration(math.Min(
			float64(c.cfg.InitialBackoff)*math.Pow(2, float64(i)),
			float64(c.cfg.MaxBackoff),
		))
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	c.setState(StateDisconnected)
	return fmt.Errorf("%w: %v", ErrConnectionError, lastErr)
}

// Disconnect brings the link down and deletes the interface. Teardown
// errors are logged by the caller but never block state reset.
func (c *Connector) Disconnect(ctx context.Context) []error {
	var errs []error
	if err := c.applier.BringDown(ctx, c.cfg.InterfaceName); err != nil {
		errs = append(errs, err)
	}
	if err := c.applier.DeleteInterface(ctx, c.cfg.InterfaceName); err != nil {
		errs = append(errs, err)
	}
	c.setState(StateDisconnected)
	return errs
}

var handshakeAgePattern = regexp.MustCompile(`latest handshake:\s*(\d+)\s*(second|minute)s?\s*ago`)

// Check reports composite health: disconnected takes priority, then
// reachability, then handshake staleness.
func (c *Connector) Check(ctx context.Context) Health {
	state := c.State()
	if state != StateConnected && state != StateDegraded {
		return Health{Status: StateDisconnected, NodeID: c.nodeID}
	}

	reachable, _ := c.pinger.Ping(ctx, c.hubIP(), c.cfg.ConnectionTimeout)
	if !reachable {
		c.setState(StateDegraded)
		return Health{Status: "unhealthy", CanPingHub: false, UptimeS: c.uptime(), NodeID: c.nodeID}
	}

	ageSecs, err := c.handshakeAge(ctx)
	health := Health{CanPingHub: true, UptimeS: c.uptime(), NodeID: c.nodeID}
	if err == nil {
		health.HandshakeAgeS = &ageSecs
	}

	switch {
	case err != nil:
		health.Status = "degraded"
	case ageSecs > 180:
		health.Status = "degraded"
	default:
		health.Status = "healthy"
	}

	c.setState(mapHealthToState(health.Status))
	return health
}

func mapHealthToState(status State) State {
	if status == "healthy" {
		return StateConnected
	}
	return StateDegraded
}

func (c *Connector) uptime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectedAt.IsZero() {
		return 0
	}
	return time.Since(c.connectedAt).Seconds()
}

// handshakeAge parses "latest handshake: <N> (second|minute)s? ago" out
// of `wg show` textual output.
func (c *Connector) handshakeAge(ctx context.Context) (float64, error) {
	output, err := c.applier.ShowHandshake(ctx, c.cfg.InterfaceName)
	if err != nil {
		return 0, err
	}

	match := handshakeAgePattern.FindStringSubmatch(output)
	if match == nil {
		return 0, fmt.Errorf("nodeconnector: no handshake age found in wg show output")
	}

	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, fmt.Errorf("nodeconnector: parsing handshake age: %w", err)
	}

	if match[2] == "minute" {
		return float64(n * 60), nil
	}
	return float64(n), nil
}

// execApplier shells out to `ip`/`wg`, mirroring the reference agent's
// check-then-create idempotency.
type execApplier struct{}

func (execApplier) EnsureInterface(ctx context.Context, iface, address, privateKey string) error {
	if _, err := netlink.LinkByName(iface); err == nil {
		return nil
	}

	link := &netlink.Wireguard{LinkAttrs: netlink.LinkAttrs{Name: iface}}
	if err := netlink.LinkAdd(link); err != nil {
		return fmt.Errorf("creating wireguard link: %w", err)
	}

	addr, err := netlink.ParseAddr(address)
	if err != nil {
		return fmt.Errorf("parsing address %s: %w", address, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("assigning address: %w", err)
	}

	wgCmd := exec.CommandContext(ctx, "wg", "set", iface, "private-key", "/dev/stdin")
	wgCmd.Stdin = strings.NewReader(privateKey)
	if err := wgCmd.Run(); err != nil {
		return fmt.Errorf("wg set private-key: %w", err)
	}
	return nil
}

func (execApplier) AddPeer(ctx context.Context, iface, publicKey, endpoint string, allowedIPs []string, keepaliveS int) error {
	args := []string{"set", iface, "peer", publicKey, "allowed-ips", strings.Join(allowedIPs, ",")}
	if endpoint != "" {
		args = append(args, "endpoint", endpoint)
	}
	if keepaliveS > 0 {
		args = append(args, "persistent-keepalive", strconv.Itoa(keepaliveS))
	}
	return exec.CommandContext(ctx, "wg", args...).Run()
}

func (execApplier) BringUp(ctx context.Context, iface string) error {
	return exec.CommandContext(ctx, "ip", "link", "set", "up", "dev", iface).Run()
}

func (execApplier) BringDown(ctx context.Context, iface string) error {
	return exec.CommandContext(ctx, "ip", "link", "set", "down", "dev", iface).Run()
}

func (execApplier) DeleteInterface(ctx context.Context, iface string) error {
	return exec.CommandContext(ctx, "ip", "link", "delete", iface).Run()
}

func (execApplier) ShowHandshake(ctx context.Context, iface string) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "wg", "show", iface)
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("wg show: %w", err)
	}
	return out.String(), nil
}

// icmpPinger shells out to the system `ping` binary, one probe.
type icmpPinger struct{}

func (icmpPinger) Ping(ctx context.Context, ip string, timeout time.Duration) (bool, error) {
	deadline := timeout + time.Second
	pingCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	cmd := exec.CommandContext(pingCtx, "ping", "-c", "1", "-W", strconv.Itoa(secs), ip)
	err := cmd.Run()
	if pingCtx.Err() == context.DeadlineExceeded {
		return false, ErrConnectionTimeout
	}
	return err == nil, nil
}
