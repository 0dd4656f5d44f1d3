// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package hubctl is the operator command-line front end over the hubd
// HTTP API: provisioning, peer listing, pool stats, and swarm health.
package hubctl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/overlayctl/hub/internal/wgkeys"
)

var hubAddr string

var rootCmd = &cobra.Command{
	Use:   "hubctl",
	Short: "Operate an overlay network hub",
}

// Execute runs the CLI, returning the process exit code expectation to
// the caller via cobra's own error reporting.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&hubAddr, "hub", envOrDefault("HUBCTL_ADDR", "http://localhost:8080"), "hubd base URL")
	rootCmd.AddCommand(peersCmd, provisionCmd, deprovisionCmd, poolStatsCmd, healthCmd, thresholdsCmd, keygenCmd)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func getJSON(path string, out any) error {
	resp, err := httpClient.Get(hubAddr + path)
	if err != nil {
		return fmt.Errorf("hubctl: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func postJSON(path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("hubctl: encoding request: %w", err)
	}
	resp, err := httpClient.Post(hubAddr+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("hubctl: POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func putJSON(path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("hubctl: encoding request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPut, hubAddr+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hubctl: PUT %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func deleteReq(path string) error {
	req, err := http.NewRequest(http.MethodDelete, hubAddr+path, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hubctl: DELETE %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("hubctl: %s returned %d: %s", path, resp.StatusCode, string(b))
	}
	return nil
}

func decodeOrError(resp *http.Response, out any) error {
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("hubctl: request failed with %d: %s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List provisioned peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		var peers []string
		if err := getJSON("/wireguard/peers", &peers); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "PEER_ID")
		for _, p := range peers {
			fmt.Fprintln(w, p)
		}
		return w.Flush()
	},
}

var provisionCmd = &cobra.Command{
	Use:   "provision <peer_id> <wg_public_key> <version> <endpoint>",
	Short: "Provision a new peer",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]string{
			"peer_id":       args[0],
			"wg_public_key": args[1],
			"version":       args[2],
			"endpoint":      args[3],
		}
		var resp map[string]any
		if err := postJSON("/wireguard/provision", req, &resp); err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var deprovisionCmd = &cobra.Command{
	Use:   "deprovision <peer_id>",
	Short: "Remove a peer from the hub and release its IP",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deleteReq("/wireguard/peers/" + args[0])
	},
}

var poolStatsCmd = &cobra.Command{
	Use:   "pool-stats",
	Short: "Show IP pool utilization",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats map[string]any
		if err := getJSON("/wireguard/pool/stats", &stats); err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show composite swarm health",
	RunE: func(cmd *cobra.Command, args []string) error {
		var health map[string]any
		if err := getJSON("/swarm/health", &health); err != nil {
			return err
		}
		return printJSON(health)
	},
}

var thresholdsCmd = &cobra.Command{
	Use:   "thresholds",
	Short: "Show alert thresholds (read-only; does not update them)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var thresholds map[string]any
		if err := getJSON("/swarm/alerts/thresholds", &thresholds); err != nil {
			return err
		}
		return printJSON(thresholds)
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new WireGuard key pair for a hub or node identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := wgkeys.Generate()
		if err != nil {
			return err
		}
		return printJSON(map[string]string{
			"private_key": kp.PrivateKey,
			"public_key":  kp.PublicKey,
		})
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
