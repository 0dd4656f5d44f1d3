// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package wgkeys generates and validates WireGuard Curve25519 key
// pairs, used by hubctl to provision hub and node identities without
// shelling out to `wg genkey`.
package wgkeys

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is a base64-encoded WireGuard private/public key pair.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// Generate produces a new key pair using the clamping WireGuard requires.
func Generate() (*KeyPair, error) {
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("wgkeys: reading random bytes: %w", err)
	}

	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("wgkeys: deriving public key: %w", err)
	}

	return &KeyPair{
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// DerivePublicKey recovers the public key for a base64-encoded private key.
func DerivePublicKey(privateKey string) (string, error) {
	priv, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return "", fmt.Errorf("wgkeys: decoding private key: %w", err)
	}
	if len(priv) != 32 {
		return "", fmt.Errorf("wgkeys: invalid private key length: expected 32 bytes, got %d", len(priv))
	}

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("wgkeys: deriving public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

// ValidateKeyPair reports whether publicKey is privateKey's counterpart.
func ValidateKeyPair(privateKey, publicKey string) (bool, error) {
	derived, err := DerivePublicKey(privateKey)
	if err != nil {
		return false, err
	}
	return derived == publicKey, nil
}
