// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package wgkeys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_ProducesValidatableKeyPair(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	assert.NotEmpty(t, kp.PrivateKey)
	assert.NotEmpty(t, kp.PublicKey)

	ok, err := ValidateKeyPair(kp.PrivateKey, kp.PublicKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGenerate_DistinctEachCall(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, a.PrivateKey, b.PrivateKey)
}

func TestDerivePublicKey_InvalidLengthErrors(t *testing.T) {
	_, err := DerivePublicKey("dG9vc2hvcnQ=")
	assert.Error(t, err)
}

func TestDerivePublicKey_InvalidBase64Errors(t *testing.T) {
	_, err := DerivePublicKey("not-base64!!")
	assert.Error(t, err)
}

func TestValidateKeyPair_MismatchReturnsFalse(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	ok, err := ValidateKeyPair(a.PrivateKey, b.PublicKey)
	require.NoError(t, err)
	assert.False(t, ok)
}
