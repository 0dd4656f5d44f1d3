// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_MissingCapability(t *testing.T) {
	req := Requirements{RequiredCapabilities: []string{"can_execute:llama-2-7b"}}
	token := NewToken("p-1", nil, nil, nil)

	result := Validate(req, token, Usage{})
	assert.False(t, result.Valid)
	assert.Equal(t, ErrCapabilityMissing, result.ErrorCode)
	assert.Equal(t, []string{"can_execute:llama-2-7b"}, result.MissingCapabilities)
}

func TestValidate_ConcurrencyViolation(t *testing.T) {
	req := Requirements{}
	token := NewToken("p-1", nil, map[string]float64{"max_concurrent_tasks": 2}, nil)

	result := Validate(req, token, Usage{ConcurrentTasks: 2})
	assert.False(t, result.Valid)
	assert.Equal(t, ErrResourceLimit, result.ErrorCode)
	require.Len(t, result.ResourceViolations, 1)
}

func TestValidate_GPUMinutesViolation(t *testing.T) {
	req := Requirements{Limits: []Limit{{Resource: "gpu", Min: 30, Unit: "minutes"}}}
	token := NewToken("p-1", nil, map[string]float64{"max_gpu_minutes": 40}, nil)

	result := Validate(req, token, Usage{GPUMinutesUsed: 20})
	assert.False(t, result.Valid)
	assert.Equal(t, ErrResourceLimit, result.ErrorCode)
}

func TestValidate_DataScopeViolation(t *testing.T) {
	req := Requirements{DataScope: &DataScope{ProjectID: "proj-1"}}
	token := NewToken("p-1", nil, nil, []string{"proj-2"})

	result := Validate(req, token, Usage{})
	assert.False(t, result.Valid)
	assert.Equal(t, ErrDataScope, result.ErrorCode)
}

func TestValidate_AllPass(t *testing.T) {
	req := Requirements{
		RequiredCapabilities: []string{"can_execute:llama-2-7b"},
		DataScope:            &DataScope{ProjectID: "proj-1"},
	}
	token := NewToken("p-1", []string{"can_execute:llama-2-7b"}, map[string]float64{"max_concurrent_tasks": 5}, []string{"proj-1"})

	result := Validate(req, token, Usage{ConcurrentTasks: 1})
	assert.True(t, result.Valid)
	assert.Equal(t, ErrNone, result.ErrorCode)
}

func TestValidateAndRaise(t *testing.T) {
	req := Requirements{RequiredCapabilities: []string{"x"}}
	token := NewToken("p-1", nil, nil, nil)

	_, err := ValidateAndRaise(req, token, Usage{})
	require.Error(t, err)

	var capErr *Error
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, ErrCapabilityMissing, capErr.Code)
}
