// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Testable property #9: a metadata key whose lowercased form contains a
// forbidden substring fails the Event constructor, never the sink.
func TestNewEvent_RejectsSensitiveMetadataKeys(t *testing.T) {
	cases := []string{"Token", "api_key", "SSN", "refresh_token", "CREDENTIAL_id", "cvv_code"}
	for _, key := range cases {
		_, err := NewEvent(KindProvisioning, "peer-1", "provision", "node-1", "success", "", map[string]any{
			key: "whatever",
		})
		assert.Errorf(t, err, "expected key %q to be rejected", key)
	}
}

func TestNewEvent_AllowsOrdinaryMetadata(t *testing.T) {
	evt, err := NewEvent(KindProvisioning, "peer-1", "provision", "node-1", "success", "", map[string]any{
		"region":  "us-east-1",
		"attempt": 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "peer-1", evt.PeerID)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestNewEvent_NilMetadataDefaultsToEmptyMap(t *testing.T) {
	evt, err := NewEvent(KindAuthFailure, "peer-2", "auth", "", "failure", "bad signature", nil)
	require.NoError(t, err)
	assert.NotNil(t, evt.Metadata)
	assert.Empty(t, evt.Metadata)
}

func TestLogger_LogRejectsSensitiveMetadataBeforeStoring(t *testing.T) {
	sink := NewFileSink(FileSinkConfig{Path: filepath.Join(t.TempDir(), "audit.log")})
	defer sink.Close()
	logger := New(sink)

	err := logger.Log(KindLeaseIssue, "peer-3", "issue_lease", "task-9", "success", "", map[string]any{
		"jwt": "should not be stored",
	})
	require.Error(t, err)

	events, err := logger.Query(Filter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFileSink_StoreAndQueryRoundTrip(t *testing.T) {
	sink := NewFileSink(FileSinkConfig{Path: filepath.Join(t.TempDir(), "audit.log")})
	defer sink.Close()
	logger := New(sink)

	require.NoError(t, logger.Log(KindProvisioning, "peer-a", "provision", "node-1", "success", "", map[string]any{"region": "eu"}))
	require.NoError(t, logger.Log(KindDeprovision, "peer-a", "deprovision", "node-1", "success", "", nil))
	require.NoError(t, logger.Log(KindLeaseIssue, "peer-b", "issue_lease", "task-1", "success", "", nil))

	all, err := logger.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	peerA, err := logger.Query(Filter{PeerID: "peer-a"})
	require.NoError(t, err)
	assert.Len(t, peerA, 2)

	byKind, err := logger.Query(Filter{Kind: KindLeaseIssue})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, "peer-b", byKind[0].PeerID)
}

func TestFileSink_QueryPagination(t *testing.T) {
	sink := NewFileSink(FileSinkConfig{Path: filepath.Join(t.TempDir(), "audit.log")})
	defer sink.Close()
	logger := New(sink)

	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Log(KindProvisioning, "peer-x", "provision", "node-1", "success", "", nil))
	}

	page, err := logger.Query(Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestFileSink_QueryOnMissingFileReturnsEmpty(t *testing.T) {
	sink := NewFileSink(FileSinkConfig{Path: filepath.Join(t.TempDir(), "nonexistent", "audit.log")})
	defer sink.Close()

	events, err := sink.Query(Filter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}
