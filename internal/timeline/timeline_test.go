// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_Defaults(t *testing.T) {
	l := New(10)
	evt := l.Record(TaskCreated, "t-1", "", time.Time{}, nil)
	assert.False(t, evt.Timestamp.IsZero())
	assert.NotNil(t, evt.Metadata)
	assert.Equal(t, 1, l.Count())
}

// Testable property #8: timeline bound.
func TestBoundedEviction(t *testing.T) {
	l := New(5)
	for i := 0; i < 8; i++ {
		l.Record(TaskCreated, "t", "", time.Now().Add(time.Duration(i)*time.Second), nil)
	}
	require.Equal(t, 5, l.Count())

	events, total := l.Query(Query{Limit: 100})
	assert.Equal(t, 5, total)
	assert.Len(t, events, 5)
}

func TestQuery_FiltersAndPagination(t *testing.T) {
	l := New(100)
	base := time.Now()
	l.Record(TaskCreated, "t-1", "p-1", base, nil)
	l.Record(TaskQueued, "t-1", "p-1", base.Add(time.Second), nil)
	l.Record(TaskCreated, "t-2", "p-2", base.Add(2*time.Second), nil)

	events, total := l.Query(Query{TaskID: "t-1", Limit: 100})
	require.Equal(t, 2, total)
	require.Len(t, events, 2)
	// newest-first
	assert.Equal(t, TaskQueued, events[0].Type)
	assert.Equal(t, TaskCreated, events[1].Type)

	paged, total2 := l.Query(Query{Limit: 1, Offset: 1})
	assert.Equal(t, 3, total2)
	assert.Len(t, paged, 1)
}

func TestClear(t *testing.T) {
	l := New(10)
	l.Record(TaskCreated, "t", "", time.Time{}, nil)
	l.Clear()
	assert.Equal(t, 0, l.Count())
}
