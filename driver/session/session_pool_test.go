// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"testing"
	"time"

	"github.com/ikmak/mongo-driver-core/description"
	"github.com/ikmak/mongo-driver-core/document"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionPool(t *testing.T) {
	t.Run("pool LIFO", func(t *testing.T) {
		descChan := make(chan description.Topology, 1)
		descChan <- description.Topology{SessionTimeoutMinutes: 30}
		p := NewPool(descChan)

		first, err := p.GetSession()
		require.NoError(t, err)
		second, err := p.GetSession()
		require.NoError(t, err)

		p.ReturnSession(first)
		p.ReturnSession(second)

		sess, err := p.GetSession()
		require.NoError(t, err)
		assert.Equal(t, second.SessionID, sess.SessionID, "expected most recently returned session first")

		sess, err = p.GetSession()
		require.NoError(t, err)
		assert.Equal(t, first.SessionID, sess.SessionID)
	})

	t.Run("expired sessions are not reused", func(t *testing.T) {
		descChan := make(chan description.Topology, 1)
		descChan <- description.Topology{SessionTimeoutMinutes: 30}
		p := NewPool(descChan)

		expired, err := p.GetSession()
		require.NoError(t, err)
		expired.LastUsed = time.Now().Add(-30 * time.Minute)
		p.ReturnSession(expired)

		sess, err := p.GetSession()
		require.NoError(t, err)
		assert.NotEqual(t, expired.SessionID, sess.SessionID)
	})

	t.Run("expired sessions pruned from the tail on return", func(t *testing.T) {
		descChan := make(chan description.Topology, 1)
		descChan <- description.Topology{SessionTimeoutMinutes: 30}
		p := NewPool(descChan)

		stale, err := p.GetSession()
		require.NoError(t, err)
		fresh, err := p.GetSession()
		require.NoError(t, err)

		p.ReturnSession(stale)
		stale.LastUsed = time.Now().Add(-30 * time.Minute)
		p.ReturnSession(fresh)

		assert.Equal(t, fresh.SessionID, p.head.SessionID)
		assert.Nil(t, p.head.next, "expected stale tail session to be pruned")
		require.NotNil(t, p.tail, "expected tail to be rebuilt after pruning the whole list")
		assert.Equal(t, fresh.SessionID, p.tail.SessionID)
	})

	t.Run("dirty sessions are discarded", func(t *testing.T) {
		descChan := make(chan description.Topology, 1)
		descChan <- description.Topology{SessionTimeoutMinutes: 30}
		p := NewPool(descChan)

		dirty, err := p.GetSession()
		require.NoError(t, err)
		dirty.Dirty = true
		p.ReturnSession(dirty)

		sess, err := p.GetSession()
		require.NoError(t, err)
		assert.NotEqual(t, dirty.SessionID, sess.SessionID)
	})

	t.Run("zero timeout treats all sessions as expired", func(t *testing.T) {
		descChan := make(chan description.Topology, 1)
		p := NewPool(descChan)

		sess, err := p.GetSession()
		require.NoError(t, err)
		p.ReturnSession(sess)

		replacement, err := p.GetSession()
		require.NoError(t, err)
		assert.NotEqual(t, sess.SessionID, replacement.SessionID)
	})
}

func TestClusterClock(t *testing.T) {
	clock := &ClusterClock{}
	earlier := document.Document{"clusterTime": document.Timestamp{T: 10, I: 5}}
	later := document.Document{"clusterTime": document.Timestamp{T: 11, I: 0}}

	clock.AdvanceClusterTime(later)
	clock.AdvanceClusterTime(earlier)
	assert.Equal(t, later, clock.GetClusterTime())
}
