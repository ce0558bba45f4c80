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
	"github.com/ikmak/mongo-driver-core/writeconcern"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	descChan := make(chan description.Topology, 1)
	descChan <- description.Topology{SessionTimeoutMinutes: 30}
	return NewPool(descChan)
}

func newTestSession(t *testing.T) *Client {
	t.Helper()
	sess, err := NewClientSession(newTestPool(t), Explicit)
	require.NoError(t, err)
	return sess
}

func TestClientSession(t *testing.T) {
	var consistent = func(b bool) *bool { return &b }

	t.Run("causal consistency defaults to true", func(t *testing.T) {
		sess := newTestSession(t)
		assert.True(t, sess.Consistent)

		sess, err := NewClientSession(newTestPool(t), Explicit, &ClientOptions{CausalConsistency: consistent(false)})
		require.NoError(t, err)
		assert.False(t, sess.Consistent)
	})

	t.Run("session id assigned on SetServer", func(t *testing.T) {
		sess := newTestSession(t)
		_, ok := sess.SessionID()
		assert.False(t, ok)

		require.NoError(t, sess.SetServer())
		id, ok := sess.SessionID()
		assert.True(t, ok)
		assert.True(t, id.Has("id"))
	})

	t.Run("ended session rejects use", func(t *testing.T) {
		sess := newTestSession(t)
		sess.EndSession()
		assert.Equal(t, ErrSessionEnded, sess.UpdateUseTime())
		assert.Equal(t, ErrSessionEnded, sess.AdvanceClusterTime(nil))
		assert.Equal(t, ErrSessionEnded, sess.StartTransaction(nil))
	})

	t.Run("cluster time advances monotonically", func(t *testing.T) {
		sess := newTestSession(t)
		earlier := document.Document{"clusterTime": document.Timestamp{T: 10, I: 5}}
		later := document.Document{"clusterTime": document.Timestamp{T: 10, I: 6}}

		require.NoError(t, sess.AdvanceClusterTime(later))
		require.NoError(t, sess.AdvanceClusterTime(earlier))
		assert.Equal(t, later, sess.ClusterTime)
	})

	t.Run("operation time advances monotonically", func(t *testing.T) {
		sess := newTestSession(t)
		require.NoError(t, sess.AdvanceOperationTime(&document.Timestamp{T: 20, I: 1}))
		require.NoError(t, sess.AdvanceOperationTime(&document.Timestamp{T: 19, I: 9}))
		assert.Equal(t, document.Timestamp{T: 20, I: 1}, *sess.OperationTime)
	})
}

func TestTransactionStateTransitions(t *testing.T) {
	start := func(s *Client) error { return s.StartTransaction(nil) }
	commit := func(s *Client) error { return s.CommitTransaction() }
	abort := func(s *Client) error { return s.AbortTransaction() }

	testCases := []struct {
		name string
		ops  []func(*Client) error
		errs []error
		end  TransactionState
	}{
		{"commit before start", []func(*Client) error{commit}, []error{ErrNoTransactStarted}, None},
		{"abort before start", []func(*Client) error{abort}, []error{ErrNoTransactStarted}, None},
		{"start", []func(*Client) error{start}, []error{nil}, InProgress},
		{"start twice", []func(*Client) error{start, start}, []error{nil, ErrTransactInProgress}, InProgress},
		{"commit", []func(*Client) error{start, commit}, []error{nil, nil}, Committed},
		{"commit twice", []func(*Client) error{start, commit, commit}, []error{nil, nil, nil}, Committed},
		{"abort", []func(*Client) error{start, abort}, []error{nil, nil}, Aborted},
		{"abort twice", []func(*Client) error{start, abort, abort}, []error{nil, nil, ErrAbortTwice}, Aborted},
		{"commit after abort", []func(*Client) error{start, abort, commit}, []error{nil, nil, ErrCommitAfterAbort}, Aborted},
		{"abort after commit", []func(*Client) error{start, commit, abort}, []error{nil, nil, ErrAbortAfterCommit}, Committed},
		{"start after commit", []func(*Client) error{start, commit, start}, []error{nil, nil, nil}, InProgress},
		{"start after abort", []func(*Client) error{start, abort, start}, []error{nil, nil, nil}, InProgress},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sess := newTestSession(t)
			require.Equal(t, len(tc.ops), len(tc.errs))
			for i, op := range tc.ops {
				assert.Equal(t, tc.errs[i], op(sess), "operation %d", i)
			}
			assert.Equal(t, tc.end, sess.TransactionState)
		})
	}
}

func TestStartTransaction(t *testing.T) {
	t.Run("increments transaction number", func(t *testing.T) {
		sess := newTestSession(t)
		require.NoError(t, sess.StartTransaction(nil))
		first := sess.TxnNumber()
		require.NoError(t, sess.AbortTransaction())
		require.NoError(t, sess.StartTransaction(nil))
		assert.Equal(t, first+1, sess.TxnNumber())
	})

	t.Run("rejects unacknowledged write concern", func(t *testing.T) {
		sess := newTestSession(t)
		err := sess.StartTransaction(&TransactionOptions{WriteConcern: writeconcern.Unacknowledged()})
		assert.Equal(t, ErrUnackWCUnsupported, err)
		assert.Equal(t, None, sess.TransactionState)
	})

	t.Run("options merge over session defaults", func(t *testing.T) {
		sess, err := NewClientSession(newTestPool(t), Explicit, &ClientOptions{
			DefaultWriteConcern: writeconcern.W1(),
		})
		require.NoError(t, err)

		require.NoError(t, sess.StartTransaction(nil))
		assert.Equal(t, writeconcern.W1(), sess.CurrentWc)
		require.NoError(t, sess.AbortTransaction())

		require.NoError(t, sess.StartTransaction(&TransactionOptions{WriteConcern: writeconcern.Majority()}))
		assert.Equal(t, writeconcern.Majority(), sess.CurrentWc)
	})

	t.Run("clears prior transaction bookkeeping", func(t *testing.T) {
		sess := newTestSession(t)
		require.NoError(t, sess.StartTransaction(nil))
		sess.ApplyCommand()
		sess.RecoveryToken = document.Document{"shard": "a"}
		require.NoError(t, sess.CommitTransaction())

		require.NoError(t, sess.StartTransaction(nil))
		assert.False(t, sess.StatementSent)
		assert.Nil(t, sess.RecoveryToken)
	})
}

func TestApplyCommand(t *testing.T) {
	t.Run("first statement only", func(t *testing.T) {
		sess := newTestSession(t)
		require.NoError(t, sess.StartTransaction(nil))
		assert.True(t, sess.ApplyCommand())
		assert.False(t, sess.ApplyCommand())
		assert.True(t, sess.StatementSent)
	})

	t.Run("outside a transaction folds terminal state to none", func(t *testing.T) {
		sess := newTestSession(t)
		require.NoError(t, sess.StartTransaction(nil))
		sess.ApplyCommand()
		require.NoError(t, sess.CommitTransaction())

		assert.False(t, sess.ApplyCommand())
		assert.Equal(t, None, sess.TransactionState)
	})
}

func TestUpdateCommitTransactionWriteConcern(t *testing.T) {
	t.Run("defaults wtimeout to 10 seconds", func(t *testing.T) {
		sess := newTestSession(t)
		require.NoError(t, sess.StartTransaction(nil))
		sess.UpdateCommitTransactionWriteConcern()
		assert.Equal(t, "majority", sess.CurrentWc.W)
		assert.Equal(t, int64(10000), sess.CurrentWc.WTimeout.Milliseconds())
	})

	t.Run("preserves a configured wtimeout", func(t *testing.T) {
		wc := writeconcern.W1()
		wc.WTimeout = 5 * time.Second
		sess := newTestSession(t)
		require.NoError(t, sess.StartTransaction(&TransactionOptions{WriteConcern: wc}))
		sess.UpdateCommitTransactionWriteConcern()
		assert.Equal(t, "majority", sess.CurrentWc.W)
		assert.Equal(t, int64(5000), sess.CurrentWc.WTimeout.Milliseconds())
	})
}

type recordingListener struct {
	started int
	ended   int
}

func (r *recordingListener) TransactionStarted(*Client) { r.started++ }
func (r *recordingListener) TransactionEnded(*Client)   { r.ended++ }

func TestTransactionListeners(t *testing.T) {
	sess := newTestSession(t)
	listener := &recordingListener{}
	sess.RegisterTransactionListener(listener)

	require.NoError(t, sess.StartTransaction(nil))
	assert.Equal(t, 1, listener.started)
	assert.Equal(t, 0, listener.ended)

	require.NoError(t, sess.CommitTransaction())
	assert.Equal(t, 1, listener.ended)

	require.NoError(t, sess.StartTransaction(nil))
	require.NoError(t, sess.AbortTransaction())
	assert.Equal(t, 2, listener.started)
	assert.Equal(t, 2, listener.ended)
}

func TestRecoveryToken(t *testing.T) {
	sess := newTestSession(t)
	sess.UpdateRecoveryToken(document.Document{"ok": 1})
	assert.Nil(t, sess.RecoveryToken)

	token := document.Document{"shardId": "rs0"}
	sess.UpdateRecoveryToken(document.Document{"ok": 1, "recoveryToken": token})
	assert.Equal(t, document.Value(token), sess.RecoveryToken)
}
