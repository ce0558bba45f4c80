// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver_test

import (
	"context"
	"testing"

	"github.com/ikmak/mongo-driver-core/address"
	"github.com/ikmak/mongo-driver-core/description"
	"github.com/ikmak/mongo-driver-core/driver"
	"github.com/ikmak/mongo-driver-core/driver/drivertest"
	"github.com/ikmak/mongo-driver-core/driver/session"
	"github.com/ikmak/mongo-driver-core/readpref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T) *session.Pool {
	t.Helper()
	descChan := make(chan description.Topology, 1)
	descChan <- description.Topology{SessionTimeoutMinutes: 30}
	return session.NewPool(descChan)
}

func mongosDesc(addr address.Address) description.Server {
	return description.Server{
		Addr:                  addr,
		Kind:                  description.ServerKindMongos,
		SessionTimeoutMinutes: 30,
		WireVersion:           &description.VersionRange{Max: 9},
	}
}

func shardedDeployment(t *testing.T, addrs ...address.Address) *drivertest.Deployment {
	t.Helper()
	topo := description.Topology{Kind: description.TopologyKindSharded, SessionTimeoutMinutes: 30}
	servers := make(map[address.Address]*drivertest.Server)
	for _, addr := range addrs {
		desc := mongosDesc(addr)
		topo.Servers = append(topo.Servers, desc)
		servers[addr] = &drivertest.Server{Conn: &drivertest.Conn{Desc: desc}}
	}
	return &drivertest.Deployment{Topology: topo, Servers: servers}
}

func TestSessionBindingRefCount(t *testing.T) {
	t.Run("owned session ends at zero", func(t *testing.T) {
		sess, err := session.NewClientSession(newPool(t), session.Implicit)
		require.NoError(t, err)

		dep := shardedDeployment(t, "a:27017")
		binding := driver.NewSessionBinding(dep, sess, nil, true)

		src, err := binding.ReadSource(context.Background(), readpref.Primary())
		require.NoError(t, err)

		binding.Release()
		assert.False(t, sess.Terminated, "session must outlive outstanding sources")

		src.Close()
		assert.True(t, sess.Terminated)
	})

	t.Run("unowned session survives release", func(t *testing.T) {
		sess, err := session.NewClientSession(newPool(t), session.Explicit)
		require.NoError(t, err)

		dep := shardedDeployment(t, "a:27017")
		binding := driver.NewSessionBinding(dep, sess, nil, false)
		binding.Release()
		assert.False(t, sess.Terminated)
	})

	t.Run("source close is idempotent", func(t *testing.T) {
		sess, err := session.NewClientSession(newPool(t), session.Implicit)
		require.NoError(t, err)

		dep := shardedDeployment(t, "a:27017")
		binding := driver.NewSessionBinding(dep, sess, nil, true)
		src, err := binding.WriteSource(context.Background())
		require.NoError(t, err)

		src.Close()
		src.Close()
		assert.False(t, sess.Terminated, "double close must not double release")
		binding.Release()
		assert.True(t, sess.Terminated)
	})
}

func TestSessionBindingPinning(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*session.Client, *driver.ServerPin, *drivertest.Deployment) {
		sess, err := session.NewClientSession(newPool(t), session.Explicit)
		require.NoError(t, err)
		pin := driver.NewServerPin()
		sess.RegisterTransactionListener(pin)
		dep := shardedDeployment(t, "a:27017", "b:27017")
		return sess, pin, dep
	}

	t.Run("first selection pins the mongos", func(t *testing.T) {
		sess, pin, dep := setup(t)
		require.NoError(t, sess.StartTransaction(nil))

		binding := driver.NewSessionBinding(dep, sess, pin, false)
		src, err := binding.ReadSource(ctx, readpref.Primary())
		require.NoError(t, err)
		src.Close()

		addr, pinned := pin.PinnedAddress()
		require.True(t, pinned)
		assert.Equal(t, address.Address("a:27017"), addr)
	})

	t.Run("pinned address wins regardless of read preference", func(t *testing.T) {
		sess, pin, dep := setup(t)
		require.NoError(t, sess.StartTransaction(nil))

		binding := driver.NewSessionBinding(dep, sess, pin, false)
		src, err := binding.ReadSource(ctx, readpref.Primary())
		require.NoError(t, err)
		src.Close()

		// Reorder candidates so unpinned selection would now pick b.
		dep.Topology.Servers = []description.Server{mongosDesc("b:27017"), mongosDesc("a:27017")}

		for _, rp := range []*readpref.ReadPref{readpref.Primary(), readpref.Secondary(), readpref.Nearest()} {
			src, err := binding.ReadSource(ctx, rp)
			require.NoError(t, err)
			src.Close()
		}
		src, err = binding.WriteSource(ctx)
		require.NoError(t, err)
		src.Close()

		for _, addr := range dep.SelectedAddrs {
			assert.Equal(t, address.Address("a:27017"), addr)
		}
	})

	t.Run("pin survives commit and clears on the next transaction", func(t *testing.T) {
		sess, pin, dep := setup(t)
		require.NoError(t, sess.StartTransaction(nil))

		binding := driver.NewSessionBinding(dep, sess, pin, false)
		src, err := binding.ReadSource(ctx, readpref.Primary())
		require.NoError(t, err)
		src.Close()

		require.NoError(t, sess.CommitTransaction())
		_, pinned := pin.PinnedAddress()
		assert.True(t, pinned, "pin must survive the end of the transaction for commit retries")

		require.NoError(t, sess.StartTransaction(nil))
		_, pinned = pin.PinnedAddress()
		assert.False(t, pinned)
	})

	t.Run("no pinning outside a transaction", func(t *testing.T) {
		sess, pin, dep := setup(t)
		binding := driver.NewSessionBinding(dep, sess, pin, false)
		src, err := binding.ReadSource(ctx, readpref.Primary())
		require.NoError(t, err)
		src.Close()

		_, pinned := pin.PinnedAddress()
		assert.False(t, pinned)
	})
}
