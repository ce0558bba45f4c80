// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ikmak/mongo-driver-core/address"
	"github.com/ikmak/mongo-driver-core/description"
	"github.com/ikmak/mongo-driver-core/driver/session"
	"github.com/ikmak/mongo-driver-core/internal/serverselector"
	"github.com/ikmak/mongo-driver-core/readpref"
	"github.com/pkg/errors"
)

// ServerPin records the mongos a sharded transaction is pinned to. Once the
// first operation of a transaction selects a server, every subsequent
// operation of that transaction, including commit and abort, must be routed
// to the same mongos. The pin is cleared when a new transaction starts on the
// session, not when the previous one ends, so that commitTransaction retries
// after the transaction has ended still reach the original mongos.
type ServerPin struct {
	mu     sync.Mutex
	addr   address.Address
	pinned bool
}

// NewServerPin returns an unpinned ServerPin.
func NewServerPin() *ServerPin {
	return &ServerPin{}
}

// Pin records addr as the pinned mongos. Pinning is sticky: once pinned, the
// address does not change until the pin is cleared.
func (p *ServerPin) Pin(addr address.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pinned {
		return
	}
	p.addr = addr
	p.pinned = true
}

// PinnedAddress returns the pinned address, if any.
func (p *ServerPin) PinnedAddress() (address.Address, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr, p.pinned
}

// Unpin clears the pin.
func (p *ServerPin) Unpin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addr = ""
	p.pinned = false
}

// TransactionStarted implements session.TransactionListener. Starting a new
// transaction discards any pin left over from the previous one.
func (p *ServerPin) TransactionStarted(*session.Client) { p.Unpin() }

// TransactionEnded implements session.TransactionListener. The pin is kept
// past the end of the transaction for commit retries.
func (p *ServerPin) TransactionEnded(*session.Client) {}

// ConnectionSource couples a checked-out connection with the binding it was
// obtained from. Closing the source returns the connection and releases the
// binding reference.
type ConnectionSource struct {
	Conn    Connection
	Server  description.SelectedServer
	binding *SessionBinding
	closed  bool
}

// Close closes the underlying connection and releases the binding reference
// held by this source.
func (cs *ConnectionSource) Close() {
	if cs.closed {
		return
	}
	cs.closed = true
	if cs.Conn != nil {
		cs.Conn.Close()
	}
	cs.binding.Release()
}

// SessionBinding binds operation execution to a session and a deployment. It
// is reference counted: every connection source retains the binding, and when
// the count reaches zero an owned session is returned to the pool. Cursors
// hold their binding across getMore calls, which keeps an implicit session
// alive for the lifetime of the cursor.
type SessionBinding struct {
	deployment Deployment
	sess       *session.Client
	pin        *ServerPin
	owns       bool
	refCount   int64
}

// NewSessionBinding creates a binding over deployment and sess. If owns is
// true, the binding ends the session when its reference count reaches zero.
// The binding starts with a reference count of one; the creator must Release
// it. A nil pin disables mongos pinning.
func NewSessionBinding(deployment Deployment, sess *session.Client, pin *ServerPin, owns bool) *SessionBinding {
	return &SessionBinding{
		deployment: deployment,
		sess:       sess,
		pin:        pin,
		owns:       owns,
		refCount:   1,
	}
}

// Session returns the bound session.
func (sb *SessionBinding) Session() *session.Client { return sb.sess }

// Retain increments the binding's reference count.
func (sb *SessionBinding) Retain() {
	atomic.AddInt64(&sb.refCount, 1)
}

// Release decrements the binding's reference count. When the count reaches
// zero and the binding owns its session, the session is ended and its server
// session returned to the pool.
func (sb *SessionBinding) Release() {
	if atomic.AddInt64(&sb.refCount, -1) > 0 {
		return
	}
	if sb.owns && sb.sess != nil {
		sb.sess.EndSession()
	}
}

// WriteSource selects a writable server, checks out a connection from it, and
// returns a connection source holding a new binding reference.
func (sb *SessionBinding) WriteSource(ctx context.Context) (*ConnectionSource, error) {
	return sb.source(ctx, &serverselector.Write{})
}

// ReadSource selects a readable server honoring rp, checks out a connection
// from it, and returns a connection source holding a new binding reference.
// Inside a sharded transaction all operations use the pinned mongos
// regardless of rp.
func (sb *SessionBinding) ReadSource(ctx context.Context, rp *readpref.ReadPref) (*ConnectionSource, error) {
	if rp == nil {
		rp = readpref.Primary()
	}
	return sb.source(ctx, &serverselector.ReadPref{ReadPref: rp})
}

func (sb *SessionBinding) source(ctx context.Context, selector description.ServerSelector) (*ConnectionSource, error) {
	selector = sb.routeSelector(selector)

	server, err := sb.deployment.SelectServer(ctx, selector)
	if err != nil {
		return nil, errors.Wrap(err, "unable to select server")
	}
	conn, err := server.Connection(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to check out connection")
	}

	desc := conn.Description()
	if sb.pinsTransactions() {
		sb.pin.Pin(desc.Addr)
	}

	sb.Retain()
	return &ConnectionSource{
		Conn:    conn,
		Server:  description.SelectedServer{Server: desc, Kind: sb.deployment.Kind()},
		binding: sb,
	}, nil
}

// routeSelector replaces selector with a pinned-address selector when the
// session has an active sharded transaction that is already pinned.
func (sb *SessionBinding) routeSelector(selector description.ServerSelector) description.ServerSelector {
	if !sb.pinsTransactions() {
		return selector
	}
	if addr, ok := sb.pin.PinnedAddress(); ok {
		return &serverselector.Addr{Addr: addr}
	}
	return selector
}

func (sb *SessionBinding) pinsTransactions() bool {
	return sb.pin != nil &&
		sb.sess != nil &&
		sb.deployment.Kind() == description.TopologyKindSharded &&
		sb.sess.ActiveTransaction()
}
