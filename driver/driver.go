// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver contains the execution engine of the driver: the retryable
// operation executor, the session-aware binding, the retry classifier, and
// the batch cursor. The wire protocol, connection pooling, and topology
// monitoring are external collaborators consumed through the Deployment,
// Server, and Connection interfaces.
package driver

import (
	"context"

	"github.com/ikmak/mongo-driver-core/address"
	"github.com/ikmak/mongo-driver-core/description"
	"github.com/ikmak/mongo-driver-core/document"
)

// Deployment is implemented by types that can select a server from a
// deployment.
type Deployment interface {
	SelectServer(context.Context, description.ServerSelector) (Server, error)
	Kind() description.TopologyKind
}

// Server represents a server. Implementations should pool connections and
// handle the retrieving and returning of connections.
type Server interface {
	Connection(context.Context) (Connection, error)
}

// Connection represents a connection to a server. RoundTrip encodes the
// command document onto the wire, sends it, and decodes the response
// document; the encoding itself is owned by the transport implementation.
type Connection interface {
	RoundTrip(ctx context.Context, database string, cmd document.Document) (document.Document, error)
	Description() description.Server
	Close() error
	ID() string
	Address() address.Address
}

// ErrorProcessor implementations can handle processing errors, which may
// modify their internal state. If this type is implemented by a Deployment,
// then Operation.Execute will call its ProcessError method after a network
// failure so the topology can mark the server unknown.
type ErrorProcessor interface {
	ProcessError(err error, conn Connection)
}

// SingleServerDeployment is an implementation of Deployment that always
// returns a single server.
type SingleServerDeployment struct {
	S Server

	TopologyKind description.TopologyKind
}

var _ Deployment = SingleServerDeployment{}

// SelectServer implements the Deployment interface. This method does not use
// the ctx argument nor the ServerSelector parameter.
func (ssd SingleServerDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return ssd.S, nil
}

// Kind implements the Deployment interface.
func (ssd SingleServerDeployment) Kind() description.TopologyKind { return ssd.TopologyKind }

// Type specifies whether an operation is a read, write, or unknown.
type Type uint

// THese are the availables types of Type.
const (
	_ Type = iota
	Write
	Read
)

// RetryMode specifies the way that retries are handled for retryable
// operations.
type RetryMode uint

// These are the modes available for retrying.
const (
	// RetryNone indicates that the operation cannot be retried.
	RetryNone RetryMode = iota
	// RetryOnce indicates that the operation can be retried at most once.
	RetryOnce
)

// Enabled returns if this RetryMode enables retrying.
func (rm RetryMode) Enabled() bool {
	return rm == RetryOnce
}
