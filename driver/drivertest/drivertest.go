// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package drivertest provides scripted in-memory implementations of the
// driver's Deployment, Server, and Connection interfaces for tests.
package drivertest

import (
	"context"
	"sync"

	"github.com/ikmak/mongo-driver-core/address"
	"github.com/ikmak/mongo-driver-core/description"
	"github.com/ikmak/mongo-driver-core/document"
	"github.com/ikmak/mongo-driver-core/driver"
	"github.com/pkg/errors"
)

// Response is one scripted reply: either a response document or a transport
// error.
type Response struct {
	Doc document.Document
	Err error
}

// Command records one command sent through a connection.
type Command struct {
	Database string
	Cmd      document.Document
}

// Conn is a scripted connection. Each RoundTrip consumes the next Response
// and records the command it was asked to send.
type Conn struct {
	Desc      description.Server
	Responses []Response

	mu       sync.Mutex
	idx      int
	Sent     []Command
	Closed   int
	IDString string
}

var _ driver.Connection = (*Conn)(nil)

// RoundTrip implements driver.Connection.
func (c *Conn) RoundTrip(_ context.Context, database string, cmd document.Document) (document.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sent = append(c.Sent, Command{Database: database, Cmd: cmd})
	if c.idx >= len(c.Responses) {
		return nil, errors.New("drivertest: no scripted response left")
	}
	resp := c.Responses[c.idx]
	c.idx++
	return resp.Doc, resp.Err
}

// Description implements driver.Connection.
func (c *Conn) Description() description.Server { return c.Desc }

// Close implements driver.Connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed++
	return nil
}

// ID implements driver.Connection.
func (c *Conn) ID() string { return c.IDString }

// Address implements driver.Connection.
func (c *Conn) Address() address.Address { return c.Desc.Addr }

// Server hands out a single scripted connection.
type Server struct {
	Conn    *Conn
	ConnErr error
}

var _ driver.Server = (*Server)(nil)

// Connection implements driver.Server.
func (s *Server) Connection(context.Context) (driver.Connection, error) {
	if s.ConnErr != nil {
		return nil, s.ConnErr
	}
	return s.Conn, nil
}

// Deployment is a static topology of scripted servers. Server selection runs
// the real selector against the topology description, so selection and
// pinning behavior can be asserted in tests.
type Deployment struct {
	Topology description.Topology
	Servers  map[address.Address]*Server

	mu              sync.Mutex
	SelectedAddrs   []address.Address
	ProcessedErrors []error
}

var _ driver.Deployment = (*Deployment)(nil)
var _ driver.ErrorProcessor = (*Deployment)(nil)

// SelectServer implements driver.Deployment.
func (d *Deployment) SelectServer(_ context.Context, selector description.ServerSelector) (driver.Server, error) {
	candidates, err := selector.SelectServer(d.Topology, d.Topology.Servers)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errors.New("drivertest: no server matched the selector")
	}
	chosen := candidates[0]
	srv, ok := d.Servers[chosen.Addr]
	if !ok {
		return nil, errors.Errorf("drivertest: selected unknown server %s", chosen.Addr)
	}
	d.mu.Lock()
	d.SelectedAddrs = append(d.SelectedAddrs, chosen.Addr)
	d.mu.Unlock()
	return srv, nil
}

// Kind implements driver.Deployment.
func (d *Deployment) Kind() description.TopologyKind { return d.Topology.Kind }

// ProcessError implements driver.ErrorProcessor.
func (d *Deployment) ProcessError(err error, _ driver.Connection) {
	d.mu.Lock()
	d.ProcessedErrors = append(d.ProcessedErrors, err)
	d.mu.Unlock()
}
