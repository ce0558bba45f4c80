// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package mongo exposes the session, transaction, and change stream surface
// of the driver core: Client, Session with WithTransaction, and the
// resumable ChangeStream.
package mongo

import (
	"context"
	"time"

	"github.com/ikmak/mongo-driver-core/description"
	"github.com/ikmak/mongo-driver-core/document"
	"github.com/ikmak/mongo-driver-core/driver"
	"github.com/ikmak/mongo-driver-core/driver/session"
	"github.com/ikmak/mongo-driver-core/readpref"
	"github.com/sirupsen/logrus"
)

// Client is the entry point of the driver core. It owns the server session
// pool and the cluster clock and executes commands against a deployment
// supplied by the transport layer.
type Client struct {
	deployment  driver.Deployment
	sessionPool *session.Pool
	clock       *session.ClusterClock
	topoChan    chan description.Topology

	retryWrites bool
	retryReads  bool
	logger      logrus.FieldLogger
	now         func() time.Time

	opts ClientOptions
}

// NewClient creates a Client over deployment.
func NewClient(deployment driver.Deployment, opts *ClientOptions) *Client {
	if opts == nil {
		opts = &ClientOptions{}
	}
	topoChan := make(chan description.Topology, 1)
	c := &Client{
		deployment:  deployment,
		sessionPool: session.NewPool(topoChan),
		clock:       &session.ClusterClock{},
		topoChan:    topoChan,
		retryWrites: opts.RetryWrites == nil || *opts.RetryWrites,
		retryReads:  opts.RetryReads == nil || *opts.RetryReads,
		logger:      opts.Logger,
		now:         opts.Now,
		opts:        *opts,
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// UpdateTopology feeds a new topology description to the session pool so it
// can track the deployment's logical session timeout. The transport layer
// calls this whenever the topology changes.
func (c *Client) UpdateTopology(t description.Topology) {
	select {
	case c.topoChan <- t:
	default:
		// The pool only needs the latest description; drop stale ones.
		select {
		case <-c.topoChan:
		default:
		}
		select {
		case c.topoChan <- t:
		default:
		}
	}
}

// StartSession starts an explicit session. The caller must end it with
// Session.EndSession.
func (c *Client) StartSession(opts *SessionOptions) (*Session, error) {
	if opts == nil {
		opts = &SessionOptions{}
	}
	clientOpts := &session.ClientOptions{
		CausalConsistency:     opts.CausalConsistency,
		DefaultReadConcern:    c.opts.ReadConcern,
		DefaultWriteConcern:   c.opts.WriteConcern,
		DefaultReadPreference: c.opts.ReadPreference,
	}
	if dto := opts.DefaultTransactionOptions; dto != nil {
		if dto.ReadConcern != nil {
			clientOpts.DefaultReadConcern = dto.ReadConcern
		}
		if dto.WriteConcern != nil {
			clientOpts.DefaultWriteConcern = dto.WriteConcern
		}
		if dto.ReadPreference != nil {
			clientOpts.DefaultReadPreference = dto.ReadPreference
		}
	}
	sess, err := session.NewClientSession(c.sessionPool, session.Explicit, clientOpts)
	if err != nil {
		return nil, err
	}

	pin := driver.NewServerPin()
	sess.RegisterTransactionListener(pin)
	return &Session{clientSession: sess, pin: pin, client: c}, nil
}

// ExecuteWrite runs a write command. A nil sess runs the command on an
// implicit session checked out of the pool for the duration of the call.
func (c *Client) ExecuteWrite(ctx context.Context, sess *Session, database, name string, cmd document.Document) (document.Document, error) {
	return c.executeRetryable(ctx, sess, driver.Write, database, name, cmd, nil)
}

// ExecuteRead runs a read command honoring rp. A nil sess runs the command
// on an implicit session.
func (c *Client) ExecuteRead(ctx context.Context, sess *Session, database, name string, cmd document.Document, rp *readpref.ReadPref) (document.Document, error) {
	return c.executeRetryable(ctx, sess, driver.Read, database, name, cmd, rp)
}

func (c *Client) executeRetryable(ctx context.Context, sess *Session, opType driver.Type, database, name string, cmd document.Document, rp *readpref.ReadPref) (document.Document, error) {
	if cmd == nil {
		return nil, ErrNilDocument
	}
	binding, err := c.binding(sess)
	if err != nil {
		return nil, err
	}
	defer binding.Release()

	retry := driver.RetryNone
	if (opType == driver.Write && c.retryWrites) || (opType == driver.Read && c.retryReads) {
		retry = driver.RetryOnce
	}

	var resp document.Document
	op := driver.Operation{
		Name:     name,
		Database: database,
		Type:     opType,
		CommandFn: func(description.SelectedServer) (document.Document, error) {
			return cmd, nil
		},
		ProcessResponseFn: func(r document.Document, _ *driver.ConnectionSource) error {
			resp = r
			return nil
		},
		Binding:        binding,
		Clock:          c.clock,
		ReadPreference: rp,
		ReadConcern:    c.opts.ReadConcern,
		WriteConcern:   c.opts.WriteConcern,
		RetryMode:      &retry,
		Logger:         c.logger,
	}
	if err := op.Execute(ctx); err != nil {
		return nil, err
	}
	return resp, nil
}

// binding returns a session binding for one top-level operation. For a nil
// session an implicit session is created; the binding owns it and ends it
// when the last reference is released.
func (c *Client) binding(sess *Session) (*driver.SessionBinding, error) {
	if sess != nil {
		return driver.NewSessionBinding(c.deployment, sess.clientSession, sess.pin, false), nil
	}
	implicit, err := session.NewClientSession(c.sessionPool, session.Implicit, &session.ClientOptions{
		DefaultReadConcern:    c.opts.ReadConcern,
		DefaultWriteConcern:   c.opts.WriteConcern,
		DefaultReadPreference: c.opts.ReadPreference,
	})
	if err != nil {
		return nil, err
	}
	return driver.NewSessionBinding(c.deployment, implicit, nil, true), nil
}

// Watch opens a change stream. An empty collection watches the whole
// database; an empty database watches the whole deployment.
func (c *Client) Watch(ctx context.Context, sess *Session, database, collection string, pipeline []document.Document, opts *ChangeStreamOptions) (*ChangeStream, error) {
	return newChangeStream(ctx, c, sess, database, collection, pipeline, opts)
}
