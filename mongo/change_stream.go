// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"
	"sync"

	"github.com/ikmak/mongo-driver-core/description"
	"github.com/ikmak/mongo-driver-core/document"
	"github.com/ikmak/mongo-driver-core/driver"
	"github.com/sirupsen/logrus"
)

// ChangeStream iterates a change feed, transparently re-establishing the
// underlying server cursor at most once per call when a resumable fault is
// observed. Next, TryNext, and Close are linearized under one mutex: a Close
// issued while a Next is in flight waits for it to finish.
type ChangeStream struct {
	// Current is the notification the stream is positioned at after a
	// successful Next or TryNext.
	Current document.Document

	client     *Client
	binding    *driver.SessionBinding
	database   string
	collection string
	pipeline   []document.Document
	options    *ChangeStreamOptions
	tracker    *resumeTracker

	mu     sync.Mutex
	cursor *driver.BatchCursor
	wire   int32
	err    error
	closed bool
}

func newChangeStream(ctx context.Context, client *Client, sess *Session, database, collection string, pipeline []document.Document, opts *ChangeStreamOptions) (*ChangeStream, error) {
	if opts == nil {
		opts = &ChangeStreamOptions{}
	}
	if opts.ResumeAfter != nil && opts.StartAfter != nil {
		return nil, ErrManyResumeCoordinates
	}
	binding, err := client.binding(sess)
	if err != nil {
		return nil, err
	}

	cs := &ChangeStream{
		client:     client,
		binding:    binding,
		database:   database,
		collection: collection,
		pipeline:   pipeline,
		options:    opts,
		tracker:    newResumeTracker(opts.StartAfter, opts.ResumeAfter, opts.StartAtOperationTime),
	}
	if err := cs.open(ctx, false); err != nil {
		binding.Release()
		return nil, err
	}
	return cs, nil
}

// open issues the aggregate that establishes the stream's server cursor at
// the tracker's current position.
func (cs *ChangeStream) open(ctx context.Context, resuming bool) error {
	retry := driver.RetryNone
	if !resuming && cs.client.retryReads {
		// Only the initial aggregate goes through the generic read retry; a
		// resume is itself the one permitted retry.
		retry = driver.RetryOnce
	}

	database := cs.database
	var aggregate document.Value = int32(1)
	if cs.collection != "" {
		aggregate = cs.collection
	}
	if database == "" {
		database = "admin"
	}

	op := driver.Operation{
		Name:     "aggregate",
		Database: database,
		Type:     driver.Read,
		CommandFn: func(desc description.SelectedServer) (document.Document, error) {
			return cs.buildCommand(aggregate, desc.MaxWireVersion()), nil
		},
		ProcessResponseFn: func(resp document.Document, src *driver.ConnectionSource) error {
			cr, err := driver.NewCursorResponse(resp, src.Server.Addr)
			if err != nil {
				return err
			}
			cs.wire = src.Server.MaxWireVersion()
			cs.tracker.setOperationTime(cr.OperationTime)
			if cr.PostBatchResumeToken != nil {
				cs.tracker.updateFromBatch(cr.PostBatchResumeToken, nil)
			}
			cursor := driver.NewBatchCursor(cr, cs.binding, cs.client.clock, cs.batchSize())
			if cs.options.MaxAwaitTime != nil {
				cursor.SetMaxAwaitTime(cs.options.MaxAwaitTime.Milliseconds())
			}
			cs.cursor = cursor
			return nil
		},
		Binding:        cs.binding,
		Clock:          cs.client.clock,
		ReadPreference: cs.client.opts.ReadPreference,
		ReadConcern:    cs.client.opts.ReadConcern,
		RetryMode:      &retry,
		Logger:         cs.client.logger,
	}
	return op.Execute(ctx)
}

func (cs *ChangeStream) buildCommand(aggregate document.Value, maxWireVersion int32) document.Document {
	csOpts := cs.tracker.resumeOptions(maxWireVersion)
	if cs.options.FullDocument != "" {
		csOpts["fullDocument"] = cs.options.FullDocument
	}
	if cs.collection == "" && cs.database == "" {
		csOpts["allChangesForCluster"] = true
	}

	pipeline := make([]document.Document, 0, len(cs.pipeline)+1)
	pipeline = append(pipeline, document.Document{"$changeStream": csOpts})
	pipeline = append(pipeline, cs.pipeline...)

	cursorOpts := document.Document{}
	if bs := cs.batchSize(); bs > 0 {
		cursorOpts["batchSize"] = bs
	}
	return document.Document{
		"aggregate": aggregate,
		"pipeline":  pipeline,
		"cursor":    cursorOpts,
	}
}

func (cs *ChangeStream) batchSize() int32 {
	return cs.options.BatchSize
}

// Next advances the stream to the next notification, blocking on the server
// until one arrives. It returns false when the stream has errored or was
// closed; consult Err.
func (cs *ChangeStream) Next(ctx context.Context) bool {
	return cs.advance(ctx, true)
}

// TryNext is Next without blocking for new notifications: an empty batch
// returns false with a nil Err.
func (cs *ChangeStream) TryNext(ctx context.Context) bool {
	return cs.advance(ctx, false)
}

func (cs *ChangeStream) advance(ctx context.Context, block bool) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed || cs.err != nil {
		return false
	}

	resumed := false
	for {
		var ok bool
		if block {
			ok = cs.cursor.Next(ctx)
		} else {
			ok = cs.cursor.TryNext(ctx)
		}

		if ok {
			doc := cs.cursor.Current()
			pbrt := cs.cursor.PostBatchResumeToken()
			if _, hasID := doc.Subdocument("_id"); !hasID && pbrt == nil && cs.wire < minResumeTokenWireVersion {
				cs.err = ErrMissingResumeToken
				return false
			}
			cs.tracker.updateFromBatch(pbrt, doc)
			cs.Current = doc
			return true
		}

		err := cs.cursor.Err()
		if err == nil {
			// Exhausted batch without a fault. The post-batch token is valid
			// even for an empty batch.
			if pbrt := cs.cursor.PostBatchResumeToken(); pbrt != nil {
				cs.tracker.updateFromBatch(pbrt, nil)
			}
			return false
		}
		if resumed || !driver.Resumable(err) {
			cs.err = err
			return false
		}

		resumed = true
		if cs.client.logger != nil {
			cs.client.logger.WithFields(logrus.Fields{
				"database":   cs.database,
				"collection": cs.collection,
			}).WithError(err).Debug("resuming change stream")
		}
		if rerr := cs.resume(ctx); rerr != nil {
			cs.err = rerr
			return false
		}
	}
}

// resume closes the stale cursor, swallowing its close error so it cannot
// mask the triggering fault, and reissues the aggregate at the tracked
// position.
func (cs *ChangeStream) resume(ctx context.Context) error {
	_ = cs.cursor.Close(ctx)
	cs.cursor = nil
	return cs.open(ctx, true)
}

// ResumeToken returns the stream's current resume position, or nil if none
// has been observed or configured.
func (cs *ChangeStream) ResumeToken() document.Document {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.tracker.token()
}

// ID returns the server-side id of the underlying cursor, or zero.
func (cs *ChangeStream) ID() int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.cursor == nil {
		return 0
	}
	return cs.cursor.ID()
}

// Err returns the error that stopped iteration, if any.
func (cs *ChangeStream) Err() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.err
}

// Close closes the stream and releases its session binding. It waits for an
// in-flight Next or TryNext to finish.
func (cs *ChangeStream) Close(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return nil
	}
	cs.closed = true
	var err error
	if cs.cursor != nil {
		err = cs.cursor.Close(ctx)
		cs.cursor = nil
	}
	cs.binding.Release()
	return err
}
