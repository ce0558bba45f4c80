// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"strings"

	"github.com/ikmak/mongo-driver-core/address"
	"github.com/ikmak/mongo-driver-core/description"
	"github.com/ikmak/mongo-driver-core/document"
	"github.com/ikmak/mongo-driver-core/driver/session"
	"github.com/ikmak/mongo-driver-core/internal/serverselector"
	"github.com/pkg/errors"
)

// ErrNoCursor is returned when a response expected to contain a cursor does
// not.
var ErrNoCursor = errors.New("server response did not contain a cursor")

// CursorResponse is the parsed cursor portion of a server response to an
// aggregate, find, or getMore command.
type CursorResponse struct {
	ID                   int64
	Database             string
	Collection           string
	Batch                []document.Document
	PostBatchResumeToken document.Document
	OperationTime        *document.Timestamp
	Server               address.Address
}

// NewCursorResponse parses the cursor document out of resp. The address of
// the server the response came from is recorded so later getMore commands
// can be routed to it.
func NewCursorResponse(resp document.Document, server address.Address) (CursorResponse, error) {
	cursor, ok := resp.Subdocument("cursor")
	if !ok {
		return CursorResponse{}, ErrNoCursor
	}

	cr := CursorResponse{Server: server}
	if id, ok := cursor.Lookup("id"); ok {
		cr.ID = toInt64(id)
	}
	if ns, ok := cursor.Lookup("ns"); ok {
		if s, ok := ns.(string); ok {
			cr.Database, cr.Collection = splitNamespace(s)
		}
	}
	for _, key := range []string{"firstBatch", "nextBatch"} {
		raw, ok := cursor.Lookup(key)
		if !ok {
			continue
		}
		docs, ok := raw.([]document.Document)
		if !ok {
			return CursorResponse{}, errors.Errorf("invalid %s in cursor response", key)
		}
		cr.Batch = docs
		break
	}
	if pbrt, ok := cursor.Subdocument("postBatchResumeToken"); ok {
		cr.PostBatchResumeToken = pbrt
	}
	if raw, ok := resp.Lookup("operationTime"); ok {
		if ts, ok := raw.(document.Timestamp); ok {
			cr.OperationTime = &ts
		}
	}
	return cr, nil
}

func splitNamespace(ns string) (string, string) {
	idx := strings.Index(ns, ".")
	if idx == -1 {
		return ns, ""
	}
	return ns[:idx], ns[idx+1:]
}

// BatchCursor iterates the batches of a server cursor. It retains its binding
// for the lifetime of the cursor, which keeps an implicit session checked out
// until the cursor is closed or exhausted.
type BatchCursor struct {
	id                   int64
	database             string
	collection           string
	server               address.Address
	batch                []document.Document
	pos                  int
	postBatchResumeToken document.Document
	operationTime        *document.Timestamp
	batchSize            int32
	maxAwaitTime         *int64 // milliseconds, tailable awaitData cursors only

	binding *SessionBinding
	clock   *session.ClusterClock
	err     error
	closed  bool
}

// NewBatchCursor creates a cursor from an initial cursor response. The
// binding is retained until Close.
func NewBatchCursor(cr CursorResponse, binding *SessionBinding, clock *session.ClusterClock, batchSize int32) *BatchCursor {
	binding.Retain()
	return &BatchCursor{
		id:                   cr.ID,
		database:             cr.Database,
		collection:           cr.Collection,
		server:               cr.Server,
		batch:                cr.Batch,
		pos:                  -1,
		postBatchResumeToken: cr.PostBatchResumeToken,
		operationTime:        cr.OperationTime,
		batchSize:            batchSize,
		binding:              binding,
		clock:                clock,
	}
}

// ID returns the cursor's server-side id. An id of zero means the cursor is
// exhausted on the server.
func (bc *BatchCursor) ID() int64 { return bc.id }

// Err returns the error that stopped iteration, if any.
func (bc *BatchCursor) Err() error { return bc.err }

// Current returns the document the cursor is positioned at.
func (bc *BatchCursor) Current() document.Document {
	if bc.pos < 0 || bc.pos >= len(bc.batch) {
		return nil
	}
	return bc.batch[bc.pos]
}

// PostBatchResumeToken returns the most recent postBatchResumeToken the
// server attached to a batch, or nil.
func (bc *BatchCursor) PostBatchResumeToken() document.Document {
	return bc.postBatchResumeToken
}

// OperationTime returns the operationTime of the initial response.
func (bc *BatchCursor) OperationTime() *document.Timestamp { return bc.operationTime }

// SetMaxAwaitTime sets the maxTimeMS for getMore commands on tailable
// awaitData cursors.
func (bc *BatchCursor) SetMaxAwaitTime(ms int64) { bc.maxAwaitTime = &ms }

// Next advances the cursor to the next document, issuing getMore commands as
// batches are exhausted. It blocks on the server for tailable awaitData
// cursors. False is returned when the cursor is exhausted or an error
// occurred; consult Err to distinguish.
func (bc *BatchCursor) Next(ctx context.Context) bool {
	return bc.advance(ctx, true)
}

// TryNext is Next without blocking for a new batch: if the current batch is
// exhausted it issues at most one getMore and returns false when that getMore
// yields an empty batch.
func (bc *BatchCursor) TryNext(ctx context.Context) bool {
	return bc.advance(ctx, false)
}

func (bc *BatchCursor) advance(ctx context.Context, block bool) bool {
	if bc.closed || bc.err != nil {
		return false
	}
	for {
		if bc.pos+1 < len(bc.batch) {
			bc.pos++
			return true
		}
		if bc.id == 0 {
			return false
		}
		if err := bc.getMore(ctx); err != nil {
			bc.err = err
			return false
		}
		if len(bc.batch) == 0 {
			if !block || bc.id == 0 {
				return false
			}
			// Tailable awaitData getMores block server side, so looping here
			// does not spin.
			if ctx != nil && ctx.Err() != nil {
				bc.err = ctx.Err()
				return false
			}
		}
	}
}

// getMore fetches the next batch from the server the cursor was created on.
func (bc *BatchCursor) getMore(ctx context.Context) error {
	op := Operation{
		Name:     "getMore",
		Database: bc.database,
		Type:     Read,
		Binding:  bc.binding,
		Clock:    bc.clock,
		Selector: &serverselector.Addr{Addr: bc.server},
		CommandFn: func(description.SelectedServer) (document.Document, error) {
			cmd := document.Document{
				"getMore":    bc.id,
				"collection": bc.collection,
			}
			if bc.batchSize > 0 {
				cmd["batchSize"] = bc.batchSize
			}
			if bc.maxAwaitTime != nil {
				cmd["maxTimeMS"] = *bc.maxAwaitTime
			}
			return cmd, nil
		},
		ProcessResponseFn: func(resp document.Document, src *ConnectionSource) error {
			cr, err := NewCursorResponse(resp, bc.server)
			if err != nil {
				return err
			}
			bc.id = cr.ID
			bc.batch = cr.Batch
			bc.pos = -1
			if cr.PostBatchResumeToken != nil {
				bc.postBatchResumeToken = cr.PostBatchResumeToken
			}
			return nil
		},
	}
	return op.Execute(ctx)
}

// KillCursor tells the server to free the cursor. Errors are returned but
// the cursor is unusable afterwards regardless.
func (bc *BatchCursor) KillCursor(ctx context.Context) error {
	if bc.id == 0 {
		return nil
	}
	op := Operation{
		Name:     "killCursors",
		Database: bc.database,
		Type:     Read,
		Binding:  bc.binding,
		Clock:    bc.clock,
		Selector: &serverselector.Addr{Addr: bc.server},
		CommandFn: func(description.SelectedServer) (document.Document, error) {
			return document.Document{
				"killCursors": bc.collection,
				"cursors":     []document.Value{bc.id},
			}, nil
		},
	}
	err := op.Execute(ctx)
	bc.id = 0
	return err
}

// Close kills the server-side cursor and releases the binding.
func (bc *BatchCursor) Close(ctx context.Context) error {
	if bc.closed {
		return nil
	}
	bc.closed = true
	err := bc.KillCursor(ctx)
	bc.binding.Release()
	return err
}

func toInt64(v document.Value) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
