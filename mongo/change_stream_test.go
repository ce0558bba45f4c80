// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"
	"testing"

	"github.com/ikmak/mongo-driver-core/description"
	"github.com/ikmak/mongo-driver-core/document"
	"github.com/ikmak/mongo-driver-core/driver/drivertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func aggResp(id int64, batchKey string, pbrt document.Document, docs ...document.Document) drivertest.Response {
	cursor := document.Document{
		"id":     id,
		"ns":     "db.coll",
		batchKey: docs,
	}
	if pbrt != nil {
		cursor["postBatchResumeToken"] = pbrt
	}
	return drivertest.Response{Doc: document.Document{"ok": 1, "cursor": cursor}}
}

func notPrimaryResp() drivertest.Response {
	return drivertest.Response{Doc: document.Document{"ok": 0, "code": int32(10107), "errmsg": "not master"}}
}

// changeStreamOptions extracts the $changeStream stage of a recorded
// aggregate command.
func changeStreamOptions(t *testing.T, cmd document.Document) document.Document {
	t.Helper()
	pipeline, ok := cmd["pipeline"].([]document.Document)
	require.True(t, ok, "aggregate must carry a pipeline")
	require.NotEmpty(t, pipeline)
	stage, ok := pipeline[0].Subdocument("$changeStream")
	require.True(t, ok, "first stage must be $changeStream")
	return stage
}

func TestChangeStream(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers notifications and prefers the post batch token", func(t *testing.T) {
		docToken := document.Document{"_data": "doc"}
		batchToken := document.Document{"_data": "batch"}
		ev := document.Document{"_id": docToken, "operationType": "insert"}

		conn := primaryConn(aggResp(0, "firstBatch", batchToken, ev))
		client := newTestClient(t, conn, nil)

		stream, err := client.Watch(ctx, nil, "db", "coll", nil, nil)
		require.NoError(t, err)
		defer stream.Close(ctx)

		require.True(t, stream.Next(ctx))
		assert.Equal(t, ev, stream.Current)
		assert.Equal(t, batchToken, stream.ResumeToken())
	})

	t.Run("tracks the document token without a post batch token", func(t *testing.T) {
		docToken := document.Document{"_data": "doc"}
		ev := document.Document{"_id": docToken, "operationType": "insert"}

		conn := primaryConn(aggResp(0, "firstBatch", nil, ev))
		client := newTestClient(t, conn, nil)

		stream, err := client.Watch(ctx, nil, "db", "coll", nil, nil)
		require.NoError(t, err)
		defer stream.Close(ctx)

		require.True(t, stream.Next(ctx))
		assert.Equal(t, docToken, stream.ResumeToken())
	})

	t.Run("resumes once with the tracked token", func(t *testing.T) {
		token := document.Document{"_data": "tok"}
		ev := document.Document{"_id": token, "operationType": "insert"}

		conn := primaryConn(
			aggResp(5, "firstBatch", token), // initial aggregate, empty batch
			notPrimaryResp(),                // getMore fails
			drivertest.Response{Doc: document.Document{"ok": 1}}, // killCursors
			aggResp(6, "firstBatch", nil, ev),                    // resumed aggregate
		)
		client := newTestClient(t, conn, nil)

		stream, err := client.Watch(ctx, nil, "db", "coll", nil, nil)
		require.NoError(t, err)
		defer stream.Close(ctx)

		require.True(t, stream.Next(ctx))
		assert.Equal(t, ev, stream.Current)
		assert.NoError(t, stream.Err())

		require.Len(t, conn.Sent, 4)
		assert.Contains(t, conn.Sent[2].Cmd, "killCursors")
		csOpts := changeStreamOptions(t, conn.Sent[3].Cmd)
		assert.Equal(t, document.Value(token), csOpts["resumeAfter"])
	})

	t.Run("a second fault propagates without another resume", func(t *testing.T) {
		token := document.Document{"_data": "tok"}
		conn := primaryConn(
			aggResp(5, "firstBatch", token),
			notPrimaryResp(), // getMore fails
			drivertest.Response{Doc: document.Document{"ok": 1}}, // killCursors
			notPrimaryResp(), // resumed aggregate fails too
		)
		client := newTestClient(t, conn, nil)

		stream, err := client.Watch(ctx, nil, "db", "coll", nil, nil)
		require.NoError(t, err)
		defer stream.Close(ctx)

		assert.False(t, stream.Next(ctx))
		require.Error(t, stream.Err())
		assert.Len(t, conn.Sent, 4, "exactly one resume attempt")
	})

	t.Run("non resumable faults are never resumed", func(t *testing.T) {
		conn := primaryConn(
			aggResp(5, "firstBatch", nil),
			drivertest.Response{Doc: document.Document{"ok": 0, "code": int32(11601), "errmsg": "operation was interrupted"}},
		)
		client := newTestClient(t, conn, nil)

		stream, err := client.Watch(ctx, nil, "db", "coll", nil, nil)
		require.NoError(t, err)
		defer stream.Close(ctx)

		assert.False(t, stream.Next(ctx))
		require.Error(t, stream.Err())
		assert.Len(t, conn.Sent, 2, "no killCursors, no new aggregate before close")
	})

	t.Run("configured startAfter wins until superseded", func(t *testing.T) {
		startAfter := document.Document{"_data": "start"}
		conn := primaryConn(
			aggResp(5, "firstBatch", nil),
			notPrimaryResp(),
			drivertest.Response{Doc: document.Document{"ok": 1}},
			aggResp(6, "firstBatch", nil),
		)
		client := newTestClient(t, conn, nil)

		stream, err := client.Watch(ctx, nil, "db", "coll", nil, &ChangeStreamOptions{StartAfter: startAfter})
		require.NoError(t, err)
		defer stream.Close(ctx)

		stream.TryNext(ctx)

		csOpts := changeStreamOptions(t, conn.Sent[0].Cmd)
		assert.Equal(t, document.Value(startAfter), csOpts["startAfter"])
		csOpts = changeStreamOptions(t, conn.Sent[3].Cmd)
		assert.Equal(t, document.Value(startAfter), csOpts["startAfter"],
			"startAfter must survive a resume when no token was observed")
	})

	t.Run("resume falls back to the operation time on capable servers", func(t *testing.T) {
		opTime := document.Timestamp{T: 100, I: 2}
		initial := aggResp(5, "firstBatch", nil)
		initial.Doc["operationTime"] = opTime

		conn := primaryConn(
			initial,
			notPrimaryResp(),
			drivertest.Response{Doc: document.Document{"ok": 1}},
			aggResp(6, "firstBatch", nil),
		)
		client := newTestClient(t, conn, nil)

		stream, err := client.Watch(ctx, nil, "db", "coll", nil, nil)
		require.NoError(t, err)
		defer stream.Close(ctx)

		stream.TryNext(ctx)

		csOpts := changeStreamOptions(t, conn.Sent[3].Cmd)
		assert.Equal(t, document.Value(opTime), csOpts["startAtOperationTime"])
		assert.NotContains(t, csOpts, "resumeAfter")
	})

	t.Run("missing resume token is fatal below the token wire version", func(t *testing.T) {
		conn := primaryConn(aggResp(0, "firstBatch", nil, document.Document{"operationType": "insert"}))
		conn.Desc.WireVersion = &description.VersionRange{Max: 6}
		client := newTestClient(t, conn, nil)

		stream, err := client.Watch(ctx, nil, "db", "coll", nil, nil)
		require.NoError(t, err)
		defer stream.Close(ctx)

		assert.False(t, stream.Next(ctx))
		assert.Equal(t, ErrMissingResumeToken, stream.Err())
	})

	t.Run("rejects both resumeAfter and startAfter", func(t *testing.T) {
		token := document.Document{"_data": "tok"}
		conn := primaryConn()
		client := newTestClient(t, conn, nil)

		_, err := client.Watch(ctx, nil, "db", "coll", nil, &ChangeStreamOptions{
			ResumeAfter: token,
			StartAfter:  token,
		})
		assert.Equal(t, ErrManyResumeCoordinates, err)
	})

	t.Run("close ends the implicit session", func(t *testing.T) {
		conn := primaryConn(aggResp(0, "firstBatch", nil))
		client := newTestClient(t, conn, nil)

		stream, err := client.Watch(ctx, nil, "db", "coll", nil, nil)
		require.NoError(t, err)
		require.NoError(t, stream.Close(ctx))
		assert.False(t, stream.Next(ctx), "closed stream does not iterate")
	})
}
