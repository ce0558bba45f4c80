// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver_test

import (
	"context"
	"testing"

	"github.com/ikmak/mongo-driver-core/document"
	"github.com/ikmak/mongo-driver-core/driver"
	"github.com/ikmak/mongo-driver-core/driver/drivertest"
	"github.com/ikmak/mongo-driver-core/driver/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cursorDoc(id int64, batchKey string, docs ...document.Document) document.Document {
	return document.Document{
		"ok": 1,
		"cursor": document.Document{
			"id":     id,
			"ns":     "db.coll",
			batchKey: docs,
		},
	}
}

func TestBatchCursor(t *testing.T) {
	ctx := context.Background()

	newCursor := func(t *testing.T, conn *drivertest.Conn, initial document.Document) (*driver.BatchCursor, *session.Client) {
		t.Helper()
		dep := replSetDeployment(t, conn)
		sess, err := session.NewClientSession(newPool(t), session.Implicit)
		require.NoError(t, err)
		binding := driver.NewSessionBinding(dep, sess, nil, true)
		defer binding.Release()

		cr, err := driver.NewCursorResponse(initial, conn.Desc.Addr)
		require.NoError(t, err)
		return driver.NewBatchCursor(cr, binding, nil, 0), sess
	}

	t.Run("iterates batches through getMore", func(t *testing.T) {
		d1 := document.Document{"_id": int32(1)}
		d2 := document.Document{"_id": int32(2)}
		conn := &drivertest.Conn{
			Desc: primaryDesc("a:27017", 9),
			Responses: []drivertest.Response{
				{Doc: cursorDoc(0, "nextBatch", d2)},
			},
		}
		cursor, _ := newCursor(t, conn, cursorDoc(42, "firstBatch", d1))

		require.True(t, cursor.Next(ctx))
		assert.Equal(t, d1, cursor.Current())

		require.True(t, cursor.Next(ctx))
		assert.Equal(t, d2, cursor.Current())
		require.Len(t, conn.Sent, 1)
		assert.Equal(t, int64(42), conn.Sent[0].Cmd["getMore"])
		assert.Equal(t, "coll", conn.Sent[0].Cmd["collection"])

		assert.False(t, cursor.Next(ctx), "id zero means exhausted")
		assert.NoError(t, cursor.Err())
	})

	t.Run("close kills a live cursor and ends the implicit session", func(t *testing.T) {
		conn := &drivertest.Conn{
			Desc: primaryDesc("a:27017", 9),
			Responses: []drivertest.Response{
				{Doc: document.Document{"ok": 1}},
			},
		}
		cursor, sess := newCursor(t, conn, cursorDoc(42, "firstBatch"))

		require.NoError(t, cursor.Close(ctx))
		require.Len(t, conn.Sent, 1)
		assert.Equal(t, "coll", conn.Sent[0].Cmd["killCursors"])
		assert.True(t, sess.Terminated)

		assert.NoError(t, cursor.Close(ctx), "close is idempotent")
		require.Len(t, conn.Sent, 1)
	})

	t.Run("post batch resume token is carried forward", func(t *testing.T) {
		token := document.Document{"_data": "aa"}
		initial := document.Document{
			"ok": 1,
			"cursor": document.Document{
				"id":                   int64(7),
				"ns":                   "db.coll",
				"firstBatch":           []document.Document{},
				"postBatchResumeToken": token,
			},
		}
		conn := &drivertest.Conn{Desc: primaryDesc("a:27017", 9)}
		cursor, _ := newCursor(t, conn, initial)
		assert.Equal(t, token, cursor.PostBatchResumeToken())
	})
}
