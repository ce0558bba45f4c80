// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"github.com/ikmak/mongo-driver-core/document"
)

// minResumeTokenWireVersion is the first wire version whose servers attach a
// postBatchResumeToken to every change stream batch. Servers below it also
// cannot resume from an operation time.
const minResumeTokenWireVersion = 7

// resumeTracker holds a change stream's resume coordinates. At most one
// coordinate is authoritative at a time: an explicit startAfter until it is
// superseded by an observed token, then the tracked resume token, then the
// stream's operation time. A post-batch resume token supersedes any
// per-document token, and replaying a batch leaves the tracked position
// unchanged.
type resumeTracker struct {
	resumeToken          document.Document
	startAfter           document.Document
	resumeAfter          document.Document
	startAtOperationTime *document.Timestamp
}

func newResumeTracker(startAfter, resumeAfter document.Document, startAtOperationTime *document.Timestamp) *resumeTracker {
	rt := &resumeTracker{
		startAfter:           startAfter,
		resumeAfter:          resumeAfter,
		startAtOperationTime: startAtOperationTime,
	}
	// A configured token is the stream's initial position.
	if startAfter != nil {
		rt.resumeToken = startAfter
	} else if resumeAfter != nil {
		rt.resumeToken = resumeAfter
	}
	return rt
}

// token returns the current resume position, or nil.
func (rt *resumeTracker) token() document.Document {
	return rt.resumeToken
}

// updateFromBatch records the resume position after a batch was received.
// The post-batch token wins over the last document's _id. Observing any
// token supersedes a configured startAfter.
func (rt *resumeTracker) updateFromBatch(postBatchResumeToken, lastDocument document.Document) {
	if postBatchResumeToken != nil {
		rt.setToken(postBatchResumeToken)
		return
	}
	if lastDocument == nil {
		return
	}
	if id, ok := lastDocument.Subdocument("_id"); ok {
		rt.setToken(id)
	}
}

func (rt *resumeTracker) setToken(token document.Document) {
	rt.resumeToken = token
	rt.startAfter = nil
}

// setOperationTime records the stream's starting operation time from the
// initial server response. It is used only when no token was ever configured
// or observed.
func (rt *resumeTracker) setOperationTime(ts *document.Timestamp) {
	if rt.startAtOperationTime == nil && rt.resumeToken == nil {
		rt.startAtOperationTime = ts
	}
}

// resumeOptions returns the $changeStream fields that re-establish the
// stream at the tracked position, in order of preference: a never-superseded
// startAfter, the tracked token as resumeAfter, the operation time when the
// server supports it, or nothing.
func (rt *resumeTracker) resumeOptions(maxWireVersion int32) document.Document {
	opts := document.Document{}
	switch {
	case rt.startAfter != nil:
		opts["startAfter"] = rt.startAfter
	case rt.resumeToken != nil:
		opts["resumeAfter"] = rt.resumeToken
	case rt.startAtOperationTime != nil && maxWireVersion >= minResumeTokenWireVersion:
		opts["startAtOperationTime"] = *rt.startAtOperationTime
	}
	return opts
}
