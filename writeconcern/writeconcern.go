// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package writeconcern defines write concerns for operations.
package writeconcern

import (
	"errors"
	"time"

	"github.com/ikmak/mongo-driver-core/document"
)

// ErrInconsistent indicates that an inconsistent write concern was specified.
var ErrInconsistent = errors.New("a write concern cannot have both w=0 and j=true")

// A WriteConcern defines the level of acknowledgement requested from the
// server for write operations to a standalone server or to replica sets or to
// sharded clusters.
type WriteConcern struct {
	// W requests acknowledgement that write operations propagate to the
	// specified number of instances or to instances with specified tags. It
	// sets the "w" field in the marshaled document, and may be an int or the
	// string "majority".
	W interface{}

	// Journal requests acknowledgement from the server that write operations
	// are written to the journal.
	Journal *bool

	// WTimeout specifies a time limit for the write concern. It sets the
	// "wtimeout" field in the marshaled document.
	WTimeout time.Duration
}

// Majority returns a WriteConcern that requests acknowledgement that write
// operations propagate to the majority of the nodes.
func Majority() *WriteConcern {
	return &WriteConcern{W: "majority"}
}

// W1 returns a WriteConcern that requests acknowledgement that write
// operations propagate to the standalone server or to the primary in a
// replica set.
func W1() *WriteConcern {
	return &WriteConcern{W: 1}
}

// Unacknowledged returns a WriteConcern that requests no acknowledgement of
// write operations.
func Unacknowledged() *WriteConcern {
	return &WriteConcern{W: 0}
}

// Journaled returns a WriteConcern that requests acknowledgement that write
// operations are written to the on-disk journal.
func Journaled() *WriteConcern {
	journal := true
	return &WriteConcern{Journal: &journal}
}

// Acknowledged indicates whether or not a write with the given write concern
// will be acknowledged. A nil write concern uses the server default, which is
// acknowledged.
func (wc *WriteConcern) Acknowledged() bool {
	if wc == nil {
		return true
	}
	if wc.Journal != nil && *wc.Journal {
		return true
	}
	if i, ok := wc.W.(int); ok && i == 0 {
		return false
	}
	return true
}

// IsValid reports whether the write concern is internally consistent.
func (wc *WriteConcern) IsValid() bool {
	if wc == nil || wc.Journal == nil || !*wc.Journal {
		return true
	}
	i, ok := wc.W.(int)
	return !ok || i != 0
}

// WithMajority returns a copy of the write concern with w set to "majority".
// The journal and wtimeout settings are preserved.
func (wc *WriteConcern) WithMajority() *WriteConcern {
	cp := WriteConcern{W: "majority"}
	if wc != nil {
		cp.Journal = wc.Journal
		cp.WTimeout = wc.WTimeout
	}
	return &cp
}

// MarshalDocument returns the command document representation of the write
// concern. A nil write concern marshals to nil so callers can omit the field
// and use the server default.
func (wc *WriteConcern) MarshalDocument() (document.Document, error) {
	if wc == nil {
		return nil, nil
	}
	if !wc.IsValid() {
		return nil, ErrInconsistent
	}

	doc := document.Document{}
	switch w := wc.W.(type) {
	case nil:
	case int:
		if w < 0 {
			return nil, errors.New("write concern `w` field cannot be a negative number")
		}
		doc["w"] = w
	case string:
		doc["w"] = w
	}
	if wc.Journal != nil {
		doc["j"] = *wc.Journal
	}
	if wc.WTimeout != 0 {
		doc["wtimeout"] = int64(wc.WTimeout / time.Millisecond)
	}
	if len(doc) == 0 {
		return nil, nil
	}
	return doc, nil
}
