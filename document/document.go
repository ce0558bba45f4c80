// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package document defines the generic command and response documents that the
// driver core exchanges with the transport layer. The core never interprets
// values beyond structural presence checks; encoding and decoding of the
// underlying serialization format belongs to the transport implementation.
package document

// Value is an opaque document value, such as a resume token. The driver core
// compares values for presence only and never inspects their contents.
type Value interface{}

// Document is a generic, order-insensitive command or response document.
type Document map[string]Value

// Has returns true if the document contains the given key.
func (d Document) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Lookup returns the value stored under key, if present.
func (d Document) Lookup(key string) (Value, bool) {
	v, ok := d[key]
	return v, ok
}

// Subdocument returns the document stored under key, if present and a document.
func (d Document) Subdocument(key string) (Document, bool) {
	v, ok := d[key]
	if !ok {
		return nil, false
	}
	sub, ok := v.(Document)
	return sub, ok
}

// Copy returns a shallow copy of the document. Values are shared with the
// original; only the top-level keyspace is duplicated.
func (d Document) Copy() Document {
	if d == nil {
		return nil
	}
	cp := make(Document, len(d))
	for k, v := range d {
		cp[k] = v
	}
	return cp
}
