// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"time"

	"github.com/ikmak/mongo-driver-core/document"
	"github.com/ikmak/mongo-driver-core/readconcern"
	"github.com/ikmak/mongo-driver-core/readpref"
	"github.com/ikmak/mongo-driver-core/writeconcern"
	"github.com/sirupsen/logrus"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// RetryWrites and RetryReads enable the one-shot retry of write and read
	// operations. Both default to true.
	RetryWrites *bool
	RetryReads  *bool

	// ReadConcern, WriteConcern, and ReadPreference are the client defaults
	// applied to operations that do not specify their own.
	ReadConcern    *readconcern.ReadConcern
	WriteConcern   *writeconcern.WriteConcern
	ReadPreference *readpref.ReadPref

	// Logger receives debug output for retries and resume attempts. A nil
	// logger is silent.
	Logger logrus.FieldLogger

	// Now is the clock used for the transaction retry ceiling. It defaults
	// to time.Now and exists so tests can simulate elapsed time.
	Now func() time.Time
}

// SessionOptions configures a session started by Client.StartSession.
type SessionOptions struct {
	// CausalConsistency defaults to true.
	CausalConsistency *bool

	// DefaultTransactionOptions are the defaults for transactions started on
	// the session.
	DefaultTransactionOptions *TransactionOptions
}

// TransactionOptions configures a transaction started by
// Session.StartTransaction.
type TransactionOptions struct {
	ReadConcern    *readconcern.ReadConcern
	WriteConcern   *writeconcern.WriteConcern
	ReadPreference *readpref.ReadPref
}

// ChangeStreamOptions configures a change stream opened by Client.Watch.
type ChangeStreamOptions struct {
	// BatchSize is the maximum number of documents per batch.
	BatchSize int32

	// FullDocument requests the post-image of updated documents.
	FullDocument string

	// MaxAwaitTime is how long a getMore on the underlying tailable cursor
	// may wait server side for new notifications.
	MaxAwaitTime *time.Duration

	// ResumeAfter and StartAfter position the stream at a previously
	// observed token. At most one may be set.
	ResumeAfter document.Document
	StartAfter  document.Document

	// StartAtOperationTime positions the stream at a cluster time. Ignored
	// when a token is set.
	StartAtOperationTime *document.Timestamp
}
