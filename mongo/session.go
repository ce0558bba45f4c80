// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"
	"time"

	"github.com/ikmak/mongo-driver-core/description"
	"github.com/ikmak/mongo-driver-core/document"
	"github.com/ikmak/mongo-driver-core/driver"
	"github.com/ikmak/mongo-driver-core/driver/session"
)

// withTransactionTimeout is the wall-clock ceiling on retrying a transaction
// in WithTransaction.
const withTransactionTimeout = 120 * time.Second

// Session is an explicit logical session. A Session is not safe for
// concurrent statement dispatch; the driver only guards against close and
// retain races with in-flight operations.
type Session struct {
	clientSession *session.Client
	pin           *driver.ServerPin
	client        *Client
}

// ID returns the session's server-visible identifier document.
func (s *Session) ID() document.Document {
	id, ok := s.clientSession.SessionID()
	if !ok {
		return nil
	}
	return id
}

// ClientSession exposes the underlying session state. It is intended for the
// transport layer and for tests.
func (s *Session) ClientSession() *session.Client { return s.clientSession }

// AdvanceClusterTime advances the session's cluster time.
func (s *Session) AdvanceClusterTime(ct document.Document) error {
	return s.clientSession.AdvanceClusterTime(ct)
}

// AdvanceOperationTime advances the session's operation time.
func (s *Session) AdvanceOperationTime(ts *document.Timestamp) error {
	return s.clientSession.AdvanceOperationTime(ts)
}

// OperationTime returns the session's operation time, or nil.
func (s *Session) OperationTime() *document.Timestamp {
	return s.clientSession.OperationTime
}

// StartTransaction starts a transaction on the session. The given options
// are merged over the session defaults; the merged write concern must be
// acknowledged.
func (s *Session) StartTransaction(opts *TransactionOptions) error {
	var sessOpts *session.TransactionOptions
	if opts != nil {
		sessOpts = &session.TransactionOptions{
			ReadConcern:    opts.ReadConcern,
			WriteConcern:   opts.WriteConcern,
			ReadPreference: opts.ReadPreference,
		}
	}
	return s.clientSession.StartTransaction(sessOpts)
}

// CommitTransaction commits the session's transaction. If no statement was
// ever sent for the transaction, no command is sent and the transaction is
// committed locally. Committing an already committed transaction retries the
// commit with a majority write concern. A commit error is returned to the
// caller, but the transaction still transitions to committed: the commit was
// attempted and only further commit retries may change its outcome.
func (s *Session) CommitTransaction(ctx context.Context) error {
	if err := s.clientSession.CheckCommitTransaction(); err != nil {
		return err
	}

	var cmdErr error
	if s.clientSession.StatementSent {
		if s.clientSession.TransactionState == session.Committed {
			// Retried commit: escalate to majority so the retry cannot
			// succeed with a weaker guarantee than the first attempt.
			s.clientSession.RetryingCommit = true
			s.clientSession.UpdateCommitTransactionWriteConcern()
		}
		s.clientSession.Committing = true
		cmdErr = s.runTransactionCommand(ctx, "commitTransaction")
		s.clientSession.Committing = false
	}

	if err := s.clientSession.CommitTransaction(); err != nil {
		return err
	}
	return cmdErr
}

// AbortTransaction aborts the session's transaction. Abort is best-effort:
// every error from the abort command is suppressed, and the transaction
// always transitions to aborted. Only transaction API misuse is reported.
func (s *Session) AbortTransaction(ctx context.Context) error {
	if err := s.clientSession.CheckAbortTransaction(); err != nil {
		return err
	}

	if s.clientSession.StatementSent {
		s.clientSession.Aborting = true
		_ = s.runTransactionCommand(ctx, "abortTransaction")
		s.clientSession.Aborting = false
	}

	return s.clientSession.AbortTransaction()
}

// runTransactionCommand sends commitTransaction or abortTransaction through
// the retryable executor on the session's binding.
func (s *Session) runTransactionCommand(ctx context.Context, name string) error {
	binding := driver.NewSessionBinding(s.client.deployment, s.clientSession, s.pin, false)
	defer binding.Release()

	retry := driver.RetryOnce
	op := driver.Operation{
		Name:     name,
		Database: "admin",
		Type:     driver.Write,
		CommandFn: func(description.SelectedServer) (document.Document, error) {
			return document.Document{name: int32(1)}, nil
		},
		Binding:   binding,
		Clock:     s.client.clock,
		RetryMode: &retry,
		Logger:    s.client.logger,
	}
	return op.Execute(ctx)
}

// WithTransaction starts a transaction, runs fn, and commits. The whole
// transaction is retried when fn or the commit fails with a transient
// transaction error, and the commit alone is retried while its outcome on
// the server is unknown, in both cases until a 120 second ceiling from the
// first attempt. A write concern timeout from the commit surfaces
// immediately so callers can decide whether waiting longer is acceptable.
func (s *Session) WithTransaction(ctx context.Context, fn func(ctx context.Context, sess *Session) (interface{}, error), opts *TransactionOptions) (interface{}, error) {
	startTime := s.client.now()
	withinCeiling := func() bool {
		return s.client.now().Sub(startTime) < withTransactionTimeout
	}

	for {
		if err := s.StartTransaction(opts); err != nil {
			return nil, err
		}

		res, err := fn(ctx, s)
		if err != nil {
			if s.clientSession.TransactionRunning() {
				_ = s.AbortTransaction(ctx)
			}
			if errorHasLabel(err, driver.TransientTransactionError) && withinCeiling() {
				continue
			}
			return res, err
		}

		// The callback may have committed or aborted on its own.
		if !s.clientSession.TransactionRunning() {
			return res, nil
		}

	CommitLoop:
		for {
			cerr := s.CommitTransaction(ctx)
			if cerr == nil {
				return res, nil
			}
			if isWriteConcernTimeout(cerr) {
				return res, cerr
			}
			if errorHasLabel(cerr, driver.UnknownTransactionCommitResult) && withinCeiling() {
				continue CommitLoop
			}
			if errorHasLabel(cerr, driver.TransientTransactionError) && withinCeiling() {
				break CommitLoop
			}
			return res, cerr
		}
	}
}

// EndSession ends the session. An open transaction is aborted best-effort
// before the server session is returned to the pool.
func (s *Session) EndSession(ctx context.Context) {
	if s.clientSession.TransactionRunning() {
		_ = s.AbortTransaction(ctx)
	}
	s.clientSession.EndSession()
}
