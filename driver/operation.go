// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"

	"github.com/ikmak/mongo-driver-core/description"
	"github.com/ikmak/mongo-driver-core/document"
	"github.com/ikmak/mongo-driver-core/driver/session"
	"github.com/ikmak/mongo-driver-core/internal/serverselector"
	"github.com/ikmak/mongo-driver-core/readconcern"
	"github.com/ikmak/mongo-driver-core/readpref"
	"github.com/ikmak/mongo-driver-core/writeconcern"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoBinding is returned when an operation is executed without a binding.
	ErrNoBinding = errors.New("operation must have a binding")
	// ErrNoCommandFn is returned when an operation is executed without a
	// command function.
	ErrNoCommandFn = errors.New("operation must have a command function")
)

// Operation executes a single command against a deployment, handling server
// selection, session bookkeeping, transaction field injection, and at most
// one retry.
type Operation struct {
	// Name is the command name, used for logging and for recognizing
	// commitTransaction and abortTransaction.
	Name string

	// Database is the database the command runs against.
	Database string

	// CommandFn builds the command body for the selected server. The session,
	// cluster time, and transaction fields are appended by Execute.
	CommandFn func(desc description.SelectedServer) (document.Document, error)

	// ProcessResponseFn is called with a successful server response and the
	// connection source it arrived on. Implementations that need the source
	// past the call, such as cursors, must retain the binding themselves.
	ProcessResponseFn func(resp document.Document, src *ConnectionSource) error

	// Binding supplies the session, the deployment, and the transaction pin.
	Binding *SessionBinding

	// Clock is the cluster clock to gossip $clusterTime with.
	Clock *session.ClusterClock

	// ReadPreference, ReadConcern, and WriteConcern configure the read and
	// write behavior of the command. Inside a transaction the session's
	// options take precedence.
	ReadPreference *readpref.ReadPref
	ReadConcern    *readconcern.ReadConcern
	WriteConcern   *writeconcern.WriteConcern

	// Selector overrides the default server selector for the operation type.
	Selector description.ServerSelector

	// Type declares whether the operation is a write or a read.
	Type Type

	// RetryMode controls whether the operation is retried after a retryable
	// failure. A nil mode disables retry.
	RetryMode *RetryMode

	Logger logrus.FieldLogger
}

// Execute runs the operation. It selects a server, builds the command with
// the session and transaction fields, sends it, processes errors, and retries
// once when the failure is retryable.
func (op Operation) Execute(ctx context.Context) error {
	if op.Binding == nil {
		return ErrNoBinding
	}
	if op.CommandFn == nil {
		return ErrNoCommandFn
	}

	sess := op.Binding.Session()
	if err := op.validateSession(sess); err != nil {
		return err
	}

	// The starting statement is determined once; a retried first statement
	// still carries startTransaction.
	startingTransaction := false
	if sess != nil {
		startingTransaction = sess.ApplyCommand()
		if err := sess.UpdateUseTime(); err != nil {
			return err
		}
	}

	var (
		prevErr       error
		deprioritized []description.Server
		first         = true
		retries       = 0
	)

	for {
		src, err := op.selectSource(ctx, deprioritized)
		if err != nil {
			if prevErr != nil {
				return prevErr
			}
			return err
		}
		desc := src.Server

		if sess != nil && sess.Server == nil && desc.SupportsSessions() {
			if err := sess.SetServer(); err != nil {
				src.Close()
				return err
			}
		}

		retrySupported := op.retrySupported(desc, sess, startingTransaction)
		if first {
			if retrySupported {
				retries = 1
				if op.Type == Write && sess != nil && !sess.TransactionRunning() && !sess.Committing && !sess.Aborting {
					sess.IncrementTxnNumber()
				}
			}
			first = false
		} else if !retrySupported {
			// Picked up a server that cannot honor the retry.
			src.Close()
			if prevErr != nil {
				return prevErr
			}
			return errors.New("selected server does not support retryable operations")
		}

		cmd, err := op.createCommand(desc, sess, startingTransaction)
		if err != nil {
			src.Close()
			return err
		}

		resp, rtErr := src.Conn.RoundTrip(ctx, op.Database, cmd)
		op.updateClusterTimes(sess, resp)
		op.updateOperationTime(sess, resp)
		op.updateRecoveryToken(sess, desc, resp)

		var opErr error
		if rtErr != nil {
			opErr = op.networkError(rtErr, sess, desc, retrySupported)
			if ep, ok := op.Binding.deployment.(ErrorProcessor); ok {
				ep.ProcessError(opErr, src.Conn)
			}
		} else {
			opErr = op.decorateServerError(ExtractErrorFromResponse(resp), sess, desc)
		}

		if opErr == nil {
			var perr error
			if op.ProcessResponseFn != nil {
				perr = op.ProcessResponseFn(resp, src)
			}
			src.Close()
			return perr
		}
		src.Close()

		if op.Logger != nil {
			op.Logger.WithFields(logrus.Fields{
				"command": op.Name,
				"server":  desc.Addr,
			}).WithError(opErr).Debug("command failed")
		}

		if retries > 0 && op.shouldRetry(opErr, sess) {
			retries--
			prevErr = opErr
			if sess != nil && sess.Committing {
				// A commit retry escalates to majority so the retried commit
				// cannot race a lesser write concern.
				sess.UpdateCommitTransactionWriteConcern()
				sess.RetryingCommit = true
			}
			if op.Binding.deployment.Kind() == description.TopologyKindSharded {
				deprioritized = append(deprioritized, desc.Server)
			}
			continue
		}
		return opErr
	}
}

// validateSession rejects session configurations that cannot work: an
// explicit session combined with an unacknowledged write concern has no
// way to report the outcome the session is tracking.
func (op Operation) validateSession(sess *session.Client) error {
	if sess == nil {
		return nil
	}
	if op.Type == Write && !sess.IsImplicit &&
		op.WriteConcern != nil && !op.WriteConcern.Acknowledged() {
		return session.ErrUnackWCUnsupported
	}
	return nil
}

// retrySupported reports whether the deployment and session allow the
// operation to be retried. Commit and abort are always retryable. Inside a
// running transaction only the transaction's starting statement is; later
// statements surface their errors so the whole transaction can be retried.
func (op Operation) retrySupported(desc description.SelectedServer, sess *session.Client, startingTransaction bool) bool {
	if op.RetryMode == nil || !op.RetryMode.Enabled() {
		if sess == nil || (!sess.Committing && !sess.Aborting) {
			return false
		}
	}
	if sess != nil {
		if sess.Committing || sess.Aborting {
			return true
		}
		if sess.TransactionRunning() && !startingTransaction {
			return false
		}
	}
	if !desc.SupportsSessions() {
		return false
	}
	if op.Type == Write {
		if sess == nil {
			return false
		}
		return op.WriteConcern == nil || op.WriteConcern.Acknowledged()
	}
	return true
}

func (op Operation) selectSource(ctx context.Context, deprioritized []description.Server) (*ConnectionSource, error) {
	selector := op.Selector
	if selector == nil {
		if op.Type == Write {
			selector = &serverselector.Write{}
		} else {
			rp := op.ReadPreference
			if rp == nil {
				rp = readpref.Primary()
			}
			selector = &serverselector.ReadPref{ReadPref: rp}
		}
	}
	if len(deprioritized) > 0 {
		selector = &deprioritizingSelector{wrapped: selector, deprioritized: deprioritized}
	}
	return op.Binding.source(ctx, selector)
}

// createCommand assembles the full command document: body, lsid, txnNumber,
// transaction fields, read concern, write concern, cluster time, and read
// preference.
func (op Operation) createCommand(desc description.SelectedServer, sess *session.Client, startingTransaction bool) (document.Document, error) {
	cmd, err := op.CommandFn(desc)
	if err != nil {
		return nil, err
	}
	cmd = cmd.Copy()

	inTransaction := sess != nil && (sess.TransactionRunning() || sess.Committing || sess.Aborting)

	if sess != nil && desc.SupportsSessions() {
		if id, ok := sess.SessionID(); ok {
			cmd["lsid"] = id
		}
		if inTransaction {
			cmd["txnNumber"] = sess.TxnNumber()
			if startingTransaction {
				cmd["startTransaction"] = true
			}
			if !sess.Committing && !sess.Aborting {
				cmd["autocommit"] = false
			}
		} else if op.Type == Write && op.retryableWriteEligible(desc, sess) {
			cmd["txnNumber"] = sess.TxnNumber()
		}
	}

	if rcDoc := op.readConcernDocument(sess, startingTransaction, inTransaction); rcDoc != nil {
		cmd["readConcern"] = rcDoc
	}
	wcDoc, err := op.writeConcernDocument(sess, inTransaction)
	if err != nil {
		return nil, err
	}
	if wcDoc != nil {
		cmd["writeConcern"] = wcDoc
	}
	if inTransaction && (sess.Committing || sess.Aborting) {
		cmd["autocommit"] = false
		if desc.Kind == description.TopologyKindSharded && sess.RecoveryToken != nil {
			cmd["recoveryToken"] = sess.RecoveryToken
		}
	}

	if ct := op.currentClusterTime(sess); ct != nil {
		if inner, ok := ct.Subdocument("$clusterTime"); ok {
			cmd["$clusterTime"] = inner
		}
	}

	if rpDoc := op.readPreferenceDocument(desc); rpDoc != nil {
		cmd["$readPreference"] = rpDoc
	}

	return cmd, nil
}

func (op Operation) retryableWriteEligible(desc description.SelectedServer, sess *session.Client) bool {
	if op.RetryMode == nil || !op.RetryMode.Enabled() {
		return false
	}
	if !desc.SupportsSessions() {
		return false
	}
	return op.WriteConcern == nil || op.WriteConcern.Acknowledged()
}

// readConcernDocument builds the readConcern field. Inside a transaction the
// read concern appears only on the starting statement. afterClusterTime is
// attached when the session is causally consistent and has observed an
// operation time.
func (op Operation) readConcernDocument(sess *session.Client, startingTransaction, inTransaction bool) document.Document {
	if inTransaction && !startingTransaction {
		return nil
	}

	rc := op.ReadConcern
	if inTransaction && sess.CurrentRc != nil {
		rc = sess.CurrentRc
	}

	var act *document.Timestamp
	if sess != nil && sess.Consistent && sess.OperationTime != nil {
		act = sess.OperationTime
	}
	if rc == nil {
		if act == nil {
			return nil
		}
		rc = &readconcern.ReadConcern{}
	}
	return rc.MarshalDocument(act)
}

// writeConcernDocument builds the writeConcern field. Statements inside a
// transaction never carry a write concern; commit and abort carry the
// session's current one.
func (op Operation) writeConcernDocument(sess *session.Client, inTransaction bool) (document.Document, error) {
	if inTransaction {
		if sess.Committing || sess.Aborting {
			return sess.CurrentWc.MarshalDocument()
		}
		return nil, nil
	}
	if op.Type != Write || op.WriteConcern == nil {
		return nil, nil
	}
	return op.WriteConcern.MarshalDocument()
}

// readPreferenceDocument builds $readPreference for reads routed through a
// mongos with a non-primary mode.
func (op Operation) readPreferenceDocument(desc description.SelectedServer) document.Document {
	if op.Type != Read || op.ReadPreference == nil {
		return nil
	}
	if desc.Kind != description.TopologyKindSharded || op.ReadPreference.Mode() == readpref.PrimaryMode {
		return nil
	}
	doc := document.Document{"mode": op.ReadPreference.String()}
	if maxStaleness, ok := op.ReadPreference.MaxStaleness(); ok {
		doc["maxStalenessSeconds"] = int64(maxStaleness.Seconds())
	}
	return doc
}

// currentClusterTime returns the highest cluster time the operation knows of,
// combining the session's and the clock's.
func (op Operation) currentClusterTime(sess *session.Client) document.Document {
	var clockCT, sessCT document.Document
	if op.Clock != nil {
		clockCT = op.Clock.GetClusterTime()
	}
	if sess != nil {
		sessCT = sess.ClusterTime
	}
	return session.MaxClusterTime(clockCT, sessCT)
}

// networkError wraps a transport failure with the labels the failure earns
// from the session's transaction state and marks the server session dirty.
func (op Operation) networkError(err error, sess *session.Client, desc description.SelectedServer, retrySupported bool) error {
	labels := []string{NetworkError}
	if sess != nil {
		sess.MarkDirty()
		if sess.TransactionRunning() && !sess.Committing && !sess.Aborting {
			labels = append(labels, TransientTransactionError)
		}
		if sess.Committing || sess.RetryingCommit {
			labels = append(labels, UnknownTransactionCommitResult)
		}
	}
	if retrySupported && op.Type == Write {
		labels = append(labels, RetryableWriteError)
	}
	return Error{Message: err.Error(), Labels: labels, Wrapped: err}
}

// decorateServerError attaches the labels a server error earns from the
// transaction state. Servers at wire version 9 and above attach
// RetryableWriteError themselves; for older servers it is derived from the
// error code.
func (op Operation) decorateServerError(err error, sess *session.Client, desc description.SelectedServer) error {
	if err == nil {
		return nil
	}
	wire := desc.WireVersion
	preLabelWire := wire != nil && wire.Max < 9
	retryEnabled := op.RetryMode != nil && op.RetryMode.Enabled()
	inTransaction := sess != nil && !(sess.Committing || sess.Aborting) && sess.TransactionRunning()
	labelWrites := op.Type == Write && retryEnabled && !inTransaction

	switch tt := err.(type) {
	case Error:
		if labelWrites && preLabelWire && tt.RetryableWrite(nil) && !tt.HasErrorLabel(RetryableWriteError) {
			tt.Labels = append(tt.Labels, RetryableWriteError)
		}
		if sess != nil && sess.Committing && op.commitResultUnknown(tt) &&
			!tt.HasErrorLabel(UnknownTransactionCommitResult) {
			tt.Labels = append(tt.Labels, UnknownTransactionCommitResult)
		}
		return tt
	case WriteCommandError:
		if labelWrites && preLabelWire && tt.Retryable(nil) && !tt.HasErrorLabel(RetryableWriteError) {
			tt.Labels = append(tt.Labels, RetryableWriteError)
		}
		if sess != nil && sess.Committing && tt.WriteConcernError != nil &&
			tt.WriteConcernError.Code != int64(unknownReplWriteConcernCode) &&
			tt.WriteConcernError.Code != int64(unsatisfiableWriteConcernCode) &&
			!tt.HasErrorLabel(UnknownTransactionCommitResult) {
			tt.Labels = append(tt.Labels, UnknownTransactionCommitResult)
		}
		return tt
	}
	return err
}

// commitResultUnknown reports whether a failed commit left the transaction
// outcome ambiguous. Write concern failures count unless the write concern
// itself was invalid.
func (op Operation) commitResultUnknown(e Error) bool {
	if e.NetworkError() {
		return true
	}
	for _, code := range retryableCodes {
		if e.Code == code {
			return true
		}
	}
	if e.Code == unknownReplWriteConcernCode || e.Code == unsatisfiableWriteConcernCode {
		return false
	}
	if _, ok := e.Raw.Subdocument("writeConcernError"); ok {
		return true
	}
	return false
}

// shouldRetry decides whether the failure is retryable for this operation.
// Write concern failures never drive the generic retry; only a commit or
// abort may retry one, and only for the retryable error codes.
func (op Operation) shouldRetry(err error, sess *session.Client) bool {
	switch tt := err.(type) {
	case Error:
		if op.Type == Write {
			return tt.RetryableWrite(nil)
		}
		return tt.RetryableRead()
	case WriteCommandError:
		if op.Type != Write {
			return false
		}
		if tt.HasErrorLabel(RetryableWriteError) || tt.HasErrorLabel(NetworkError) {
			return true
		}
		if sess != nil && (sess.Committing || sess.Aborting) && tt.WriteConcernError != nil {
			return tt.WriteConcernError.Retryable()
		}
		return false
	}
	return false
}

func (op Operation) updateClusterTimes(sess *session.Client, resp document.Document) {
	if resp == nil {
		return
	}
	ct, ok := resp.Subdocument("$clusterTime")
	if !ok {
		return
	}
	wrapped := document.Document{"$clusterTime": ct}
	if sess != nil {
		_ = sess.AdvanceClusterTime(wrapped)
	}
	if op.Clock != nil {
		op.Clock.AdvanceClusterTime(wrapped)
	}
}

func (op Operation) updateOperationTime(sess *session.Client, resp document.Document) {
	if sess == nil || resp == nil {
		return
	}
	raw, ok := resp.Lookup("operationTime")
	if !ok {
		return
	}
	ts, ok := raw.(document.Timestamp)
	if !ok {
		return
	}
	_ = sess.AdvanceOperationTime(&ts)
}

// updateRecoveryToken caches the recovery token from sharded transaction
// responses so a later commit retry can be recovered on another mongos.
func (op Operation) updateRecoveryToken(sess *session.Client, desc description.SelectedServer, resp document.Document) {
	if sess == nil || resp == nil || desc.Kind != description.TopologyKindSharded {
		return
	}
	sess.UpdateRecoveryToken(resp)
}

// deprioritizingSelector moves previously failed servers to the back of the
// candidate list. Deprioritized servers are used only when nothing else is
// available.
type deprioritizingSelector struct {
	wrapped       description.ServerSelector
	deprioritized []description.Server
}

func (s *deprioritizingSelector) SelectServer(t description.Topology, candidates []description.Server) ([]description.Server, error) {
	selected, err := s.wrapped.SelectServer(t, candidates)
	if err != nil {
		return nil, err
	}
	if t.Kind != description.TopologyKindSharded || len(s.deprioritized) == 0 {
		return selected, nil
	}

	allowed := make([]description.Server, 0, len(selected))
	for _, candidate := range selected {
		if !s.isDeprioritized(candidate) {
			allowed = append(allowed, candidate)
		}
	}
	if len(allowed) > 0 {
		return allowed, nil
	}
	return selected, nil
}

func (s *deprioritizingSelector) isDeprioritized(candidate description.Server) bool {
	for _, d := range s.deprioritized {
		if d.Addr == candidate.Addr {
			return true
		}
	}
	return false
}
