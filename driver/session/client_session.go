// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session is intended for internal use only. It is made available to
// facilitate use cases that require access to internal MongoDB driver
// functionality and state. The API of this package is not stable and there is
// no backward compatibility guarantee.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/ikmak/mongo-driver-core/document"
	"github.com/ikmak/mongo-driver-core/readconcern"
	"github.com/ikmak/mongo-driver-core/readpref"
	"github.com/ikmak/mongo-driver-core/writeconcern"
)

// ErrSessionEnded is returned when a client session is used after a call to
// endSession().
var ErrSessionEnded = errors.New("ended session was used")

// ErrNoTransactStarted is returned if a transaction operation is called when
// no transaction has started.
var ErrNoTransactStarted = errors.New("no transaction started")

// ErrTransactInProgress is returned if startTransaction() is called when a
// transaction is in progress.
var ErrTransactInProgress = errors.New("transaction already in progress")

// ErrAbortAfterCommit is returned when abort is called after a commit.
var ErrAbortAfterCommit = errors.New("cannot call abortTransaction after calling commitTransaction")

// ErrAbortTwice is returned if abort is called after transaction is already aborted.
var ErrAbortTwice = errors.New("cannot call abortTransaction twice")

// ErrCommitAfterAbort is returned if commit is called after an abort.
var ErrCommitAfterAbort = errors.New("cannot call commitTransaction after calling abortTransaction")

// ErrUnackWCUnsupported is returned if an unacknowledged write concern is
// supported for a transaction.
var ErrUnackWCUnsupported = errors.New("transactions do not support unacknowledged write concerns")

// TransactionState indicates the state of the transactions FSM.
type TransactionState uint8

// Client Session states
const (
	None TransactionState = iota
	InProgress
	Committed
	Aborted
)

// String implements the fmt.Stringer interface.
func (s TransactionState) String() string {
	switch s {
	case None:
		return "none"
	case InProgress:
		return "in progress"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Type describes the type of the session.
type Type uint8

// These constants are the valid types for a client session.
const (
	Explicit Type = iota
	Implicit
)

// TransactionListener is notified when a session's transaction lifecycle
// changes state. Components that keep per-transaction state, such as the
// server pin held by a session binding, subscribe to these events instead of
// sharing mutable fields with the session.
type TransactionListener interface {
	TransactionStarted(*Client)
	TransactionEnded(*Client)
}

// Client is a session for clients to run commands.
type Client struct {
	ClusterTime   document.Document
	OperationTime *document.Timestamp
	IsImplicit    bool
	Terminated    bool
	Consistent    bool // causal consistency
	Server        *ServerSession
	Dirty         bool

	// options for the current transaction
	// most recently set by transactionopt
	CurrentRc *readconcern.ReadConcern
	CurrentWc *writeconcern.WriteConcern
	CurrentRp *readpref.ReadPref

	// default transaction options
	transactionRc *readconcern.ReadConcern
	transactionWc *writeconcern.WriteConcern
	transactionRp *readpref.ReadPref

	pool *Pool

	// TransactionState holds the state of the transaction FSM. StatementSent
	// is true once any command has been sent to a server for the current
	// transaction. Committing distinguishes an in-flight commit from a
	// completed one; Aborting likewise for aborts.
	TransactionState TransactionState
	StatementSent    bool
	Committing       bool
	Aborting         bool
	RetryingCommit   bool
	RecoveryToken    document.Value

	mu        sync.Mutex
	listeners []TransactionListener
}

// NewClientSession creates a Client.
func NewClientSession(pool *Pool, sessionType Type, opts ...*ClientOptions) (*Client, error) {
	mergedOpts := mergeClientOptions(opts...)

	c := &Client{
		IsImplicit: sessionType == Implicit,
		pool:       pool,

		// The default causal consistency value is true.
		Consistent:    mergedOpts.CausalConsistency == nil || *mergedOpts.CausalConsistency,
		transactionRc: mergedOpts.DefaultReadConcern,
		transactionWc: mergedOpts.DefaultWriteConcern,
		transactionRp: mergedOpts.DefaultReadPreference,
	}

	return c, nil
}

// SetServer will check out a server session from the client session's pool.
func (c *Client) SetServer() error {
	var err error
	c.Server, err = c.pool.GetSession()
	return err
}

// SessionID returns the server-visible identifier of the session, if a server
// session has been assigned.
func (c *Client) SessionID() (document.Document, bool) {
	if c == nil || c.Server == nil {
		return nil, false
	}
	return c.Server.SessionID, true
}

// RegisterTransactionListener subscribes l to this session's transaction
// lifecycle events.
func (c *Client) RegisterTransactionListener(l TransactionListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// must be called without c.mu held; listeners may inspect the session.
func (c *Client) notifyStarted() {
	c.mu.Lock()
	ls := make([]TransactionListener, len(c.listeners))
	copy(ls, c.listeners)
	c.mu.Unlock()
	for _, l := range ls {
		l.TransactionStarted(c)
	}
}

func (c *Client) notifyEnded() {
	c.mu.Lock()
	ls := make([]TransactionListener, len(c.listeners))
	copy(ls, c.listeners)
	c.mu.Unlock()
	for _, l := range ls {
		l.TransactionEnded(c)
	}
}

// AdvanceClusterTime updates the session's cluster time.
func (c *Client) AdvanceClusterTime(clusterTime document.Document) error {
	if c.Terminated {
		return ErrSessionEnded
	}
	c.ClusterTime = MaxClusterTime(c.ClusterTime, clusterTime)
	return nil
}

// AdvanceOperationTime updates the session's operation time.
func (c *Client) AdvanceOperationTime(opTime *document.Timestamp) error {
	if c.Terminated {
		return ErrSessionEnded
	}
	if opTime == nil {
		return nil
	}
	if c.OperationTime == nil || opTime.After(*c.OperationTime) {
		ts := *opTime
		c.OperationTime = &ts
	}
	return nil
}

// UpdateUseTime sets the session's last used time to the current time. This
// must be called whenever the session is used to send a command to the server.
func (c *Client) UpdateUseTime() error {
	if c.Terminated {
		return ErrSessionEnded
	}
	if c.Server != nil {
		c.Server.updateUseTime()
	}
	return nil
}

// UpdateRecoveryToken updates the session's recovery token from the given
// server response, if one is present.
func (c *Client) UpdateRecoveryToken(response document.Document) {
	if c == nil || response == nil {
		return
	}
	if token, ok := response.Lookup("recoveryToken"); ok {
		c.RecoveryToken = token
	}
}

// MarkDirty marks the session as dirty. A command has failed in a way that
// may have partially applied, so the server session is discarded rather than
// returned to the pool.
func (c *Client) MarkDirty() {
	c.Dirty = true
	if c.Server != nil {
		c.Server.Dirty = true
	}
}

// TxnNumber returns the session's current transaction number.
func (c *Client) TxnNumber() int64 {
	if c.Server == nil {
		return 0
	}
	return c.Server.TxnNumber
}

// IncrementTxnNumber increments the transaction number. Each retryable write
// and each transaction consumes a fresh, never reused number.
func (c *Client) IncrementTxnNumber() {
	if c.Server != nil {
		c.Server.TxnNumber++
	}
}

// TransactionRunning returns true if the session currently has a transaction
// in the InProgress state.
func (c *Client) TransactionRunning() bool {
	return c != nil && c.TransactionState == InProgress
}

// ActiveTransaction returns true if the session has an active transaction:
// either a running transaction or a commit that is still in flight.
func (c *Client) ActiveTransaction() bool {
	if c == nil {
		return false
	}
	return c.TransactionState == InProgress || (c.TransactionState == Committed && c.Committing)
}

// StartTransaction initializes the transaction options and transitions the
// session to the InProgress state. The session's transaction number is always
// incremented and any server pin from a prior transaction is released via the
// transaction-started event.
func (c *Client) StartTransaction(opts *TransactionOptions) error {
	err := c.checkStartTransaction()
	if err != nil {
		return err
	}

	c.CurrentRc = c.transactionRc
	c.CurrentWc = c.transactionWc
	c.CurrentRp = c.transactionRp
	if opts != nil {
		if opts.ReadConcern != nil {
			c.CurrentRc = opts.ReadConcern
		}
		if opts.WriteConcern != nil {
			c.CurrentWc = opts.WriteConcern
		}
		if opts.ReadPreference != nil {
			c.CurrentRp = opts.ReadPreference
		}
	}

	if !c.CurrentWc.Acknowledged() {
		c.clearTransactionOpts()
		return ErrUnackWCUnsupported
	}

	if c.Server == nil {
		if err := c.SetServer(); err != nil {
			return err
		}
	}
	c.IncrementTxnNumber()

	c.mu.Lock()
	c.TransactionState = InProgress
	c.StatementSent = false
	c.Committing = false
	c.Aborting = false
	c.RetryingCommit = false
	c.RecoveryToken = nil
	c.mu.Unlock()

	c.notifyStarted()
	return nil
}

func (c *Client) checkStartTransaction() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Terminated {
		return ErrSessionEnded
	}
	if c.TransactionState == InProgress {
		return ErrTransactInProgress
	}
	return nil
}

// CheckCommitTransaction validates that a commit may be attempted in the
// session's current state.
func (c *Client) CheckCommitTransaction() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.TransactionState == None {
		return ErrNoTransactStarted
	} else if c.TransactionState == Aborted {
		return ErrCommitAfterAbort
	}
	return nil
}

// CommitTransaction updates the state for a successfully attempted commit.
// The commit is considered attempted even if the commit command failed, so
// the session transitions to Committed regardless; only a fresh
// startTransaction resets the machine.
func (c *Client) CommitTransaction() error {
	err := c.CheckCommitTransaction()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.TransactionState = Committed
	c.mu.Unlock()
	c.notifyEnded()
	return nil
}

// UpdateCommitTransactionWriteConcern escalates the current write concern to
// majority for a commit retry. The write concern timeout is preserved if set
// and defaults to 10 seconds otherwise.
func (c *Client) UpdateCommitTransactionWriteConcern() {
	timeout := 10 * time.Second
	if c.CurrentWc != nil && c.CurrentWc.WTimeout != 0 {
		timeout = c.CurrentWc.WTimeout
	}
	c.CurrentWc = c.CurrentWc.WithMajority()
	c.CurrentWc.WTimeout = timeout
}

// CheckAbortTransaction validates that an abort may be attempted in the
// session's current state.
func (c *Client) CheckAbortTransaction() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.TransactionState == None:
		return ErrNoTransactStarted
	case c.TransactionState == Committed:
		return ErrAbortAfterCommit
	case c.TransactionState == Aborted:
		return ErrAbortTwice
	}
	return nil
}

// AbortTransaction updates the state for an attempted abort. Abort is
// best-effort; the session always transitions to Aborted.
func (c *Client) AbortTransaction() error {
	err := c.CheckAbortTransaction()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.TransactionState = Aborted
	c.clearTransactionOpts()
	c.mu.Unlock()
	c.notifyEnded()
	return nil
}

// ApplyCommand records that a command was dispatched on this session. If a
// transaction is active, the return value reports whether the command was the
// first statement of that transaction. Outside of a transaction a terminal
// state is folded back to None.
func (c *Client) ApplyCommand() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.TransactionState == InProgress || (c.TransactionState == Committed && c.Committing) {
		first := !c.StatementSent
		c.StatementSent = true
		return first
	}
	if c.TransactionState == Committed || c.TransactionState == Aborted {
		c.TransactionState = None
		c.StatementSent = false
		c.clearTransactionOpts()
	}
	return false
}

// EndSession ends the session and returns the server session to the pool.
// Dirty server sessions are discarded by the pool.
func (c *Client) EndSession() {
	c.mu.Lock()
	if c.Terminated {
		c.mu.Unlock()
		return
	}
	c.Terminated = true
	server := c.Server
	c.mu.Unlock()

	c.pool.ReturnSession(server)
}

func (c *Client) clearTransactionOpts() {
	c.RetryingCommit = false
	c.Aborting = false
	c.Committing = false
	c.StatementSent = false
	c.CurrentWc = nil
	c.CurrentRp = nil
	c.CurrentRc = nil
	c.RecoveryToken = nil
}
