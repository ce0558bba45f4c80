// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ikmak/mongo-driver-core/description"
	"github.com/ikmak/mongo-driver-core/document"
)

// LegacyNotPrimaryErrMsg is the error message that older servers return when
// a write is sent to a non-primary node.
const LegacyNotPrimaryErrMsg = "not master"

var (
	retryableCodes = []int32{11600, 11602, 10107, 13435, 13436, 189, 91, 7, 6, 89, 9001, 262}

	nodeIsRecoveringCodes  = []int32{11600, 11602, 13436, 189, 91}
	notPrimaryCodes        = []int32{10107, 13435, 10058}
	nodeIsShuttingDownCodes = []int32{11600, 91}

	// nonResumableCodes are the server error codes for which a change stream
	// must not be resumed: CappedPositionLost, CursorKilled, Interrupted, and
	// the fatal change stream errors.
	nonResumableCodes = []int32{136, 237, 11601, 280, 286}

	unknownReplWriteConcernCode   = int32(79)
	unsatisfiableWriteConcernCode = int32(100)
)

const (
	// TransientTransactionError is an error label for transient errors with
	// transactions. A transaction that failed with this label may be safely
	// retried from the start.
	TransientTransactionError = "TransientTransactionError"
	// NetworkError is an error label for network errors.
	NetworkError = "NetworkError"
	// RetryableWriteError is an error label for retryable write errors.
	RetryableWriteError = "RetryableWriteError"
	// UnknownTransactionCommitResult is an error label for Unknown transaction
	// commit results. The outcome of a commit carrying this label is ambiguous
	// on the server, so the commit may be retried.
	UnknownTransactionCommitResult = "UnknownTransactionCommitResult"
	// NoWritesPerformed is an error label indicating that no writes were
	// performed for an operation.
	NoWritesPerformed = "NoWritesPerformed"
)

// ErrCursorNotFound is the cursor not found error for legacy find operations.
var ErrCursorNotFound = errors.New("cursor not found")

// ErrUnacknowledgedWrite is returned from functions that have an unacknowledged write concern.
var ErrUnacknowledgedWrite = errors.New("unacknowledged write")

// ErrUnsupportedStorageEngine is returned when a retryable write is attempted against a server
// that uses a storage engine that does not support retryable writes.
var ErrUnsupportedStorageEngine = errors.New("this MongoDB deployment does not support retryable writes. Please add retryWrites=false to your connection string")

// QueryFailureError is an error representing a command failure as a document.
type QueryFailureError struct {
	Message  string
	Response document.Document
	Wrapped  error
}

// Error implements the error interface.
func (e QueryFailureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Message, e.Response)
}

// Unwrap returns the underlying error.
func (e QueryFailureError) Unwrap() error {
	return e.Wrapped
}

// WriteError is a non-write concern failure that occurred as a result of a write
// operation.
type WriteError struct {
	Code    int64
	Index   int64
	Message string
}

func (we WriteError) Error() string { return we.Message }

// WriteErrors is a group of non-write concern failures that occurred as a result
// of a write operation.
type WriteErrors []WriteError

// Error implements the error interface.
func (we WriteErrors) Error() string {
	var buf bytes.Buffer
	fmt.Fprint(&buf, "write errors: [")
	for idx, err := range we {
		if idx != 0 {
			fmt.Fprintf(&buf, ", ")
		}
		fmt.Fprintf(&buf, "{%s}", err)
	}
	fmt.Fprint(&buf, "]")
	return buf.String()
}

// WriteConcernError is a write concern failure that occurred as a result of a
// write operation.
type WriteConcernError struct {
	Name    string
	Code    int64
	Message string
	Details document.Document
}

func (wce WriteConcernError) Error() string {
	if wce.Name != "" {
		return fmt.Sprintf("(%v) %v", wce.Name, wce.Message)
	}
	return wce.Message
}

// WriteConcernTimeout returns true if the failure was a write concern
// timeout, per the wtimeout flag in the error details.
func (wce WriteConcernError) WriteConcernTimeout() bool {
	if wce.Details == nil {
		return false
	}
	wt, ok := wce.Details.Lookup("wtimeout")
	if !ok {
		return false
	}
	b, ok := wt.(bool)
	return ok && b
}

// Retryable returns true if the error is retryable.
func (wce WriteConcernError) Retryable() bool {
	for _, code := range retryableCodes {
		if wce.Code == int64(code) {
			return true
		}
	}
	return false
}

// NodeIsRecovering returns true if this error is a node is recovering error.
func (wce WriteConcernError) NodeIsRecovering() bool {
	for _, code := range nodeIsRecoveringCodes {
		if wce.Code == int64(code) {
			return true
		}
	}
	return hasNoCode(wce.Code) && containsSubstring(wce.Message, "node is recovering")
}

// NodeIsShuttingDown returns true if this error is a node is shutting down error.
func (wce WriteConcernError) NodeIsShuttingDown() bool {
	for _, code := range nodeIsShuttingDownCodes {
		if wce.Code == int64(code) {
			return true
		}
	}
	return hasNoCode(wce.Code) && containsSubstring(wce.Message, "node is shutting down")
}

// NotPrimary returns true if this error is a not primary error.
func (wce WriteConcernError) NotPrimary() bool {
	for _, code := range notPrimaryCodes {
		if wce.Code == int64(code) {
			return true
		}
	}
	return hasNoCode(wce.Code) && containsSubstring(wce.Message, LegacyNotPrimaryErrMsg)
}

// WriteCommandError is an error for a write command.
type WriteCommandError struct {
	WriteConcernError *WriteConcernError
	WriteErrors       WriteErrors
	Labels            []string
	Raw               document.Document
}

// UnsupportedStorageEngine returns whether or not the write command error is for an unsupported storage engine
func (wce WriteCommandError) UnsupportedStorageEngine() bool {
	for _, writeError := range wce.WriteErrors {
		if writeError.Code == 20 && containsSubstring(writeError.Message, "Transaction numbers") {
			return true
		}
	}
	return false
}

// Error implements the error interface.
func (wce WriteCommandError) Error() string {
	var buf bytes.Buffer
	fmt.Fprint(&buf, "write command error: [")
	fmt.Fprintf(&buf, "{%s}, ", wce.WriteErrors)
	fmt.Fprintf(&buf, "{%s}]", wce.WriteConcernError)
	return buf.String()
}

// Retryable returns true if the error is retryable.
func (wce WriteCommandError) Retryable(wireVersion *description.VersionRange) bool {
	for _, label := range wce.Labels {
		if label == RetryableWriteError {
			return true
		}
	}
	if wireVersion != nil && wireVersion.Max >= 9 {
		return false
	}

	if wce.WriteConcernError == nil {
		return false
	}
	return wce.WriteConcernError.Retryable()
}

// WriteConcernTimeout returns true if the command failed with a write
// concern timeout.
func (wce WriteCommandError) WriteConcernTimeout() bool {
	return wce.WriteConcernError != nil && wce.WriteConcernError.WriteConcernTimeout()
}

// HasErrorLabel returns true if the error contains the specified label.
func (wce WriteCommandError) HasErrorLabel(label string) bool {
	for _, l := range wce.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Error is a command execution error from the database.
type Error struct {
	Code    int32
	Message string
	Labels  []string
	Name    string
	Wrapped error
	Raw     document.Document
}

// UnsupportedStorageEngine returns whether e came as a result of an unsupported storage engine
func (e Error) UnsupportedStorageEngine() bool {
	return e.Code == 20 && containsSubstring(e.Message, "Transaction numbers")
}

// Error implements the error interface.
func (e Error) Error() string {
	var msg string
	if e.Name != "" {
		msg = fmt.Sprintf("(%v)", e.Name)
	}
	if e.Message != "" {
		if msg != "" {
			msg += " "
		}
		msg += e.Message
	}
	if msg == "" {
		msg = e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e Error) Unwrap() error {
	return e.Wrapped
}

// HasErrorLabel returns true if the error contains the specified label.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// RetryablePoolError is a connection pool error that can be retried while
// executing an operation.
type RetryablePoolError interface {
	Retryable() bool
}

// RetryableRead returns true if the error is retryable for a read operation.
func (e Error) RetryableRead() bool {
	for _, label := range e.Labels {
		if label == NetworkError {
			return true
		}
	}
	for _, code := range retryableCodes {
		if e.Code == code {
			return true
		}
	}

	return false
}

// RetryableWrite returns true if the error is retryable for a write operation.
func (e Error) RetryableWrite(wireVersion *description.VersionRange) bool {
	for _, label := range e.Labels {
		if label == NetworkError || label == RetryableWriteError {
			return true
		}
	}
	if wireVersion != nil && wireVersion.Max >= 9 {
		return false
	}
	for _, code := range retryableCodes {
		if e.Code == code {
			return true
		}
	}

	return false
}

// NetworkError returns true if the error is a network error.
func (e Error) NetworkError() bool {
	for _, label := range e.Labels {
		if label == NetworkError {
			return true
		}
	}
	return false
}

// NodeIsRecovering returns true if this error is a node is recovering error.
func (e Error) NodeIsRecovering() bool {
	for _, code := range nodeIsRecoveringCodes {
		if e.Code == code {
			return true
		}
	}
	return hasNoCode(int64(e.Code)) && containsSubstring(e.Message, "node is recovering")
}

// NodeIsShuttingDown returns true if this error is a node is shutting down error.
func (e Error) NodeIsShuttingDown() bool {
	for _, code := range nodeIsShuttingDownCodes {
		if e.Code == code {
			return true
		}
	}
	return hasNoCode(int64(e.Code)) && containsSubstring(e.Message, "node is shutting down")
}

// NotPrimary returns true if this error is a not primary error.
func (e Error) NotPrimary() bool {
	for _, code := range notPrimaryCodes {
		if e.Code == code {
			return true
		}
	}
	return hasNoCode(int64(e.Code)) && containsSubstring(e.Message, LegacyNotPrimaryErrMsg)
}

// Resumable returns true if a change stream that observed this error while
// iterating may be resumed. Network errors and not-primary/node-is-recovering
// errors are resumable; killed-cursor, capped-position-lost, interrupted, and
// fatal change stream errors are not.
func (e Error) Resumable() bool {
	for _, code := range nonResumableCodes {
		if e.Code == code {
			return false
		}
	}
	if e.NetworkError() {
		return true
	}
	return e.NotPrimary() || e.NodeIsRecovering()
}

// WriteConcernTimeout returns true if the error is a write concern timeout:
// the server reported a write concern error whose details carry a true
// wtimeout flag.
func (e Error) WriteConcernTimeout() bool {
	wce, ok := e.Raw.Subdocument("writeConcernError")
	if !ok {
		return false
	}
	info, ok := wce.Subdocument("errInfo")
	if !ok {
		return false
	}
	wt, ok := info.Lookup("wtimeout")
	if !ok {
		return false
	}
	b, ok := wt.(bool)
	return ok && b
}

// Resumable classifies err for the change stream resume decision. Errors that
// are not server or network errors are never resumable.
func Resumable(err error) bool {
	var driverErr Error
	if errors.As(err, &driverErr) {
		return driverErr.Resumable()
	}
	return false
}

func hasNoCode(code int64) bool { return code == 0 }

func containsSubstring(s, substr string) bool {
	return strings.Contains(s, substr)
}

// ExtractErrorFromResponse extracts an error from a server response document.
// A nil return value indicates that the command succeeded. The returned error
// will be either an Error or a WriteCommandError.
func ExtractErrorFromResponse(response document.Document) error {
	if response == nil {
		return nil
	}

	if isOK(response) {
		return extractWriteError(response)
	}

	e := Error{Raw: response}
	if code, ok := response.Lookup("code"); ok {
		e.Code = toInt32(code)
	}
	if errmsg, ok := response.Lookup("errmsg"); ok {
		e.Message, _ = errmsg.(string)
	}
	if codeName, ok := response.Lookup("codeName"); ok {
		e.Name, _ = codeName.(string)
	}
	e.Labels = extractLabels(response)
	return e
}

func extractWriteError(response document.Document) error {
	wcErr := extractWriteConcernError(response)
	var writeErrors WriteErrors
	if raw, ok := response.Lookup("writeErrors"); ok {
		if docs, ok := raw.([]document.Document); ok {
			for _, doc := range docs {
				we := WriteError{}
				if code, ok := doc.Lookup("code"); ok {
					we.Code = int64(toInt32(code))
				}
				if idx, ok := doc.Lookup("index"); ok {
					we.Index = int64(toInt32(idx))
				}
				if errmsg, ok := doc.Lookup("errmsg"); ok {
					we.Message, _ = errmsg.(string)
				}
				writeErrors = append(writeErrors, we)
			}
		}
	}
	if wcErr == nil && len(writeErrors) == 0 {
		return nil
	}
	return WriteCommandError{
		WriteConcernError: wcErr,
		WriteErrors:       writeErrors,
		Labels:            extractLabels(response),
		Raw:               response,
	}
}

func extractWriteConcernError(response document.Document) *WriteConcernError {
	doc, ok := response.Subdocument("writeConcernError")
	if !ok {
		return nil
	}
	wce := &WriteConcernError{}
	if code, ok := doc.Lookup("code"); ok {
		wce.Code = int64(toInt32(code))
	}
	if name, ok := doc.Lookup("codeName"); ok {
		wce.Name, _ = name.(string)
	}
	if errmsg, ok := doc.Lookup("errmsg"); ok {
		wce.Message, _ = errmsg.(string)
	}
	if details, ok := doc.Subdocument("errInfo"); ok {
		wce.Details = details
	}
	return wce
}

func extractLabels(response document.Document) []string {
	raw, ok := response.Lookup("errorLabels")
	if !ok {
		return nil
	}
	switch labels := raw.(type) {
	case []string:
		return labels
	case []document.Value:
		var out []string
		for _, l := range labels {
			if s, ok := l.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func isOK(response document.Document) bool {
	ok, found := response.Lookup("ok")
	if !found {
		return false
	}
	switch v := ok.(type) {
	case int:
		return v == 1
	case int32:
		return v == 1
	case int64:
		return v == 1
	case float64:
		return v == 1
	}
	return false
}

func toInt32(v document.Value) int32 {
	switch n := v.(type) {
	case int:
		return int32(n)
	case int32:
		return n
	case int64:
		return int32(n)
	case float64:
		return int32(n)
	}
	return 0
}
