// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"errors"

	"github.com/ikmak/mongo-driver-core/driver"
)

// ErrMissingResumeToken indicates that a change stream notification from the
// server did not contain a resume token. The stream cannot be resumed past
// such a notification, so the error is fatal for that stream.
var ErrMissingResumeToken = errors.New("cannot provide resume functionality when the resume token is missing")

// ErrNilDocument is returned when a nil document is passed to an operation
// that requires one.
var ErrNilDocument = errors.New("document is nil")

// ErrManyResumeCoordinates is returned when a change stream is configured
// with more than one of resumeAfter and startAfter.
var ErrManyResumeCoordinates = errors.New("at most one of resumeAfter and startAfter may be set")

// ErrClientDisconnected is returned when a disconnected client is used to run
// an operation.
var ErrClientDisconnected = errors.New("client is disconnected")

func errorHasLabel(err error, label string) bool {
	if err == nil {
		return false
	}
	var le interface{ HasErrorLabel(string) bool }
	if errors.As(err, &le) {
		return le.HasErrorLabel(label)
	}
	return false
}

// isWriteConcernTimeout reports whether err is a write concern failure whose
// wtimeout flag is set.
func isWriteConcernTimeout(err error) bool {
	var de driver.Error
	if errors.As(err, &de) {
		return de.WriteConcernTimeout()
	}
	var wce driver.WriteCommandError
	if errors.As(err, &wce) {
		return wce.WriteConcernTimeout()
	}
	return false
}
