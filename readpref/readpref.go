// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readpref defines read preferences for server selection.
package readpref

import (
	"errors"
	"time"
)

var errInvalidReadPreference = errors.New("can not specify max staleness with mode primary")

// ReadPref determines which servers are considered suitable for read operations.
type ReadPref struct {
	mode         Mode
	maxStaleness *time.Duration
}

// Option configures a read preference.
type Option func(*ReadPref) error

// WithMaxStaleness sets the maximum amount of time to allow a server to be
// considered eligible for selection.
func WithMaxStaleness(ms time.Duration) Option {
	return func(rp *ReadPref) error {
		rp.maxStaleness = &ms
		return nil
	}
}

// New creates a new ReadPref.
func New(mode Mode, opts ...Option) (*ReadPref, error) {
	rp := &ReadPref{mode: mode}

	for _, opt := range opts {
		if err := opt(rp); err != nil {
			return nil, err
		}
	}
	if mode == PrimaryMode && rp.maxStaleness != nil {
		return nil, errInvalidReadPreference
	}

	return rp, nil
}

// Primary constructs a read preference with a PrimaryMode.
func Primary() *ReadPref {
	return &ReadPref{mode: PrimaryMode}
}

// PrimaryPreferred constructs a read preference with a PrimaryPreferredMode.
func PrimaryPreferred(opts ...Option) *ReadPref {
	rp, _ := New(PrimaryPreferredMode, opts...)
	return rp
}

// Secondary constructs a read preference with a SecondaryMode.
func Secondary(opts ...Option) *ReadPref {
	rp, _ := New(SecondaryMode, opts...)
	return rp
}

// SecondaryPreferred constructs a read preference with a SecondaryPreferredMode.
func SecondaryPreferred(opts ...Option) *ReadPref {
	rp, _ := New(SecondaryPreferredMode, opts...)
	return rp
}

// Nearest constructs a read preference with a NearestMode.
func Nearest(opts ...Option) *ReadPref {
	rp, _ := New(NearestMode, opts...)
	return rp
}

// Mode indicates the mode of the read preference.
func (r *ReadPref) Mode() Mode {
	return r.mode
}

// MaxStaleness is the maximum amount of time to allow a server to be
// considered eligible for selection. The second return value indicates if
// this value has been set.
func (r *ReadPref) MaxStaleness() (time.Duration, bool) {
	if r.maxStaleness == nil {
		return time.Duration(0), false
	}
	return *r.maxStaleness, true
}

// String returns a human-readable description of the read preference.
func (r *ReadPref) String() string {
	return r.mode.String()
}
