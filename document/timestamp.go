// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package document

// Timestamp represents a cluster-wide logical timestamp. T is the number of
// seconds since the Unix epoch and I orders events within a single second.
type Timestamp struct {
	T uint32
	I uint32
}

// After reports whether the time represented by tp is after tp2.
func (tp Timestamp) After(tp2 Timestamp) bool {
	return tp.T > tp2.T || (tp.T == tp2.T && tp.I > tp2.I)
}

// Before reports whether the time represented by tp is before tp2.
func (tp Timestamp) Before(tp2 Timestamp) bool {
	return tp.T < tp2.T || (tp.T == tp2.T && tp.I < tp2.I)
}

// Equal reports whether tp and tp2 represent the same time.
func (tp Timestamp) Equal(tp2 Timestamp) bool {
	return tp.T == tp2.T && tp.I == tp2.I
}

// CompareTimestamp returns an integer comparing two timestamps, 0 if they are
// equal, and +1/-1 if tp is greater/less than tp2.
func CompareTimestamp(tp, tp2 Timestamp) int {
	switch {
	case tp.Equal(tp2):
		return 0
	case tp.After(tp2):
		return 1
	default:
		return -1
	}
}
