// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readconcern defines read concerns for operations.
package readconcern

import (
	"github.com/ikmak/mongo-driver-core/document"
)

// A ReadConcern defines a read concern, which allows callers to control the
// consistency and isolation properties of the data read from replica sets and
// replica set shards.
type ReadConcern struct {
	Level string
}

// Local returns a ReadConcern that requests data from the instance with no
// guarantee that the data has been written to a majority of the replica set
// members (i.e. may be rolled back).
func Local() *ReadConcern {
	return &ReadConcern{Level: "local"}
}

// Majority returns a ReadConcern that requests data that has been acknowledged
// by a majority of the replica set members (i.e. the documents read are
// durable and guaranteed not to roll back).
func Majority() *ReadConcern {
	return &ReadConcern{Level: "majority"}
}

// Linearizable returns a ReadConcern that requests data that reflects all
// successful majority-acknowledged writes that completed prior to the start of
// the read operation.
func Linearizable() *ReadConcern {
	return &ReadConcern{Level: "linearizable"}
}

// Available returns a ReadConcern that requests data from an instance with no
// guarantee that the data has been written to a majority of the replica set
// members (i.e. may be rolled back).
func Available() *ReadConcern {
	return &ReadConcern{Level: "available"}
}

// Snapshot returns a ReadConcern that requests majority-committed data as it
// appears across shards from a specific single point in time in the recent
// past.
func Snapshot() *ReadConcern {
	return &ReadConcern{Level: "snapshot"}
}

// MarshalDocument returns the command document representation of the read
// concern, optionally extended with the afterClusterTime field used for
// causally consistent reads. A nil read concern with no after-cluster-time
// marshals to nil so callers can omit the field entirely.
func (rc *ReadConcern) MarshalDocument(afterClusterTime *document.Timestamp) document.Document {
	doc := document.Document{}
	if rc != nil && rc.Level != "" {
		doc["level"] = rc.Level
	}
	if afterClusterTime != nil {
		doc["afterClusterTime"] = *afterClusterTime
	}
	if len(doc) == 0 {
		return nil
	}
	return doc
}
