// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"sync"

	"github.com/ikmak/mongo-driver-core/document"
)

// ClusterClock represents a logical clock for keeping track of cluster time.
type ClusterClock struct {
	clusterTime document.Document
	lock        sync.Mutex
}

// GetClusterTime returns the cluster's current time.
func (cc *ClusterClock) GetClusterTime() document.Document {
	var ct document.Document
	cc.lock.Lock()
	ct = cc.clusterTime
	cc.lock.Unlock()

	return ct
}

// AdvanceClusterTime updates the cluster's current time.
func (cc *ClusterClock) AdvanceClusterTime(clusterTime document.Document) {
	cc.lock.Lock()
	cc.clusterTime = MaxClusterTime(cc.clusterTime, clusterTime)
	cc.lock.Unlock()
}

// MaxClusterTime compares 2 cluster time documents and returns the document
// representing the highest cluster time. A cluster time document carries its
// timestamp under the "clusterTime" key.
func MaxClusterTime(ct1, ct2 document.Document) document.Document {
	ts1, ok1 := clusterTimestamp(ct1)
	ts2, ok2 := clusterTimestamp(ct2)
	switch {
	case !ok1:
		return ct2
	case !ok2:
		return ct1
	case ts1.Before(ts2):
		return ct2
	default:
		return ct1
	}
}

func clusterTimestamp(ct document.Document) (document.Timestamp, bool) {
	if ct == nil {
		return document.Timestamp{}, false
	}
	v, ok := ct.Lookup("clusterTime")
	if !ok {
		return document.Timestamp{}, false
	}
	ts, ok := v.(document.Timestamp)
	return ts, ok
}
