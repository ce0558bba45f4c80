// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/ikmak/mongo-driver-core/document"
)

// ServerSession is an open session with the server.
type ServerSession struct {
	SessionID document.Document
	TxnNumber int64
	LastUsed  time.Time
	Dirty     bool
}

func newServerSession() (*ServerSession, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}

	return &ServerSession{
		SessionID: document.Document{"id": id},
		LastUsed:  time.Now(),
	}, nil
}

// expired returns true if the session has expired given the session timeout
// of the current topology description. A session is considered expired if it
// has less than 1 minute left before becoming stale.
func (ss *ServerSession) expired(timeoutMinutes uint32) bool {
	if timeoutMinutes == 0 {
		return true
	}
	timeUnused := time.Since(ss.LastUsed).Minutes()
	return timeUnused > float64(timeoutMinutes)-1
}

// UpdateUseTime updates the session's last used time.
func (ss *ServerSession) updateUseTime() {
	ss.LastUsed = time.Now()
}
