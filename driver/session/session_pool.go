// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"sync"

	"github.com/ikmak/mongo-driver-core/description"
)

// Node represents a server session in a linked list.
type Node struct {
	*ServerSession
	next *Node
	prev *Node
}

// Pool is a pool of server sessions that can be reused. Sessions are returned
// to the pool in LIFO order so the most recently used, and therefore least
// likely to have expired, session is handed out first.
type Pool struct {
	descChan <-chan description.Topology
	head     *Node
	tail     *Node
	timeout  uint32
	mutex    sync.Mutex // mutex to protect list and sessionTimeout
}

// NewPool creates a new server session pool. The pool reads topology
// descriptions from descChan to keep the session timeout current.
func NewPool(descChan <-chan description.Topology) *Pool {
	return &Pool{
		descChan: descChan,
	}
}

// assumes caller has mutex to protect the pool
func (p *Pool) updateTimeout() {
	select {
	case newDesc := <-p.descChan:
		p.timeout = newDesc.SessionTimeoutMinutes
	default:
		// no new description waiting
	}
}

// GetSession retrieves an unexpired session from the pool.
func (p *Pool) GetSession() (*ServerSession, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.updateTimeout()
	for p.head != nil {
		// pull session from head of queue and return if it is valid for at least 1 more minute
		if p.head.expired(p.timeout) {
			p.head = p.head.next
			continue
		}

		// found unexpired session
		session := p.head.ServerSession
		if p.head.next != nil {
			p.head.next.prev = nil
		}
		if p.tail == p.head {
			p.tail = nil
		}
		p.head = p.head.next
		return session, nil
	}

	// no valid session found
	return newServerSession()
}

// ReturnSession returns a session to the pool if it has not expired.
func (p *Pool) ReturnSession(ss *ServerSession) {
	if ss == nil {
		return
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.updateTimeout()
	// check sessions at end of queue for expired
	// stop checking after hitting the first valid session
	for p.tail != nil && p.tail.expired(p.timeout) {
		if p.tail.prev == nil {
			// pruning the only node empties the list
			p.head = nil
		} else {
			p.tail.prev.next = nil
		}
		p.tail = p.tail.prev
	}

	// don't return session if it is expired or dirty
	if ss.expired(p.timeout) || ss.Dirty {
		return
	}

	newNode := &Node{
		ServerSession: ss,
		next:          nil,
		prev:          nil,
	}
	if p.head == nil {
		p.head = newNode
		p.tail = newNode
		return
	}

	newNode.next = p.head
	p.head.prev = newNode
	p.head = newNode
}
