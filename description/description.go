// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description contains the data structures that describe the servers
// and topology the driver is connected to. Descriptions are produced by the
// external topology monitor and consumed read-only by the driver core.
package description

import (
	"fmt"
	"time"

	"github.com/ikmak/mongo-driver-core/address"
)

// TopologyKind represents a specific topology configuration.
type TopologyKind uint32

// These constants are the available topology configurations.
const (
	TopologyKindSingle     TopologyKind = 1
	TopologyKindReplicaSet TopologyKind = 2
	TopologyKindSharded    TopologyKind = 256
)

// String implements the fmt.Stringer interface.
func (kind TopologyKind) String() string {
	switch kind {
	case TopologyKindSingle:
		return "Single"
	case TopologyKindReplicaSet:
		return "ReplicaSet"
	case TopologyKindSharded:
		return "Sharded"
	}

	return "Unknown"
}

// ServerKind represents the type of a single server in a topology.
type ServerKind uint32

// These constants are the possible types of servers.
const (
	ServerKindStandalone  ServerKind = 1
	ServerKindRSPrimary   ServerKind = 2
	ServerKindRSSecondary ServerKind = 4
	ServerKindMongos      ServerKind = 256
)

// String implements the fmt.Stringer interface.
func (kind ServerKind) String() string {
	switch kind {
	case ServerKindStandalone:
		return "Standalone"
	case ServerKindRSPrimary:
		return "RSPrimary"
	case ServerKindRSSecondary:
		return "RSSecondary"
	case ServerKindMongos:
		return "Mongos"
	}

	return "Unknown"
}

// VersionRange represents a range of wire protocol versions.
type VersionRange struct {
	Min int32
	Max int32
}

// NewVersionRange creates a new VersionRange given a min and a max.
func NewVersionRange(min, max int32) VersionRange {
	return VersionRange{Min: min, Max: max}
}

// Includes returns a bool indicating whether the supplied integer is included
// in the range.
func (vr VersionRange) Includes(v int32) bool {
	return v >= vr.Min && v <= vr.Max
}

// String implements the fmt.Stringer interface.
func (vr VersionRange) String() string {
	return fmt.Sprintf("[%d, %d]", vr.Min, vr.Max)
}

// Server contains information about a node in a cluster. This is created from
// the handshake performed by the topology monitor.
type Server struct {
	Addr address.Address

	AverageRTT            time.Duration
	AverageRTTSet         bool
	Kind                  ServerKind
	LastError             error
	LastUpdateTime        time.Time
	SessionTimeoutMinutes uint32
	WireVersion           *VersionRange
}

// SupportsSessions returns true if the server supports server-side sessions.
func (s Server) SupportsSessions() bool {
	return s.SessionTimeoutMinutes != 0
}

// MaxWireVersion returns the server's maximum wire protocol version, or zero
// if the version range is unknown.
func (s Server) MaxWireVersion() int32 {
	if s.WireVersion == nil {
		return 0
	}
	return s.WireVersion.Max
}

// String implements the Stringer interface.
func (s Server) String() string {
	str := fmt.Sprintf("Addr: %s, Type: %s", s.Addr, s.Kind)
	if s.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", s.LastError)
	}
	return str
}

// SelectedServer augments the Server type by also including the topology kind
// of the topology that includes the server.
type SelectedServer struct {
	Server
	Kind TopologyKind
}

// Topology contains information about a cluster.
type Topology struct {
	Servers               []Server
	Kind                  TopologyKind
	SessionTimeoutMinutes uint32
}

// String implements the Stringer interface.
func (t Topology) String() string {
	var serversStr string
	for _, s := range t.Servers {
		serversStr += "{ " + s.String() + " }, "
	}
	return fmt.Sprintf("Type: %s, Servers: [%s]", t.Kind, serversStr)
}

// ServerSelector is an interface implemented by types that can perform server
// selection given a topology description.
type ServerSelector interface {
	SelectServer(Topology, []Server) ([]Server, error)
}

// ServerSelectorFunc is a function that can be used as a ServerSelector.
type ServerSelectorFunc func(Topology, []Server) ([]Server, error)

// SelectServer implements the ServerSelector interface.
func (ssf ServerSelectorFunc) SelectServer(t Topology, s []Server) ([]Server, error) {
	return ssf(t, s)
}
