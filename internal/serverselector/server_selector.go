// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package serverselector contains the server selectors used by the driver
// core during server selection.
package serverselector

import (
	"fmt"
	"math"
	"time"

	"github.com/ikmak/mongo-driver-core/address"
	"github.com/ikmak/mongo-driver-core/description"
	"github.com/ikmak/mongo-driver-core/readpref"
)

// Composite combines multiple selectors into a single selector by applying
// them in order to the candidates list.
//
// For example, if the initial candidates list is [s0, s1, s2, s3] and two
// selectors are provided where the first matches s0 and s1 and the second
// matches s1 and s2, the following would occur during server selection:
//
// 1. firstSelector([s0, s1, s2, s3]) -> [s0, s1]
// 2. secondSelector([s0, s1]) -> [s1]
//
// The final list of candidates returned by the composite selector would be
// [s1].
type Composite struct {
	Selectors []description.ServerSelector
}

var _ description.ServerSelector = &Composite{}

// SelectServer combines multiple selectors into a single selector.
func (selector *Composite) SelectServer(
	topo description.Topology,
	candidates []description.Server,
) ([]description.Server, error) {
	var err error
	for _, sel := range selector.Selectors {
		candidates, err = sel.SelectServer(topo, candidates)
		if err != nil {
			return nil, err
		}
	}

	return candidates, nil
}

// Latency creates a ServerSelector which selects servers based on their
// average RTT values.
type Latency struct {
	Latency time.Duration
}

var _ description.ServerSelector = &Latency{}

// SelectServer selects servers based on average RTT.
func (selector *Latency) SelectServer(
	_ description.Topology,
	candidates []description.Server,
) ([]description.Server, error) {
	if selector.Latency < 0 {
		return candidates, nil
	}

	switch len(candidates) {
	case 0, 1:
		return candidates, nil
	default:
		min := time.Duration(math.MaxInt64)
		for _, candidate := range candidates {
			if candidate.AverageRTTSet {
				if candidate.AverageRTT < min {
					min = candidate.AverageRTT
				}
			}
		}

		if min == math.MaxInt64 {
			return candidates, nil
		}

		max := min + selector.Latency

		viableIndexes := make([]int, 0, len(candidates))
		for i, candidate := range candidates {
			if candidate.AverageRTTSet && candidate.AverageRTT <= max {
				viableIndexes = append(viableIndexes, i)
			}
		}
		if len(viableIndexes) == len(candidates) {
			return candidates, nil
		}

		result := make([]description.Server, len(viableIndexes))
		for i, idx := range viableIndexes {
			result[i] = candidates[idx]
		}
		return result, nil
	}
}

// Write selects all the writable servers.
type Write struct{}

var _ description.ServerSelector = &Write{}

// SelectServer selects all writable servers.
func (*Write) SelectServer(
	topo description.Topology,
	candidates []description.Server,
) ([]description.Server, error) {
	switch topo.Kind {
	case description.TopologyKindSingle:
		return candidates, nil
	default:
		result := []description.Server{}
		for _, candidate := range candidates {
			switch candidate.Kind {
			case description.ServerKindMongos,
				description.ServerKindRSPrimary,
				description.ServerKindStandalone:
				result = append(result, candidate)
			}
		}
		return result, nil
	}
}

// ReadPref selects servers based on the provided read preference.
type ReadPref struct {
	ReadPref *readpref.ReadPref
}

var _ description.ServerSelector = &ReadPref{}

// SelectServer selects eligible servers based on the read preference.
func (selector *ReadPref) SelectServer(
	topo description.Topology,
	candidates []description.Server,
) ([]description.Server, error) {
	rp := selector.ReadPref
	if rp == nil {
		rp = readpref.Primary()
	}

	switch topo.Kind {
	case description.TopologyKindSingle:
		return candidates, nil
	case description.TopologyKindSharded:
		result := []description.Server{}
		for _, candidate := range candidates {
			if candidate.Kind == description.ServerKindMongos {
				result = append(result, candidate)
			}
		}
		return result, nil
	case description.TopologyKindReplicaSet:
		return selectByMode(rp.Mode(), candidates)
	}

	return nil, fmt.Errorf("unsupported topology kind: %v", topo.Kind)
}

func selectByMode(mode readpref.Mode, candidates []description.Server) ([]description.Server, error) {
	primaries := ofKind(candidates, description.ServerKindRSPrimary)
	secondaries := ofKind(candidates, description.ServerKindRSSecondary)

	switch mode {
	case readpref.PrimaryMode:
		return primaries, nil
	case readpref.PrimaryPreferredMode:
		if len(primaries) > 0 {
			return primaries, nil
		}
		return secondaries, nil
	case readpref.SecondaryMode:
		return secondaries, nil
	case readpref.SecondaryPreferredMode:
		if len(secondaries) > 0 {
			return secondaries, nil
		}
		return primaries, nil
	case readpref.NearestMode:
		return append(primaries, secondaries...), nil
	}

	return nil, fmt.Errorf("unsupported read preference mode: %v", mode)
}

func ofKind(candidates []description.Server, kind description.ServerKind) []description.Server {
	result := []description.Server{}
	for _, candidate := range candidates {
		if candidate.Kind == kind {
			result = append(result, candidate)
		}
	}
	return result
}

// Addr selects the server with the given address, if present in the
// candidates list. It is used to route all statements of a sharded
// transaction to the pinned server.
type Addr struct {
	Addr address.Address
}

var _ description.ServerSelector = &Addr{}

// SelectServer selects the server with the configured address.
func (selector *Addr) SelectServer(
	_ description.Topology,
	candidates []description.Server,
) ([]description.Server, error) {
	result := []description.Server{}
	for _, candidate := range candidates {
		if candidate.Addr.Canonicalize() == selector.Addr.Canonicalize() {
			result = append(result, candidate)
		}
	}
	return result, nil
}
