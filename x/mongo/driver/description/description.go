// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description holds the small slice of topology/server description
// that the operation layer needs to make decisions: wire version gating,
// server/topology kind, and read-preference based server selection. Topology
// discovery and monitoring themselves are out of scope for this package; it
// only carries the values a selection produces.
package description

import (
	"time"

	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// ServerKind represents the kind of a server in a topology.
type ServerKind uint32

// These constants are the possible kinds of servers that can be described.
const (
	Standalone ServerKind = iota
	RSPrimary
	RSSecondary
	RSArbiter
	RSOther
	RSGhost
	Mongos
	LoadBalancer
)

// TopologyKind represents the kind of a topology.
type TopologyKind uint32

// These constants are the possible kinds of topology that can be described.
const (
	Unknown TopologyKind = iota
	Single
	ReplicaSet
	ReplicaSetNoPrimary
	ReplicaSetWithPrimary
	Sharded
	LoadBalanced
)

// VersionRange represents a range of versions.
type VersionRange struct {
	Min int32
	Max int32
}

// Includes returns a bool indicating whether the supplied integer is
// included in the range.
func (vr VersionRange) Includes(v int32) bool {
	return v >= vr.Min && v <= vr.Max
}

// Server contains information about a node in a cluster. This is created from
// the monitor; the core never performs the monitoring itself, only consumes
// the resulting description.
type Server struct {
	Addr                 string
	Kind                 ServerKind
	WireVersion          *VersionRange
	SessionTimeoutMinutes uint32
	MaxWriteBatchSize    int32
	MaxDocumentSize      uint32
	MaxMessageSize       uint32
	LoadBalanced         bool
}

// Topology contains information about a MongoDB cluster.
type Topology struct {
	Kind                  TopologyKind
	Servers               []Server
	SessionTimeoutMinutes uint32
}

// SelectedServer represents a server selected to run an operation, bundled
// with the topology kind it was selected from (some encoding decisions, such
// as slaveOK flags and read-concern afterClusterTime, depend on both).
type SelectedServer struct {
	Server
	Kind TopologyKind
}

// SessionsSupported returns true if the given wire version range indicates
// that sessions are supported by the server.
func SessionsSupported(wireVersion *VersionRange) bool {
	return wireVersion != nil && wireVersion.Max >= 6
}

// ServerSelector is implemented by types that can select a subset of servers
// from a given topology description.
type ServerSelector interface {
	SelectServer(Topology, []Server) ([]Server, error)
}

// ServerSelectorFunc is a function-backed ServerSelector.
type ServerSelectorFunc func(Topology, []Server) ([]Server, error)

// SelectServer implements the ServerSelector interface.
func (ssf ServerSelectorFunc) SelectServer(t Topology, s []Server) ([]Server, error) { return ssf(t, s) }

// ReadPrefSelector returns a selector that filters servers according to the
// given read preference.
func ReadPrefSelector(rp *readpref.ReadPref) ServerSelector {
	return ServerSelectorFunc(func(_ Topology, candidates []Server) ([]Server, error) {
		if rp == nil {
			return candidates, nil
		}
		if rp.Mode() == readpref.PrimaryMode {
			out := make([]Server, 0, len(candidates))
			for _, c := range candidates {
				if c.Kind == RSPrimary || c.Kind == Standalone || c.Kind == Mongos || c.Kind == LoadBalancer {
					out = append(out, c)
				}
			}
			return out, nil
		}
		return candidates, nil
	})
}

// CompositeSelector combines several selectors, applying each in turn to
// narrow the candidate set.
func CompositeSelector(selectors []ServerSelector) ServerSelector {
	return ServerSelectorFunc(func(t Topology, candidates []Server) ([]Server, error) {
		var err error
		for _, sel := range selectors {
			if sel == nil {
				continue
			}
			candidates, err = sel.SelectServer(t, candidates)
			if err != nil {
				return nil, err
			}
		}
		return candidates, nil
	})
}

// LatencySelector returns a selector that keeps servers irrelevant here (no
// latency telemetry is carried by this package) but preserved for callers
// that compose it with ReadPrefSelector, matching upstream's selector chain
// shape.
func LatencySelector(_ time.Duration) ServerSelector {
	return ServerSelectorFunc(func(_ Topology, candidates []Server) ([]Server, error) {
		return candidates, nil
	})
}
