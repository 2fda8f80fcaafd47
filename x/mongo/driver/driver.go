// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver implements the core operation -> command -> cursor
// subsystem: the retryable execution harness, the batch-cursor state
// machine, and the command-composition helpers shared by every operation
// variant. Topology discovery, connection pooling, authentication and the
// wire codec itself are named out-of-scope collaborators; this package sees
// only the Deployment/Server/Connection seams below.
package driver

import (
	"context"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/relatedcode/mongo-opcore/x/mongo/driver/description"
)

// Namespace encapsulates a database and an optional collection name that
// together identify a target within a cluster.
type Namespace struct {
	DB         string
	Collection string
}

// NewNamespace constructs a Namespace.
func NewNamespace(db, collection string) Namespace {
	return Namespace{DB: db, Collection: collection}
}

// FullName returns "db.collection", or just "db" when Collection is empty.
func (ns Namespace) FullName() string {
	if ns.Collection == "" {
		return ns.DB
	}
	return ns.DB + "." + ns.Collection
}

// Deployment is implemented by types that can select a server from a
// deployment and hand back a Binding-compatible source of connections. The
// core never discovers or monitors topology itself; it only consumes this
// seam ("the core sees only a binding that yields a connection
// source").
type Deployment interface {
	SelectServer(context.Context, description.ServerSelector) (Server, error)
	Kind() description.TopologyKind
}

// Server represents a selected, reachable node. Implementations own
// connection pooling; this package only asks for a Connection.
type Server interface {
	Connection(context.Context) (Connection, error)
}

// CommandParams bundles what a command execution needs from the wire codec
// seam: the target database, the already-composed command document, and an
// optional field-name validator for write-path documents.
// Encoding the command onto the wire and decoding the raw reply are the
// named out-of-scope "wire codec" collaborator's job; Connection.RunCommand
// is the boundary this package calls across.
type CommandParams struct {
	Database  string
	Command   bsoncore.Document
	Validator FieldNameValidator
}

// FieldNameValidator rejects a write-path document whose top-level field
// names violate the update/replacement semantics required by the command
// being sent (FindAndModifyReplace/Update).
type FieldNameValidator func(doc bsoncore.Document) error

// Connection represents a single connection to a server, reference-counted
// via Retain/Release to track load-balanced pinning.
type Connection interface {
	RunCommand(ctx context.Context, params CommandParams) (bsoncore.Document, error)
	Description() description.Server
	DriverConnectionID() string
	Address() string
	Close() error
	// Retain increments the connection's reference count; Release decrements
	// it and closes the underlying connection once it reaches zero.
	Retain()
	Release() error
}

// ConnectionSource is a reference-counted handle that dispenses Connections
// and must be retained for the lifetime of any cursor it opened.
type ConnectionSource interface {
	Connection(context.Context) (Connection, error)
	Server() Server
	Description() description.Server
	Retain() ConnectionSource
	Release() error
}

// Binding dispenses ConnectionSources. Two flavors: a read binding
// parameterized by read preference, and a write binding. Ownership: the
// caller retains; an operation retains/releases exactly once per
// acquisition.
type Binding interface {
	GetReadConnectionSource(context.Context) (ConnectionSource, error)
	GetWriteConnectionSource(context.Context) (ConnectionSource, error)
	Deployment() Deployment
}

// Monitor receives command lifecycle events. The core has no logging of its
// own; commands are observed only through this callback surface.
type Monitor interface {
	Started(context.Context, *CommandStartedEvent)
	Succeeded(context.Context, *CommandSucceededEvent)
	Failed(context.Context, *CommandFailedEvent)
}

// CommandStartedEvent is published before a command is sent.
type CommandStartedEvent struct {
	Command      bsoncore.Document
	DatabaseName string
	CommandName  string
	RequestID    int64
	ConnectionID string
}

// CommandSucceededEvent is published after a command succeeds.
type CommandSucceededEvent struct {
	Reply       bsoncore.Document
	CommandName string
	RequestID   int64
}

// CommandFailedEvent is published after a command fails.
type CommandFailedEvent struct {
	Failure     error
	CommandName string
	RequestID   int64
}

// RetryMode specifies how retries are handled for an operation.
type RetryMode uint8

// The retry modes supported by the harness.
const (
	// RetryNone disables retrying.
	RetryNone RetryMode = iota
	// RetryOnce retries the entire operation once (used for reads and for
	// change-stream initial aggregates, which resume rather than retry).
	RetryOnce
	// RetryOncePerCommand retries each wire command issued by a
	// (possibly batch-split) write operation once.
	RetryOncePerCommand
	// RetryContext enables retrying with the same RETRIES attempt budget as
	// RetryOnce; the context's deadline does not extend that budget.
	RetryContext
)

// Enabled reports whether this mode enables retrying at all.
func (rm RetryMode) Enabled() bool {
	return rm == RetryOnce || rm == RetryOncePerCommand || rm == RetryContext
}

// Type distinguishes read and write operations for retry classification and
// binding selection purposes.
type Type uint8

// The two operation types relevant to retry classification.
const (
	Read Type = iota
	Write
)
