// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/relatedcode/mongo-opcore/x/mongo/driver/description"
	"github.com/relatedcode/mongo-opcore/x/mongo/driver/session"
)

// OperationContext is the per-invocation context: request id,
// session/read/write concern state, timeout deadline, and server-api
// declaration. Created at operation entry, done when the terminal result
// (value or cursor close) is delivered.
type OperationContext struct {
	RequestID int64

	Session *session.Client
	Clock   *session.ClusterClock

	ReadConcern  *readconcern.ReadConcern
	WriteConcern *writeconcern.WriteConcern
	ReadPref     *readpref.ReadPref

	Deadline    time.Time
	MaxTimeMS   int64
	MaxAwaitMS  int64
	TimeoutMode TimeoutMode

	// TxnNumber is the transaction number allocated for a retryable write by
	// Operation.Execute before its first attempt; a
	// CommandCreatorFunc reads it to append txnNumber without allocating one
	// itself, keeping the creator pure across retries.
	TxnNumber int64

	Monitor Monitor
}

// RemainingMaxTimeMS computes the maxTimeMS to attach to a command given the
// operation's deadline, or 0 if there is none.
func (oc *OperationContext) RemainingMaxTimeMS() int64 {
	if oc.MaxTimeMS > 0 {
		return oc.MaxTimeMS
	}
	if oc.Deadline.IsZero() {
		return 0
	}
	remaining := time.Until(oc.Deadline)
	if remaining <= 0 {
		return 1
	}
	return int64(remaining / time.Millisecond)
}

// CommandCreatorFunc is the pure factory: given the operation
// context, the selected server, and the connection description, it returns
// the command document to send. It must be side-effect-free (aside from
// allocating its return value) and safe to invoke more than once per
// logical operation, since retries re-invoke it.
type CommandCreatorFunc func(ctx context.Context, opCtx *OperationContext, desc description.SelectedServer) (bsoncore.Document, error)

// ResponseHandler consumes a successful command response. It receives the
// connection source and connection so that, for cursor-producing commands,
// it may take over ownership of the source by retaining it internally; the
// harness releases the connection (and, if the handler didn't retain it,
// the source) once ResponseHandler returns.
type ResponseHandler func(ctx context.Context, response bsoncore.Document, source ConnectionSource, conn Connection) error

// Operation is the ExecutionHarness: given a binding, a
// database name, a CommandCreator, and a transformer, it executes a command
// under the configured retry policy. It offers two execution variants over
// the same attempt logic: Execute blocks the calling goroutine until the
// operation reaches a terminal outcome, and ExecuteAsync exposes that same
// retry loop as a chain of Continuations for callback-driven, single
// goroutine callers that cannot afford to block on each attempt.
type Operation struct {
	CommandFn  CommandCreatorFunc
	Database   string
	Deployment Deployment
	Selector   description.ServerSelector
	Type       Type
	RetryMode  RetryMode
	Modifier   CommandModifier
	Validator  FieldNameValidator

	// NamespaceNotFoundTolerant, when true, causes a namespace-not-found
	// failure to be swallowed and DefaultValue returned instead of
	// propagated; used by drop-like operations.
	NamespaceNotFoundTolerant bool
	DefaultValue              bsoncore.Document

	policy RetryPolicy
}

// Execute runs the harness synchronously to completion on the calling
// goroutine: acquire a connection source appropriate to Type, acquire a
// connection, build the command, round-trip it, and hand the response to
// handle, looping on retryable failures while the retry budget allows.
// Execute is the blocking variant of the harness; it is implemented by
// draining ExecuteAsync's continuation chain in a loop, fusing the two
// variants behind that one shared attempt step.
func (op *Operation) Execute(ctx context.Context, binding Binding, opCtx *OperationContext, handle ResponseHandler) error {
	cont, err := op.ExecuteAsync(ctx, binding, opCtx, handle)
	if err != nil {
		return err
	}
	for cont != nil {
		cont, err = cont(ctx)
	}
	return err
}

// attemptOutcome is the result of one runAttempt call: a single wire
// round-trip (or the connection-acquisition work ahead of it).
type attemptOutcome struct {
	retry bool
	err   error
}

// runAttempt performs exactly one attempt of the operation: it is the unit
// of work both the blocking and callback-driven variants repeat until
// retry is false. Mutates rs in place to track the retry budget and the
// negotiated wire version across attempts.
func (op *Operation) runAttempt(ctx context.Context, binding Binding, opCtx *OperationContext, handle ResponseHandler, rs *RetryState) attemptOutcome {
	source, err := op.acquireSource(ctx, binding)
	if err != nil {
		if op.policy.IsRetryableRead(err) && rs.HasBudget() {
			rs.RecordFailure(err)
			rs.Consume()
			return attemptOutcome{retry: true}
		}
		return attemptOutcome{err: err}
	}

	conn, err := source.Connection(ctx)
	if err != nil {
		_ = source.Release()
		if op.policy.IsRetryableRead(err) && rs.HasBudget() {
			rs.RecordFailure(err)
			rs.Consume()
			return attemptOutcome{retry: true}
		}
		return attemptOutcome{err: err}
	}

	desc := description.SelectedServer{Server: conn.Description()}
	if desc.WireVersion != nil {
		rs.MaxWireVersion = desc.WireVersion.Max
	}

	cmd, err := op.CommandFn(ctx, opCtx, desc)
	if err != nil {
		_ = conn.Release()
		_ = source.Release()
		return attemptOutcome{err: err}
	}
	cmd, err = rs.Modifier(cmd)
	if err != nil {
		_ = conn.Release()
		_ = source.Release()
		return attemptOutcome{err: err}
	}

	if opCtx.Monitor != nil {
		opCtx.Monitor.Started(ctx, &CommandStartedEvent{
			Command:      cmd,
			DatabaseName: op.Database,
			RequestID:    opCtx.RequestID,
			ConnectionID: conn.DriverConnectionID(),
		})
	}

	resp, execErr := conn.RunCommand(ctx, CommandParams{Database: op.Database, Command: cmd, Validator: op.Validator})
	if execErr == nil {
		if opCtx.Monitor != nil {
			opCtx.Monitor.Succeeded(ctx, &CommandSucceededEvent{Reply: resp, RequestID: opCtx.RequestID})
		}
		gossipClusterTime(opCtx, resp)
		handleErr := handle(ctx, resp, source, conn)
		_ = conn.Release()
		_ = source.Release()
		return attemptOutcome{err: handleErr}
	}

	if opCtx.Monitor != nil {
		opCtx.Monitor.Failed(ctx, &CommandFailedEvent{Failure: execErr, RequestID: opCtx.RequestID})
	}
	_ = conn.Release()

	hasTxn := hasTxnNumberInCommand(cmd)
	retryable := false
	switch op.Type {
	case Read:
		retryable = op.policy.IsRetryableRead(execErr)
	case Write:
		retryable = op.policy.IsRetryableWrite(execErr, rs.MaxWireVersion, hasTxn)
	}

	if retryable && rs.HasBudget() {
		rs.RecordFailure(execErr)
		rs.Consume()
		_ = source.Release()
		return attemptOutcome{retry: true}
	}

	_ = source.Release()

	if rs.FirstFailure != nil {
		rs.RecordFailure(execErr)
		execErr = rs.ReportedError()
	}

	if op.NamespaceNotFoundTolerant && op.policy.IsNamespaceNotFound(execErr) {
		return attemptOutcome{err: handle(ctx, op.DefaultValue, nil, nil)}
	}

	if drvErr, ok := execErr.(Error); ok && op.Type == Write && retryable {
		drvErr.Labels = appendLabelIfMissing(drvErr.Labels, RetryableWriteError)
		return attemptOutcome{err: drvErr}
	}
	return attemptOutcome{err: execErr}
}

// gossipClusterTime advances both the session's and the deployment-wide
// cluster clock's view of $clusterTime, and the session's causally-consistent
// operationTime, from a successful command response. Both advances are a
// no-op when the response doesn't carry the corresponding field, and
// AdvanceClusterTime/AdvanceOperationTime already only move forward.
func gossipClusterTime(opCtx *OperationContext, resp bsoncore.Document) {
	if opCtx.Clock != nil {
		opCtx.Clock.AdvanceClusterTime(bson.Raw(resp))
	}
	if opCtx.Session == nil {
		return
	}
	_ = opCtx.Session.AdvanceClusterTime(bson.Raw(resp))
	if opTime, err := resp.LookupErr("operationTime"); err == nil {
		t, i := opTime.Timestamp()
		_ = opCtx.Session.AdvanceOperationTime(&primitive.Timestamp{T: t, I: i})
	}
}

func appendLabelIfMissing(labels []string, label string) []string {
	for _, l := range labels {
		if l == label {
			return labels
		}
	}
	return append(labels, label)
}

func hasTxnNumberInCommand(cmd bsoncore.Document) bool {
	_, err := cmd.LookupErr("txnNumber")
	return err == nil
}

func (op *Operation) acquireSource(ctx context.Context, binding Binding) (ConnectionSource, error) {
	if binding == nil {
		return nil, ErrDeploymentRequired
	}
	if op.Type == Write {
		return binding.GetWriteConnectionSource(ctx)
	}
	return binding.GetReadConnectionSource(ctx)
}
