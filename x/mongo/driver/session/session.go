// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session carries the slice of client-session / transaction state
// that the operation pipeline needs: transaction number allocation, the
// active-transaction flag, and causal-consistency cluster/operation time
// tracking. Full transaction lifecycle management is a named out-of-scope
// collaborator; this package exposes only the hooks operations read and
// advance.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
)

// ErrSessionEnded is returned when a session is used after EndSession has
// been called.
var ErrSessionEnded = errors.New("ended session was used")

// Type indicates whether a session was created explicitly by the caller or
// implicitly by an operation that needed one.
type Type uint8

// The two session types.
const (
	Explicit Type = iota
	Implicit
)

// TransactionState describes where a session sits in the transaction
// lifecycle.
type TransactionState uint8

// The possible transaction states.
const (
	None TransactionState = iota
	Starting
	InProgress
	Committed
	Aborted
)

// ClusterClock tracks the highest $clusterTime seen across a deployment so
// that it can be gossiped on subsequent commands.
type ClusterClock struct {
	mu          sync.Mutex
	clusterTime bson.Raw
}

// GetClusterTime returns the highest clusterTime observed so far.
func (cc *ClusterClock) GetClusterTime() bson.Raw {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.clusterTime
}

// AdvanceClusterTime updates the clock if the given time is newer.
func (cc *ClusterClock) AdvanceClusterTime(ct bson.Raw) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.clusterTime = MaxClusterTime(cc.clusterTime, ct)
}

// MaxClusterTime returns whichever of the two cluster times is newer.
func MaxClusterTime(ct1, ct2 bson.Raw) bson.Raw {
	if ct1 == nil {
		return ct2
	}
	if ct2 == nil {
		return ct1
	}
	val1, err1 := ct1.LookupErr("$clusterTime", "clusterTime")
	val2, err2 := ct2.LookupErr("$clusterTime", "clusterTime")
	if err1 != nil || err2 != nil {
		return ct2
	}
	ts1, i1 := val1.Timestamp()
	ts2, i2 := val2.Timestamp()
	if ts1 > ts2 || (ts1 == ts2 && i1 > i2) {
		return ct1
	}
	return ct2
}

// Pool vends session ids for implicit sessions. A real deployment would pool
// and recycle logical session ids registered with the server; this core
// only needs unique ids, so it mints them directly.
type Pool struct{}

// NewPool constructs a session id pool.
func NewPool() *Pool { return &Pool{} }

// Client is the per-operation handle onto session and transaction state.
// txnNumber is the monotonically increasing counter a retryable write
// allocates from exactly once per logical write.
type Client struct {
	SessionID     bson.Raw
	ClientID      uuid.UUID
	SessionType   Type
	Terminated    bool
	Consistent    bool
	RetryingCommit bool

	ClusterTime   bson.Raw
	OperationTime *primitive.Timestamp
	CurrentRc     *readconcern.ReadConcern

	mu         sync.Mutex
	txnState   TransactionState
	txnNumber  int64
	TxnNumber  int64 // snapshot of the txn number attached to the in-flight command
}

// NewClientSession creates an implicit or explicit client session.
func NewClientSession(_ *Pool, clientID uuid.UUID, sessionType Type) (*Client, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	idDoc, err := bson.Marshal(bson.D{{Key: "id", Value: primitive.Binary{Subtype: 0x04, Data: id[:]}}})
	if err != nil {
		return nil, err
	}
	return &Client{
		SessionID:   idDoc,
		ClientID:    clientID,
		SessionType: sessionType,
		Consistent:  true,
	}, nil
}

// EndSession marks the session terminated; subsequent use returns
// ErrSessionEnded.
func (c *Client) EndSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Terminated = true
}

// TransactionInProgress reports whether a multi-statement transaction is
// currently active on this session.
func (c *Client) TransactionInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txnState == InProgress || c.txnState == Starting
}

// TransactionStarting reports whether the next command is the one that
// starts a transaction.
func (c *Client) TransactionStarting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txnState == Starting
}

// TransactionRunning reports whether a transaction is in progress (but not
// on its starting command).
func (c *Client) TransactionRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txnState == InProgress
}

// IncrementTxnNumber allocates the next transaction number for a retryable
// write. This is called exactly once for the first attempt of a logical
// write; retries reuse the returned value, which the harness keeps in
// OperationContext.TxnNumber.
func (c *Client) IncrementTxnNumber() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txnNumber++
	c.TxnNumber = c.txnNumber
	return c.txnNumber
}

// NextTxnNumber returns the transaction number currently attached to this
// session without incrementing it, for use by retries of an in-flight write.
func (c *Client) NextTxnNumber() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txnNumber
}

// AdvanceClusterTime advances the session's view of the cluster time.
func (c *Client) AdvanceClusterTime(ct bson.Raw) error {
	if c.Terminated {
		return ErrSessionEnded
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ClusterTime = MaxClusterTime(c.ClusterTime, ct)
	return nil
}

// AdvanceOperationTime advances the session's view of the highest
// operationTime observed, used for causally-consistent reads and change
// stream resumption.
func (c *Client) AdvanceOperationTime(ts *primitive.Timestamp) error {
	if c.Terminated {
		return ErrSessionEnded
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OperationTime == nil || ts.T > c.OperationTime.T ||
		(ts.T == c.OperationTime.T && ts.I > c.OperationTime.I) {
		c.OperationTime = ts
	}
	return nil
}

// ApplyCommand transitions Starting -> InProgress once a command has
// actually been sent for a transaction, mirroring the driver's session
// bookkeeping after a successful startTransaction.
func (c *Client) ApplyCommand() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txnState == Starting {
		c.txnState = InProgress
	}
}
