// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// ServerCursor identifies a live server-side cursor. A cursor id
// of 0 means exhausted.
type ServerCursor struct {
	ID      int64
	Address string
}

// CursorBatch is a single decoded batch plus the server-cursor/PBRT/opTime
// metadata that came with it.
type CursorBatch struct {
	NS                   Namespace
	Documents            []bsoncore.Document
	ServerCursor         *ServerCursor
	OperationTime        *primitive.Timestamp
	PostBatchResumeToken bsoncore.Document
}

// CursorState is the CursorResourceManager state machine.
type CursorState uint8

// The four cursor states.
const (
	CursorIdle CursorState = iota
	CursorOperationInProgress
	CursorClosePending
	CursorClosed
)

// Operable reports whether the cursor may still accept an operation.
func (s CursorState) Operable() bool {
	return s == CursorIdle || s == CursorOperationInProgress
}

// TimeoutMode selects how a client-side deadline maps onto per-command
// maxTimeMS for a non-tailable cursor.
type TimeoutMode uint8

// The two timeout modes.
const (
	// CursorLifetime is the default: the deadline spans the whole iteration;
	// maxTimeMS is attached to the initial command and omitted from getMore.
	CursorLifetime TimeoutMode = iota
	// Iteration resets the budget on every next/tryNext; maxTimeMS is
	// omitted from the initial command and attached per getMore.
	Iteration
)

// CursorType selects tailable/await behavior.
type CursorType uint8

// The three cursor types.
const (
	NonTailable CursorType = iota
	Tailable
	TailableAwait
)

// killCursorsFunc issues a killCursors command over the given connection for
// the given namespace and cursor id, swallowing server-side errors since the
// close is best-effort.
type killCursorsFunc func(ctx context.Context, conn Connection, ns Namespace, id int64)

// getMoreFunc issues a getMore for the given cursor id over the given
// connection, returning the next batch.
type getMoreFunc func(ctx context.Context, conn Connection, ns Namespace, cursorID int64, batchSize int32, maxTimeMS int64, comment bsoncore.Value) (CursorBatch, error)

// CursorResourceManager owns and releases (connectionSource, pinnedConnection,
// serverCursor) and serializes per-cursor operations.
type CursorResourceManager struct {
	mu sync.Mutex

	state CursorState

	source     ConnectionSource
	pinnedConn Connection
	cursor     *ServerCursor

	skipReleasingServerResourcesOnClose bool

	ns          Namespace
	killCursors killCursorsFunc
}

func newCursorResourceManager(ns Namespace, source ConnectionSource, pinnedConn Connection, cursor *ServerCursor, kc killCursorsFunc) *CursorResourceManager {
	crm := &CursorResourceManager{
		ns:          ns,
		source:      source,
		pinnedConn:  pinnedConn,
		cursor:      cursor,
		killCursors: kc,
	}
	if cursor == nil {
		crm.releaseClientResources()
	}
	return crm
}

// tryStartOperation transitions IDLE -> OPERATION_IN_PROGRESS. It returns
// false if the cursor is CLOSED or CLOSE_PENDING, and ErrConcurrentOperation
// if an operation is already in progress.
func (crm *CursorResourceManager) tryStartOperation() (bool, error) {
	crm.mu.Lock()
	defer crm.mu.Unlock()
	switch crm.state {
	case CursorClosed, CursorClosePending:
		return false, nil
	case CursorOperationInProgress:
		return false, ErrConcurrentOperation
	default:
		crm.state = CursorOperationInProgress
		return true, nil
	}
}

// endOperation transitions OPERATION_IN_PROGRESS -> IDLE, or
// CLOSE_PENDING -> CLOSED (running doClose after releasing the lock).
func (crm *CursorResourceManager) endOperation(ctx context.Context) {
	crm.mu.Lock()
	wasClosePending := crm.state == CursorClosePending
	if wasClosePending {
		crm.state = CursorClosed
	} else if crm.state == CursorOperationInProgress {
		crm.state = CursorIdle
	}
	crm.mu.Unlock()

	if wasClosePending {
		crm.doClose(ctx)
	}
}

// close marks CLOSE_PENDING if an operation is in progress (deferred close,
// never blocking), else transitions directly to CLOSED and runs doClose.
func (crm *CursorResourceManager) close(ctx context.Context) {
	crm.mu.Lock()
	switch crm.state {
	case CursorClosed, CursorClosePending:
		crm.mu.Unlock()
		return
	case CursorOperationInProgress:
		crm.state = CursorClosePending
		crm.mu.Unlock()
		return
	default:
		crm.state = CursorClosed
		crm.mu.Unlock()
	}
	crm.doClose(ctx)
}

// setServerCursor is only valid while an operation is in progress; setting
// nil releases client resources eagerly.
func (crm *CursorResourceManager) setServerCursor(cursor *ServerCursor) {
	crm.mu.Lock()
	defer crm.mu.Unlock()
	crm.cursor = cursor
	if cursor == nil {
		crm.releaseClientResourcesLocked()
	}
}

func (crm *CursorResourceManager) getServerCursor() *ServerCursor {
	crm.mu.Lock()
	defer crm.mu.Unlock()
	return crm.cursor
}

// onCorruptedConnection marks server resources as unreachable if the
// corrupted connection is the pinned one, since a later killCursors over a
// dead connection would be futile.
func (crm *CursorResourceManager) onCorruptedConnection(conn Connection) {
	crm.mu.Lock()
	defer crm.mu.Unlock()
	if crm.pinnedConn != nil && conn != nil && crm.pinnedConn == conn {
		crm.skipReleasingServerResourcesOnClose = true
	}
}

func (crm *CursorResourceManager) releaseClientResources() {
	crm.mu.Lock()
	defer crm.mu.Unlock()
	crm.releaseClientResourcesLocked()
}

func (crm *CursorResourceManager) releaseClientResourcesLocked() {
	if crm.pinnedConn != nil {
		_ = crm.pinnedConn.Release()
		crm.pinnedConn = nil
	}
	if crm.source != nil {
		_ = crm.source.Release()
		crm.source = nil
	}
}

// doClose performs the actual resource release outside the state mutex:
// issue killCursors (unless pointless), then release the pinned connection
// and retained source exactly once each.
func (crm *CursorResourceManager) doClose(ctx context.Context) {
	crm.mu.Lock()
	cursor := crm.cursor
	skip := crm.skipReleasingServerResourcesOnClose
	pinned := crm.pinnedConn
	source := crm.source
	crm.cursor = nil
	crm.pinnedConn = nil
	crm.source = nil
	crm.mu.Unlock()

	if cursor != nil && cursor.ID != 0 && !skip {
		conn := pinned
		var acquired Connection
		if conn == nil && source != nil {
			var err error
			acquired, err = source.Connection(ctx)
			if err == nil {
				conn = acquired
			}
		}
		if conn != nil && crm.killCursors != nil {
			crm.killCursors(ctx, conn, crm.ns, cursor.ID)
		}
		if acquired != nil {
			_ = acquired.Release()
		}
	}

	if pinned != nil {
		_ = pinned.Release()
	}
	if source != nil {
		_ = source.Release()
	}
}

// CommandBatchCursor is the consumer-facing streaming cursor built on
// CursorResourceManager, issuing getMore until the server cursor is
// exhausted, the client-side limit is reached, or the cursor is closed.
type CommandBatchCursor struct {
	crm *CursorResourceManager

	ns            Namespace
	current       []bsoncore.Document
	batchSize     int32
	limit         int32
	numReturned   int32
	firstBatchEmpty bool

	postBatchResumeToken bsoncore.Document
	operationTime        *primitive.Timestamp
	maxWireVersion       int32
	loadBalanced         bool

	timeoutMode TimeoutMode
	cursorType  CursorType
	maxTimeMS   int64
	maxAwaitMS  int64
	comment     bsoncore.Value

	getMore getMoreFunc

	err error
}

// BatchCursorOptions configures a CommandBatchCursor at construction.
type BatchCursorOptions struct {
	BatchSize    int32
	Limit        int32
	TimeoutMode  TimeoutMode
	CursorType   CursorType
	MaxTimeMS    int64
	MaxAwaitMS   int64
	Comment      bsoncore.Value
	LoadBalanced bool
}

// NewCommandBatchCursor constructs a batch cursor from the first batch
// document of a cursor-producing command response.
func NewCommandBatchCursor(
	batch CursorBatch,
	source ConnectionSource,
	conn Connection,
	kc killCursorsFunc,
	gm getMoreFunc,
	opts BatchCursorOptions,
) (*CommandBatchCursor, error) {
	bc := &CommandBatchCursor{
		ns:              batch.NS,
		current:         batch.Documents,
		batchSize:       opts.BatchSize,
		limit:           opts.Limit,
		firstBatchEmpty: len(batch.Documents) == 0,
		postBatchResumeToken: batch.PostBatchResumeToken,
		operationTime:   batch.OperationTime,
		timeoutMode:     opts.TimeoutMode,
		cursorType:      opts.CursorType,
		maxTimeMS:       opts.MaxTimeMS,
		maxAwaitMS:      opts.MaxAwaitMS,
		comment:         opts.Comment,
		loadBalanced:    opts.LoadBalanced,
		getMore:         gm,
	}
	if conn != nil {
		bc.maxWireVersion = conn.Description().WireVersion.Max
	}

	bc.numReturned = int32(len(batch.Documents))

	var pinnedConn Connection
	limitReached := bc.limit != 0 && bc.numReturned >= absInt32(bc.limit)
	hasServerCursor := batch.ServerCursor != nil && batch.ServerCursor.ID != 0

	if opts.LoadBalanced && hasServerCursor && conn != nil {
		conn.Retain()
		pinnedConn = conn
	}

	bc.crm = newCursorResourceManager(batch.NS, source, pinnedConn, batch.ServerCursor, kc)
	if limitReached || !hasServerCursor {
		// Either the limit is already satisfied or there's no live server
		// cursor: release the connection source immediately.
		bc.crm.setServerCursor(nil)
	}
	return bc, nil
}

func absInt32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// ID returns the server cursor id, or 0 if closed/exhausted.
func (bc *CommandBatchCursor) ID() int64 {
	cursor := bc.crm.getServerCursor()
	if cursor == nil {
		return 0
	}
	return cursor.ID
}

// GetServerCursor returns the live ServerCursor, or nil.
func (bc *CommandBatchCursor) GetServerCursor() *ServerCursor { return bc.crm.getServerCursor() }

// GetServerAddress returns the address of the server this cursor was opened
// against, if known.
func (bc *CommandBatchCursor) GetServerAddress() string {
	if cursor := bc.crm.getServerCursor(); cursor != nil {
		return cursor.Address
	}
	return ""
}

// GetPostBatchResumeToken returns the most recently observed PBRT.
func (bc *CommandBatchCursor) GetPostBatchResumeToken() bsoncore.Document { return bc.postBatchResumeToken }

// GetOperationTime returns the operationTime observed on the originating
// command, if any.
func (bc *CommandBatchCursor) GetOperationTime() *primitive.Timestamp { return bc.operationTime }

// IsFirstBatchEmpty reports whether the very first batch had zero documents.
func (bc *CommandBatchCursor) IsFirstBatchEmpty() bool { return bc.firstBatchEmpty }

// GetMaxWireVersion returns the wire version negotiated on the connection
// this cursor was opened over.
func (bc *CommandBatchCursor) GetMaxWireVersion() int32 { return bc.maxWireVersion }

// SetBatchSize updates the batch size used for subsequent getMores.
func (bc *CommandBatchCursor) SetBatchSize(n int32) { bc.batchSize = n }

// GetBatchSize returns the current batch size hint.
func (bc *CommandBatchCursor) GetBatchSize() int32 { return bc.batchSize }

// Available returns the number of documents buffered in the current batch.
func (bc *CommandBatchCursor) Available() int { return len(bc.current) }

// Err returns the last error observed by the cursor.
func (bc *CommandBatchCursor) Err() error { return bc.err }

// HasNext reports whether a call to Next would currently succeed without
// blocking on a getMore; it does not itself perform I/O.
func (bc *CommandBatchCursor) HasNext() bool { return len(bc.current) > 0 }

// Batch returns the currently buffered documents.
func (bc *CommandBatchCursor) Batch() []bsoncore.Document { return bc.current }

// Next advances the cursor, issuing a getMore if the local batch is
// exhausted and a server cursor remains. It returns false on error, on
// cursor exhaustion, or on a closed cursor.
func (bc *CommandBatchCursor) Next(ctx context.Context) bool {
	if len(bc.current) > 0 {
		return true
	}
	return bc.advance(ctx)
}

// TryNext behaves like Next but does not loop past an empty getMore
// response: a single round-trip is attempted and its result (possibly
// empty) is surfaced immediately.
func (bc *CommandBatchCursor) TryNext(ctx context.Context) bool {
	if len(bc.current) > 0 {
		return true
	}
	return bc.advance(ctx)
}

func (bc *CommandBatchCursor) advance(ctx context.Context) bool {
	cursor := bc.crm.getServerCursor()
	if cursor == nil || cursor.ID == 0 {
		return false
	}
	if bc.limit != 0 && bc.numReturned >= absInt32(bc.limit) {
		return false
	}

	started, err := bc.crm.tryStartOperation()
	if err != nil {
		bc.err = err
		return false
	}
	if !started {
		bc.err = ErrCursorClosed
		return false
	}
	defer bc.crm.endOperation(ctx)

	conn, release, err := bc.acquireConnection(ctx)
	if err != nil {
		bc.err = err
		return false
	}
	defer release()

	batchSize := bc.nextBatchSize()
	maxTimeMS := bc.getMoreMaxTimeMS()

	batch, err := bc.getMore(ctx, conn, bc.ns, cursor.ID, batchSize, maxTimeMS, bc.comment)
	if err != nil {
		if qf, ok := err.(QueryFailureError); ok {
			qf.CursorID = cursor.ID
			bc.err = qf
		} else {
			bc.err = err
		}
		if isSocketError(err) {
			bc.crm.onCorruptedConnection(conn)
		}
		return false
	}

	bc.current = batch.Documents
	bc.numReturned += int32(len(batch.Documents))
	if batch.PostBatchResumeToken != nil {
		bc.postBatchResumeToken = batch.PostBatchResumeToken
	}
	if batch.OperationTime != nil {
		bc.operationTime = batch.OperationTime
	}

	if batch.ServerCursor == nil || batch.ServerCursor.ID == 0 {
		bc.crm.setServerCursor(nil)
	} else {
		bc.crm.setServerCursor(batch.ServerCursor)
	}

	return len(bc.current) > 0
}

func isSocketError(err error) bool {
	if drvErr, ok := err.(Error); ok {
		return drvErr.HasErrorLabel(NetworkErrorLabel)
	}
	return false
}

// nextBatchSize bounds the batchSize hint by the remaining client-side limit.
func (bc *CommandBatchCursor) nextBatchSize() int32 {
	if bc.limit == 0 {
		return bc.batchSize
	}
	remaining := absInt32(bc.limit) - bc.numReturned
	if bc.batchSize != 0 && bc.batchSize < remaining {
		return bc.batchSize
	}
	return remaining
}

// getMoreMaxTimeMS applies the timeout-mode rule: CURSOR_LIFETIME
// omits maxTimeMS from getMore, ITERATION attaches it; tailable-await
// sends maxAwaitTimeMS as the getMore's maxTimeMS in either mode.
func (bc *CommandBatchCursor) getMoreMaxTimeMS() int64 {
	if bc.cursorType == TailableAwait {
		return bc.maxAwaitMS
	}
	if bc.timeoutMode == Iteration {
		return bc.maxTimeMS
	}
	return 0
}

func (bc *CommandBatchCursor) acquireConnection(ctx context.Context) (Connection, func(), error) {
	// The resource manager already owns either a pinned connection or a
	// retained source; acquireConnection never needs the binding again.
	if pinned := bc.pinnedConnection(); pinned != nil {
		return pinned, func() {}, nil
	}
	bc.crm.mu.Lock()
	source := bc.crm.source
	bc.crm.mu.Unlock()
	if source == nil {
		return nil, nil, ErrCursorClosed
	}
	conn, err := source.Connection(ctx)
	if err != nil {
		return nil, nil, err
	}
	return conn, func() { _ = conn.Release() }, nil
}

func (bc *CommandBatchCursor) pinnedConnection() Connection {
	bc.crm.mu.Lock()
	defer bc.crm.mu.Unlock()
	return bc.crm.pinnedConn
}

// Close closes the cursor. Close is idempotent, never blocks on an
// in-flight operation, and any server-side killCursors errors are
// swallowed.
func (bc *CommandBatchCursor) Close(ctx context.Context) error {
	bc.crm.close(ctx)
	return nil
}
