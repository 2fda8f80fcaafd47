// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/relatedcode/mongo-opcore/x/mongo/driver/description"
)

// fakeConnection is a minimal Connection double that counts Release calls so
// tests can assert resource cleanup happens exactly once.
type fakeConnection struct {
	released int
	retained int
	runErr   error
	runResp  bsoncore.Document
}

func (c *fakeConnection) RunCommand(ctx context.Context, params CommandParams) (bsoncore.Document, error) {
	return c.runResp, c.runErr
}
func (c *fakeConnection) Description() description.Server {
	return description.Server{WireVersion: &description.VersionRange{Max: 17}}
}
func (c *fakeConnection) DriverConnectionID() string       { return "fake" }
func (c *fakeConnection) Address() string                  { return "localhost:27017" }
func (c *fakeConnection) Close() error                     { return nil }
func (c *fakeConnection) Retain()                          { c.retained++ }
func (c *fakeConnection) Release() error                   { c.released++; return nil }

// fakeSource is a minimal ConnectionSource double.
type fakeSource struct {
	conn     *fakeConnection
	connErr  error
	released int
}

func (s *fakeSource) Connection(ctx context.Context) (Connection, error) {
	if s.connErr != nil {
		return nil, s.connErr
	}
	return s.conn, nil
}
func (s *fakeSource) Server() Server                  { return nil }
func (s *fakeSource) Description() description.Server { return description.Server{} }
func (s *fakeSource) Retain() ConnectionSource         { return s }
func (s *fakeSource) Release() error                  { s.released++; return nil }

func TestCursorResourceManagerStartEndOperation(t *testing.T) {
	source := &fakeSource{conn: &fakeConnection{}}
	crm := newCursorResourceManager(NewNamespace("db", "coll"), source, nil, &ServerCursor{ID: 5}, nil)

	started, err := crm.tryStartOperation()
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, CursorOperationInProgress, crm.state)

	started, err = crm.tryStartOperation()
	require.ErrorIs(t, err, ErrConcurrentOperation)
	require.False(t, started)

	crm.endOperation(context.Background())
	require.Equal(t, CursorIdle, crm.state)
}

func TestCursorResourceManagerCloseWhileIdle(t *testing.T) {
	var killed int64 = -1
	source := &fakeSource{conn: &fakeConnection{}}
	kc := func(ctx context.Context, conn Connection, ns Namespace, id int64) { killed = id }
	crm := newCursorResourceManager(NewNamespace("db", "coll"), source, nil, &ServerCursor{ID: 9}, kc)

	crm.close(context.Background())
	require.Equal(t, CursorClosed, crm.state)
	require.Equal(t, int64(9), killed)
	require.Equal(t, 1, source.released)
}

func TestCursorResourceManagerCloseDeferredDuringOperation(t *testing.T) {
	var killed bool
	source := &fakeSource{conn: &fakeConnection{}}
	kc := func(ctx context.Context, conn Connection, ns Namespace, id int64) { killed = true }
	crm := newCursorResourceManager(NewNamespace("db", "coll"), source, nil, &ServerCursor{ID: 3}, kc)

	started, err := crm.tryStartOperation()
	require.NoError(t, err)
	require.True(t, started)

	// Closing mid-operation must not kill the cursor or release resources yet.
	crm.close(context.Background())
	require.Equal(t, CursorClosePending, crm.state)
	require.False(t, killed)
	require.Equal(t, 0, source.released)

	// Ending the in-flight operation drains the deferred close.
	crm.endOperation(context.Background())
	require.Equal(t, CursorClosed, crm.state)
	require.True(t, killed)
	require.Equal(t, 1, source.released)
}

func TestCursorResourceManagerCloseIsIdempotent(t *testing.T) {
	var calls int
	source := &fakeSource{conn: &fakeConnection{}}
	kc := func(ctx context.Context, conn Connection, ns Namespace, id int64) { calls++ }
	crm := newCursorResourceManager(NewNamespace("db", "coll"), source, nil, &ServerCursor{ID: 1}, kc)

	crm.close(context.Background())
	crm.close(context.Background())
	require.Equal(t, 1, calls)
	require.Equal(t, 1, source.released)
}

func TestCursorResourceManagerNoServerCursorReleasesImmediately(t *testing.T) {
	source := &fakeSource{conn: &fakeConnection{}}
	crm := newCursorResourceManager(NewNamespace("db", "coll"), source, nil, nil, nil)
	require.Equal(t, 1, source.released)
	require.Nil(t, crm.getServerCursor())
}

func TestCursorResourceManagerOnCorruptedConnectionSkipsKillCursors(t *testing.T) {
	var calls int
	conn := &fakeConnection{}
	source := &fakeSource{conn: conn}
	kc := func(ctx context.Context, conn Connection, ns Namespace, id int64) { calls++ }
	crm := newCursorResourceManager(NewNamespace("db", "coll"), source, conn, &ServerCursor{ID: 7}, kc)

	crm.onCorruptedConnection(conn)
	crm.close(context.Background())
	require.Equal(t, 0, calls)
}

func TestCommandBatchCursorAdvanceExhaustsServerCursor(t *testing.T) {
	conn := &fakeConnection{}
	source := &fakeSource{conn: conn}

	ns := NewNamespace("db", "coll")
	batch := CursorBatch{NS: ns, ServerCursor: &ServerCursor{ID: 42}}

	var getMoreCalls int
	getMore := func(ctx context.Context, conn Connection, ns Namespace, cursorID int64, batchSize int32, maxTimeMS int64, comment bsoncore.Value) (CursorBatch, error) {
		getMoreCalls++
		return CursorBatch{NS: ns, ServerCursor: &ServerCursor{ID: 0}}, nil
	}

	bc, err := NewCommandBatchCursor(batch, source, conn, nil, getMore, BatchCursorOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(42), bc.ID())
	require.False(t, bc.HasNext())

	require.False(t, bc.Next(context.Background()), "an empty getMore batch with server cursor id 0 exhausts the cursor")
	require.Equal(t, 1, getMoreCalls)
	require.Equal(t, int64(0), bc.ID(), "server cursor id 0 in the getMore response exhausts the cursor")

	require.False(t, bc.Next(context.Background()), "once exhausted, Next must not issue another getMore")
	require.Equal(t, 1, getMoreCalls)
}

func TestCommandBatchCursorCloseReleasesSource(t *testing.T) {
	conn := &fakeConnection{}
	source := &fakeSource{conn: conn}
	ns := NewNamespace("db", "coll")
	batch := CursorBatch{NS: ns, ServerCursor: &ServerCursor{ID: 1}}

	var killed bool
	kc := func(ctx context.Context, conn Connection, ns Namespace, id int64) { killed = true }

	bc, err := NewCommandBatchCursor(batch, source, conn, kc, nil, BatchCursorOptions{})
	require.NoError(t, err)

	require.NoError(t, bc.Close(context.Background()))
	require.True(t, killed)
	require.Equal(t, 1, source.released)
}
