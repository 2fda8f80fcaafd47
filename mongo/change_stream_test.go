// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/relatedcode/mongo-opcore/x/mongo/driver"
	"github.com/relatedcode/mongo-opcore/x/mongo/driver/description"
)

func TestChangeStreamReplaceOptionsPrefersResumeToken(t *testing.T) {
	cs := &ChangeStream{opts: &ChangeStreamOptions{}}
	cs.resumeToken = bson.Raw(bsoncore.Document{})
	cs.operationTime = &primitive.Timestamp{T: 5}

	cs.replaceOptions(&description.VersionRange{Max: 17})

	require.NotNil(t, cs.opts.ResumeAfter)
	require.Nil(t, cs.opts.StartAfter)
	require.Nil(t, cs.opts.StartAtOperationTime)
}

func TestChangeStreamReplaceOptionsFallsBackToOperationTime(t *testing.T) {
	cs := &ChangeStream{opts: &ChangeStreamOptions{}}
	cs.operationTime = &primitive.Timestamp{T: 5, I: 1}

	cs.replaceOptions(&description.VersionRange{Max: 7})
	require.Equal(t, &primitive.Timestamp{T: 5, I: 1}, cs.opts.StartAtOperationTime)
	require.Nil(t, cs.opts.ResumeAfter)

	// Below wire version 7, operation time resumption isn't supported:
	// everything is cleared instead.
	cs.opts = &ChangeStreamOptions{}
	cs.replaceOptions(&description.VersionRange{Max: 6})
	require.Nil(t, cs.opts.StartAtOperationTime)
}

func TestChangeStreamReplaceOptionsClearsWhenNothingCached(t *testing.T) {
	cs := &ChangeStream{opts: &ChangeStreamOptions{
		ResumeAfter:          bsoncore.Document{},
		StartAfter:           bsoncore.Document{},
		StartAtOperationTime: &primitive.Timestamp{T: 1},
	}}

	cs.replaceOptions(nil)

	require.Nil(t, cs.opts.ResumeAfter)
	require.Nil(t, cs.opts.StartAfter)
	require.Nil(t, cs.opts.StartAtOperationTime)
}

func TestChangeStreamIsResumableError(t *testing.T) {
	cs := &ChangeStream{}

	cs.err = driver.ChangeStreamError{Message: "bad resume token"}
	require.False(t, cs.isResumableError())

	cs.err = driver.Error{Labels: []string{driver.NetworkErrorLabel}}
	require.True(t, cs.isResumableError())

	wv := &description.VersionRange{Max: 9}
	cs.wireVersion = wv
	cs.err = driver.Error{Code: 1}
	require.False(t, cs.isResumableError(), "an untagged error at/above the labeling wire version is not resumable")
}

// fakeCSConnection/fakeCSSource let storeResumeToken/updatePbrtFromCursor
// tests install a real *driver.CommandBatchCursor without a live server.
type fakeCSConnection struct{}

func (c *fakeCSConnection) RunCommand(ctx context.Context, params driver.CommandParams) (bsoncore.Document, error) {
	return nil, nil
}
func (c *fakeCSConnection) Description() description.Server {
	return description.Server{WireVersion: &description.VersionRange{Max: 17}}
}
func (c *fakeCSConnection) DriverConnectionID() string { return "fake" }
func (c *fakeCSConnection) Address() string            { return "localhost:27017" }
func (c *fakeCSConnection) Close() error                { return nil }
func (c *fakeCSConnection) Retain()                     {}
func (c *fakeCSConnection) Release() error              { return nil }

type fakeCSSource struct{ conn *fakeCSConnection }

func (s *fakeCSSource) Connection(ctx context.Context) (driver.Connection, error) { return s.conn, nil }
func (s *fakeCSSource) Server() driver.Server                                     { return nil }
func (s *fakeCSSource) Description() description.Server                          { return description.Server{} }
func (s *fakeCSSource) Retain() driver.ConnectionSource                          { return s }
func (s *fakeCSSource) Release() error                                           { return nil }

func newTestCursor(t *testing.T, pbrt bsoncore.Document, docs []bsoncore.Document) *driver.CommandBatchCursor {
	t.Helper()
	conn := &fakeCSConnection{}
	source := &fakeCSSource{conn: conn}
	ns := driver.NewNamespace("db", "coll")
	batch := driver.CursorBatch{
		NS:                   ns,
		Documents:            docs,
		ServerCursor:         &driver.ServerCursor{ID: 123},
		PostBatchResumeToken: pbrt,
	}
	bc, err := driver.NewCommandBatchCursor(batch, source, conn, nil, nil, driver.BatchCursorOptions{})
	require.NoError(t, err)
	return bc
}

func TestChangeStreamStoreResumeTokenPrefersIDWhenBatchRemains(t *testing.T) {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	iidx, idoc := bsoncore.AppendDocumentStart(nil)
	idoc = bsoncore.AppendInt32Element(idoc, "ts", 1)
	idoc, err := bsoncore.AppendDocumentEnd(idoc, iidx)
	require.NoError(t, err)
	doc = bsoncore.AppendDocumentElement(doc, "_id", idoc)
	doc, err = bsoncore.AppendDocumentEnd(doc, idx)
	require.NoError(t, err)

	cs := &ChangeStream{opts: &ChangeStreamOptions{}}
	cs.cursor = newTestCursor(t, bsoncore.Document{}, []bsoncore.Document{doc, doc})
	cs.Current = bson.Raw(doc)
	cs.batch = []bsoncore.Document{doc} // one document still pending after Current

	require.NoError(t, cs.storeResumeToken())
	require.Equal(t, bson.Raw(idoc), cs.resumeToken)
}

func TestChangeStreamStoreResumeTokenMissingIDFails(t *testing.T) {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendStringElement(doc, "noID", "x")
	doc, err := bsoncore.AppendDocumentEnd(doc, idx)
	require.NoError(t, err)

	cs := &ChangeStream{opts: &ChangeStreamOptions{}}
	cs.cursor = newTestCursor(t, nil, nil)
	cs.Current = bson.Raw(doc)
	cs.batch = nil

	err = cs.storeResumeToken()
	require.ErrorIs(t, err, driver.ErrMissingResumeToken)
}

func TestChangeStreamUpdatePbrtFromCursorOnlyWhenBatchEmpty(t *testing.T) {
	pidx, pdoc := bsoncore.AppendDocumentStart(nil)
	pdoc = bsoncore.AppendInt32Element(pdoc, "t", 1)
	pbrt, err := bsoncore.AppendDocumentEnd(pdoc, pidx)
	require.NoError(t, err)

	cs := &ChangeStream{}
	cs.cursor = newTestCursor(t, pbrt, nil)
	cs.batch = nil

	cs.updatePbrtFromCursor()
	require.Equal(t, bson.Raw(pbrt), cs.resumeToken)
}
