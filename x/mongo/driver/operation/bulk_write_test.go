// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/relatedcode/mongo-opcore/x/mongo/driver"
	"github.com/relatedcode/mongo-opcore/x/mongo/driver/description"
)

func TestMergeBulkWriteResult(t *testing.T) {
	var dst BulkWriteResult
	mergeBulkWriteResult(&dst, BulkWriteResult{
		InsertedCount: 2,
		UpsertedIDs:   map[int64]interface{}{0: "a", 1: "b"},
		UpsertedCount: 2,
	}, 0)
	mergeBulkWriteResult(&dst, BulkWriteResult{
		ModifiedCount: 1,
		UpsertedIDs:   map[int64]interface{}{0: "c"},
		UpsertedCount: 1,
	}, 2)

	require.Equal(t, int64(2), dst.InsertedCount)
	require.Equal(t, int64(1), dst.ModifiedCount)
	require.Equal(t, int64(3), dst.UpsertedCount)
	require.Equal(t, map[int64]interface{}{0: "a", 1: "b", 2: "c"}, dst.UpsertedIDs,
		"the second batch's local index 0 must be offset by the first batch's size")
}

func TestAllSingleStatements(t *testing.T) {
	require.True(t, allSingleStatements([]WriteModel{{Type: UpdateModel, Multi: false}}))
	require.False(t, allSingleStatements([]WriteModel{{Type: UpdateModel, Multi: true}}))
	require.False(t, allSingleStatements([]WriteModel{{Type: DeleteModel, Multi: true}}),
		"a multi-delete chunk must also be excluded from retry eligibility")
	require.True(t, allSingleStatements([]WriteModel{
		{Type: DeleteModel, Multi: false},
		{Type: UpdateModel, Multi: false},
	}))
}

func TestTranslateWriteError(t *testing.T) {
	dup := driver.WriteCommandError{WriteErrors: []driver.WriteError{{Code: 11000, Message: "dup"}}}
	translated := translateWriteError(dup)
	_, ok := translated.(driver.DuplicateKeyError)
	require.True(t, ok)

	other := driver.WriteCommandError{WriteErrors: []driver.WriteError{{Code: 2, Message: "bad op"}}}
	require.Equal(t, other, translateWriteError(other))

	require.Nil(t, translateWriteError(nil))
}

func TestParseWriteResultUpdateWithUpserted(t *testing.T) {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendInt32Element(doc, "n", 2)
	doc = bsoncore.AppendInt32Element(doc, "nModified", 1)
	uidx, uarr := bsoncore.AppendArrayStart(doc, "upserted")
	eidx, edoc := bsoncore.AppendDocumentStart(nil)
	edoc = bsoncore.AppendInt32Element(edoc, "index", 0)
	edoc = bsoncore.AppendStringElement(edoc, "_id", "new-id")
	edoc, err := bsoncore.AppendDocumentEnd(edoc, eidx)
	require.NoError(t, err)
	uarr = bsoncore.AppendDocumentElement(uarr, "0", edoc)
	uarr, err = bsoncore.AppendArrayEnd(uarr, uidx)
	require.NoError(t, err)
	doc = uarr
	doc, err = bsoncore.AppendDocumentEnd(doc, idx)
	require.NoError(t, err)

	result, err := parseWriteResult(UpdateModel, doc)
	require.NoError(t, err)
	require.Equal(t, int64(2), result.MatchedCount)
	require.Equal(t, int64(1), result.ModifiedCount)
	require.Equal(t, int64(1), result.UpsertedCount)
	require.Contains(t, result.UpsertedIDs, int64(0))
}

// fakeBWConnection is a minimal driver.Connection double for bulk-write
// splitting tests: it records the command document it was handed and always
// replies with a fixed "n" count.
type fakeBWConnection struct {
	commands []bsoncore.Document
	n        int32
}

func (c *fakeBWConnection) RunCommand(ctx context.Context, params driver.CommandParams) (bsoncore.Document, error) {
	c.commands = append(c.commands, params.Command)
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendInt32Element(doc, "n", c.n)
	return bsoncore.AppendDocumentEnd(doc, idx)
}
func (c *fakeBWConnection) Description() description.Server {
	return description.Server{WireVersion: &description.VersionRange{Max: 17}}
}
func (c *fakeBWConnection) DriverConnectionID() string { return "fake" }
func (c *fakeBWConnection) Address() string            { return "localhost:27017" }
func (c *fakeBWConnection) Close() error                { return nil }
func (c *fakeBWConnection) Retain()                     {}
func (c *fakeBWConnection) Release() error              { return nil }

type fakeBWSource struct{ conn *fakeBWConnection }

func (s *fakeBWSource) Connection(ctx context.Context) (driver.Connection, error) { return s.conn, nil }
func (s *fakeBWSource) Server() driver.Server                                     { return nil }
func (s *fakeBWSource) Description() description.Server                          { return description.Server{} }
func (s *fakeBWSource) Retain() driver.ConnectionSource                          { return s }
func (s *fakeBWSource) Release() error                                           { return nil }

type fakeBWBinding struct{ source *fakeBWSource }

func (b *fakeBWBinding) GetReadConnectionSource(ctx context.Context) (driver.ConnectionSource, error) {
	return b.source, nil
}
func (b *fakeBWBinding) GetWriteConnectionSource(ctx context.Context) (driver.ConnectionSource, error) {
	return b.source, nil
}
func (b *fakeBWBinding) Deployment() driver.Deployment { return nil }

func insertModels(n int) []WriteModel {
	models := make([]WriteModel, n)
	for i := range models {
		idx, doc := bsoncore.AppendDocumentStart(nil)
		doc = bsoncore.AppendInt32Element(doc, "x", int32(i))
		doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
		models[i] = WriteModel{Type: InsertModel, Document: doc}
	}
	return models
}

func TestMixedBulkWriteOperationSplitsBatches(t *testing.T) {
	conn := &fakeBWConnection{n: 1}
	binding := &fakeBWBinding{source: &fakeBWSource{conn: conn}}

	m := &MixedBulkWriteOperation{
		Database:     "db",
		Collection:   "coll",
		Models:       insertModels(5),
		Ordered:      true,
		Deployment:   nil,
		maxBatchSize: 2,
	}

	opCtx := &driver.OperationContext{}
	result, err := m.Execute(context.Background(), binding, opCtx)
	require.NoError(t, err)

	require.Len(t, conn.commands, 3, "5 models at a batch size of 2 must split into 3 commands")
	require.Equal(t, int64(3), result.InsertedCount, "merged count is summed across every split batch")
}

func TestMixedBulkWriteOperationDefaultBatchSize(t *testing.T) {
	m := &MixedBulkWriteOperation{}
	require.Equal(t, defaultMaxWriteBatchSize, m.batchSize())
	m.maxBatchSize = 7
	require.Equal(t, 7, m.batchSize())
}
