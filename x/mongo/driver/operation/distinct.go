// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/relatedcode/mongo-opcore/internal/codec"
	"github.com/relatedcode/mongo-opcore/x/mongo/driver"
	"github.com/relatedcode/mongo-opcore/x/mongo/driver/description"
)

// Distinct builds and executes a `distinct` command whose `values` array
// response is surfaced as a single-batch cursor.
type Distinct struct {
	Database   string
	Collection string

	Key       string
	Query     bsoncore.Document
	Collation bsoncore.Document

	HasExplain       bool
	ExplainVerbosity string

	Deployment driver.Deployment
	Selector   description.ServerSelector
	Retry      driver.RetryMode
}

// Create builds the distinct command.
func (d *Distinct) Create(ctx context.Context, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "distinct", d.Collection)
	dst = bsoncore.AppendStringElement(dst, "key", d.Key)
	if d.Query != nil {
		dst = bsoncore.AppendDocumentElement(dst, "query", d.Query)
	}

	var wireMax int32
	if desc.WireVersion != nil {
		wireMax = desc.WireVersion.Max
	}
	var err error
	dst, err = codec.AppendCollation(dst, d.Collation, wireMax)
	if err != nil {
		return nil, driver.InvalidArgumentError{Message: err.Error()}
	}
	dst, err = codec.AppendReadConcern(dst, opCtx.ReadConcern, opCtx.Session)
	if err != nil {
		return nil, err
	}
	dst = codec.AppendMaxTimeMS(dst, opCtx.RemainingMaxTimeMS())

	if d.HasExplain {
		return codec.WrapExplain(dst, d.ExplainVerbosity)
	}

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// Execute runs the distinct command and wraps its `values` array as a
// single-batch CommandBatchCursor with no live server cursor.
func (d *Distinct) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) (*driver.CommandBatchCursor, error) {
	ns := driver.NewNamespace(d.Database, d.Collection)
	op := &driver.Operation{
		CommandFn:  d.Create,
		Database:   d.Database,
		Deployment: d.Deployment,
		Selector:   d.Selector,
		Type:       driver.Read,
		RetryMode:  d.Retry,
	}

	var cursor *driver.CommandBatchCursor
	err := op.Execute(ctx, binding, opCtx, func(ctx context.Context, resp bsoncore.Document, source driver.ConnectionSource, conn driver.Connection) error {
		var docs []bsoncore.Document
		if arr, ok := resp.Lookup("values").ArrayOK(); ok {
			vals, _ := arr.Values()
			for i, v := range vals {
				idx, wrapped := bsoncore.AppendDocumentStart(nil)
				wrapped = append(bsoncore.AppendHeader(wrapped, v.Type, "value"), v.Data...)
				wrapped, _ = bsoncore.AppendDocumentEnd(wrapped, idx)
				_ = i
				docs = append(docs, wrapped)
			}
		}
		batch := driver.CursorBatch{NS: ns, Documents: docs}
		bc, err := driver.NewCommandBatchCursor(batch, source, conn, newKillCursorsFunc(d.Database), newGetMoreFunc(d.Database), driver.BatchCursorOptions{})
		if err != nil {
			return err
		}
		cursor = bc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cursor, nil
}
