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
	"github.com/relatedcode/mongo-opcore/internal/ptrutil"
	"github.com/relatedcode/mongo-opcore/x/mongo/driver"
	"github.com/relatedcode/mongo-opcore/x/mongo/driver/description"
)

// ListCollections builds and executes a listCollections command, sharing
// the uniform `{ cursor: { firstBatch, id, ns } }` response shape with
// Find/Aggregate.
type ListCollections struct {
	Database string

	Filter         bsoncore.Document
	NameOnly       *bool
	AuthorizedColl *bool
	BatchSize      *int32
	Comment        interface{}

	Deployment driver.Deployment
	Selector   description.ServerSelector
	Retry      driver.RetryMode
}

// Create builds the listCollections command.
func (l *ListCollections) Create(ctx context.Context, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "listCollections", 1)
	if l.Filter != nil {
		dst = bsoncore.AppendDocumentElement(dst, "filter", l.Filter)
	}
	if l.NameOnly != nil {
		dst = bsoncore.AppendBooleanElement(dst, "nameOnly", *l.NameOnly)
	}
	if l.AuthorizedColl != nil {
		dst = bsoncore.AppendBooleanElement(dst, "authorizedCollections", *l.AuthorizedColl)
	}
	if l.BatchSize != nil {
		cidx, cdoc := bsoncore.AppendDocumentStart(nil)
		cdoc = bsoncore.AppendInt32Element(cdoc, "batchSize", *l.BatchSize)
		cdoc, _ = bsoncore.AppendDocumentEnd(cdoc, cidx)
		dst = bsoncore.AppendDocumentElement(dst, "cursor", cdoc)
	}

	var err error
	dst, err = codec.AppendComment(dst, l.Comment)
	if err != nil {
		return nil, err
	}
	dst = codec.AppendMaxTimeMS(dst, opCtx.RemainingMaxTimeMS())

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// Execute runs listCollections and hands back a cursor over the
// pseudo-namespace `<database>.$cmd.listCollections`; getMore/killCursors
// send `$cmd.listCollections` as their collection name.
func (l *ListCollections) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) (*driver.CommandBatchCursor, error) {
	ns := driver.NewNamespace(l.Database, "$cmd.listCollections")
	op := &driver.Operation{
		CommandFn:  l.Create,
		Database:   l.Database,
		Deployment: l.Deployment,
		Selector:   l.Selector,
		Type:       driver.Read,
		RetryMode:  l.Retry,
	}

	var cursor *driver.CommandBatchCursor
	err := op.Execute(ctx, binding, opCtx, func(ctx context.Context, resp bsoncore.Document, source driver.ConnectionSource, conn driver.Connection) error {
		batch, err := parseCursorResponse(ns, resp)
		if err != nil {
			return err
		}
		bc, err := driver.NewCommandBatchCursor(batch, source, conn, newKillCursorsFunc(l.Database), newGetMoreFunc(l.Database), driver.BatchCursorOptions{
			BatchSize: ptrutil.Int32OrZero(l.BatchSize),
		})
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

// ListIndexes builds and executes a listIndexes command, producing a cursor
// over the collection's index specifications.
type ListIndexes struct {
	Database   string
	Collection string

	BatchSize *int32
	Comment   interface{}

	Deployment driver.Deployment
	Selector   description.ServerSelector
	Retry      driver.RetryMode
}

// Create builds the listIndexes command.
func (l *ListIndexes) Create(ctx context.Context, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "listIndexes", l.Collection)
	if l.BatchSize != nil {
		cidx, cdoc := bsoncore.AppendDocumentStart(nil)
		cdoc = bsoncore.AppendInt32Element(cdoc, "batchSize", *l.BatchSize)
		cdoc, _ = bsoncore.AppendDocumentEnd(cdoc, cidx)
		dst = bsoncore.AppendDocumentElement(dst, "cursor", cdoc)
	}

	var err error
	dst, err = codec.AppendComment(dst, l.Comment)
	if err != nil {
		return nil, err
	}
	dst = codec.AppendMaxTimeMS(dst, opCtx.RemainingMaxTimeMS())

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// Execute runs listIndexes, tolerating namespace-not-found by returning an
// empty cursor: a never-created collection simply has no indexes.
func (l *ListIndexes) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) (*driver.CommandBatchCursor, error) {
	ns := driver.NewNamespace(l.Database, l.Collection)
	op := &driver.Operation{
		CommandFn:                 l.Create,
		Database:                  l.Database,
		Deployment:                l.Deployment,
		Selector:                  l.Selector,
		Type:                      driver.Read,
		RetryMode:                 l.Retry,
		NamespaceNotFoundTolerant: true,
		DefaultValue:              emptyCursorDocument(ns),
	}

	var cursor *driver.CommandBatchCursor
	err := op.Execute(ctx, binding, opCtx, func(ctx context.Context, resp bsoncore.Document, source driver.ConnectionSource, conn driver.Connection) error {
		batch, err := parseCursorResponse(ns, resp)
		if err != nil {
			return err
		}
		bc, err := driver.NewCommandBatchCursor(batch, source, conn, newKillCursorsFunc(l.Database), newGetMoreFunc(l.Database), driver.BatchCursorOptions{
			BatchSize: ptrutil.Int32OrZero(l.BatchSize),
		})
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

// emptyCursorDocument synthesizes a zero-result `{ cursor: { id: 0,
// firstBatch: [] }, ok: 1 }` response, the DefaultValue ListIndexes
// substitutes for a namespace-not-found failure.
func emptyCursorDocument(ns driver.Namespace) bsoncore.Document {
	cidx, cdoc := bsoncore.AppendDocumentStart(nil)
	cdoc = bsoncore.AppendInt64Element(cdoc, "id", 0)
	cdoc = bsoncore.AppendStringElement(cdoc, "ns", ns.FullName())
	aidx, arr := bsoncore.AppendArrayStart(cdoc, "firstBatch")
	arr, _ = bsoncore.AppendArrayEnd(arr, aidx)
	cdoc = arr
	cdoc, _ = bsoncore.AppendDocumentEnd(cdoc, cidx)

	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendDocumentElement(dst, "cursor", cdoc)
	dst = bsoncore.AppendInt32Element(dst, "ok", 1)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

// ListDatabases builds and executes a listDatabases command. Unlike the
// other List* operations this is not cursor-producing: the server returns
// the full database list inline.
type ListDatabases struct {
	Filter              bsoncore.Document
	NameOnly            *bool
	AuthorizedDatabases *bool
	Comment             interface{}

	Deployment driver.Deployment
	Selector   description.ServerSelector
	Retry      driver.RetryMode
}

// ListDatabasesResult is one entry of the `databases` array in a
// listDatabases response.
type ListDatabasesResult struct {
	Name       string
	SizeOnDisk int64
	Empty      bool
}

// Create builds the listDatabases command.
func (l *ListDatabases) Create(ctx context.Context, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "listDatabases", 1)
	if l.Filter != nil {
		dst = bsoncore.AppendDocumentElement(dst, "filter", l.Filter)
	}
	if l.NameOnly != nil {
		dst = bsoncore.AppendBooleanElement(dst, "nameOnly", *l.NameOnly)
	}
	if l.AuthorizedDatabases != nil {
		dst = bsoncore.AppendBooleanElement(dst, "authorizedDatabases", *l.AuthorizedDatabases)
	}

	var err error
	dst, err = codec.AppendComment(dst, l.Comment)
	if err != nil {
		return nil, err
	}
	dst = codec.AppendMaxTimeMS(dst, opCtx.RemainingMaxTimeMS())

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// Execute runs listDatabases, always against the admin database.
func (l *ListDatabases) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) ([]ListDatabasesResult, error) {
	op := &driver.Operation{
		CommandFn:  l.Create,
		Database:   "admin",
		Deployment: l.Deployment,
		Selector:   l.Selector,
		Type:       driver.Read,
		RetryMode:  l.Retry,
	}

	var results []ListDatabasesResult
	err := op.Execute(ctx, binding, opCtx, func(ctx context.Context, resp bsoncore.Document, source driver.ConnectionSource, conn driver.Connection) error {
		arr, ok := resp.Lookup("databases").ArrayOK()
		if !ok {
			return nil
		}
		vals, err := arr.Values()
		if err != nil {
			return err
		}
		results = make([]ListDatabasesResult, 0, len(vals))
		for _, v := range vals {
			doc, ok := v.DocumentOK()
			if !ok {
				continue
			}
			var r ListDatabasesResult
			r.Name, _ = doc.Lookup("name").StringValueOK()
			r.SizeOnDisk, _ = doc.Lookup("sizeOnDisk").AsInt64OK()
			r.Empty, _ = doc.Lookup("empty").BooleanOK()
			results = append(results, r)
		}
		return nil
	})
	return results, err
}
