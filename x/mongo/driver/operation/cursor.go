// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package operation holds the CommandCreator for every supported operation,
// composing the shared driver package (the ExecutionHarness, RetryPolicy,
// and CommandBatchCursor) with variant-specific command bodies and response
// transformers.
package operation

import (
	"context"
	"strconv"

	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/relatedcode/mongo-opcore/x/mongo/driver"
)

// parseCursorResponse decodes the uniform `{ cursor: { id, ns, firstBatch|
// nextBatch, postBatchResumeToken? }, operationTime? }` shape every
// cursor-producing command response shares.
func parseCursorResponse(ns driver.Namespace, resp bsoncore.Document) (driver.CursorBatch, error) {
	batch := driver.CursorBatch{NS: ns}

	cursorVal, err := resp.LookupErr("cursor")
	if err != nil {
		return batch, driver.Error{Message: "response missing cursor field"}
	}
	cursorDoc, ok := cursorVal.DocumentOK()
	if !ok {
		return batch, driver.Error{Message: "cursor field is not a document"}
	}

	id, _ := cursorDoc.Lookup("id").Int64OK()

	var docsArr bsoncore.Array
	if arr, ok := cursorDoc.Lookup("firstBatch").ArrayOK(); ok {
		docsArr = arr
	} else if arr, ok := cursorDoc.Lookup("nextBatch").ArrayOK(); ok {
		docsArr = arr
	}
	if docsArr != nil {
		vals, _ := docsArr.Values()
		batch.Documents = make([]bsoncore.Document, 0, len(vals))
		for _, v := range vals {
			if d, ok := v.DocumentOK(); ok {
				batch.Documents = append(batch.Documents, d)
			}
		}
	}

	if id != 0 {
		address, _ := cursorDoc.Lookup("ns").StringValueOK() // informational only
		_ = address
		batch.ServerCursor = &driver.ServerCursor{ID: id}
	}

	if pbrt, ok := cursorDoc.Lookup("postBatchResumeToken").DocumentOK(); ok {
		batch.PostBatchResumeToken = pbrt
	}

	if opTime, err := resp.LookupErr("operationTime"); err == nil {
		t, i := opTime.Timestamp()
		batch.OperationTime = &primitive.Timestamp{T: t, I: i}
	}

	return batch, nil
}

// buildGetMore composes the getMore command document.
func buildGetMore(ns driver.Namespace, cursorID int64, batchSize int32, maxTimeMS int64, comment bsoncore.Value) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt64Element(dst, "getMore", cursorID)
	dst = bsoncore.AppendStringElement(dst, "collection", ns.Collection)
	if batchSize > 0 {
		dst = bsoncore.AppendInt32Element(dst, "batchSize", batchSize)
	}
	if maxTimeMS > 0 {
		dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", maxTimeMS)
	}
	if comment.Type != 0 {
		dst = append(bsoncore.AppendHeader(dst, comment.Type, "comment"), comment.Data...)
	}
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

// buildKillCursors composes the killCursors command document.
func buildKillCursors(ns driver.Namespace, cursorID int64) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "killCursors", ns.Collection)
	aidx, arr := bsoncore.AppendArrayStart(dst, "cursors")
	arr = bsoncore.AppendInt64Element(arr, "0", cursorID)
	arr, _ = bsoncore.AppendArrayEnd(arr, aidx)
	dst = arr
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

// newGetMoreFunc returns a getMore function bound to the given database
// name, issuing the command over the provided connection.
func newGetMoreFunc(database string) func(ctx context.Context, conn driver.Connection, ns driver.Namespace, cursorID int64, batchSize int32, maxTimeMS int64, comment bsoncore.Value) (driver.CursorBatch, error) {
	return func(ctx context.Context, conn driver.Connection, ns driver.Namespace, cursorID int64, batchSize int32, maxTimeMS int64, comment bsoncore.Value) (driver.CursorBatch, error) {
		cmd := buildGetMore(ns, cursorID, batchSize, maxTimeMS, comment)
		resp, err := conn.RunCommand(ctx, driver.CommandParams{Database: database, Command: cmd})
		if err != nil {
			if drvErr, ok := err.(driver.Error); ok && drvErr.Code == 43 {
				return driver.CursorBatch{}, driver.QueryFailureError{Message: drvErr.Message, CursorID: cursorID}
			}
			return driver.CursorBatch{}, err
		}
		return parseCursorResponse(ns, resp)
	}
}

// newKillCursorsFunc returns a killCursors function bound to the given
// database name. Errors are swallowed at the call site since resource
// release is best-effort.
func newKillCursorsFunc(database string) func(ctx context.Context, conn driver.Connection, ns driver.Namespace, cursorID int64) {
	return func(ctx context.Context, conn driver.Connection, ns driver.Namespace, cursorID int64) {
		cmd := buildKillCursors(ns, cursorID)
		_, _ = conn.RunCommand(ctx, driver.CommandParams{Database: database, Command: cmd})
	}
}

// indexFromKeys derives a default index name by concatenating key names and
// directions.
func indexFromKeys(keys bsoncore.Document) (string, error) {
	elems, err := keys.Elements()
	if err != nil {
		return "", err
	}
	name := ""
	for i, elem := range elems {
		if i > 0 {
			name += "_"
		}
		name += elem.Key() + "_"
		v := elem.Value()
		switch v.Type {
		case bsontype.Int32:
			name += strconv.FormatInt(int64(v.Int32()), 10)
		case bsontype.Int64:
			name += strconv.FormatInt(v.Int64(), 10)
		case bsontype.Double:
			name += strconv.FormatFloat(v.Double(), 'g', -1, 64)
		case bsontype.String:
			s, _ := v.StringValueOK()
			name += s
		default:
			name += "idx"
		}
	}
	return name, nil
}
