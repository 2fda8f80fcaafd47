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

// Find builds and executes a find command, producing a cursor over the
// matched documents.
type Find struct {
	Database   string
	Collection string

	Filter     bsoncore.Document
	Projection bsoncore.Document
	Sort       bsoncore.Document
	Skip       *int64
	Limit      *int64
	BatchSize  *int32
	Collation  bsoncore.Document
	Hint       interface{}
	Comment    interface{}
	Let        bsoncore.Document
	Max        bsoncore.Document
	Min        bsoncore.Document
	ReturnKey  *bool
	ShowRecordID *bool
	NoCursorTimeout *bool
	AllowPartialResults *bool
	AllowDiskUse *bool

	HasExplain       bool
	ExplainVerbosity string

	CursorType  driver.CursorType
	TimeoutMode driver.TimeoutMode

	Deployment driver.Deployment
	Selector   description.ServerSelector
	Retry      driver.RetryMode
	LoadBalanced bool
}

// Create builds the find command. Tailable cursors never get maxTimeMS on
// the initial command; non-tailable cursors apply the cursor-lifetime /
// iteration timeout mode. Combining a tailable cursor with the
// cursor-lifetime timeout mode is an InvalidArgument, checked in Execute.
func (f *Find) Create(ctx context.Context, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "find", f.Collection)
	if f.Filter != nil {
		dst = bsoncore.AppendDocumentElement(dst, "filter", f.Filter)
	}
	if f.Sort != nil {
		dst = bsoncore.AppendDocumentElement(dst, "sort", f.Sort)
	}
	if f.Projection != nil {
		dst = bsoncore.AppendDocumentElement(dst, "projection", f.Projection)
	}
	if f.Skip != nil {
		dst = bsoncore.AppendInt64Element(dst, "skip", *f.Skip)
	}
	if f.Limit != nil {
		limit := *f.Limit
		if limit < 0 {
			dst = bsoncore.AppendInt64Element(dst, "limit", -limit)
			dst = bsoncore.AppendBooleanElement(dst, "singleBatch", true)
		} else if limit > 0 {
			dst = bsoncore.AppendInt64Element(dst, "limit", limit)
		}
	}
	if f.BatchSize != nil {
		dst = bsoncore.AppendInt32Element(dst, "batchSize", *f.BatchSize)
	}
	if f.CursorType == driver.Tailable || f.CursorType == driver.TailableAwait {
		dst = bsoncore.AppendBooleanElement(dst, "tailable", true)
	}
	if f.CursorType == driver.TailableAwait {
		dst = bsoncore.AppendBooleanElement(dst, "awaitData", true)
	}
	if f.NoCursorTimeout != nil {
		dst = bsoncore.AppendBooleanElement(dst, "noCursorTimeout", *f.NoCursorTimeout)
	}
	if f.AllowPartialResults != nil {
		dst = bsoncore.AppendBooleanElement(dst, "allowPartialResults", *f.AllowPartialResults)
	}
	if f.AllowDiskUse != nil {
		dst = bsoncore.AppendBooleanElement(dst, "allowDiskUse", *f.AllowDiskUse)
	}
	if f.Max != nil {
		dst = bsoncore.AppendDocumentElement(dst, "max", f.Max)
	}
	if f.Min != nil {
		dst = bsoncore.AppendDocumentElement(dst, "min", f.Min)
	}
	if f.ReturnKey != nil {
		dst = bsoncore.AppendBooleanElement(dst, "returnKey", *f.ReturnKey)
	}
	if f.ShowRecordID != nil {
		dst = bsoncore.AppendBooleanElement(dst, "showRecordId", *f.ShowRecordID)
	}

	var wireMax int32
	if desc.WireVersion != nil {
		wireMax = desc.WireVersion.Max
	}
	var err error
	dst, err = codec.AppendCollation(dst, f.Collation, wireMax)
	if err != nil {
		return nil, driver.InvalidArgumentError{Message: err.Error()}
	}
	dst, err = codec.AppendHint(dst, f.Hint)
	if err != nil {
		return nil, driver.InvalidArgumentError{Message: err.Error()}
	}
	dst, err = codec.AppendComment(dst, f.Comment)
	if err != nil {
		return nil, err
	}
	dst, err = codec.AppendLet(dst, f.Let)
	if err != nil {
		return nil, err
	}
	dst, err = codec.AppendReadConcern(dst, opCtx.ReadConcern, opCtx.Session)
	if err != nil {
		return nil, err
	}

	if f.CursorType == driver.NonTailable && f.TimeoutMode == driver.CursorLifetime {
		dst = codec.AppendMaxTimeMS(dst, opCtx.RemainingMaxTimeMS())
	}

	if f.HasExplain {
		return codec.WrapExplain(dst, f.ExplainVerbosity)
	}

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// Execute runs the find and hands back a CommandBatchCursor.
func (f *Find) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) (*driver.CommandBatchCursor, error) {
	if f.CursorType != driver.NonTailable && f.TimeoutMode == driver.CursorLifetime {
		return nil, driver.InvalidArgumentError{Message: "tailable cursors cannot use CURSOR_LIFETIME timeout mode"}
	}

	ns := driver.NewNamespace(f.Database, f.Collection)
	op := &driver.Operation{
		CommandFn:  f.Create,
		Database:   f.Database,
		Deployment: f.Deployment,
		Selector:   f.Selector,
		Type:       driver.Read,
		RetryMode:  f.Retry,
	}

	var cursor *driver.CommandBatchCursor
	handle := func(ctx context.Context, resp bsoncore.Document, source driver.ConnectionSource, conn driver.Connection) error {
		batch, err := parseCursorResponse(ns, resp)
		if err != nil {
			return err
		}
		bc, err := driver.NewCommandBatchCursor(batch, source, conn, newKillCursorsFunc(f.Database), newGetMoreFunc(f.Database), driver.BatchCursorOptions{
			BatchSize:    ptrutil.Int32OrZero(f.BatchSize),
			Limit:        int32(ptrutil.Int64OrZero(f.Limit)),
			TimeoutMode:  f.TimeoutMode,
			CursorType:   f.CursorType,
			MaxTimeMS:    opCtx.MaxTimeMS,
			MaxAwaitMS:   opCtx.MaxAwaitMS,
			LoadBalanced: f.LoadBalanced,
		})
		if err != nil {
			return err
		}
		cursor = bc
		return nil
	}

	if err := op.Execute(ctx, binding, opCtx, handle); err != nil {
		return nil, err
	}
	return cursor, nil
}
