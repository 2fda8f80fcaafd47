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

// Aggregate builds and executes an ordered pipeline against a collection
// or, for database/cluster-level pipelines (such as $changeStream on a
// whole database or deployment), the numeric target 1.
type Aggregate struct {
	Database   string
	Collection string // empty for database/cluster-level targets (emits target 1)

	Pipeline       bsoncore.Document // a BSON array of pipeline stage documents
	AllowDiskUse   *bool
	BatchSize      *int32
	Collation      bsoncore.Document
	Comment        interface{}
	Hint           interface{}
	Let            bsoncore.Document
	MaxTimeMS      int64
	HasExplain     bool
	ExplainVerbosity string

	Deployment driver.Deployment
	Selector   description.ServerSelector
	Retry      driver.RetryMode
	TimeoutMode driver.TimeoutMode
	LoadBalanced bool
}

// Create builds the aggregate command document. It is pure and
// safe to call more than once, per the CommandCreator contract.
func (a *Aggregate) Create(ctx context.Context, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
	if len(a.Pipeline) == 0 {
		return nil, driver.ErrEmptyPipeline
	}

	idx, dst := bsoncore.AppendDocumentStart(nil)
	if a.Collection != "" {
		dst = bsoncore.AppendStringElement(dst, "aggregate", a.Collection)
	} else {
		dst = bsoncore.AppendInt32Element(dst, "aggregate", 1)
	}
	dst = bsoncore.AppendArrayElement(dst, "pipeline", bsoncore.Array(a.Pipeline))

	if a.AllowDiskUse != nil {
		dst = bsoncore.AppendBooleanElement(dst, "allowDiskUse", *a.AllowDiskUse)
	}

	var wireMax int32
	if desc.WireVersion != nil {
		wireMax = desc.WireVersion.Max
	}

	var err error
	dst, err = codec.AppendCollation(dst, a.Collation, wireMax)
	if err != nil {
		return nil, driver.InvalidArgumentError{Message: err.Error()}
	}
	dst, err = codec.AppendComment(dst, a.Comment)
	if err != nil {
		return nil, err
	}
	dst, err = codec.AppendHint(dst, a.Hint)
	if err != nil {
		return nil, driver.InvalidArgumentError{Message: err.Error()}
	}
	dst, err = codec.AppendLet(dst, a.Let)
	if err != nil {
		return nil, err
	}
	dst, err = codec.AppendReadConcern(dst, opCtx.ReadConcern, opCtx.Session)
	if err != nil {
		return nil, err
	}
	inTxn := opCtx.Session != nil && opCtx.Session.TransactionInProgress()
	dst, err = codec.AppendWriteConcern(dst, opCtx.WriteConcern, inTxn)
	if err != nil {
		return nil, err
	}

	// cursor sub-document with optional batchSize.
	cidx, cdoc := bsoncore.AppendDocumentStart(nil)
	if a.BatchSize != nil {
		cdoc = bsoncore.AppendInt32Element(cdoc, "batchSize", *a.BatchSize)
	}
	cdoc, err = bsoncore.AppendDocumentEnd(cdoc, cidx)
	if err != nil {
		return nil, err
	}
	dst = bsoncore.AppendDocumentElement(dst, "cursor", cdoc)

	dst = codec.AppendMaxTimeMS(dst, a.maxTimeMS(opCtx))

	if a.HasExplain {
		return codec.WrapExplain(dst, a.ExplainVerbosity)
	}

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// maxTimeMS resolves the maxTimeMS to attach under the cursor-lifetime /
// iteration timeout modes (aggregate cursors are always non-tailable).
func (a *Aggregate) maxTimeMS(opCtx *driver.OperationContext) int64 {
	if a.MaxTimeMS > 0 {
		return a.MaxTimeMS
	}
	if a.TimeoutMode == driver.Iteration {
		return 0
	}
	return opCtx.RemainingMaxTimeMS()
}

// Execute runs the operation and, on success, hands back a
// CommandBatchCursor.
func (a *Aggregate) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) (*driver.CommandBatchCursor, error) {
	ns := driver.NewNamespace(a.Database, a.Collection)

	op := &driver.Operation{
		CommandFn:  a.Create,
		Database:   a.Database,
		Deployment: a.Deployment,
		Selector:   a.Selector,
		Type:       driver.Read,
		RetryMode:  a.Retry,
	}

	var cursor *driver.CommandBatchCursor
	handle := func(ctx context.Context, resp bsoncore.Document, source driver.ConnectionSource, conn driver.Connection) error {
		batch, err := parseCursorResponse(ns, resp)
		if err != nil {
			return err
		}
		bc, err := driver.NewCommandBatchCursor(batch, source, conn, newKillCursorsFunc(a.Database), newGetMoreFunc(a.Database), driver.BatchCursorOptions{
			BatchSize:    ptrutil.Int32OrZero(a.BatchSize),
			TimeoutMode:  a.TimeoutMode,
			CursorType:   driver.NonTailable,
			MaxTimeMS:    a.maxTimeMS(opCtx),
			LoadBalanced: a.LoadBalanced,
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
