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

// AggregateToCollection runs an aggregate whose pipeline ends in a terminal
// $out or $merge stage. It always targets the primary (or a read-preference
// binding where the topology permits secondary targeting for this command)
// and surfaces write-concern errors, returning Void.
type AggregateToCollection struct {
	Database   string
	Collection string
	Pipeline   bsoncore.Document
	Comment    interface{}
	MaxTimeMS  int64

	Deployment driver.Deployment
	Selector   description.ServerSelector
}

// Create builds the aggregate command with a zero-valued cursor
// sub-document, matching how the server is told this is not a
// cursor-returning invocation (the $out/$merge stage consumes the result).
func (a *AggregateToCollection) Create(ctx context.Context, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
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

	var err error
	dst, err = codec.AppendComment(dst, a.Comment)
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

	cidx, cdoc := bsoncore.AppendDocumentStart(nil)
	cdoc, err = bsoncore.AppendDocumentEnd(cdoc, cidx)
	if err != nil {
		return nil, err
	}
	dst = bsoncore.AppendDocumentElement(dst, "cursor", cdoc)
	dst = codec.AppendMaxTimeMS(dst, a.MaxTimeMS)

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// Execute runs the aggregate-to-collection write, surfacing any
// writeConcernError present in the response.
func (a *AggregateToCollection) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) error {
	op := &driver.Operation{
		CommandFn:  a.Create,
		Database:   a.Database,
		Deployment: a.Deployment,
		Selector:   a.Selector,
		Type:       driver.Write,
		RetryMode:  driver.RetryNone,
	}
	return op.Execute(ctx, binding, opCtx, func(ctx context.Context, resp bsoncore.Document, source driver.ConnectionSource, conn driver.Connection) error {
		return checkWriteConcernError(resp)
	})
}

// checkWriteConcernError detects and raises a writeConcernError sub-document
// in an otherwise-successful response.
func checkWriteConcernError(resp bsoncore.Document) error {
	if resp == nil {
		return nil
	}
	wceVal, err := resp.LookupErr("writeConcernError")
	if err != nil {
		return nil
	}
	doc, ok := wceVal.DocumentOK()
	if !ok {
		return nil
	}
	wce := &driver.WriteConcernError{}
	if code, ok := doc.Lookup("code").AsInt64OK(); ok {
		wce.Code = code
	}
	if msg, ok := doc.Lookup("errmsg").StringValueOK(); ok {
		wce.Message = msg
	}
	if info, ok := doc.Lookup("errInfo").DocumentOK(); ok {
		wce.Details = append([]byte(nil), info...)
	}
	return driver.WriteCommandError{WriteConcernError: wce}
}
