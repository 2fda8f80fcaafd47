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

// Count implements both count variants: CountDocuments uses a
// `count` command with a query; EstimatedDocumentCount uses `count` on the
// namespace without a filter and maps namespace-not-found to 0.
type Count struct {
	Database   string
	Collection string

	Query     bsoncore.Document // nil for EstimatedDocumentCount
	Comment   interface{}
	Estimated bool

	HasExplain       bool
	ExplainVerbosity string

	Deployment driver.Deployment
	Selector   description.ServerSelector
	Retry      driver.RetryMode
}

// Create builds the count command.
func (c *Count) Create(ctx context.Context, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "count", c.Collection)
	if c.Query != nil {
		dst = bsoncore.AppendDocumentElement(dst, "query", c.Query)
	}

	var err error
	dst, err = codec.AppendComment(dst, c.Comment)
	if err != nil {
		return nil, err
	}
	dst, err = codec.AppendReadConcern(dst, opCtx.ReadConcern, opCtx.Session)
	if err != nil {
		return nil, err
	}
	dst = codec.AppendMaxTimeMS(dst, opCtx.RemainingMaxTimeMS())

	if c.HasExplain {
		return codec.WrapExplain(dst, c.ExplainVerbosity)
	}

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// Execute runs the count command. EstimatedDocumentCount tolerates
// namespace-not-found, returning 0.
func (c *Count) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) (int64, error) {
	op := &driver.Operation{
		CommandFn:                 c.Create,
		Database:                  c.Database,
		Deployment:                c.Deployment,
		Selector:                  c.Selector,
		Type:                      driver.Read,
		RetryMode:                 c.Retry,
		NamespaceNotFoundTolerant: c.Estimated,
	}
	if c.Estimated {
		idx, zero := bsoncore.AppendDocumentStart(nil)
		zero = bsoncore.AppendInt64Element(zero, "n", 0)
		zero, _ = bsoncore.AppendDocumentEnd(zero, idx)
		op.DefaultValue = zero
	}

	var count int64
	err := op.Execute(ctx, binding, opCtx, func(ctx context.Context, resp bsoncore.Document, source driver.ConnectionSource, conn driver.Connection) error {
		if n, ok := resp.Lookup("n").AsInt64OK(); ok {
			count = n
		}
		return nil
	})
	return count, err
}
