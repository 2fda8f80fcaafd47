// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/relatedcode/mongo-opcore/x/mongo/driver"
	"github.com/relatedcode/mongo-opcore/x/mongo/driver/description"
)

// LegacyWriteResult is the synthesized `{ ok: 1, n, updatedExisting?,
// upserted? }` shape the single-statement wrappers below produce from a
// BulkWriteResult, matching the pre-bulk-API write response.
type LegacyWriteResult struct {
	N              int64
	UpdatedExisting bool
	Upserted       interface{}
}

// InsertOperation is the batch-insert wrapper: it routes through
// MixedBulkWriteOperation with a single InsertModel per document and
// reports the inserted count.
type InsertOperation struct {
	Database   string
	Collection string
	Documents  []bsoncore.Document

	Ordered                  bool
	BypassDocumentValidation *bool
	Comment                  interface{}

	Deployment driver.Deployment
	Selector   description.ServerSelector
	Retry      driver.RetryMode
}

// Execute inserts every document, returning the number inserted and, on
// failure, a DuplicateKeyError or WriteCommandError translated by the
// underlying bulk-write harness.
func (i *InsertOperation) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) (LegacyWriteResult, error) {
	models := make([]WriteModel, len(i.Documents))
	for idx, doc := range i.Documents {
		models[idx] = WriteModel{Type: InsertModel, Document: doc}
	}

	bulk := &MixedBulkWriteOperation{
		Database:                 i.Database,
		Collection:               i.Collection,
		Models:                   models,
		Ordered:                  i.Ordered,
		BypassDocumentValidation: i.BypassDocumentValidation,
		Comment:                  i.Comment,
		Deployment:               i.Deployment,
		Selector:                 i.Selector,
		Retry:                    i.Retry,
	}
	result, err := bulk.Execute(ctx, binding, opCtx)
	return LegacyWriteResult{N: result.InsertedCount}, err
}

// UpdateOperation is the single update-statement wrapper, reporting
// matched/modified/upserted counts in the legacy shape.
type UpdateOperation struct {
	Database   string
	Collection string

	Filter       bsoncore.Document
	Update       bsoncore.Value
	Multi        bool
	Upsert       bool
	Collation    bsoncore.Document
	ArrayFilters bsoncore.Document
	Hint         interface{}

	Ordered                  bool
	BypassDocumentValidation *bool
	Let                      bsoncore.Document
	Comment                  interface{}

	Deployment driver.Deployment
	Selector   description.ServerSelector
	Retry      driver.RetryMode
}

// Execute performs the update and synthesizes the legacy result shape:
// `updatedExisting` is true when at least one existing document matched and
// no upsert occurred; `upserted` carries the generated _id when one did.
func (u *UpdateOperation) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) (LegacyWriteResult, error) {
	bulk := &MixedBulkWriteOperation{
		Database:   u.Database,
		Collection: u.Collection,
		Models: []WriteModel{{
			Type:         UpdateModel,
			Filter:       u.Filter,
			Update:       u.Update,
			Multi:        u.Multi,
			Upsert:       u.Upsert,
			Collation:    u.Collation,
			ArrayFilters: u.ArrayFilters,
			Hint:         u.Hint,
		}},
		Ordered:                  u.Ordered,
		BypassDocumentValidation: u.BypassDocumentValidation,
		Let:                      u.Let,
		Comment:                  u.Comment,
		Deployment:               u.Deployment,
		Selector:                 u.Selector,
		Retry:                    u.Retry,
	}
	result, err := bulk.Execute(ctx, binding, opCtx)
	if err != nil {
		return LegacyWriteResult{}, err
	}

	legacy := LegacyWriteResult{N: result.MatchedCount}
	if result.UpsertedCount > 0 {
		legacy.N = result.UpsertedCount
		for _, id := range result.UpsertedIDs {
			legacy.Upserted = id
		}
	} else if result.MatchedCount > 0 {
		legacy.UpdatedExisting = true
	}
	return legacy, nil
}

// DeleteOperation is the single delete-statement wrapper, reporting the
// deleted count in the legacy shape.
type DeleteOperation struct {
	Database   string
	Collection string

	Filter    bsoncore.Document
	Multi     bool
	Collation bsoncore.Document

	Ordered bool
	Let     bsoncore.Document
	Comment interface{}

	Deployment driver.Deployment
	Selector   description.ServerSelector
	Retry      driver.RetryMode
}

// Execute performs the delete and returns the deleted count in the legacy
// shape.
func (d *DeleteOperation) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) (LegacyWriteResult, error) {
	bulk := &MixedBulkWriteOperation{
		Database:   d.Database,
		Collection: d.Collection,
		Models: []WriteModel{{
			Type:      DeleteModel,
			Filter:    d.Filter,
			Multi:     d.Multi,
			Collation: d.Collation,
		}},
		Ordered:    d.Ordered,
		Let:        d.Let,
		Comment:    d.Comment,
		Deployment: d.Deployment,
		Selector:   d.Selector,
		Retry:      d.Retry,
	}
	result, err := bulk.Execute(ctx, binding, opCtx)
	return LegacyWriteResult{N: result.DeletedCount}, err
}
