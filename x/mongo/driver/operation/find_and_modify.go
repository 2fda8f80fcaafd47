// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/relatedcode/mongo-opcore/internal/codec"
	"github.com/relatedcode/mongo-opcore/x/mongo/driver"
	"github.com/relatedcode/mongo-opcore/x/mongo/driver/description"
)

// findAndModifyKind selects which of the three FindAndModify variants a
// BaseFindAndModify represents.
type findAndModifyKind uint8

const (
	findAndModifyDelete findAndModifyKind = iota
	findAndModifyReplace
	findAndModifyUpdate
)

// BaseFindAndModify is the shared command envelope:
// `{ findAndModify: <coll>, query?, fields?, sort?, maxTimeMS?,
// <specialized>, writeConcern?, collation?, hint?, comment?, let?,
// txnNumber? }`. FindAndModifyDelete/Replace/Update build one of these with
// Kind set appropriately.
type BaseFindAndModify struct {
	Database   string
	Collection string

	Query bsoncore.Document
	Fields bsoncore.Document
	Sort  bsoncore.Document

	kind findAndModifyKind

	// Replace/Update fields.
	Remove                   bool
	New                      bool
	Upsert                   *bool
	Update                   bsoncore.Value // a document (replacement/update) or an array (pipeline)
	ArrayFilters             bsoncore.Document
	BypassDocumentValidation *bool

	Collation bsoncore.Document
	Hint      interface{}
	Comment   interface{}
	Let       bsoncore.Document

	HasExplain       bool
	ExplainVerbosity string

	Deployment driver.Deployment
	Selector   description.ServerSelector
	Retry      driver.RetryMode
}

// NewFindAndModifyDelete constructs the delete variant (`remove: true`).
func NewFindAndModifyDelete(database, collection string) *BaseFindAndModify {
	return &BaseFindAndModify{Database: database, Collection: collection, kind: findAndModifyDelete, Remove: true}
}

// NewFindAndModifyReplace constructs the replace variant. The field-name
// validator rejects top-level update-operator names in the replacement
// document.
func NewFindAndModifyReplace(database, collection string) *BaseFindAndModify {
	return &BaseFindAndModify{Database: database, Collection: collection, kind: findAndModifyReplace}
}

// NewFindAndModifyUpdate constructs the update variant. The field-name
// validator enforces update-operator semantics on the update document.
func NewFindAndModifyUpdate(database, collection string) *BaseFindAndModify {
	return &BaseFindAndModify{Database: database, Collection: collection, kind: findAndModifyUpdate}
}

// Create builds the findAndModify command document.
func (fam *BaseFindAndModify) Create(ctx context.Context, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "findAndModify", fam.Collection)
	if fam.Query != nil {
		dst = bsoncore.AppendDocumentElement(dst, "query", fam.Query)
	}
	if fam.Fields != nil {
		dst = bsoncore.AppendDocumentElement(dst, "fields", fam.Fields)
	}
	if fam.Sort != nil {
		dst = bsoncore.AppendDocumentElement(dst, "sort", fam.Sort)
	}

	switch fam.kind {
	case findAndModifyDelete:
		dst = bsoncore.AppendBooleanElement(dst, "remove", true)
	case findAndModifyReplace, findAndModifyUpdate:
		dst = bsoncore.AppendBooleanElement(dst, "new", fam.New)
		if fam.Upsert != nil {
			dst = bsoncore.AppendBooleanElement(dst, "upsert", *fam.Upsert)
		}
		dst = append(bsoncore.AppendHeader(dst, fam.Update.Type, "update"), fam.Update.Data...)
		if fam.kind == findAndModifyUpdate && fam.ArrayFilters != nil {
			dst = bsoncore.AppendArrayElement(dst, "arrayFilters", bsoncore.Array(fam.ArrayFilters))
		}
		if fam.BypassDocumentValidation != nil {
			dst = bsoncore.AppendBooleanElement(dst, "bypassDocumentValidation", *fam.BypassDocumentValidation)
		}
	}

	var wireMax int32
	if desc.WireVersion != nil {
		wireMax = desc.WireVersion.Max
	}
	var err error
	dst, err = codec.AppendCollation(dst, fam.Collation, wireMax)
	if err != nil {
		return nil, driver.InvalidArgumentError{Message: err.Error()}
	}
	dst, err = codec.AppendHint(dst, fam.Hint)
	if err != nil {
		return nil, driver.InvalidArgumentError{Message: err.Error()}
	}
	dst, err = codec.AppendComment(dst, fam.Comment)
	if err != nil {
		return nil, err
	}
	dst, err = codec.AppendLet(dst, fam.Let)
	if err != nil {
		return nil, err
	}
	inTxn := opCtx.Session != nil && opCtx.Session.TransactionInProgress()
	dst, err = codec.AppendWriteConcern(dst, opCtx.WriteConcern, inTxn)
	if err != nil {
		return nil, err
	}
	dst = codec.AppendTxnNumber(dst, opCtx.TxnNumber)
	dst = codec.AppendMaxTimeMS(dst, opCtx.RemainingMaxTimeMS())

	if fam.HasExplain {
		return codec.WrapExplain(dst, fam.ExplainVerbosity)
	}

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// replaceValidator rejects a replacement document whose top-level keys
// start with "$".
func replaceValidator(doc bsoncore.Document) error {
	elems, err := doc.Elements()
	if err != nil {
		return err
	}
	for _, elem := range elems {
		if len(elem.Key()) > 0 && elem.Key()[0] == '$' {
			return driver.InvalidArgumentError{Message: "replacement document cannot contain update operators: " + elem.Key()}
		}
	}
	return nil
}

// updateValidator requires every top-level key to be an update operator,
// unless the update is an aggregation pipeline (a BSON array), which the
// server validates itself.
func updateValidator(doc bsoncore.Document) error {
	elems, err := doc.Elements()
	if err != nil {
		return err
	}
	for _, elem := range elems {
		if len(elem.Key()) == 0 || elem.Key()[0] != '$' {
			return driver.InvalidArgumentError{Message: "update document must only contain update operators, found: " + elem.Key()}
		}
	}
	return nil
}

// Execute runs the findAndModify command, returning the raw `value`
// sub-document (a single document, or null when no document matched).
func (fam *BaseFindAndModify) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) (bsoncore.Document, error) {
	validator := driver.FieldNameValidator(nil)
	if fam.kind == findAndModifyReplace && fam.Update.Type == bsontype.EmbeddedDocument {
		validator = func(_ bsoncore.Document) error { return replaceValidator(bsoncore.Document(fam.Update.Data)) }
	} else if fam.kind == findAndModifyUpdate && fam.Update.Type == bsontype.EmbeddedDocument {
		validator = func(_ bsoncore.Document) error { return updateValidator(bsoncore.Document(fam.Update.Data)) }
	}

	op := &driver.Operation{
		CommandFn:  fam.Create,
		Database:   fam.Database,
		Deployment: fam.Deployment,
		Selector:   fam.Selector,
		Type:       driver.Write,
		RetryMode:  fam.Retry,
		Validator:  validator,
	}

	var result bsoncore.Document
	err := op.Execute(ctx, binding, opCtx, func(ctx context.Context, resp bsoncore.Document, source driver.ConnectionSource, conn driver.Connection) error {
		if wcErr := checkWriteConcernError(resp); wcErr != nil {
			return wcErr
		}
		if val, err := resp.LookupErr("value"); err == nil {
			if doc, ok := val.DocumentOK(); ok {
				result = doc
			}
		}
		return nil
	})
	return result, err
}
