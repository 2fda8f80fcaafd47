// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"golang.org/x/sync/errgroup"

	"github.com/relatedcode/mongo-opcore/internal/codec"
	"github.com/relatedcode/mongo-opcore/x/mongo/driver"
	"github.com/relatedcode/mongo-opcore/x/mongo/driver/description"
)

// encryptedAuxSuffixes names the three auxiliary state collections a
// queryable-encryption-enabled collection requires: the default
// naming convention is `enxcol_.<coll>.{esc|ecc|ecoc}`, overridable per-suffix
// via `encryptedFields.<suffix>Collection`.
var encryptedAuxSuffixes = [...]string{"esc", "ecc", "ecoc"}

func encryptedAuxCollectionName(coll, suffix string, encryptedFields bsoncore.Document) string {
	if encryptedFields != nil {
		if name, ok := encryptedFields.Lookup(suffix + "Collection").StringValueOK(); ok {
			return name
		}
	}
	return "enxcol_." + coll + "." + suffix
}

// CreateCollection builds and executes a create command. When
// EncryptedFields is set, Execute runs the queryable-encryption ordered
// chain: the three auxiliary state collections are created concurrently
// (mutually independent), then the main collection with `encryptedFields`,
// then the `__safeContent__` index; any step failing short-circuits the
// remainder.
type CreateCollection struct {
	Database   string
	Collection string

	Capped                       *bool
	SizeInBytes                  *int64
	Max                          *int64
	StorageEngine                bsoncore.Document
	Validator                    bsoncore.Document
	ValidationLevel              string
	ValidationAction             string
	Collation                    bsoncore.Document
	ExpireAfterSeconds           *int64
	TimeSeries                   bsoncore.Document
	ChangeStreamPreAndPostImages bsoncore.Document
	ClusteredIndex               bsoncore.Document
	EncryptedFields              bsoncore.Document
	IndexOptionDefaults          bsoncore.Document

	Deployment driver.Deployment
	Selector   description.ServerSelector
}

// create builds a single `create` command for name against the configured
// options; encryptedFields is attached only for the main-collection step of
// the chained variant.
func (c *CreateCollection) create(name string, encryptedFields bsoncore.Document, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "create", name)
	if c.Capped != nil {
		dst = bsoncore.AppendBooleanElement(dst, "capped", *c.Capped)
	}
	if c.SizeInBytes != nil {
		dst = bsoncore.AppendInt64Element(dst, "size", *c.SizeInBytes)
	}
	if c.Max != nil {
		dst = bsoncore.AppendInt64Element(dst, "max", *c.Max)
	}
	if c.StorageEngine != nil {
		dst = bsoncore.AppendDocumentElement(dst, "storageEngine", c.StorageEngine)
	}
	if c.IndexOptionDefaults != nil {
		dst = bsoncore.AppendDocumentElement(dst, "indexOptionDefaults", c.IndexOptionDefaults)
	}
	if c.Validator != nil {
		dst = bsoncore.AppendDocumentElement(dst, "validator", c.Validator)
	}
	if c.ValidationLevel != "" {
		dst = bsoncore.AppendStringElement(dst, "validationLevel", c.ValidationLevel)
	}
	if c.ValidationAction != "" {
		dst = bsoncore.AppendStringElement(dst, "validationAction", c.ValidationAction)
	}
	if c.ExpireAfterSeconds != nil {
		dst = bsoncore.AppendInt64Element(dst, "expireAfterSeconds", *c.ExpireAfterSeconds)
	}
	if c.TimeSeries != nil {
		dst = bsoncore.AppendDocumentElement(dst, "timeseries", c.TimeSeries)
	}
	if c.ChangeStreamPreAndPostImages != nil {
		dst = bsoncore.AppendDocumentElement(dst, "changeStreamPreAndPostImages", c.ChangeStreamPreAndPostImages)
	}
	if c.ClusteredIndex != nil {
		dst = bsoncore.AppendDocumentElement(dst, "clusteredIndex", c.ClusteredIndex)
	}
	if encryptedFields != nil {
		dst = bsoncore.AppendDocumentElement(dst, "encryptedFields", encryptedFields)
	}

	var wireMax int32
	if desc.WireVersion != nil {
		wireMax = desc.WireVersion.Max
	}
	var err error
	dst, err = codec.AppendCollation(dst, c.Collation, wireMax)
	if err != nil {
		return nil, driver.InvalidArgumentError{Message: err.Error()}
	}
	inTxn := opCtx.Session != nil && opCtx.Session.TransactionInProgress()
	dst, err = codec.AppendWriteConcern(dst, opCtx.WriteConcern, inTxn)
	if err != nil {
		return nil, err
	}
	dst = codec.AppendMaxTimeMS(dst, opCtx.RemainingMaxTimeMS())

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// runCreate executes a single `create name` command and surfaces any
// writeConcernError.
func (c *CreateCollection) runCreate(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext, name string, encryptedFields bsoncore.Document) error {
	op := &driver.Operation{
		CommandFn: func(ctx context.Context, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
			return c.create(name, encryptedFields, opCtx, desc)
		},
		Database:   c.Database,
		Deployment: c.Deployment,
		Selector:   c.Selector,
		Type:       driver.Write,
		RetryMode:  driver.RetryNone,
	}
	return op.Execute(ctx, binding, opCtx, func(ctx context.Context, resp bsoncore.Document, source driver.ConnectionSource, conn driver.Connection) error {
		return checkWriteConcernError(resp)
	})
}

// Execute runs CreateCollection. With EncryptedFields set, it fans the three
// auxiliary state collections out concurrently via an errgroup, gates on
// their completion, creates the main collection with encryptedFields
// attached, then creates the `__safeContent__` index.
func (c *CreateCollection) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) error {
	if c.EncryptedFields == nil {
		return c.runCreate(ctx, binding, opCtx, c.Collection, nil)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, suffix := range encryptedAuxSuffixes {
		suffix := suffix
		g.Go(func() error {
			name := encryptedAuxCollectionName(c.Collection, suffix, c.EncryptedFields)
			aux := &CreateCollection{
				Database:       c.Database,
				Collection:     name,
				ClusteredIndex: defaultClusteredIndexOption(),
				Deployment:     c.Deployment,
				Selector:       c.Selector,
			}
			return aux.runCreate(gctx, binding, opCtx, name, nil)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := c.runCreate(ctx, binding, opCtx, c.Collection, c.EncryptedFields); err != nil {
		return err
	}

	idx := &CreateIndexes{
		Database:   c.Database,
		Collection: c.Collection,
		Indexes: []IndexModel{{
			Keys: safeContentKeyDocument(),
			Name: "__safeContent___1",
		}},
		Deployment: c.Deployment,
		Selector:   c.Selector,
	}
	_, err := idx.Execute(ctx, binding, opCtx)
	return err
}

// defaultClusteredIndexOption returns `{ key: { _id: 1 }, unique: true }`,
// the clustered-index shape the auxiliary encrypted-state collections are
// created with.
func defaultClusteredIndexOption() bsoncore.Document {
	kidx, key := bsoncore.AppendDocumentStart(nil)
	key = bsoncore.AppendInt32Element(key, "_id", 1)
	key, _ = bsoncore.AppendDocumentEnd(key, kidx)

	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendDocumentElement(dst, "key", key)
	dst = bsoncore.AppendBooleanElement(dst, "unique", true)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

// safeContentKeyDocument returns `{ __safeContent__: 1 }`, the index the
// main encrypted collection requires.
func safeContentKeyDocument() bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "__safeContent__", 1)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}
