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

// DropCollection builds and executes a drop command. When EncryptedFields
// is set, Execute issues the four-step chain in a fixed order: the main
// collection, then esc, ecc, ecoc; a NamespaceNotFound failure on any step
// is swallowed and the chain continues.
type DropCollection struct {
	Database   string
	Collection string

	EncryptedFields bsoncore.Document
	Comment         interface{}

	Deployment driver.Deployment
	Selector   description.ServerSelector
}

func (d *DropCollection) drop(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext, name string) error {
	op := &driver.Operation{
		CommandFn: func(ctx context.Context, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
			idx, dst := bsoncore.AppendDocumentStart(nil)
			dst = bsoncore.AppendStringElement(dst, "drop", name)
			var err error
			dst, err = codec.AppendComment(dst, d.Comment)
			if err != nil {
				return nil, err
			}
			inTxn := opCtx.Session != nil && opCtx.Session.TransactionInProgress()
			dst, err = codec.AppendWriteConcern(dst, opCtx.WriteConcern, inTxn)
			if err != nil {
				return nil, err
			}
			dst = codec.AppendMaxTimeMS(dst, opCtx.RemainingMaxTimeMS())
			return bsoncore.AppendDocumentEnd(dst, idx)
		},
		Database:                  d.Database,
		Deployment:                d.Deployment,
		Selector:                  d.Selector,
		Type:                      driver.Write,
		RetryMode:                 driver.RetryNone,
		NamespaceNotFoundTolerant: true,
		DefaultValue:              emptyOKDocument(),
	}
	return op.Execute(ctx, binding, opCtx, func(ctx context.Context, resp bsoncore.Document, source driver.ConnectionSource, conn driver.Connection) error {
		return checkWriteConcernError(resp)
	})
}

// Execute runs DropCollection, including the encrypted-collection chain
// when EncryptedFields is set.
func (d *DropCollection) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) error {
	if err := d.drop(ctx, binding, opCtx, d.Collection); err != nil {
		return err
	}
	if d.EncryptedFields == nil {
		return nil
	}
	for _, suffix := range encryptedAuxSuffixes {
		name := encryptedAuxCollectionName(d.Collection, suffix, d.EncryptedFields)
		if err := d.drop(ctx, binding, opCtx, name); err != nil {
			return err
		}
	}
	return nil
}
