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

// IndexModel is one entry of a createIndexes request: a key document plus
// the index's own options sub-document.
type IndexModel struct {
	Keys    bsoncore.Document
	Name    string // derived from Keys via indexFromKeys when empty
	Options bsoncore.Document
}

// CreateIndexes builds and executes a createIndexes command over one or
// more index specifications.
type CreateIndexes struct {
	Database   string
	Collection string
	Indexes    []IndexModel

	CommitQuorum interface{} // string or int32
	Comment      interface{}

	Deployment driver.Deployment
	Selector   description.ServerSelector
}

// Create builds the createIndexes command.
func (c *CreateIndexes) Create(ctx context.Context, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "createIndexes", c.Collection)

	aidx, arr := bsoncore.AppendArrayStart(dst, "indexes")
	for i, im := range c.Indexes {
		name := im.Name
		if name == "" {
			var err error
			name, err = indexFromKeys(im.Keys)
			if err != nil {
				return nil, driver.InvalidArgumentError{Message: err.Error()}
			}
		}
		didx, idoc := bsoncore.AppendDocumentStart(nil)
		idoc = bsoncore.AppendDocumentElement(idoc, "key", im.Keys)
		idoc = bsoncore.AppendStringElement(idoc, "name", name)
		if im.Options != nil {
			elems, err := im.Options.Elements()
			if err != nil {
				return nil, err
			}
			for _, elem := range elems {
				idoc = append(idoc, elem...)
			}
		}
		idoc, err := bsoncore.AppendDocumentEnd(idoc, didx)
		if err != nil {
			return nil, err
		}
		arr = bsoncore.AppendDocumentElement(arr, itoa(i), idoc)
	}
	var err error
	dst, err = bsoncore.AppendArrayEnd(arr, aidx)
	if err != nil {
		return nil, err
	}

	if c.CommitQuorum != nil {
		switch q := c.CommitQuorum.(type) {
		case string:
			dst = bsoncore.AppendStringElement(dst, "commitQuorum", q)
		case int32:
			dst = bsoncore.AppendInt32Element(dst, "commitQuorum", q)
		default:
			return nil, driver.InvalidArgumentError{Message: "commitQuorum must be a string or int32"}
		}
	}
	dst, err = codec.AppendComment(dst, c.Comment)
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
}

// Execute runs the createIndexes command, returning each requested index's
// name: its Name when set, otherwise the name derived from its keys.
func (c *CreateIndexes) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) ([]string, error) {
	op := &driver.Operation{
		CommandFn:  c.Create,
		Database:   c.Database,
		Deployment: c.Deployment,
		Selector:   c.Selector,
		Type:       driver.Write,
		RetryMode:  driver.RetryNone,
	}

	names := make([]string, len(c.Indexes))
	for i, im := range c.Indexes {
		if im.Name != "" {
			names[i] = im.Name
			continue
		}
		n, err := indexFromKeys(im.Keys)
		if err != nil {
			return nil, driver.InvalidArgumentError{Message: err.Error()}
		}
		names[i] = n
	}

	err := op.Execute(ctx, binding, opCtx, func(ctx context.Context, resp bsoncore.Document, source driver.ConnectionSource, conn driver.Connection) error {
		return checkWriteConcernError(resp)
	})
	return names, err
}

// DropIndex builds and executes a dropIndexes command. Passing "*" drops
// every index except the default `_id` one. Dropping a namespace that
// doesn't exist is tolerated and treated as a no-op success when
// NamespaceNotFoundTolerant is set, matching the per-step policy used by
// the encrypted-collection drop chain (see DropCollection).
type DropIndex struct {
	Database   string
	Collection string
	Index      string // name, or "*" for all

	Comment interface{}

	Deployment driver.Deployment
	Selector   description.ServerSelector

	NamespaceNotFoundTolerant bool
}

// Create builds the dropIndexes command.
func (d *DropIndex) Create(ctx context.Context, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "dropIndexes", d.Collection)
	dst = bsoncore.AppendStringElement(dst, "index", d.Index)

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
}

// Execute runs the dropIndexes command.
func (d *DropIndex) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) error {
	op := &driver.Operation{
		CommandFn:                 d.Create,
		Database:                  d.Database,
		Deployment:                d.Deployment,
		Selector:                  d.Selector,
		Type:                      driver.Write,
		RetryMode:                 driver.RetryNone,
		NamespaceNotFoundTolerant: d.NamespaceNotFoundTolerant,
		DefaultValue:              emptyOKDocument(),
	}
	return op.Execute(ctx, binding, opCtx, func(ctx context.Context, resp bsoncore.Document, source driver.ConnectionSource, conn driver.Connection) error {
		return checkWriteConcernError(resp)
	})
}

func emptyOKDocument() bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "ok", 1)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

// SearchIndexModel is one entry of a createSearchIndexes request: an
// optional name (the server assigns "default" when empty) plus the Atlas
// Search/Vector Search index definition document.
type SearchIndexModel struct {
	Name       string
	Definition bsoncore.Document
	Type       string // "search" or "vectorSearch"; empty defaults to "search"
}

// DropSearchIndex builds and executes a dropSearchIndex command, the same
// namespace-not-found tolerance DropIndex offers above since dropping a
// search index on a never-created collection is treated as a no-op.
type DropSearchIndex struct {
	Database   string
	Collection string
	Name       string

	Deployment driver.Deployment
	Selector   description.ServerSelector

	NamespaceNotFoundTolerant bool
}

// Create builds the dropSearchIndex command.
func (d *DropSearchIndex) Create(ctx context.Context, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "dropSearchIndex", d.Collection)
	dst = bsoncore.AppendStringElement(dst, "name", d.Name)
	dst = codec.AppendMaxTimeMS(dst, opCtx.RemainingMaxTimeMS())
	return bsoncore.AppendDocumentEnd(dst, idx)
}

// Execute runs the dropSearchIndex command.
func (d *DropSearchIndex) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) error {
	op := &driver.Operation{
		CommandFn:                 d.Create,
		Database:                  d.Database,
		Deployment:                d.Deployment,
		Selector:                  d.Selector,
		Type:                      driver.Write,
		RetryMode:                 driver.RetryNone,
		NamespaceNotFoundTolerant: d.NamespaceNotFoundTolerant,
		DefaultValue:              emptyOKDocument(),
	}
	return op.Execute(ctx, binding, opCtx, func(ctx context.Context, resp bsoncore.Document, source driver.ConnectionSource, conn driver.Connection) error {
		return checkWriteConcernError(resp)
	})
}

// CreateSearchIndexes builds and executes a createSearchIndexes command over
// one or more Atlas Search/Vector Search index definitions, the search-index
// sibling of CreateIndexes.
type CreateSearchIndexes struct {
	Database   string
	Collection string
	Indexes    []SearchIndexModel

	Deployment driver.Deployment
	Selector   description.ServerSelector
}

// Create builds the createSearchIndexes command.
func (c *CreateSearchIndexes) Create(ctx context.Context, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "createSearchIndexes", c.Collection)

	aidx, arr := bsoncore.AppendArrayStart(dst, "indexes")
	for i, sm := range c.Indexes {
		didx, idoc := bsoncore.AppendDocumentStart(nil)
		if sm.Name != "" {
			idoc = bsoncore.AppendStringElement(idoc, "name", sm.Name)
		}
		if sm.Type != "" {
			idoc = bsoncore.AppendStringElement(idoc, "type", sm.Type)
		}
		idoc = bsoncore.AppendDocumentElement(idoc, "definition", sm.Definition)
		idoc, err := bsoncore.AppendDocumentEnd(idoc, didx)
		if err != nil {
			return nil, err
		}
		arr = bsoncore.AppendDocumentElement(arr, itoa(i), idoc)
	}
	var err error
	dst, err = bsoncore.AppendArrayEnd(arr, aidx)
	if err != nil {
		return nil, err
	}
	dst = codec.AppendMaxTimeMS(dst, opCtx.RemainingMaxTimeMS())

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// Execute runs the createSearchIndexes command, returning the names the
// server assigned each requested index.
func (c *CreateSearchIndexes) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) ([]string, error) {
	op := &driver.Operation{
		CommandFn:  c.Create,
		Database:   c.Database,
		Deployment: c.Deployment,
		Selector:   c.Selector,
		Type:       driver.Write,
		RetryMode:  driver.RetryNone,
	}

	var names []string
	err := op.Execute(ctx, binding, opCtx, func(ctx context.Context, resp bsoncore.Document, source driver.ConnectionSource, conn driver.Connection) error {
		if err := checkWriteConcernError(resp); err != nil {
			return err
		}
		arr, ok := resp.Lookup("indexesCreated").ArrayOK()
		if !ok {
			return nil
		}
		vals, err := arr.Values()
		if err != nil {
			return err
		}
		for _, v := range vals {
			doc, ok := v.DocumentOK()
			if !ok {
				continue
			}
			if name, ok := doc.Lookup("name").StringValueOK(); ok {
				names = append(names, name)
			}
		}
		return nil
	})
	return names, err
}

// UpdateSearchIndex builds and executes an updateSearchIndex command,
// replacing the definition of a single named search index.
type UpdateSearchIndex struct {
	Database   string
	Collection string
	Name       string
	Definition bsoncore.Document

	Deployment driver.Deployment
	Selector   description.ServerSelector
}

// Create builds the updateSearchIndex command.
func (u *UpdateSearchIndex) Create(ctx context.Context, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "updateSearchIndex", u.Collection)
	dst = bsoncore.AppendStringElement(dst, "name", u.Name)
	dst = bsoncore.AppendDocumentElement(dst, "definition", u.Definition)
	dst = codec.AppendMaxTimeMS(dst, opCtx.RemainingMaxTimeMS())
	return bsoncore.AppendDocumentEnd(dst, idx)
}

// Execute runs the updateSearchIndex command.
func (u *UpdateSearchIndex) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) error {
	op := &driver.Operation{
		CommandFn:  u.Create,
		Database:   u.Database,
		Deployment: u.Deployment,
		Selector:   u.Selector,
		Type:       driver.Write,
		RetryMode:  driver.RetryNone,
	}
	return op.Execute(ctx, binding, opCtx, func(ctx context.Context, resp bsoncore.Document, source driver.ConnectionSource, conn driver.Connection) error {
		return checkWriteConcernError(resp)
	})
}

// ListSearchIndexes builds and executes the `$listSearchIndexes` aggregation
// stage, the read-side sibling of DropSearchIndex/CreateSearchIndexes. The
// server only exposes search-index metadata through this aggregation stage,
// never through a standalone command, so this wraps an Aggregate rather than
// composing its own top-level command.
type ListSearchIndexes struct {
	Database   string
	Collection string
	Name       string // optional; empty lists every search index on the collection

	Deployment driver.Deployment
	Selector   description.ServerSelector
	Retry      driver.RetryMode
}

// Execute builds the `{ $listSearchIndexes: { name? } }` pipeline and
// delegates to Aggregate.
func (l *ListSearchIndexes) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) (*driver.CommandBatchCursor, error) {
	sidx, stage := bsoncore.AppendDocumentStart(nil)
	if l.Name != "" {
		oidx, opts := bsoncore.AppendDocumentStart(nil)
		opts = bsoncore.AppendStringElement(opts, "name", l.Name)
		opts, err := bsoncore.AppendDocumentEnd(opts, oidx)
		if err != nil {
			return nil, err
		}
		stage = bsoncore.AppendDocumentElement(stage, "$listSearchIndexes", opts)
	} else {
		oidx, opts := bsoncore.AppendDocumentStart(nil)
		opts, err := bsoncore.AppendDocumentEnd(opts, oidx)
		if err != nil {
			return nil, err
		}
		stage = bsoncore.AppendDocumentElement(stage, "$listSearchIndexes", opts)
	}
	stage, err := bsoncore.AppendDocumentEnd(stage, sidx)
	if err != nil {
		return nil, err
	}

	aidx, pipeline := bsoncore.AppendArrayStart(nil)
	pipeline = bsoncore.AppendDocumentElement(pipeline, "0", stage)
	pipeline, err = bsoncore.AppendArrayEnd(pipeline, aidx)
	if err != nil {
		return nil, err
	}

	agg := &Aggregate{
		Database:   l.Database,
		Collection: l.Collection,
		Pipeline:   pipeline,
		Deployment: l.Deployment,
		Selector:   l.Selector,
		Retry:      l.Retry,
	}
	return agg.Execute(ctx, binding, opCtx)
}
