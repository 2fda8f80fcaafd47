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

// WriteModelType distinguishes the three write kinds a MixedBulkWriteOperation
// batches together.
type WriteModelType uint8

// The three write model kinds.
const (
	InsertModel WriteModelType = iota
	UpdateModel
	DeleteModel
)

// WriteModel is one element of a bulk write batch.
type WriteModel struct {
	Type WriteModelType

	// Insert
	Document bsoncore.Document

	// Update / Delete
	Filter       bsoncore.Document
	Update       bsoncore.Value // document or pipeline array; zero Value for delete
	Multi        bool
	Upsert       bool
	Collation    bsoncore.Document
	ArrayFilters bsoncore.Document
	Hint         interface{}
}

// BulkWriteResult is the merged result across every batch of a bulk write:
// split batches must be merged, not just the last batch's result returned.
type BulkWriteResult struct {
	InsertedCount int64
	MatchedCount  int64
	ModifiedCount int64
	DeletedCount  int64
	UpsertedCount int64
	UpsertedIDs   map[int64]interface{}
}

func mergeBulkWriteResult(dst *BulkWriteResult, src BulkWriteResult, indexOffset int64) {
	dst.InsertedCount += src.InsertedCount
	dst.MatchedCount += src.MatchedCount
	dst.ModifiedCount += src.ModifiedCount
	dst.DeletedCount += src.DeletedCount
	dst.UpsertedCount += src.UpsertedCount
	if len(src.UpsertedIDs) > 0 {
		if dst.UpsertedIDs == nil {
			dst.UpsertedIDs = make(map[int64]interface{})
		}
		for idx, id := range src.UpsertedIDs {
			dst.UpsertedIDs[idx+indexOffset] = id
		}
	}
}

// MixedBulkWriteOperation is the shared write-path harness: every one of
// Insert/Update/Delete/BulkWrite routes through this, producing a
// BulkWriteResult, splitting into multiple commands when the batch exceeds
// maxWriteBatchSize.
type MixedBulkWriteOperation struct {
	Database   string
	Collection string

	Models  []WriteModel
	Ordered bool

	BypassDocumentValidation *bool
	Let                      bsoncore.Document
	Comment                  interface{}

	Deployment driver.Deployment
	Selector   description.ServerSelector
	Retry      driver.RetryMode

	// maxBatchSize bounds how many write models go in a single command;
	// the server default (100000) is used when zero, but tests override it
	// to exercise splitting without needing that many documents.
	maxBatchSize int
}

const defaultMaxWriteBatchSize = 100000

func (m *MixedBulkWriteOperation) batchSize() int {
	if m.maxBatchSize > 0 {
		return m.maxBatchSize
	}
	return defaultMaxWriteBatchSize
}

// Execute splits Models into batches of at most batchSize() models of a
// single write kind, runs each through the retryable-write harness in
// order, and merges results. An
// unordered batch still executes its chunks sequentially here (chunking is
// about wire-message size, not concurrency); a failure in an ordered batch
// stops subsequent chunks.
func (m *MixedBulkWriteOperation) Execute(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext) (BulkWriteResult, error) {
	var result BulkWriteResult
	chunkSize := m.batchSize()

	var offset int64
	for start := 0; start < len(m.Models); {
		end := start + chunkSize
		if end > len(m.Models) {
			end = len(m.Models)
		}
		// Each chunk becomes one insert, update or delete command, so it
		// ends at the first model of a different kind.
		for i := start + 1; i < end; i++ {
			if m.Models[i].Type != m.Models[start].Type {
				end = i
				break
			}
		}
		chunk := m.Models[start:end]
		start = end

		chunkResult, err := m.executeChunk(ctx, binding, opCtx, chunk)
		mergeBulkWriteResult(&result, chunkResult, offset)
		offset += int64(len(chunk))
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

func (m *MixedBulkWriteOperation) executeChunk(ctx context.Context, binding driver.Binding, opCtx *driver.OperationContext, chunk []WriteModel) (BulkWriteResult, error) {
	kind := chunk[0].Type // a chunk is homogeneous; callers build models grouped by command kind
	retryable := kind == InsertModel || allSingleStatements(chunk)
	retryMode := m.Retry
	if !retryable {
		retryMode = driver.RetryNone
	}

	op := &driver.Operation{
		CommandFn:  func(ctx context.Context, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
			return m.create(kind, chunk, opCtx, desc)
		},
		Database:   m.Database,
		Deployment: m.Deployment,
		Selector:   m.Selector,
		Type:       driver.Write,
		RetryMode:  retryMode,
	}

	var result BulkWriteResult
	err := op.Execute(ctx, binding, opCtx, func(ctx context.Context, resp bsoncore.Document, source driver.ConnectionSource, conn driver.Connection) error {
		var perr error
		result, perr = parseWriteResult(kind, resp)
		if wcErr := checkWriteConcernError(resp); wcErr != nil {
			return translateWriteError(wcErr)
		}
		return translateWriteError(perr)
	})
	return result, err
}

// allSingleStatements reports whether every model in chunk targets at most
// one document, the precondition for an update or delete chunk to remain a
// retryable write; a single multi-update or multi-delete statement excludes it.
func allSingleStatements(chunk []WriteModel) bool {
	for _, w := range chunk {
		if w.Multi {
			return false
		}
	}
	return true
}

func (m *MixedBulkWriteOperation) create(kind WriteModelType, chunk []WriteModel, opCtx *driver.OperationContext, desc description.SelectedServer) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)

	var wireMax int32
	if desc.WireVersion != nil {
		wireMax = desc.WireVersion.Max
	}

	switch kind {
	case InsertModel:
		dst = bsoncore.AppendStringElement(dst, "insert", m.Collection)
		aidx, arr := bsoncore.AppendArrayStart(dst, "documents")
		for i, w := range chunk {
			arr = bsoncore.AppendDocumentElement(arr, itoa(i), w.Document)
		}
		arr, err := bsoncore.AppendArrayEnd(arr, aidx)
		if err != nil {
			return nil, err
		}
		dst = arr
	case UpdateModel:
		dst = bsoncore.AppendStringElement(dst, "update", m.Collection)
		aidx, arr := bsoncore.AppendArrayStart(dst, "updates")
		for i, w := range chunk {
			uidx, udoc := bsoncore.AppendDocumentStart(nil)
			udoc = bsoncore.AppendDocumentElement(udoc, "q", w.Filter)
			udoc = append(bsoncore.AppendHeader(udoc, w.Update.Type, "u"), w.Update.Data...)
			udoc = bsoncore.AppendBooleanElement(udoc, "multi", w.Multi)
			udoc = bsoncore.AppendBooleanElement(udoc, "upsert", w.Upsert)
			var cerr error
			udoc, cerr = codec.AppendCollation(udoc, w.Collation, wireMax)
			if cerr != nil {
				return nil, driver.InvalidArgumentError{Message: cerr.Error()}
			}
			if w.ArrayFilters != nil {
				udoc = bsoncore.AppendArrayElement(udoc, "arrayFilters", bsoncore.Array(w.ArrayFilters))
			}
			var herr error
			udoc, herr = codec.AppendHint(udoc, w.Hint)
			if herr != nil {
				return nil, driver.InvalidArgumentError{Message: herr.Error()}
			}
			udoc, err := bsoncore.AppendDocumentEnd(udoc, uidx)
			if err != nil {
				return nil, err
			}
			arr = bsoncore.AppendDocumentElement(arr, itoa(i), udoc)
		}
		arrEnded, err := bsoncore.AppendArrayEnd(arr, aidx)
		if err != nil {
			return nil, err
		}
		dst = arrEnded
	case DeleteModel:
		dst = bsoncore.AppendStringElement(dst, "delete", m.Collection)
		aidx, arr := bsoncore.AppendArrayStart(dst, "deletes")
		for i, w := range chunk {
			didx, ddoc := bsoncore.AppendDocumentStart(nil)
			ddoc = bsoncore.AppendDocumentElement(ddoc, "q", w.Filter)
			limit := int32(1)
			if w.Multi {
				limit = 0
			}
			ddoc = bsoncore.AppendInt32Element(ddoc, "limit", limit)
			var cerr error
			ddoc, cerr = codec.AppendCollation(ddoc, w.Collation, wireMax)
			if cerr != nil {
				return nil, driver.InvalidArgumentError{Message: cerr.Error()}
			}
			ddoc, err := bsoncore.AppendDocumentEnd(ddoc, didx)
			if err != nil {
				return nil, err
			}
			arr = bsoncore.AppendDocumentElement(arr, itoa(i), ddoc)
		}
		arrEnded, err := bsoncore.AppendArrayEnd(arr, aidx)
		if err != nil {
			return nil, err
		}
		dst = arrEnded
	}

	dst = bsoncore.AppendBooleanElement(dst, "ordered", m.Ordered)
	if m.BypassDocumentValidation != nil {
		dst = bsoncore.AppendBooleanElement(dst, "bypassDocumentValidation", *m.BypassDocumentValidation)
	}

	var err error
	dst, err = codec.AppendLet(dst, m.Let)
	if err != nil {
		return nil, err
	}
	dst, err = codec.AppendComment(dst, m.Comment)
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

	return bsoncore.AppendDocumentEnd(dst, idx)
}

func itoa(i int) string {
	// local, allocation-light itoa to avoid importing strconv in the hot
	// path for what is always a small non-negative index.
	if i == 0 {
		return "0"
	}
	var buf [12]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

func parseWriteResult(kind WriteModelType, resp bsoncore.Document) (BulkWriteResult, error) {
	var result BulkWriteResult
	n, _ := resp.Lookup("n").AsInt64OK()
	switch kind {
	case InsertModel:
		result.InsertedCount = n
	case DeleteModel:
		result.DeletedCount = n
	case UpdateModel:
		result.MatchedCount = n
		if modified, ok := resp.Lookup("nModified").AsInt64OK(); ok {
			result.ModifiedCount = modified
		}
		if upserted, ok := resp.Lookup("upserted").ArrayOK(); ok {
			vals, _ := upserted.Values()
			if len(vals) > 0 {
				result.UpsertedIDs = make(map[int64]interface{}, len(vals))
			}
			for _, v := range vals {
				doc, ok := v.DocumentOK()
				if !ok {
					continue
				}
				index, _ := doc.Lookup("index").AsInt64OK()
				idVal := doc.Lookup("_id")
				result.UpsertedIDs[index] = idVal
				result.UpsertedCount++
			}
		}
	}

	if werrs, ok := resp.Lookup("writeErrors").ArrayOK(); ok {
		vals, _ := werrs.Values()
		var wce driver.WriteCommandError
		for _, v := range vals {
			doc, ok := v.DocumentOK()
			if !ok {
				continue
			}
			var we driver.WriteError
			if idx, ok := doc.Lookup("index").AsInt64OK(); ok {
				we.Index = idx
			}
			if code, ok := doc.Lookup("code").AsInt64OK(); ok {
				we.Code = code
			}
			if msg, ok := doc.Lookup("errmsg").StringValueOK(); ok {
				we.Message = msg
			}
			wce.WriteErrors = append(wce.WriteErrors, we)
		}
		return result, wce
	}
	return result, nil
}

// translateWriteError converts a write-path error into its legacy shape:
// a single writeError whose code is in the DUPLICATE_KEY category becomes a
// DuplicateKeyError; everything else stays a WriteCommandError, preserving
// code, message, details and labels.
func translateWriteError(err error) error {
	wce, ok := err.(driver.WriteCommandError)
	if !ok {
		return err
	}
	if len(wce.WriteErrors) == 1 && driver.IsDuplicateKeyCode(wce.WriteErrors[0].Code) {
		return driver.DuplicateKeyError{WriteError: wce.WriteErrors[0]}
	}
	return wce
}
