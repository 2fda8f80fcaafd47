// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package codec holds the CommandBuilder helpers: shared
// appenders that add common clauses (read concern, write concern, collation,
// hint, comment, let, maxTimeMS, txnNumber) to a command under documented
// preconditions. Each helper is a pure function over a bsoncore.Document
// builder, following the append-by-convention idiom
// go.mongodb.org/mongo-driver uses throughout its x/mongo/driver package
// (see addReadConcern/addWriteConcern/addSession in the reference driverx
// package this repo's operation layer is modeled on).
package codec

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/relatedcode/mongo-opcore/x/mongo/driver/session"
)

// AppendReadConcern appends a readConcern clause for rc or, when the session
// is starting a transaction with its own read concern, for the session's read
// concern in place of rc. Nothing is appended when neither is set.
func AppendReadConcern(dst []byte, rc *readconcern.ReadConcern, sess *session.Client) ([]byte, error) {
	if sess != nil && sess.TransactionStarting() && sess.CurrentRc != nil {
		rc = sess.CurrentRc
	}
	if rc == nil {
		return dst, nil
	}
	_, data, err := rc.MarshalBSONValue()
	if err != nil {
		return dst, err
	}
	if sess != nil && sess.Consistent && sess.OperationTime != nil {
		data = data[:len(data)-1] // drop the trailing null byte
		data = bsoncore.AppendTimestampElement(data, "afterClusterTime", sess.OperationTime.T, sess.OperationTime.I)
		data, _ = bsoncore.AppendDocumentEnd(data, 0)
	}
	return bsoncore.AppendDocumentElement(dst, "readConcern", data), nil
}

// AppendWriteConcern appends a writeConcern clause when wc is acknowledged,
// non-server-default, and there is no active transaction.
func AppendWriteConcern(dst []byte, wc *writeconcern.WriteConcern, inTransaction bool) ([]byte, error) {
	if wc == nil || inTransaction || !wc.Acknowledged() {
		return dst, nil
	}
	t, data, err := wc.MarshalBSONValue()
	if err == writeconcern.ErrEmptyWriteConcern {
		return dst, nil
	}
	if err != nil {
		return dst, err
	}
	return append(bsoncore.AppendHeader(dst, t, "writeConcern"), data...), nil
}

// AppendCollation appends a collation clause, requiring the server support
// it (wire version >= 5); failing the precondition is an InvalidArgument
// error.
func AppendCollation(dst []byte, collation bsoncore.Document, wireVersionMax int32) ([]byte, error) {
	if collation == nil {
		return dst, nil
	}
	if wireVersionMax < 5 {
		return dst, invalidArgument("collation is unsupported on servers below wire version 5")
	}
	return bsoncore.AppendDocumentElement(dst, "collation", collation), nil
}

// AppendHint appends a hint clause. hint may be a bsoncore.Document (index
// spec) or a string (index name).
func AppendHint(dst []byte, hint interface{}) ([]byte, error) {
	switch h := hint.(type) {
	case nil:
		return dst, nil
	case string:
		return bsoncore.AppendStringElement(dst, "hint", h), nil
	case bsoncore.Document:
		return bsoncore.AppendDocumentElement(dst, "hint", h), nil
	default:
		return dst, invalidArgument("hint must be a string or a document")
	}
}

// AppendComment appends a comment clause. comment may be any BSON-encodable
// value (document or scalar).
func AppendComment(dst []byte, comment interface{}) ([]byte, error) {
	if comment == nil {
		return dst, nil
	}
	t, data, err := bson.MarshalValue(comment)
	if err != nil {
		return dst, err
	}
	return append(bsoncore.AppendHeader(dst, t, "comment"), data...), nil
}

// AppendLet appends a let clause (user-supplied variables document).
func AppendLet(dst []byte, let bsoncore.Document) ([]byte, error) {
	if let == nil {
		return dst, nil
	}
	return bsoncore.AppendDocumentElement(dst, "let", let), nil
}

// AppendMaxTimeMS appends maxTimeMS when ms is positive.
func AppendMaxTimeMS(dst []byte, ms int64) []byte {
	if ms <= 0 {
		return dst
	}
	return bsoncore.AppendInt64Element(dst, "maxTimeMS", ms)
}

// AppendTxnNumber appends txnNumber when txnNumber is non-zero, i.e. when
// the harness allocated one for a retryable write.
func AppendTxnNumber(dst []byte, txnNumber int64) []byte {
	if txnNumber == 0 {
		return dst
	}
	return bsoncore.AppendInt64Element(dst, "txnNumber", txnNumber)
}

// invalidArgument constructs the InvalidArgument error kind without
// importing the driver package (avoiding an import cycle); operation/*.go
// wraps this in driver.InvalidArgumentError at the call site where needed.
type invalidArgErr string

func (e invalidArgErr) Error() string { return string(e) }

func invalidArgument(msg string) error { return invalidArgErr(msg) }
