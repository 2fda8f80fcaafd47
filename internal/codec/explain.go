// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package codec

import (
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// WrapExplain wraps an already-built but not-yet-closed command document
// builder state into `{ explain: <original>, verbosity? }`. dst must
// contain the fully-built, unterminated command bytes starting at index 0;
// this re-serializes it as a nested document under "explain" so any
// CommandCreator can opt into explain support by deferring to this helper
// instead of returning its own terminated document.
func WrapExplain(dst []byte, verbosity string) (bsoncore.Document, error) {
	inner, err := bsoncore.AppendDocumentEnd(dst, 0)
	if err != nil {
		return nil, err
	}
	idx, out := bsoncore.AppendDocumentStart(nil)
	out = bsoncore.AppendDocumentElement(out, "explain", inner)
	if verbosity != "" {
		out = bsoncore.AppendStringElement(out, "verbosity", verbosity)
	}
	return bsoncore.AppendDocumentEnd(out, idx)
}
