// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package ptrutil holds the small pointer-option helpers used throughout
// the operation variants' option structs, matching the
// go.mongodb.org/mongo-driver/mongo/options idiom of optional fields
// expressed as pointers.
package ptrutil

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Int32 returns a pointer to v.
func Int32(v int32) *int32 { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Int64OrZero dereferences p, returning 0 if p is nil.
func Int64OrZero(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// Int32OrZero dereferences p, returning 0 if p is nil.
func Int32OrZero(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}

// BoolOrDefault dereferences p, returning def if p is nil.
func BoolOrDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// StringOrZero dereferences p, returning "" if p is nil.
func StringOrZero(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
