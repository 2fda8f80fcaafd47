// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// RETRIES is the attempt budget for a retry-enabled operation: the original
// attempt plus this many additional attempts.
const RETRIES = 1

// CommandModifier rewrites a command document between retry attempts. For
// most operations this is the identity function; commitTransaction and
// abortTransaction toggle fields between attempts.
type CommandModifier func(bsoncore.Document) (bsoncore.Document, error)

// IdentityModifier is the default, no-op CommandModifier.
func IdentityModifier(cmd bsoncore.Document) (bsoncore.Document, error) { return cmd, nil }

// RetryState tracks the bookkeeping a retry loop needs across attempts.
type RetryState struct {
	AttemptsRemaining int
	FirstFailure      error
	LastFailure       error
	Attachments       map[string]string
	Modifier          CommandModifier
	MaxWireVersion    int32
}

// NewRetryState constructs a RetryState with the given attempt budget.
func NewRetryState(budget int) *RetryState {
	return &RetryState{
		AttemptsRemaining: budget,
		Attachments:       make(map[string]string),
		Modifier:          IdentityModifier,
	}
}

// RecordFailure records a failed attempt, preferring to keep the first
// failure for reporting while always tracking the latest.
func (rs *RetryState) RecordFailure(err error) {
	if rs.FirstFailure == nil {
		rs.FirstFailure = err
	}
	rs.LastFailure = err
}

// ReportedError returns the error that should ultimately be surfaced to the
// caller. A NoWritesPerformed label on a later attempt causes the driver to
// prefer the earlier exception.
func (rs *RetryState) ReportedError() error {
	if drvErr, ok := rs.LastFailure.(Error); ok && drvErr.HasErrorLabel(NoWritesPerformed) && rs.FirstFailure != nil {
		return rs.FirstFailure
	}
	if rs.LastFailure != nil {
		return rs.LastFailure
	}
	return rs.FirstFailure
}

// HasBudget reports whether another attempt may be made.
func (rs *RetryState) HasBudget() bool { return rs.AttemptsRemaining > 0 }

// Consume decrements the remaining attempt budget.
func (rs *RetryState) Consume() { rs.AttemptsRemaining-- }

// RetryPolicy classifies errors for retry eligibility.
type RetryPolicy struct{}

// IsRetryableRead reports whether err is eligible for another attempt of a
// retryable read.
func (RetryPolicy) IsRetryableRead(err error) bool {
	if drvErr, ok := err.(Error); ok {
		return drvErr.RetryableRead()
	}
	return false
}

// IsRetryableWrite reports whether err is eligible for another attempt of a
// retryable write, given the negotiated wire version and whether the
// command carried a transaction number (or is commit/abortTransaction).
func (RetryPolicy) IsRetryableWrite(err error, wireVersion int32, hasTxnNumber bool) bool {
	if !hasTxnNumber {
		return false
	}
	drvErr, ok := err.(Error)
	if !ok {
		return false
	}
	return drvErr.RetryableWrite(wireVersion)
}

// IsNamespaceNotFound reports the fixed namespace-not-found signal used to
// let drop-like operations succeed silently.
func (RetryPolicy) IsNamespaceNotFound(err error) bool {
	if drvErr, ok := err.(Error); ok {
		return drvErr.NamespaceNotFound()
	}
	return false
}

// resumableLegacyCodes is the fixed legacy retryable-cursor code set used
// for change-stream resumability on wire versions below 9 (servers before 4.4).
var resumableLegacyCodes = map[int32]struct{}{
	6: {}, 7: {}, 63: {}, 89: {}, 91: {}, 133: {}, 150: {}, 189: {}, 234: {},
	262: {}, 9001: {}, 10107: {}, 11600: {}, 11602: {}, 13388: {}, 13435: {}, 13436: {},
}

// minResumableLabelWireVersion is the wire version at which the server
// starts tagging resumable errors with ResumableChangeStreamError instead of
// relying on the fixed legacy code set.
const minResumableLabelWireVersion int32 = 9

// IsResumableChangeStreamError classifies err: never resumable for
// change-stream-specific errors, always resumable for network/client-level
// errors and CursorNotFound, and wire-version-gated for everything else.
func (RetryPolicy) IsResumableChangeStreamError(err error, wireVersion *int32) bool {
	switch err.(type) {
	case ChangeStreamError:
		return false
	}
	drvErr, ok := err.(Error)
	if !ok {
		// Non-database (client-level) errors are always resumable.
		return true
	}
	if drvErr.HasErrorLabel(NetworkErrorLabel) {
		return true
	}
	if drvErr.Code == 43 { // CursorNotFound
		return true
	}
	if wireVersion != nil && *wireVersion >= minResumableLabelWireVersion {
		return drvErr.HasErrorLabel(ResumableChangeStreamError)
	}
	_, resumable := resumableLegacyCodes[drvErr.Code]
	return resumable
}
