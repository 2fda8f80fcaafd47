// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"errors"
	"fmt"
	"strings"
)

// Error labels recognized on the wire.
const (
	RetryableWriteError        = "RetryableWriteError"
	ResumableChangeStreamError = "ResumableChangeStreamError"
	NoWritesPerformed          = "NoWritesPerformed"
	NetworkErrorLabel          = "NetworkError"
	TransientTransactionError  = "TransientTransactionError"
)

// Sentinel errors for the usage-violation taxonomy.
var (
	// ErrCursorClosed is returned when an operation is attempted on a closed cursor.
	ErrCursorClosed = errors.New("cursor is closed")
	// ErrConcurrentOperation is returned when two operations are attempted concurrently
	// on the same cursor; CursorState invariant.
	ErrConcurrentOperation = errors.New("another operation is already in progress on this cursor")
	// ErrMissingResumeToken indicates a change-stream notification lacked an _id.
	ErrMissingResumeToken = errors.New("cannot provide resume functionality when the resume token is missing")
	// ErrNilCursor indicates the underlying cursor for a change stream is nil.
	ErrNilCursor = errors.New("cursor is nil")
	// ErrEmptyPipeline indicates an aggregate/change-stream pipeline was required but empty.
	ErrEmptyPipeline = errors.New("pipeline cannot be empty")
	// ErrDeploymentRequired is returned when an operation is executed without a Deployment set.
	ErrDeploymentRequired = errors.New("the Deployment must be set on Operation before calling Execute")
)

// Error represents a command-level error returned by the server (a
// CommandFailure reply) or synthesized locally for a transport failure.
type Error struct {
	Code    int32
	Message string
	Name    string
	Labels  []string
	Wrapped error
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("(%s) %s", e.Name, e.Message)
	}
	return e.Message
}

// Unwrap supports errors.Is/As against the underlying transport error.
func (e Error) Unwrap() error { return e.Wrapped }

// HasErrorLabel returns true if the error contains the specified label.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NamespaceNotFound reports whether this error is the fixed
// namespace-not-found signal: error code 26 or an "ns not
// found" substring.
func (e Error) NamespaceNotFound() bool {
	return e.Code == 26 || strings.Contains(e.Message, "ns not found")
}

// readRetryableCodes is the fixed retryable-read code set.
var readRetryableCodes = map[int32]struct{}{
	6:     {}, // HostUnreachable
	7:     {}, // HostNotFound
	89:    {}, // NetworkTimeout
	91:    {}, // ShutdownInProgress
	189:   {}, // PrimarySteppedDown
	262:   {}, // ExceededTimeLimit
	9001:  {}, // SocketException
	13436: {}, // NotMasterOrSecondary
	13435: {}, // NotMasterNoSecondaryOK
	11602: {}, // InterruptedDueToReplStateChange
	11600: {}, // InterruptedAtShutdown
	10107: {}, // NotMaster
}

// RetryableRead classifies e against the retryable-read rule.
func (e Error) RetryableRead() bool {
	if e.HasErrorLabel(NetworkErrorLabel) {
		return true
	}
	_, ok := readRetryableCodes[e.Code]
	return ok
}

// RetryableWrite classifies e against the retryable-write rule, given the
// negotiated wire version of the connection the command was sent on.
func (e Error) RetryableWrite(wireVersion int32) bool {
	if e.HasErrorLabel(RetryableWriteError) {
		return true
	}
	if wireVersion < 9 {
		return e.RetryableRead()
	}
	return e.HasErrorLabel(NetworkErrorLabel)
}

// Retryable reports whether this error, taken alone (no wire-version
// context), looks like a transport-level failure eligible for any retry
// classification at all.
func (e Error) Retryable() bool {
	return e.HasErrorLabel(NetworkErrorLabel) || e.HasErrorLabel(RetryableWriteError)
}

// WriteError represents a single write error in a writeErrors array.
type WriteError struct {
	Index   int64
	Code    int64
	Message string
	Details []byte
}

func (we WriteError) Error() string { return we.Message }

// WriteConcernError represents the writeConcernError sub-document of a
// command response.
type WriteConcernError struct {
	Code    int64
	Message string
	Details []byte
}

func (wce *WriteConcernError) Error() string {
	return fmt.Sprintf("write concern error: %s (code %d)", wce.Message, wce.Code)
}

// WriteCommandError bundles writeErrors and an optional writeConcernError,
// the shape every write-path operation must detect and raise.
type WriteCommandError struct {
	WriteErrors       []WriteError
	WriteConcernError *WriteConcernError
	Labels            []string
}

// HasErrorLabel returns true if the error contains the specified label.
func (wce WriteCommandError) HasErrorLabel(label string) bool {
	for _, l := range wce.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func (wce WriteCommandError) Error() string {
	var sb strings.Builder
	for i, we := range wce.WriteErrors {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(we.Error())
	}
	if wce.WriteConcernError != nil {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(wce.WriteConcernError.Error())
	}
	return sb.String()
}

// DuplicateKeyError is the translated shape of a write error in the
// DUPLICATE_KEY category.
type DuplicateKeyError struct {
	WriteError
}

// duplicateKeyCodes are the server error codes in the DUPLICATE_KEY category.
var duplicateKeyCodes = map[int64]struct{}{
	11000: {},
	11001: {},
	12582: {},
	16460: {},
}

// IsDuplicateKeyCode reports whether code belongs to the DUPLICATE_KEY
// category used to translate bulk-write errors.
func IsDuplicateKeyCode(code int64) bool {
	_, ok := duplicateKeyCodes[code]
	return ok
}

// InvalidArgumentError reports a precondition violation detected by a
// CommandCreator, such as an empty pipeline or a collation requested
// against a wire version that doesn't support it.
type InvalidArgumentError struct {
	Message string
}

func (e InvalidArgumentError) Error() string { return e.Message }

// ChangeStreamError reports a change-stream-specific error. A batch document
// missing its _id is reported with the ErrMissingResumeToken sentinel instead.
type ChangeStreamError struct {
	Message string
}

func (e ChangeStreamError) Error() string { return e.Message }

// QueryFailureError represents a legacy OP_QUERY failure response, or (as
// reused by the batch cursor) a getMore response tagged with the cursor id
// that failed to be found on the server.
type QueryFailureError struct {
	Message  string
	CursorID int64
}

func (e QueryFailureError) Error() string {
	return fmt.Sprintf("%s (cursor id %d)", e.Message, e.CursorID)
}
