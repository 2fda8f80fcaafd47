// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyIsRetryableRead(t *testing.T) {
	var policy RetryPolicy

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"network label", Error{Labels: []string{NetworkErrorLabel}}, true},
		{"fixed retryable code", Error{Code: 189}, true}, // PrimarySteppedDown
		{"non-retryable code", Error{Code: 12345}, false},
		{"non-driver error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, policy.IsRetryableRead(tc.err))
		})
	}
}

func TestRetryPolicyIsRetryableWrite(t *testing.T) {
	var policy RetryPolicy

	// No txnNumber attached: never retryable, regardless of the error.
	require.False(t, policy.IsRetryableWrite(Error{Labels: []string{RetryableWriteError}}, 17, false))

	// Below wire version 9, retryable-write falls back to the retryable-read rule.
	require.True(t, policy.IsRetryableWrite(Error{Code: 91}, 8, true)) // ShutdownInProgress
	require.False(t, policy.IsRetryableWrite(Error{Code: 99999}, 8, true))

	// At/above wire version 9, only the explicit label or network error counts.
	require.True(t, policy.IsRetryableWrite(Error{Labels: []string{RetryableWriteError}}, 9, true))
	require.True(t, policy.IsRetryableWrite(Error{Labels: []string{NetworkErrorLabel}}, 9, true))
	require.False(t, policy.IsRetryableWrite(Error{Code: 91}, 9, true))
}

func TestRetryPolicyIsNamespaceNotFound(t *testing.T) {
	var policy RetryPolicy
	require.True(t, policy.IsNamespaceNotFound(Error{Code: 26}))
	require.True(t, policy.IsNamespaceNotFound(Error{Message: "ns not found"}))
	require.False(t, policy.IsNamespaceNotFound(Error{Code: 1}))
	require.False(t, policy.IsNamespaceNotFound(errors.New("boom")))
}

func TestRetryPolicyIsResumableChangeStreamError(t *testing.T) {
	var policy RetryPolicy
	wv9 := int32(9)
	wv7 := int32(7)

	require.False(t, policy.IsResumableChangeStreamError(ChangeStreamError{Message: "bad"}, &wv9),
		"change-stream-specific errors are never resumable")

	require.True(t, policy.IsResumableChangeStreamError(errors.New("client timeout"), &wv9),
		"non-database errors are always resumable")

	require.True(t, policy.IsResumableChangeStreamError(Error{Labels: []string{NetworkErrorLabel}}, &wv9))
	require.True(t, policy.IsResumableChangeStreamError(Error{Code: 43}, nil), "CursorNotFound is always resumable")

	require.True(t, policy.IsResumableChangeStreamError(Error{Labels: []string{ResumableChangeStreamError}}, &wv9))
	require.False(t, policy.IsResumableChangeStreamError(Error{Code: 1}, &wv9),
		"at/above the labeling wire version, an untagged error is not resumable")

	require.True(t, policy.IsResumableChangeStreamError(Error{Code: 133}, &wv7),
		"below the labeling wire version, the legacy fixed code set still applies")
	require.False(t, policy.IsResumableChangeStreamError(Error{Code: 1}, &wv7))
}

func TestRetryStateReportedErrorPrefersFirstOnNoWritesPerformed(t *testing.T) {
	rs := NewRetryState(1)
	first := Error{Message: "first failure"}
	last := Error{Message: "second failure", Labels: []string{NoWritesPerformed}}

	rs.RecordFailure(first)
	rs.RecordFailure(last)

	require.Equal(t, first, rs.ReportedError())
}

func TestRetryStateReportedErrorUsesLastByDefault(t *testing.T) {
	rs := NewRetryState(1)
	first := Error{Message: "first failure"}
	last := Error{Message: "second failure"}

	rs.RecordFailure(first)
	rs.RecordFailure(last)

	require.Equal(t, last, rs.ReportedError())
}

func TestRetryStateBudget(t *testing.T) {
	rs := NewRetryState(1)
	require.True(t, rs.HasBudget())
	rs.Consume()
	require.False(t, rs.HasBudget())
}
