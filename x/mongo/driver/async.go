// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import "context"

// Continuation is one step of the callback-driven execution variant: it
// performs exactly one attempt (one connection acquisition plus, usually,
// one wire round-trip) and returns either the next step to run or a nil
// Continuation once the operation has reached a terminal outcome. A caller
// drives the chain cooperatively, on its own goroutine, by calling the
// returned Continuation again as soon as the previous one returns:
//
//	cont, err := op.ExecuteAsync(ctx, binding, opCtx, handle)
//	for cont != nil && err == nil {
//	    cont, err = cont(ctx)
//	}
//
// This expresses the same retry semantics as Execute without recursion or
// a dedicated goroutine per attempt: each step is a single completion in a
// chain, so an event-loop-style caller can interleave other work between
// steps instead of blocking a whole thread for the operation's lifetime.
type Continuation func(ctx context.Context) (Continuation, error)

// ExecuteAsync is the callback-driven variant of the ExecutionHarness. It
// performs the one-time setup Execute does (deployment check, retry budget,
// transaction number allocation) and returns the first Continuation without
// blocking on any I/O; Execute is simply this chain drained in a loop on the
// calling goroutine, so the two variants share one attempt implementation
// rather than duplicating the retry/command/response logic.
func (op *Operation) ExecuteAsync(ctx context.Context, binding Binding, opCtx *OperationContext, handle ResponseHandler) (Continuation, error) {
	if op.Deployment == nil && binding == nil {
		return nil, ErrDeploymentRequired
	}
	if op.Modifier == nil {
		op.Modifier = IdentityModifier
	}

	budget := 0
	if op.RetryMode.Enabled() {
		budget = RETRIES
	}
	rs := NewRetryState(budget)
	rs.Modifier = op.Modifier

	// Allocate the transaction number exactly once for the first attempt;
	// every subsequent retry of this same logical write reuses the same
	// value.
	if op.Type == Write && op.RetryMode.Enabled() && opCtx.Session != nil {
		opCtx.TxnNumber = opCtx.Session.IncrementTxnNumber()
	}

	var step Continuation
	step = func(ctx context.Context) (Continuation, error) {
		outcome := op.runAttempt(ctx, binding, opCtx, handle, rs)
		if outcome.retry {
			return step, nil
		}
		return nil, outcome.err
	}
	return step, nil
}
