// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package mongo holds the ChangeStreamCursor consumer surface, layered on
// top of the core ExecutionHarness/CommandBatchCursor built in
// x/mongo/driver.
package mongo

import (
	"context"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/relatedcode/mongo-opcore/x/mongo/driver"
	"github.com/relatedcode/mongo-opcore/x/mongo/driver/description"
	"github.com/relatedcode/mongo-opcore/x/mongo/driver/operation"
	"github.com/relatedcode/mongo-opcore/x/mongo/driver/session"
)

// StreamType represents the cluster target a ChangeStream was opened
// against.
type StreamType uint8

// The three change-stream targets.
const (
	CollectionStream StreamType = iota
	DatabaseStream
	ClientStream
)

// ChangeStreamOptions carries the `$changeStream` stage options and cursor
// options. Documents are pre-encoded bsoncore.Document values; this
// package does not own a BSON registry/transform layer.
type ChangeStreamOptions struct {
	BatchSize             *int32
	Collation             bsoncore.Document
	FullDocument          string
	FullDocumentBeforeChange string
	MaxAwaitTime          int64 // milliseconds
	ResumeAfter           bsoncore.Document
	StartAfter            bsoncore.Document
	StartAtOperationTime  *primitive.Timestamp
	Comment               interface{}
	ShowExpandedEvents    *bool
}

// ChangeStreamConfig carries everything about the target deployment and
// session a ChangeStream needs that isn't a `$changeStream` option.
type ChangeStreamConfig struct {
	Database   string
	Collection string // empty for DatabaseStream/ClientStream
	StreamType StreamType

	ReadConcern    *readconcern.ReadConcern
	ReadPreference *readpref.ReadPref

	Deployment driver.Deployment
	Binding    driver.Binding
	Session    *session.Client
	Clock      *session.ClusterClock
	Monitor    driver.Monitor

	RetryReads bool
}

// ChangeStream iterates a stream of change notifications. Each event is
// available as raw BSON via Current and may be unmarshaled with Decode. Not
// goroutine-safe.
type ChangeStream struct {
	// Current is the BSON bytes of the event most recently returned by
	// Next/TryNext. Valid only until the next call; copy it to retain it.
	Current bson.Raw

	cfg  ChangeStreamConfig
	opts *ChangeStreamOptions

	userStages []bsoncore.Document // the caller's pipeline, without $changeStream
	cursor     *driver.CommandBatchCursor
	batch      []bsoncore.Document
	resumeToken bson.Raw
	operationTime *primitive.Timestamp
	wireVersion *description.VersionRange
	selector    description.ServerSelector

	err error
}

// NewChangeStream opens a change stream over the target described by cfg,
// running the aggregate immediately.
func NewChangeStream(ctx context.Context, cfg ChangeStreamConfig, userStages []bsoncore.Document, opts *ChangeStreamOptions) (*ChangeStream, error) {
	if opts == nil {
		opts = &ChangeStreamOptions{}
	}
	cs := &ChangeStream{
		cfg:        cfg,
		opts:       opts,
		userStages: userStages,
		selector:   description.ReadPrefSelector(cfg.ReadPreference),
	}

	resumeToken := opts.StartAfter
	if resumeToken == nil {
		resumeToken = opts.ResumeAfter
	}
	cs.resumeToken = bson.Raw(resumeToken)

	if err := cs.executeOperation(ctx, false); err != nil {
		return nil, cs.Err()
	}
	return cs, cs.Err()
}

// ID returns the server cursor id backing this stream, or 0 if closed or
// exhausted.
func (cs *ChangeStream) ID() int64 {
	if cs.cursor == nil {
		return 0
	}
	return cs.cursor.ID()
}

// Decode unmarshals Current into val.
func (cs *ChangeStream) Decode(val interface{}) error {
	if cs.cursor == nil {
		return driver.ErrNilCursor
	}
	return bson.Unmarshal(cs.Current, val)
}

// Err returns the last error observed by the stream, or nil.
func (cs *ChangeStream) Err() error {
	if cs.err != nil {
		return cs.err
	}
	if cs.cursor == nil {
		return nil
	}
	return cs.cursor.Err()
}

// Close closes the stream and its underlying cursor. Idempotent.
func (cs *ChangeStream) Close(ctx context.Context) error {
	if cs.cursor == nil {
		return nil
	}
	err := cs.cursor.Close(ctx)
	cs.cursor = nil
	if err != nil {
		cs.err = err
	}
	return cs.Err()
}

// ResumeToken returns the last cached resume token, or nil.
func (cs *ChangeStream) ResumeToken() bson.Raw { return cs.resumeToken }

// Next blocks until an event is available, an error occurs, or ctx expires.
// It returns false in the latter two cases; subsequent calls also return
// false once it has.
func (cs *ChangeStream) Next(ctx context.Context) bool {
	return cs.next(ctx, false)
}

// TryNext attempts to get the next event without blocking past a single
// getMore round trip.
func (cs *ChangeStream) TryNext(ctx context.Context) bool {
	return cs.next(ctx, true)
}

func (cs *ChangeStream) next(ctx context.Context, nonBlocking bool) bool {
	if cs.err != nil {
		return false
	}

	if len(cs.batch) == 0 {
		cs.loopNext(ctx, nonBlocking)
		if cs.err != nil || len(cs.batch) == 0 {
			return false
		}
	}

	cs.Current = bson.Raw(cs.batch[0])
	cs.batch = cs.batch[1:]
	cs.err = cs.storeResumeToken()
	return cs.err == nil
}

func (cs *ChangeStream) loopNext(ctx context.Context, nonBlocking bool) {
	for {
		if cs.cursor == nil {
			return
		}

		if cs.cursor.Next(ctx) {
			cs.batch = cs.cursor.Batch()
			return
		}

		cs.err = cs.cursor.Err()
		if cs.err == nil {
			if cs.ID() == 0 {
				return
			}
			// A getMore succeeded with an empty batch: the PBRT may still
			// have advanced.
			cs.updatePbrtFromCursor()
			if nonBlocking {
				return
			}
			continue
		}

		if !cs.isResumableError() {
			return
		}

		_ = cs.cursor.Close(ctx)
		if cs.err = cs.executeOperation(ctx, true); cs.err != nil {
			return
		}
	}
}

// isResumableError classifies cs.err as a resumable change-stream error
// via the shared RetryPolicy.
func (cs *ChangeStream) isResumableError() bool {
	var policy driver.RetryPolicy
	return policy.IsResumableChangeStreamError(cs.err, wireVersionMax(cs.wireVersion))
}

func wireVersionMax(vr *description.VersionRange) *int32 {
	if vr == nil {
		return nil
	}
	m := vr.Max
	return &m
}

// updatePbrtFromCursor caches the post-batch resume token after an empty
// batch so later resumption still has a resume point to use.
func (cs *ChangeStream) updatePbrtFromCursor() {
	if len(cs.batch) != 0 {
		return
	}
	if pbrt := cs.cursor.GetPostBatchResumeToken(); pbrt != nil {
		cs.resumeToken = bson.Raw(pbrt)
	}
}

// storeResumeToken caches either the trailing PBRT (if Current was the last
// document in its batch and a PBRT was supplied) or the document's own _id,
// failing with ErrMissingResumeToken if neither is present.
func (cs *ChangeStream) storeResumeToken() error {
	var token bson.Raw
	if len(cs.batch) == 0 {
		if pbrt := cs.cursor.GetPostBatchResumeToken(); pbrt != nil {
			token = bson.Raw(pbrt)
		}
	}
	if token == nil {
		id, ok := cs.Current.Lookup("_id").DocumentOK()
		if !ok {
			_ = cs.Close(context.Background())
			return driver.ErrMissingResumeToken
		}
		token = bson.Raw(id)
	}
	cs.resumeToken = token
	return nil
}

// buildPipeline prepends the `$changeStream` stage (with the resume options
// resolved per replaceOptions) to userStages.
func (cs *ChangeStream) buildPipeline() (bsoncore.Document, error) {
	csIdx, csDoc := bsoncore.AppendDocumentStart(nil)
	csDoc = bsoncore.AppendDocumentElement(csDoc, "$changeStream", cs.changeStreamOptionsDoc())
	csDoc, err := bsoncore.AppendDocumentEnd(csDoc, csIdx)
	if err != nil {
		return nil, err
	}

	pipeIdx, pipe := bsoncore.AppendArrayStart(nil)
	pipe = bsoncore.AppendDocumentElement(pipe, "0", csDoc)
	for i, stage := range cs.userStages {
		pipe = bsoncore.AppendDocumentElement(pipe, strconv.Itoa(i+1), stage)
	}
	return bsoncore.AppendArrayEnd(pipe, pipeIdx)
}

func (cs *ChangeStream) changeStreamOptionsDoc() bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	if cs.cfg.StreamType == ClientStream {
		dst = bsoncore.AppendBooleanElement(dst, "allChangesForCluster", true)
	}
	if cs.opts.FullDocument != "" {
		dst = bsoncore.AppendStringElement(dst, "fullDocument", cs.opts.FullDocument)
	}
	if cs.opts.FullDocumentBeforeChange != "" {
		dst = bsoncore.AppendStringElement(dst, "fullDocumentBeforeChange", cs.opts.FullDocumentBeforeChange)
	}
	if cs.opts.ShowExpandedEvents != nil {
		dst = bsoncore.AppendBooleanElement(dst, "showExpandedEvents", *cs.opts.ShowExpandedEvents)
	}
	if cs.opts.ResumeAfter != nil {
		dst = bsoncore.AppendDocumentElement(dst, "resumeAfter", cs.opts.ResumeAfter)
	}
	if cs.opts.StartAfter != nil {
		dst = bsoncore.AppendDocumentElement(dst, "startAfter", cs.opts.StartAfter)
	}
	if cs.opts.StartAtOperationTime != nil {
		dst = bsoncore.AppendTimestampElement(dst, "startAtOperationTime", cs.opts.StartAtOperationTime.T, cs.opts.StartAtOperationTime.I)
	}
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

// replaceOptions rewrites the cached opts.ResumeAfter/StartAfter/
// StartAtOperationTime ahead of a resume attempt, following precedence: a
// cached resume token wins; otherwise a cached/cursor operation time (wire
// version >= 7); otherwise nothing.
func (cs *ChangeStream) replaceOptions(wireVersion *description.VersionRange) {
	if cs.resumeToken != nil {
		cs.opts.ResumeAfter = bsoncore.Document(cs.resumeToken)
		cs.opts.StartAfter = nil
		cs.opts.StartAtOperationTime = nil
		return
	}

	haveOpTime := cs.operationTime != nil || cs.opts.StartAtOperationTime != nil
	if haveOpTime && wireVersion != nil && wireVersion.Max >= 7 {
		opTime := cs.opts.StartAtOperationTime
		if cs.operationTime != nil {
			opTime = cs.operationTime
		}
		cs.opts.StartAtOperationTime = opTime
		cs.opts.ResumeAfter = nil
		cs.opts.StartAfter = nil
		return
	}

	cs.opts.ResumeAfter = nil
	cs.opts.StartAfter = nil
	cs.opts.StartAtOperationTime = nil
}

// executeOperation runs (or re-runs, when resuming) the underlying
// aggregate and installs the resulting cursor. When cfg.RetryReads is set,
// an attempt that fails with a retryable read error is retried once.
func (cs *ChangeStream) executeOperation(ctx context.Context, resuming bool) error {
	if resuming {
		cs.replaceOptions(cs.wireVersion)
	}

	pipeline, err := cs.buildPipeline()
	if err != nil {
		cs.err = err
		return cs.err
	}

	agg := &operation.Aggregate{
		Database:   cs.cfg.Database,
		Collection: cs.cfg.Collection,
		Pipeline:   pipeline,
		Deployment: cs.cfg.Deployment,
		Selector:   cs.selector,
		Retry:      driver.RetryNone,
	}
	if cs.cfg.StreamType == ClientStream {
		agg.Database = "admin"
	}
	if cs.opts.BatchSize != nil {
		agg.BatchSize = cs.opts.BatchSize
	}
	if cs.opts.Collation != nil {
		agg.Collation = cs.opts.Collation
	}
	agg.Comment = cs.opts.Comment
	if cs.cfg.RetryReads {
		agg.Retry = driver.RetryOnce
	}

	opCtx := &driver.OperationContext{
		Session:      cs.cfg.Session,
		Clock:        cs.cfg.Clock,
		ReadConcern:  cs.cfg.ReadConcern,
		MaxAwaitMS:   cs.opts.MaxAwaitTime,
		Monitor:      cs.cfg.Monitor,
	}

	cursor, execErr := agg.Execute(ctx, cs.cfg.Binding, opCtx)
	if execErr != nil {
		cs.err = execErr
		return cs.err
	}
	cs.cursor = cursor
	cs.wireVersion = &description.VersionRange{Max: cursor.GetMaxWireVersion()}
	cs.err = nil

	cs.updatePbrtFromCursor()
	if cs.opts.StartAtOperationTime == nil && cs.opts.ResumeAfter == nil &&
		cs.opts.StartAfter == nil && cs.wireVersion.Max >= 7 &&
		cursor.IsFirstBatchEmpty() && cs.resumeToken == nil {
		cs.operationTime = cursor.GetOperationTime()
	}

	return nil
}
