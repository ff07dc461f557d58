// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline answers multiple-choice questions, cache first.
//
// # Description
//
// SolveOne runs the stages of a request in a fixed order:
//
//  1. Normalize and validate the question.
//  2. Embed question text and equations.
//  3. Resolve against the cache: exact fingerprint, then similarity.
//  4. On a miss, solve (and optionally verify).
//  5. Write the new answer back so the next identical question is a hit.
//  6. Record the attempt in the query log.
//
// Only solve and validation failures end a request with an error.
// Retrieval, embedding and persist failures are reported as warnings on
// the outcome and the request continues.
//
// # Thread Safety
//
// A Pipeline is safe for concurrent use. All handles are injected at
// construction and never replaced.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/shaniya-v/CalOmr/services/solver/datatypes"
	"github.com/shaniya-v/CalOmr/services/solver/embedding"
	"github.com/shaniya-v/CalOmr/services/solver/invoker"
	"github.com/shaniya-v/CalOmr/services/solver/observability"
	"github.com/shaniya-v/CalOmr/services/solver/resolver"
	"github.com/shaniya-v/CalOmr/services/solver/store"
	"github.com/shaniya-v/CalOmr/services/solver/writeback"
)

var tracer = otel.Tracer("calomr.solver.pipeline")

// =============================================================================
// Dependencies
// =============================================================================

// Solver produces a validated answer for a cache miss.
type Solver interface {
	Solve(ctx context.Context, req invoker.SolveRequest, verify bool) (datatypes.SolveResult, error)
}

// QueryRecorder accepts query log entries without blocking.
type QueryRecorder interface {
	Record(entry datatypes.QueryLogEntry) bool
}

var (
	_ Solver        = (*invoker.Invoker)(nil)
	_ QueryRecorder = (*nopRecorder)(nil)
)

type nopRecorder struct{}

func (nopRecorder) Record(datatypes.QueryLogEntry) bool { return true }

// Deps are the handles a Pipeline is built from.
type Deps struct {
	// Store is required.
	Store store.CacheStore

	// Embedder may be nil, which disables similarity search. Answers are
	// still stored and found again by fingerprint.
	Embedder embedding.Embedder

	// Solver is required.
	Solver Solver

	// Recorder may be nil.
	Recorder QueryRecorder

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// =============================================================================
// Configuration
// =============================================================================

const (
	DefaultBatchConcurrency = 4
	DefaultMaxBatchSize     = 100
	DefaultEmbedTimeout     = 10 * time.Second
)

// Config holds pipeline policy.
type Config struct {
	Retrieval resolver.Config

	// BatchConcurrency bounds the questions SolveMany works on at once.
	BatchConcurrency int

	// MaxBatchSize rejects larger batches with a validation error.
	MaxBatchSize int

	EmbedTimeout time.Duration
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = DefaultBatchConcurrency
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = DefaultEmbedTimeout
	}
	return cfg
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline implements solveOne, solveMany and getStats.
type Pipeline struct {
	store    store.CacheStore
	embedder embedding.Embedder
	resolver *resolver.Resolver
	solver   Solver
	writer   *writeback.Manager
	recorder QueryRecorder
	cfg      Config
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// New wires a Pipeline.
//
// # Inputs
//
//   - deps: Store and Solver are required.
//   - cfg: Zero fields take defaults.
//
// # Outputs
//
//   - *Pipeline: Ready for use.
//   - error: Non-nil when a required dependency is missing.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if deps.Solver == nil {
		return nil, errors.New("pipeline: solver is required")
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg = applyConfigDefaults(cfg)

	dimension := 0
	if deps.Embedder != nil {
		dimension = deps.Embedder.Dimension()
	}
	res := resolver.New(deps.Store, cfg.Retrieval, deps.Metrics, deps.Logger)
	cfg.Retrieval = res.Config()

	return &Pipeline{
		store:    deps.Store,
		embedder: deps.Embedder,
		resolver: res,
		solver:   deps.Solver,
		writer: writeback.New(deps.Store, writeback.Config{
			Dimension:    dimension,
			StoreTimeout: cfg.Retrieval.StoreTimeout,
		}, deps.Metrics, deps.Logger),
		recorder: deps.Recorder,
		cfg:      cfg,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}, nil
}

// Config returns the effective policy.
func (p *Pipeline) Config() Config { return p.cfg }

// SolveOne answers one question.
//
// # Description
//
// A cache hit returns the stored answer with Source "cache". A miss calls
// the solver once (twice with verification) and stores the result; the
// outcome then has Source "solved". When another request stored the same
// question first, the stored record's answer is returned so every caller
// agrees.
//
// # Inputs
//
//   - q: Question as parsed. Normalized here.
//   - verify: Request a verification pass on a miss. Ignored on a hit.
//
// # Outputs
//
//   - datatypes.SolveOutcome: The answer. Warnings lists recovered failures.
//   - error: Wraps datatypes.ErrValidation or datatypes.ErrSolveFailed.
func (p *Pipeline) SolveOne(ctx context.Context, q datatypes.ParsedQuestion, verify bool) (datatypes.SolveOutcome, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.SolveOne")
	defer span.End()

	start := time.Now()
	defer func() { p.metrics.ObserveStage(observability.StageTotal, time.Since(start)) }()

	q = q.Normalize()
	span.SetAttributes(
		attribute.String("question.subject", string(q.Subject)),
		attribute.String("question.difficulty", string(q.Difficulty)),
	)
	if err := q.Validate(); err != nil {
		p.fail(span, q, start, err)
		return datatypes.SolveOutcome{}, err
	}

	var warnings []string
	vector, err := p.embed(ctx, q)
	if err != nil {
		warnings = append(warnings, err.Error())
		p.logger.Warn("Embedding unavailable, similarity search skipped", "error", err)
	}

	resolution, err := p.resolver.Resolve(ctx, q.Text, q.Subject, vector)
	if err != nil {
		warnings = append(warnings, err.Error())
	}
	if resolution.Hit && !offersAnswer(q, resolution.Record) {
		msg := fmt.Sprintf("cached answer %q is not one of this question's options, solving instead", resolution.Record.Answer)
		warnings = append(warnings, msg)
		p.logger.Warn("Ignoring cache hit with foreign answer",
			"question_id", resolution.Record.ID,
			"answer", resolution.Record.Answer,
			"similarity", resolution.Similarity)
		resolution.Hit = false
	}
	if resolution.Hit {
		out := fromRecord(resolution.Record, datatypes.SourceCache)
		out.Similarity = resolution.Similarity
		out.Warnings = warnings
		out.ElapsedMs = time.Since(start).Milliseconds()
		span.SetAttributes(attribute.String("solve.source", string(out.Source)))
		p.record(q.Subject, out, resolution.Record.ID, nil)
		return out, nil
	}

	result, err := p.solver.Solve(ctx, invoker.RequestFromQuestion(q), verify)
	if err != nil {
		p.fail(span, q, start, err)
		return datatypes.SolveOutcome{}, err
	}

	out := datatypes.SolveOutcome{
		Answer:     result.Answer,
		Confidence: result.Confidence,
		Reasoning:  result.Reasoning,
		Source:     datatypes.SourceSolved,
		Similarity: resolution.BestSimilarity,
		Verified:   result.Verified,
	}

	questionID := ""
	persisted, perr := p.writer.Persist(ctx, q, result, vector)
	switch {
	case perr == nil && !offersAnswer(q, persisted.Record):
		// Same text stored earlier with different options.
		warnings = append(warnings, fmt.Sprintf("stored record %s answers %q, not one of this question's options",
			persisted.Record.ID, persisted.Record.Answer))
		p.logger.Warn("Stored record does not fit this question, returning fresh answer",
			"question_id", persisted.Record.ID, "answer", persisted.Record.Answer)
	case perr == nil:
		stored := fromRecord(persisted.Record, datatypes.SourceSolved)
		stored.Similarity = out.Similarity
		out = stored
		questionID = persisted.Record.ID
	case errors.Is(perr, datatypes.ErrValidation):
		p.fail(span, q, start, perr)
		return datatypes.SolveOutcome{}, perr
	default:
		warnings = append(warnings, perr.Error())
		p.logger.Warn("Answer not cached", "subject", q.Subject, "error", perr)
	}

	out.Warnings = warnings
	out.ElapsedMs = time.Since(start).Milliseconds()
	span.SetAttributes(
		attribute.String("solve.source", string(out.Source)),
		attribute.Bool("solve.cached", out.Cached),
	)
	p.record(q.Subject, out, questionID, nil)
	return out, nil
}

// SolveMany answers questions concurrently.
//
// # Description
//
// At most BatchConcurrency questions are in flight. A failing question
// becomes an error entry and never stops the batch. Results keep the
// input order.
//
// # Outputs
//
//   - datatypes.BatchOutcome: One entry per question.
//   - error: Wraps datatypes.ErrValidation when the batch is larger than
//     MaxBatchSize. Per-question failures are never returned here.
func (p *Pipeline) SolveMany(ctx context.Context, questions []datatypes.ParsedQuestion, verify bool) (datatypes.BatchOutcome, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.SolveMany")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(questions)))

	if len(questions) > p.cfg.MaxBatchSize {
		err := datatypes.NewStageError(datatypes.ErrValidation, "input",
			fmt.Errorf("batch of %d questions exceeds the limit of %d", len(questions), p.cfg.MaxBatchSize))
		span.SetStatus(codes.Error, err.Error())
		return datatypes.BatchOutcome{}, err
	}

	start := time.Now()
	items := make([]datatypes.BatchItem, len(questions))

	var g errgroup.Group
	g.SetLimit(p.cfg.BatchConcurrency)
	for i, q := range questions {
		g.Go(func() error {
			item := datatypes.BatchItem{Index: i}
			out, err := p.SolveOne(ctx, q, verify)
			if err != nil {
				item.Error = err.Error()
				item.ErrorKind = datatypes.KindName(err)
			} else {
				item.Outcome = &out
			}
			items[i] = item
			return nil
		})
	}
	_ = g.Wait()

	batch := datatypes.BatchOutcome{Results: items, TotalMs: time.Since(start).Milliseconds()}
	for _, item := range items {
		switch {
		case item.Outcome == nil:
			batch.Failed++
		case item.Outcome.Source == datatypes.SourceCache:
			batch.Succeeded++
			batch.CacheHits++
		default:
			batch.Succeeded++
		}
	}
	span.SetAttributes(
		attribute.Int("batch.succeeded", batch.Succeeded),
		attribute.Int("batch.failed", batch.Failed),
	)
	p.logger.Info("Batch solved",
		"questions", len(questions),
		"succeeded", batch.Succeeded,
		"failed", batch.Failed,
		"cache_hits", batch.CacheHits,
		"total_ms", batch.TotalMs)
	return batch, nil
}

// GetStats aggregates the store on every call.
//
// # Outputs
//
//   - datatypes.Stats: Totals, hit rate and per-subject counts.
//   - error: Wraps datatypes.ErrRetrievalUnavailable when the store failed.
func (p *Pipeline) GetStats(ctx context.Context) (datatypes.Stats, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.GetStats")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Retrieval.StoreTimeout)
	defer cancel()
	stats, err := p.store.Stats(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.Stats{}, datatypes.NewStageError(datatypes.ErrRetrievalUnavailable, "stats", err)
	}
	return stats, nil
}

// GetQuestion returns a stored record by id.
//
// # Outputs
//
//   - error: store.ErrNotFound when absent, or wraps
//     datatypes.ErrRetrievalUnavailable.
func (p *Pipeline) GetQuestion(ctx context.Context, id string) (*datatypes.Question, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Retrieval.StoreTimeout)
	defer cancel()
	q, err := p.store.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, datatypes.NewStageError(datatypes.ErrRetrievalUnavailable, "lookup", err)
	}
	return q, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (p *Pipeline) embed(ctx context.Context, q datatypes.ParsedQuestion) ([]float32, error) {
	if p.embedder == nil {
		return nil, datatypes.NewStageError(datatypes.ErrEmbeddingUnavailable, "embed", errors.New("no embedder configured"))
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.EmbedTimeout)
	defer cancel()

	start := time.Now()
	vector, err := p.embedder.Embed(ctx, embedding.BuildText(q.Text, q.Equations))
	p.metrics.ObserveStage(observability.StageEmbed, time.Since(start))
	if err != nil {
		return nil, datatypes.NewStageError(datatypes.ErrEmbeddingUnavailable, "embed", err)
	}
	return vector, nil
}

func (p *Pipeline) record(subject datatypes.Subject, out datatypes.SolveOutcome, questionID string, err error) {
	entry := datatypes.QueryLogEntry{
		QuestionID:     questionID,
		Subject:        subject,
		Source:         out.Source,
		CacheHit:       out.Source == datatypes.SourceCache,
		Similarity:     out.Similarity,
		ResponseTimeMs: out.ElapsedMs,
	}
	if err != nil {
		entry.Source = datatypes.SourceNone
		entry.ErrorKind = datatypes.KindName(err)
		entry.ErrorMessage = err.Error()
	}
	p.recorder.Record(entry)
}

func (p *Pipeline) fail(span trace.Span, q datatypes.ParsedQuestion, start time.Time, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.logger.Warn("Question failed", "subject", q.Subject, "kind", datatypes.KindName(err), "error", err)
	p.record(q.Subject, datatypes.SolveOutcome{ElapsedMs: time.Since(start).Milliseconds()}, "", err)
}

// fromRecord builds an outcome from a stored record. The embedding is
// dropped from the copy returned to callers.
func fromRecord(q *datatypes.Question, source datatypes.Source) datatypes.SolveOutcome {
	rec := *q
	rec.Embedding = nil
	return datatypes.SolveOutcome{
		Answer:     q.Answer,
		Confidence: q.Confidence,
		Reasoning:  q.Reasoning,
		Source:     source,
		Cached:     true,
		Verified:   strings.HasSuffix(q.SolvedBy, "+verified"),
		Question:   &rec,
	}
}

// offersAnswer reports whether rec's answer is a label of q.
func offersAnswer(q datatypes.ParsedQuestion, rec *datatypes.Question) bool {
	if rec == nil {
		return false
	}
	_, ok := q.Options[rec.Answer]
	return ok
}
