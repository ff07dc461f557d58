// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolver decides whether a question has already been solved.
//
// # Description
//
// Resolution runs two strategies in a fixed order:
//
//  1. Exact lookup by fingerprint. A match is a hit with similarity 1.0 and
//     the vector search is never run.
//  2. Similarity search over the same subject. The best candidate is a hit
//     when its similarity is at or above the threshold.
//
// Candidates with equal similarity are ordered by stored confidence, then by
// creation time, newest first.
//
// # Thread Safety
//
// A Resolver holds no mutable state and is safe for concurrent use.
package resolver

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaniya-v/CalOmr/services/solver/datatypes"
	"github.com/shaniya-v/CalOmr/services/solver/fingerprint"
	"github.com/shaniya-v/CalOmr/services/solver/observability"
	"github.com/shaniya-v/CalOmr/services/solver/store"
)

var tracer = otel.Tracer("calomr.solver.resolver")

const (
	// DefaultThreshold is the minimum similarity of a near-duplicate hit.
	DefaultThreshold = 0.7

	// DefaultTopK is the number of candidates requested from the store.
	DefaultTopK = 3

	// DefaultStoreTimeout bounds each store call.
	DefaultStoreTimeout = 10 * time.Second

	// tieEpsilon is the distance under which two similarities are equal.
	tieEpsilon = 1e-9
)

// Config holds the retrieval policy.
type Config struct {
	Threshold    float64
	TopK         int
	StoreTimeout time.Duration
}

// DefaultConfig returns the standard retrieval policy.
func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, TopK: DefaultTopK, StoreTimeout: DefaultStoreTimeout}
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	return cfg
}

// Resolver runs exact then similarity lookup against a CacheStore.
type Resolver struct {
	store   store.CacheStore
	cfg     Config
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New builds a Resolver. Invalid config values are replaced with defaults.
func New(s store.CacheStore, cfg Config, metrics *observability.Metrics, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: s, cfg: applyConfigDefaults(cfg), metrics: metrics, logger: logger}
}

// Config returns the effective policy.
func (r *Resolver) Config() Config { return r.cfg }

// Resolve looks for a stored answer to the question.
//
// # Description
//
// The exact lookup always runs first. Similarity search runs only when the
// exact lookup found nothing and vector is non-empty.
//
// # Inputs
//
//   - text: Raw question text; fingerprinted here.
//   - subject: Restricts the similarity search.
//   - vector: Question embedding. Nil skips similarity search.
//
// # Outputs
//
//   - datatypes.Resolution: A hit or a miss. Always a miss when err != nil.
//   - error: Wraps datatypes.ErrRetrievalUnavailable when the store failed.
//     Callers treat it as a miss and continue without the cache read.
func (r *Resolver) Resolve(ctx context.Context, text string, subject datatypes.Subject, vector []float32) (datatypes.Resolution, error) {
	ctx, span := tracer.Start(ctx, "Resolver.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("question.subject", string(subject)))

	start := time.Now()
	defer func() { r.metrics.ObserveStage(observability.StageLookup, time.Since(start)) }()

	fp := fingerprint.Compute(text)

	exact, err := r.exactLookup(ctx, fp)
	if err != nil {
		return r.unavailable(span, subject, "exact lookup", err)
	}
	if exact != nil {
		span.SetAttributes(attribute.String("resolution", observability.OutcomeExactHit))
		r.metrics.RecordResolution(observability.OutcomeExactHit, string(subject))
		r.logger.Debug("Exact cache hit", "question_id", exact.ID, "subject", subject)
		return datatypes.Hit(exact, 1.0, datatypes.MatchExact), nil
	}

	if len(vector) == 0 {
		span.SetAttributes(attribute.String("resolution", observability.OutcomeMiss))
		r.metrics.RecordResolution(observability.OutcomeMiss, string(subject))
		return datatypes.Miss(0, 0), nil
	}

	candidates, err := r.similaritySearch(ctx, vector, subject)
	if err != nil {
		return r.unavailable(span, subject, "similarity search", err)
	}

	best, ok := SelectBest(candidates)
	if !ok {
		span.SetAttributes(attribute.String("resolution", observability.OutcomeMiss))
		r.metrics.RecordResolution(observability.OutcomeMiss, string(subject))
		return datatypes.Miss(0, 0), nil
	}
	r.metrics.ObserveBestSimilarity(best.Similarity)
	span.SetAttributes(
		attribute.Float64("resolution.best_similarity", best.Similarity),
		attribute.Int("resolution.candidates", len(candidates)),
	)

	if best.Similarity >= r.cfg.Threshold {
		span.SetAttributes(attribute.String("resolution", observability.OutcomeSimilarityHit))
		r.metrics.RecordResolution(observability.OutcomeSimilarityHit, string(subject))
		r.logger.Debug("Similarity cache hit",
			"question_id", best.Question.ID,
			"similarity", best.Similarity,
			"threshold", r.cfg.Threshold)
		return datatypes.Hit(best.Question, best.Similarity, datatypes.MatchSimilarity), nil
	}

	span.SetAttributes(attribute.String("resolution", observability.OutcomeMiss))
	r.metrics.RecordResolution(observability.OutcomeMiss, string(subject))
	return datatypes.Miss(best.Similarity, len(candidates)), nil
}

func (r *Resolver) exactLookup(ctx context.Context, fp string) (*datatypes.Question, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	return r.store.ExactLookup(ctx, fp)
}

func (r *Resolver) similaritySearch(ctx context.Context, vector []float32, subject datatypes.Subject) ([]datatypes.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	return r.store.SimilaritySearch(ctx, vector, subject, r.cfg.TopK, r.cfg.Threshold)
}

func (r *Resolver) unavailable(span trace.Span, subject datatypes.Subject, op string, err error) (datatypes.Resolution, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.metrics.RecordResolution(observability.OutcomeUnavailable, string(subject))
	r.logger.Warn("Cache store unavailable, continuing without cache read", "op", op, "error", err)
	return datatypes.Miss(0, 0), datatypes.NewStageError(datatypes.ErrRetrievalUnavailable, "lookup", err)
}

// SelectBest returns the preferred candidate.
//
// # Description
//
// Highest similarity wins. Similarities within 1e-9 are equal, in which
// case higher confidence wins, then the most recently created record.
// Candidates without a record are ignored.
//
// # Outputs
//
//   - datatypes.Candidate: The winner.
//   - bool: False when there was no usable candidate.
func SelectBest(candidates []datatypes.Candidate) (datatypes.Candidate, bool) {
	usable := make([]datatypes.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Question != nil {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		return datatypes.Candidate{}, false
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return preferred(usable[i], usable[j])
	})
	return usable[0], true
}

func preferred(a, b datatypes.Candidate) bool {
	if d := a.Similarity - b.Similarity; d > tieEpsilon || d < -tieEpsilon {
		return d > 0
	}
	if a.Question.Confidence != b.Question.Confidence {
		return a.Question.Confidence > b.Question.Confidence
	}
	return a.Question.CreatedAt.After(b.Question.CreatedAt)
}
