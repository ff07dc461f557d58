// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store implements the cache store capability over solved questions.
//
// # Description
//
// The cache store offers exact lookup by fingerprint, approximate nearest
// neighbour search by embedding within a subject, idempotency-enforcing
// inserts, and the append-only query log used for statistics.
//
// Two implementations are provided:
//
//   - BadgerStore: embedded, single process. Uniqueness is enforced with
//     optimistic transactions over a fingerprint index key.
//   - WeaviateStore: networked vector database. Uniqueness is enforced by
//     deriving the object id from the fingerprint.
//
// # Thread Safety
//
// Both implementations are safe for concurrent use. Neither holds locks of
// its own; conflicting writes are resolved by the underlying database.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shaniya-v/CalOmr/services/solver/datatypes"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrDuplicate is returned by Insert when the fingerprint already exists.
	ErrDuplicate = errors.New("duplicate fingerprint")

	// ErrUnavailable wraps any failure to reach or operate the database.
	ErrUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned by lookups by id when no record exists.
	ErrNotFound = errors.New("record not found")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// =============================================================================
// Interface
// =============================================================================

// CacheStore is the persistence capability consumed by the pipeline.
type CacheStore interface {
	// ExactLookup returns the record with the fingerprint, or (nil, nil).
	ExactLookup(ctx context.Context, fingerprint string) (*datatypes.Question, error)

	// GetByID returns the record with id, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*datatypes.Question, error)

	// SimilaritySearch returns up to k records of subject, highest cosine
	// similarity first. thresholdHint lets an index prune early; callers
	// must still apply their own threshold.
	SimilaritySearch(ctx context.Context, vector []float32, subject datatypes.Subject, k int, thresholdHint float64) ([]datatypes.Candidate, error)

	// Insert stores the draft and returns the created record. It returns
	// ErrDuplicate if the fingerprint is already present.
	Insert(ctx context.Context, draft datatypes.QuestionDraft) (*datatypes.Question, error)

	// AppendQueryLog writes one query log row.
	AppendQueryLog(ctx context.Context, entry datatypes.QueryLogEntry) error

	// Stats aggregates stored questions and query log rows.
	Stats(ctx context.Context) (datatypes.Stats, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// =============================================================================
// Similarity
// =============================================================================

// CosineSimilarity returns the cosine of the angle between a and b.
//
// # Outputs
//
//   - float64: In [-1, 1]. Zero when either vector has zero norm.
//   - error: Non-nil when the lengths differ or a vector is empty.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, errors.New("empty vector")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, sim)), nil
}
