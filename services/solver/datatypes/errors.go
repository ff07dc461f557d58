// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Kinds
// =============================================================================

var (
	// ErrRetrievalUnavailable means the cache store could not be read during
	// lookup. The request continues as a miss.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrEmbeddingUnavailable means no vector could be produced for the
	// question. Similarity search is skipped; the answer is still stored by
	// fingerprint.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrSolveFailed means the solver errored or produced output that could
	// not be parsed. Terminal for the request.
	ErrSolveFailed = errors.New("solve failed")

	// ErrPersistConflict means another writer stored the same fingerprint
	// first. Recovered by returning the existing record.
	ErrPersistConflict = errors.New("persist conflict")

	// ErrPersistUnavailable means the store could not be written. The answer
	// is still returned, flagged as not cached.
	ErrPersistUnavailable = errors.New("persist unavailable")

	// ErrValidation means a result or draft broke a record invariant.
	// Terminal for the request, never coerced.
	ErrValidation = errors.New("validation error")
)

// StageError attaches a pipeline stage and error kind to an underlying cause.
//
// # Description
//
// errors.Is(err, Kind) and errors.Is(err, cause) both hold, so callers can
// switch on the kind while logs keep the original error text.
//
// # Examples
//
//	if errors.Is(err, datatypes.ErrSolveFailed) {
//	    return http.StatusBadGateway
//	}
type StageError struct {
	Kind  error
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewStageError is a shorthand constructor.
func NewStageError(kind error, stage string, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the error kind carried by err, or nil if err carries none.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrValidation,
		ErrSolveFailed,
		ErrRetrievalUnavailable,
		ErrEmbeddingUnavailable,
		ErrPersistUnavailable,
		ErrPersistConflict,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName is the short label used in logs, metrics and query log rows.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrValidation:
		return "validation"
	case ErrSolveFailed:
		return "solve_failed"
	case ErrRetrievalUnavailable:
		return "retrieval_unavailable"
	case ErrEmbeddingUnavailable:
		return "embedding_unavailable"
	case ErrPersistUnavailable:
		return "persist_unavailable"
	case ErrPersistConflict:
		return "persist_conflict"
	}
	if err == nil {
		return ""
	}
	return "internal"
}
