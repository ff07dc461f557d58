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

import "time"

// =============================================================================
// Retrieval
// =============================================================================

// MatchMethod tells how a cache hit was found.
type MatchMethod string

const (
	MatchExact      MatchMethod = "exact"
	MatchSimilarity MatchMethod = "similarity"
)

// Candidate is one similarity search result.
type Candidate struct {
	Question   *Question
	Similarity float64
}

// Resolution is the tagged outcome of a cache lookup.
//
// Exactly one of the two shapes is meaningful: when Hit is true, Record,
// Similarity and Method describe the match; otherwise BestSimilarity holds the
// closest candidate's score (0 when there were none).
type Resolution struct {
	Hit            bool
	Record         *Question
	Similarity     float64
	Method         MatchMethod
	BestSimilarity float64
	Candidates     int
}

// Hit builds a hit resolution.
func Hit(record *Question, similarity float64, method MatchMethod) Resolution {
	return Resolution{Hit: true, Record: record, Similarity: similarity, Method: method, BestSimilarity: similarity}
}

// Miss builds a miss resolution.
func Miss(best float64, candidates int) Resolution {
	return Resolution{BestSimilarity: best, Candidates: candidates}
}

// =============================================================================
// Solving
// =============================================================================

// SolveResult is the reconciled output of the solver stage.
type SolveResult struct {
	Answer     string `json:"answer"`
	Confidence int    `json:"confidence"`
	Reasoning  string `json:"reasoning,omitempty"`
	Model      string `json:"model"`

	// Verified is true when a second pass ran.
	Verified bool `json:"verified"`

	// VerifierAgreed is meaningful only when Verified is true.
	VerifierAgreed bool `json:"verifier_agreed,omitempty"`

	// VerifierAnswer is the second pass's answer, when one ran.
	VerifierAnswer string `json:"verifier_answer,omitempty"`
}

// SolvedBy returns the provenance tag stored on the record.
func (r SolveResult) SolvedBy() string {
	if r.Verified {
		return r.Model + "+verified"
	}
	return r.Model
}

// =============================================================================
// Pipeline outcomes
// =============================================================================

// SolveOutcome is what solveOne returns to the API and CLI layers.
type SolveOutcome struct {
	Answer     string  `json:"answer"`
	Confidence int     `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Source     Source  `json:"source"`
	Similarity float64 `json:"similarity,omitempty"`

	// Cached is false when the answer could not be written back.
	Cached bool `json:"cached"`

	Verified bool      `json:"verified"`
	Question *Question `json:"question,omitempty"`

	// Warnings lists recovered failures (retrieval, embedding, persist).
	Warnings  []string `json:"warnings,omitempty"`
	ElapsedMs int64    `json:"elapsed_ms"`
}

// BatchItem is one entry of a batch result: either an outcome or an error.
type BatchItem struct {
	Index     int           `json:"index"`
	Outcome   *SolveOutcome `json:"outcome,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
}

// BatchOutcome is what solveMany returns.
type BatchOutcome struct {
	Results   []BatchItem `json:"results"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	CacheHits int         `json:"cache_hits"`
	TotalMs   int64       `json:"total_ms"`
}

// =============================================================================
// Query log and statistics
// =============================================================================

// QueryLogEntry records one resolution attempt. Never mutated.
type QueryLogEntry struct {
	ID             string  `json:"id"`
	QuestionID     string  `json:"question_id,omitempty"`
	Subject        Subject `json:"subject"`
	Source         Source  `json:"source"`
	CacheHit       bool    `json:"cache_hit"`
	Similarity     float64 `json:"similarity,omitempty"`
	ResponseTimeMs int64   `json:"response_time_ms"`
	ErrorKind      string  `json:"error_kind,omitempty"`
	ErrorMessage   string  `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Stats is an aggregation over stored questions and query log rows.
type Stats struct {
	TotalQuestions int             `json:"total_questions"`
	TotalQueries   int             `json:"total_queries"`
	CacheHits      int             `json:"cache_hits"`
	CacheHitRate   float64         `json:"cache_hit_rate"`
	BySubject      map[Subject]int `json:"by_subject"`
}

// ComputeHitRate fills CacheHitRate as a percentage rounded to two decimals.
func (s *Stats) ComputeHitRate() {
	if s.TotalQueries == 0 {
		s.CacheHitRate = 0
		return
	}
	rate := float64(s.CacheHits) / float64(s.TotalQueries) * 100
	s.CacheHitRate = float64(int64(rate*100+0.5)) / 100
}
