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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validQuestion() ParsedQuestion {
	return ParsedQuestion{
		Text:    "2+2=?",
		Subject: SubjectMath,
		Options: map[string]string{"A": "3", "B": "4", "C": "5", "D": "6"},
	}
}

func validDraft() QuestionDraft {
	return QuestionDraft{
		Fingerprint: strings.Repeat("ab", 32),
		Text:        "2+2=?",
		Subject:     SubjectMath,
		Topic:       "arithmetic",
		Difficulty:  DifficultyEasy,
		Options:     map[string]string{"A": "3", "B": "4"},
		Answer:      "B",
		Confidence:  95,
		Embedding:   []float32{0.1, 0.2, 0.3},
		SolvedBy:    "groq:test",
	}
}

func TestParsedQuestion_Normalize(t *testing.T) {
	in := ParsedQuestion{
		Text:      "  What is x?  ",
		Subject:   "Physics ",
		Equations: []string{"F = ma", " ", "v = u + at"},
		Options:   map[string]string{" a": " 1 ", "b": "2"},
	}

	out := in.Normalize()

	assert.Equal(t, "What is x?", out.Text)
	assert.Equal(t, SubjectPhysics, out.Subject)
	assert.Equal(t, DifficultyMedium, out.Difficulty)
	assert.Equal(t, "general", out.Topic)
	assert.Equal(t, []string{"F = ma", "v = u + at"}, out.Equations)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, out.Options)
	assert.Equal(t, []string{"A", "B"}, out.SortedLabels())
}

func TestParsedQuestion_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, validQuestion().Normalize().Validate())
	})

	cases := map[string]func(*ParsedQuestion){
		"empty text":       func(q *ParsedQuestion) { q.Text = "" },
		"unknown subject":  func(q *ParsedQuestion) { q.Subject = "biology" },
		"bad label":        func(q *ParsedQuestion) { q.Options = map[string]string{"A": "1", "E": "2"} },
		"single option":    func(q *ParsedQuestion) { q.Options = map[string]string{"A": "1"} },
		"empty option":     func(q *ParsedQuestion) { q.Options = map[string]string{"A": "1", "B": ""} },
		"bad difficulty":   func(q *ParsedQuestion) { q.Difficulty = "brutal" },
		"oversized prompt": func(q *ParsedQuestion) { q.Text = strings.Repeat("x", MaxQuestionTextBytes+1) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			q := validQuestion()
			mutate(&q)
			err := q.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
		})
	}
}

func TestQuestionDraft_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, validDraft().Validate(3))
	})

	t.Run("answer not among options", func(t *testing.T) {
		d := validDraft()
		d.Answer = "C"
		err := d.Validate(3)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)
		assert.Contains(t, err.Error(), `answer "C"`)
	})

	t.Run("confidence out of range", func(t *testing.T) {
		d := validDraft()
		d.Confidence = 101
		assert.ErrorIs(t, d.Validate(3), ErrValidation)
		d.Confidence = -1
		assert.ErrorIs(t, d.Validate(3), ErrValidation)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		err := validDraft().Validate(384)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expects 384")
	})

	t.Run("dimension check skipped when zero", func(t *testing.T) {
		assert.NoError(t, validDraft().Validate(0))
	})

	t.Run("missing embedding is allowed", func(t *testing.T) {
		d := validDraft()
		d.Embedding = nil
		assert.NoError(t, d.Validate(0))
		assert.NoError(t, d.Validate(384))
	})
}

func TestQuestionDraft_ToQuestionCopies(t *testing.T) {
	d := validDraft()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	q := d.ToQuestion("id-1", now)
	d.Options["A"] = "mutated"
	d.Embedding[0] = 9

	assert.Equal(t, "id-1", q.ID)
	assert.Equal(t, "3", q.Options["A"])
	assert.InDelta(t, 0.1, q.Embedding[0], 1e-6)
	assert.Equal(t, now, q.CreatedAt)
	assert.Equal(t, now, q.UpdatedAt)
}

func TestStageError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewStageError(ErrRetrievalUnavailable, "lookup", cause)

	assert.ErrorIs(t, err, ErrRetrievalUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrSolveFailed)
	assert.Equal(t, "lookup: retrieval unavailable: connection refused", err.Error())
	assert.Equal(t, "retrieval_unavailable", KindName(err))

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, "lookup", stageErr.Stage)
}

func TestKindName(t *testing.T) {
	assert.Equal(t, "", KindName(nil))
	assert.Equal(t, "internal", KindName(errors.New("boom")))
	assert.Equal(t, "solve_failed", KindName(NewStageError(ErrSolveFailed, "solve", nil)))
}

func TestStats_ComputeHitRate(t *testing.T) {
	s := Stats{TotalQueries: 3, CacheHits: 1}
	s.ComputeHitRate()
	assert.InDelta(t, 33.33, s.CacheHitRate, 1e-9)

	empty := Stats{}
	empty.ComputeHitRate()
	assert.Zero(t, empty.CacheHitRate)
}

func TestSolveResult_SolvedBy(t *testing.T) {
	assert.Equal(t, "groq:m", SolveResult{Model: "groq:m"}.SolvedBy())
	assert.Equal(t, "groq:m+verified", SolveResult{Model: "groq:m", Verified: true}.SolvedBy())
}
