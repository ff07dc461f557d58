// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaniya-v/CalOmr/services/solver/datatypes"
)

func sampleOutcome() datatypes.SolveOutcome {
	return datatypes.SolveOutcome{
		Answer:     "B",
		Confidence: 92,
		Source:     datatypes.SourceCache,
		Similarity: 0.83,
		Cached:     true,
		Question: &datatypes.Question{
			ID:      "q-1",
			Options: map[string]string{"A": "3", "B": "4"},
		},
		Warnings: []string{"retrieval unavailable"},
	}
}

func TestPrinter_BufferIsNotStyled(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, false)
	assert.False(t, p.styled)

	require.NoError(t, p.Outcome(sampleOutcome()))
	out := buf.String()
	assert.Contains(t, out, "B  (4)")
	assert.Contains(t, out, "92%")
	assert.Contains(t, out, "cache (similarity 0.830)")
	assert.Contains(t, out, "q-1")
	assert.Contains(t, out, "retrieval unavailable")
	assert.NotContains(t, out, "\x1b[")
}

func TestPrinter_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, newPrinter(&buf, true).Outcome(sampleOutcome()))

	var decoded datatypes.SolveOutcome
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "B", decoded.Answer)
	assert.Equal(t, datatypes.SourceCache, decoded.Source)
}

func TestDescribeSource(t *testing.T) {
	tests := []struct {
		name string
		in   datatypes.SolveOutcome
		want string
	}{
		{"exact", datatypes.SolveOutcome{Source: datatypes.SourceCache, Similarity: 1}, "cache (exact)"},
		{"similar", datatypes.SolveOutcome{Source: datatypes.SourceCache, Similarity: 0.75}, "cache (similarity 0.750)"},
		{"solved", datatypes.SolveOutcome{Source: datatypes.SourceSolved, Cached: true}, "solved"},
		{"not cached", datatypes.SolveOutcome{Source: datatypes.SourceSolved}, "solved (not cached)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, describeSource(tt.in))
		})
	}
}

func TestPrinter_Batch(t *testing.T) {
	o := sampleOutcome()
	batch := datatypes.BatchOutcome{
		Results: []datatypes.BatchItem{
			{Index: 0, Outcome: &o},
			{Index: 1, Error: "solve failed: timeout", ErrorKind: "solve_failed"},
		},
		Succeeded: 1,
		Failed:    1,
		CacheHits: 1,
	}
	var buf bytes.Buffer
	require.NoError(t, newPrinter(&buf, false).Batch(batch))
	out := buf.String()
	assert.Contains(t, out, "2 questions")
	assert.Contains(t, out, "#1")
	assert.Contains(t, out, "#2   error  solve failed: timeout")
	assert.Contains(t, out, "succeeded 1, failed 1, cache hits 1")
}

func TestPrinter_Stats(t *testing.T) {
	stats := datatypes.Stats{
		TotalQuestions: 3,
		TotalQueries:   4,
		CacheHits:      2,
		CacheHitRate:   50,
		BySubject:      map[datatypes.Subject]int{datatypes.SubjectPhysics: 1, datatypes.SubjectMath: 2},
	}
	var buf bytes.Buffer
	require.NoError(t, newPrinter(&buf, false).Stats(stats))
	out := buf.String()
	assert.Contains(t, out, "50.00%")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("math")), bytes.Index(buf.Bytes(), []byte("physics")))
}
