// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"scaled", []float32{1, 2, 3}, []float32{2, 4, 6}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}

	_, err := CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
	_, err = CosineSimilarity(nil, nil)
	assert.Error(t, err)
}

func TestQuestionObjectID(t *testing.T) {
	a := QuestionObjectID("fp-1")
	assert.Equal(t, a, QuestionObjectID("fp-1"))
	assert.NotEqual(t, a, QuestionObjectID("fp-2"))
	assert.Len(t, a, 36)
}

func TestIsDuplicateError(t *testing.T) {
	dup := &fault.WeaviateClientError{
		IsUnexpectedStatusCode: true,
		StatusCode:             422,
		Msg:                    `{"error":[{"message":"id '5b0c' already exists"}]}`,
	}
	assert.True(t, isDuplicateError(dup))
	assert.True(t, isDuplicateError(fmt.Errorf("create: %w", dup)))
	assert.Equal(t, 422, statusOf(fmt.Errorf("create: %w", dup)))

	other := &fault.WeaviateClientError{IsUnexpectedStatusCode: true, StatusCode: 500, Msg: "boom"}
	assert.False(t, isDuplicateError(other))

	assert.True(t, isDuplicateError(errors.New("create object: id '5b0c3f4e' already exists")))
	assert.False(t, isDuplicateError(errors.New("class SolvedQuestion already exists, invalid id")))
	assert.False(t, isDuplicateError(&fault.WeaviateClientError{
		IsUnexpectedStatusCode: true,
		StatusCode:             500,
		Msg:                    "tenant already exists for shard id 3",
	}))
	assert.False(t, isDuplicateError(errors.New("connection refused")))
	assert.False(t, isDuplicateError(nil))
}

func TestUnavailableWrapsBoth(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := unavailable("insert", cause)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "insert")
}
