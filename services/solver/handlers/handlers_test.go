// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaniya-v/CalOmr/services/solver/datatypes"
	"github.com/shaniya-v/CalOmr/services/solver/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ============================================================================
// Test Helpers
// ============================================================================

type fakeSolver struct {
	err       error
	gotVerify bool
	gotQ      datatypes.ParsedQuestion
	gotBatch  int
}

func (f *fakeSolver) SolveOne(ctx context.Context, q datatypes.ParsedQuestion, verify bool) (datatypes.SolveOutcome, error) {
	f.gotQ, f.gotVerify = q, verify
	if f.err != nil {
		return datatypes.SolveOutcome{}, f.err
	}
	return datatypes.SolveOutcome{Answer: "B", Confidence: 95, Source: datatypes.SourceSolved, Cached: true}, nil
}

func (f *fakeSolver) SolveMany(ctx context.Context, qs []datatypes.ParsedQuestion, verify bool) (datatypes.BatchOutcome, error) {
	f.gotBatch, f.gotVerify = len(qs), verify
	if f.err != nil {
		return datatypes.BatchOutcome{}, f.err
	}
	items := make([]datatypes.BatchItem, len(qs))
	for i := range qs {
		items[i] = datatypes.BatchItem{Index: i, Outcome: &datatypes.SolveOutcome{Answer: "A"}}
	}
	return datatypes.BatchOutcome{Results: items, Succeeded: len(qs)}, nil
}

func (f *fakeSolver) GetStats(ctx context.Context) (datatypes.Stats, error) {
	if f.err != nil {
		return datatypes.Stats{}, f.err
	}
	return datatypes.Stats{TotalQuestions: 3, TotalQueries: 4, CacheHits: 1, CacheHitRate: 25}, nil
}

func (f *fakeSolver) GetQuestion(ctx context.Context, id string) (*datatypes.Question, error) {
	if id != "q-1" {
		return nil, store.ErrNotFound
	}
	return &datatypes.Question{ID: id, Text: "2+2=?", Answer: "B", Embedding: []float32{1, 2, 3}}, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func newRouter(svc Solver) *gin.Engine {
	r := gin.New()
	r.POST("/v1/solve", HandleSolve(svc))
	r.POST("/v1/solve/batch", HandleSolveBatch(svc))
	r.GET("/v1/stats", HandleStats(svc))
	r.GET("/v1/questions/:id", HandleGetQuestion(svc))
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, err := http.NewRequest(method, path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

const solveBody = `{"question":{"question_text":"2+2=?","subject":"math","options":{"A":"3","B":"4"}},"verify":true}`

// ============================================================================
// Tests
// ============================================================================

func TestHandleSolve_OK(t *testing.T) {
	svc := &fakeSolver{}
	w := do(t, newRouter(svc), "POST", "/v1/solve", solveBody)

	require.Equal(t, http.StatusOK, w.Code)
	var out datatypes.SolveOutcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "B", out.Answer)
	assert.Equal(t, datatypes.SourceSolved, out.Source)
	assert.True(t, svc.gotVerify)
	assert.Equal(t, "2+2=?", svc.gotQ.Text)
	assert.Equal(t, "4", svc.gotQ.Options["B"])
}

func TestHandleSolve_BadBody(t *testing.T) {
	for _, body := range []string{`not json`, `{}`, `{"verify":true}`} {
		w := do(t, newRouter(&fakeSolver{}), "POST", "/v1/solve", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestHandleSolve_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{
		{"validation", datatypes.NewStageError(datatypes.ErrValidation, "input", errors.New("bad")), http.StatusUnprocessableEntity, "validation"},
		{"solve failed", datatypes.NewStageError(datatypes.ErrSolveFailed, "solve", errors.New("502")), http.StatusBadGateway, "solve_failed"},
		{"deadline", datatypes.NewStageError(datatypes.ErrSolveFailed, "solve", context.DeadlineExceeded), http.StatusGatewayTimeout, "solve_failed"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, newRouter(&fakeSolver{err: tt.err}), "POST", "/v1/solve", solveBody)
			assert.Equal(t, tt.wantCode, w.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
			assert.Equal(t, tt.wantKind, body["kind"])
		})
	}
}

func TestHandleSolveBatch(t *testing.T) {
	svc := &fakeSolver{}
	body := fmt.Sprintf(`{"questions":[%s,%s],"verify":false}`,
		`{"question_text":"a","subject":"math","options":{"A":"1","B":"2"}}`,
		`{"question_text":"b","subject":"physics","options":{"A":"1","B":"2"}}`)
	w := do(t, newRouter(svc), "POST", "/v1/solve/batch", body)

	require.Equal(t, http.StatusOK, w.Code)
	var out datatypes.BatchOutcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Len(t, out.Results, 2)
	assert.Equal(t, 2, out.Succeeded)
	assert.Equal(t, 2, svc.gotBatch)
	assert.False(t, svc.gotVerify)
}

func TestHandleSolveBatch_Oversized(t *testing.T) {
	svc := &fakeSolver{err: datatypes.NewStageError(datatypes.ErrValidation, "input", errors.New("too many"))}
	w := do(t, newRouter(svc), "POST", "/v1/solve/batch", `{"questions":[]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleStats(t *testing.T) {
	w := do(t, newRouter(&fakeSolver{}), "GET", "/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats datatypes.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 25.0, stats.CacheHitRate)

	down := datatypes.NewStageError(datatypes.ErrRetrievalUnavailable, "stats", errors.New("closed"))
	w = do(t, newRouter(&fakeSolver{err: down}), "GET", "/v1/stats", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleGetQuestion(t *testing.T) {
	w := do(t, newRouter(&fakeSolver{}), "GET", "/v1/questions/q-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "embedding")

	w = do(t, newRouter(&fakeSolver{}), "GET", "/v1/questions/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name   string
		pinger Pinger
		want   string
	}{
		{"no store", nil, "ok"},
		{"store up", fakePinger{}, "ok"},
		{"store down", fakePinger{err: errors.New("unreachable")}, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/health", HandleHealth(tt.pinger))
			w := do(t, r, "GET", "/health", "")
			assert.Equal(t, http.StatusOK, w.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body["status"])
		})
	}
}
