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
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaniya-v/CalOmr/services/solver/datatypes"
)

// fakeBackends serves Ollama generation and the embedding endpoint.
func fakeBackends(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":    "test",
			"response": "SOLUTION: 2+2 is 4\nANSWER: B\nCONFIDENCE: 88",
			"done":     true,
		})
	})
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"vector": []float32{0.5, 0.5, 0.1, 0.3}, "dim": 4})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeConfig(t *testing.T, backendURL string) string {
	t.Helper()
	for _, key := range []string{"CALOMR_STORE_BACKEND", "CALOMR_BADGER_PATH", "EMBEDDING_SERVICE_URL",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "INFLUXDB_URL", "CALOMR_PORT", "CALOMR_LOG_LEVEL"} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	content := fmt.Sprintf(`server:
  enable_metrics: false
store:
  backend: badger
  badger_path: %s
llm:
  backend: ollama
  base_url: %s
embedding:
  backend: http
  url: %s/embed
  dimension: 4
solver:
  requests_per_minute: -1
logging:
  level: error
`, filepath.Join(dir, "data"), backendURL, backendURL)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	jsonOutput, verify, configPath = false, false, ""
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSolveCommand_CachesAcrossRuns(t *testing.T) {
	srv, calls := fakeBackends(t)
	cfgPath := writeConfig(t, srv.URL)
	question := writeFile(t, "q.json", `{"question_text":"2+2=?","subject":"math","options":{"A":"3","B":"4","C":"5"}}`)

	out, err := execute(t, "--config", cfgPath, "--json", "solve", question)
	require.NoError(t, err)
	var first datatypes.SolveOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	assert.Equal(t, "B", first.Answer)
	assert.Equal(t, datatypes.SourceSolved, first.Source)
	assert.True(t, first.Cached)

	out, err = execute(t, "--config", cfgPath, "--json", "solve", question)
	require.NoError(t, err)
	var second datatypes.SolveOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &second))
	assert.Equal(t, datatypes.SourceCache, second.Source)
	assert.Equal(t, first.Question.ID, second.Question.ID)
	assert.EqualValues(t, 1, calls.Load())

	out, err = execute(t, "--config", cfgPath, "--json", "stats")
	require.NoError(t, err)
	var stats datatypes.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.TotalQuestions)
	assert.Equal(t, 2, stats.TotalQueries)
	assert.Equal(t, 1, stats.CacheHits)
}

func TestSolveCommand_RejectsMultipleQuestions(t *testing.T) {
	srv, _ := fakeBackends(t)
	cfgPath := writeConfig(t, srv.URL)
	questions := writeFile(t, "q.json", `[{"question_text":"a","subject":"math","options":{"A":"1","B":"2"}},{"question_text":"b","subject":"math","options":{"A":"1","B":"2"}}]`)

	_, err := execute(t, "--config", cfgPath, "solve", questions)
	assert.ErrorContains(t, err, "use batch")
}

func TestBatchCommand(t *testing.T) {
	srv, calls := fakeBackends(t)
	cfgPath := writeConfig(t, srv.URL)
	questions := writeFile(t, "q.yaml", `- question_text: "2+2=?"
  subject: math
  options: {A: "3", B: "4"}
- question_text: "2+2=?"
  subject: math
  options: {A: "3", B: "4"}
- question_text: "broken"
  subject: biology
  options: {A: "1", B: "2"}
`)

	out, err := execute(t, "--config", cfgPath, "--json", "batch", questions)
	require.NoError(t, err)
	var batch datatypes.BatchOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &batch))
	require.Len(t, batch.Results, 3)
	assert.Equal(t, 2, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)
	assert.NotEmpty(t, batch.Results[2].Error)
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "calomr dev\n", out)
}
