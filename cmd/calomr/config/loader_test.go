// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CALOMR_STORE_BACKEND", "CALOMR_BADGER_PATH", "WEAVIATE_SERVICE_URL",
		"EMBEDDING_SERVICE_URL", "OTEL_EXPORTER_OTLP_ENDPOINT", "CALOMR_LOG_LEVEL",
		"INFLUXDB_URL", "INFLUXDB_TOKEN", "INFLUXDB_ORG", "INFLUXDB_BUCKET",
		"GROQ_API_KEY", "OPENAI_API_KEY", "CALOMR_PORT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_CreatesDefault(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk CalomrConfig
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	assert.Equal(t, "badger", onDisk.Store.Backend)
	assert.Equal(t, 30*time.Second, onDisk.LLM.Timeout)
	assert.Equal(t, 0.7, onDisk.Retrieval.Threshold)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retrieval:\n  threshold: 0.85\nllm:\n  backend: ollama\n  base_url: http://localhost:11434\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.85, cfg.Retrieval.Threshold)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
	assert.Equal(t, "ollama", cfg.LLM.Backend)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
}

func TestLoad_MalformedFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retrieval: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GROQ_API_KEY", "gsk_test")
	t.Setenv("CALOMR_STORE_BACKEND", "weaviate")
	t.Setenv("WEAVIATE_SERVICE_URL", "http://weaviate:8080")
	t.Setenv("EMBEDDING_SERVICE_URL", "http://embed:8000/embed")
	t.Setenv("INFLUXDB_URL", "http://influx:8086")
	t.Setenv("INFLUXDB_BUCKET", "calomr")
	t.Setenv("CALOMR_PORT", "9000")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "gsk_test", cfg.LLM.APIKey)
	assert.Equal(t, "weaviate", cfg.Store.Backend)
	assert.Equal(t, "http://weaviate:8080", cfg.Store.WeaviateURL)
	assert.Equal(t, "http://embed:8000/embed", cfg.Embedding.URL)
	assert.Equal(t, "http://influx:8086", cfg.Influx.URL)
	assert.Equal(t, "calomr", cfg.Influx.Bucket)
	assert.Equal(t, 9000, cfg.Server.Port)
}

func TestApplyEnvOverrides_KeySelectedByBackend(t *testing.T) {
	env := map[string]string{"GROQ_API_KEY": "groq", "OPENAI_API_KEY": "openai", "CALOMR_PORT": "abc"}
	getenv := func(k string) string { return env[k] }

	cfg := DefaultConfig()
	cfg.LLM.Backend = "openai"
	applyEnvOverrides(&cfg, getenv)
	assert.Equal(t, "openai", cfg.LLM.APIKey)
	assert.Equal(t, 12310, cfg.Server.Port, "unparseable port is ignored")

	cfg = DefaultConfig()
	cfg.LLM.Backend = "ollama"
	applyEnvOverrides(&cfg, getenv)
	assert.Empty(t, cfg.LLM.APIKey)
}

func TestValidate_CorrectsInvalidValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retrieval.Threshold = 1.5
	cfg.Retrieval.TopK = 0
	cfg.Store.Backend = "sqlite"
	cfg.Solver.AutoVerifyBelow = 140
	cfg.Solver.RequestsPerMinute = -5
	cfg.LLM.Timeout = time.Millisecond
	cfg.Logging.Level = "loud"
	cfg.Batch.Concurrency = 4
	cfg.Server.Port = 8080

	got := Validate(cfg)
	def := DefaultConfig()
	assert.Equal(t, def.Retrieval.Threshold, got.Retrieval.Threshold)
	assert.Equal(t, def.Retrieval.TopK, got.Retrieval.TopK)
	assert.Equal(t, "badger", got.Store.Backend)
	assert.Equal(t, 0, got.Solver.AutoVerifyBelow)
	assert.Equal(t, def.Solver.RequestsPerMinute, got.Solver.RequestsPerMinute)
	assert.Equal(t, def.LLM.Timeout, got.LLM.Timeout)
	assert.Equal(t, "info", got.Logging.Level)
	assert.Equal(t, 8080, got.Server.Port, "valid values are kept")
}

func TestValidate_ResetsInvalidOrigins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "not a url"}
	assert.Nil(t, Validate(cfg).Server.AllowedOrigins)

	cfg.Server.AllowedOrigins = []string{"https://calomr.app"}
	assert.Equal(t, []string{"https://calomr.app"}, Validate(cfg).Server.AllowedOrigins)
}

func TestValidate_AcceptsDisabledRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Solver.RequestsPerMinute = -1
	assert.Equal(t, -1, Validate(cfg).Solver.RequestsPerMinute)
}

func TestToService(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Solver.AutoVerifyBelow = 65
	svc := cfg.ToService()

	assert.Equal(t, filepath.Join(home, ".calomr", "data"), svc.BadgerPath)
	assert.Equal(t, "groq", svc.LLM.Backend)
	assert.Equal(t, 65, svc.Solver.AutoVerifyBelow)
	assert.Equal(t, cfg.LLM.Timeout, svc.Solver.SolverTimeout)
	assert.Equal(t, 0.7, svc.Pipeline.Retrieval.Threshold)
	assert.Equal(t, 100, svc.Pipeline.MaxBatchSize)
	assert.True(t, svc.EnableMetrics)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, filepath.Join(home, "x"), ExpandHome("~/x"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
	assert.Equal(t, "~user/x", ExpandHome("~user/x"))
}
