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
	"strings"
	"time"

	"github.com/shaniya-v/CalOmr/pkg/logging"
	"github.com/shaniya-v/CalOmr/services/solver"
	"github.com/shaniya-v/CalOmr/services/solver/invoker"
	"github.com/shaniya-v/CalOmr/services/solver/pipeline"
	"github.com/shaniya-v/CalOmr/services/solver/querylog"
	"github.com/shaniya-v/CalOmr/services/solver/resolver"
)

// CalomrConfig is the on-disk CLI configuration.
type CalomrConfig struct {
	Server    ServerConfig          `yaml:"server"`
	Store     StoreConfig           `yaml:"store"`
	LLM       LLMConfig             `yaml:"llm"`
	Embedding EmbeddingConfig       `yaml:"embedding"`
	Solver    SolverConfig          `yaml:"solver"`
	Retrieval RetrievalConfig       `yaml:"retrieval"`
	Batch     BatchConfig           `yaml:"batch"`
	Influx    querylog.InfluxConfig `yaml:"influx"`
	Logging   LoggingConfig         `yaml:"logging"`
}

type ServerConfig struct {
	Port          int    `yaml:"port" validate:"min=1,max=65535"`
	GinMode       string `yaml:"gin_mode" validate:"oneof=debug release test"`
	OTelEndpoint  string `yaml:"otel_endpoint,omitempty"`
	EnableMetrics bool   `yaml:"enable_metrics"`

	// AllowedOrigins lists browser origins permitted by CORS.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" validate:"dive,url"`
}

type StoreConfig struct {
	// Backend is "badger" or "weaviate".
	Backend     string `yaml:"backend" validate:"oneof=badger weaviate"`
	BadgerPath  string `yaml:"badger_path"`
	WeaviateURL string `yaml:"weaviate_url,omitempty"`
}

type LLMConfig struct {
	Backend          string        `yaml:"backend" validate:"oneof=groq openai ollama"`
	APIKey           string        `yaml:"api_key,omitempty"`
	APIKeySecretPath string        `yaml:"api_key_secret_path,omitempty"`
	BaseURL          string        `yaml:"base_url,omitempty"`
	Timeout          time.Duration `yaml:"timeout" validate:"min=1s,max=10m"`
}

type EmbeddingConfig struct {
	Backend   string        `yaml:"backend" validate:"oneof=http openai ollama none"`
	URL       string        `yaml:"url,omitempty"`
	Model     string        `yaml:"model,omitempty"`
	APIKey    string        `yaml:"api_key,omitempty"`
	Dimension int           `yaml:"dimension" validate:"min=1,max=8192"`
	Timeout   time.Duration `yaml:"timeout" validate:"min=100ms,max=5m"`
}

type SolverConfig struct {
	Models            invoker.Models `yaml:"models"`
	SolveTemperature  float32        `yaml:"solve_temperature" validate:"min=0,max=2"`
	VerifyTemperature float32        `yaml:"verify_temperature" validate:"min=0,max=2"`
	MaxTokens         int            `yaml:"max_tokens" validate:"min=64,max=32768"`

	// AutoVerifyBelow triggers a verification pass when the primary
	// confidence is under it. 0 disables automatic verification.
	AutoVerifyBelow int `yaml:"auto_verify_below" validate:"min=0,max=100"`

	// RequestsPerMinute of -1 disables client-side rate limiting.
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"min=-1"`
	Burst             int `yaml:"burst" validate:"min=1,max=100"`
}

type RetrievalConfig struct {
	Threshold    float64       `yaml:"threshold" validate:"gt=0,lte=1"`
	TopK         int           `yaml:"top_k" validate:"min=1,max=50"`
	StoreTimeout time.Duration `yaml:"store_timeout" validate:"min=100ms,max=5m"`
}

type BatchConfig struct {
	Concurrency int `yaml:"concurrency" validate:"min=1,max=64"`
	MaxSize     int `yaml:"max_size" validate:"min=1,max=10000"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir,omitempty"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() CalomrConfig {
	return CalomrConfig{
		Server: ServerConfig{
			Port:          12310,
			GinMode:       "release",
			EnableMetrics: true,
		},
		Store: StoreConfig{
			Backend:    "badger",
			BadgerPath: "~/.calomr/data",
		},
		LLM: LLMConfig{
			Backend: "groq",
			Timeout: invoker.DefaultSolverTimeout,
		},
		Embedding: EmbeddingConfig{
			Backend:   "http",
			URL:       "http://localhost:8000/embed",
			Dimension: 384,
			Timeout:   pipeline.DefaultEmbedTimeout,
		},
		Solver: SolverConfig{
			Models: invoker.Models{
				Primary:   invoker.DefaultPrimaryModel,
				Reasoning: invoker.DefaultReasoningModel,
				Fast:      invoker.DefaultFastModel,
			},
			SolveTemperature:  invoker.DefaultSolveTemperature,
			VerifyTemperature: invoker.DefaultVerifyTemperature,
			MaxTokens:         invoker.DefaultMaxTokens,
			RequestsPerMinute: invoker.DefaultRequestsPerMinute,
			Burst:             invoker.DefaultBurst,
		},
		Retrieval: RetrievalConfig{
			Threshold:    resolver.DefaultThreshold,
			TopK:         resolver.DefaultTopK,
			StoreTimeout: resolver.DefaultStoreTimeout,
		},
		Batch: BatchConfig{
			Concurrency: pipeline.DefaultBatchConcurrency,
			MaxSize:     pipeline.DefaultMaxBatchSize,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// ToService maps the file configuration onto solver.Config. The logger is
// left for the caller to attach.
func (c CalomrConfig) ToService() solver.Config {
	return solver.Config{
		Port:           c.Server.Port,
		GinMode:        c.Server.GinMode,
		OTelEndpoint:   c.Server.OTelEndpoint,
		AllowedOrigins: c.Server.AllowedOrigins,
		StoreBackend:   c.Store.Backend,
		BadgerPath:     ExpandHome(c.Store.BadgerPath),
		WeaviateURL:    c.Store.WeaviateURL,
		LLM: solver.LLMConfig{
			Backend:          c.LLM.Backend,
			APIKey:           c.LLM.APIKey,
			APIKeySecretPath: ExpandHome(c.LLM.APIKeySecretPath),
			BaseURL:          c.LLM.BaseURL,
			Timeout:          c.LLM.Timeout,
		},
		Embedding: solver.EmbeddingConfig{
			Backend:   c.Embedding.Backend,
			URL:       c.Embedding.URL,
			Model:     c.Embedding.Model,
			APIKey:    c.Embedding.APIKey,
			Dimension: c.Embedding.Dimension,
			Timeout:   c.Embedding.Timeout,
		},
		Solver: invoker.Config{
			Models:            c.Solver.Models,
			SolveTemperature:  c.Solver.SolveTemperature,
			VerifyTemperature: c.Solver.VerifyTemperature,
			MaxTokens:         c.Solver.MaxTokens,
			AutoVerifyBelow:   c.Solver.AutoVerifyBelow,
			SolverTimeout:     c.LLM.Timeout,
			RequestsPerMinute: c.Solver.RequestsPerMinute,
			Burst:             c.Solver.Burst,
		},
		Pipeline: pipeline.Config{
			Retrieval: resolver.Config{
				Threshold:    c.Retrieval.Threshold,
				TopK:         c.Retrieval.TopK,
				StoreTimeout: c.Retrieval.StoreTimeout,
			},
			BatchConcurrency: c.Batch.Concurrency,
			MaxBatchSize:     c.Batch.MaxSize,
			EmbedTimeout:     c.Embedding.Timeout,
		},
		Influx:        c.Influx,
		EnableMetrics: c.Server.EnableMetrics,
	}
}

// LoggerConfig maps the logging section onto logging.Config.
func (c CalomrConfig) LoggerConfig() logging.Config {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{
		Level:   level,
		JSON:    c.Logging.JSON,
		LogDir:  c.Logging.Dir,
		Service: "calomr",
	}
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
