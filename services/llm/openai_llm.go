// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// GroqBaseURL is Groq's OpenAI-compatible API root.
const GroqBaseURL = "https://api.groq.com/openai/v1"

const defaultSystemPrompt = "You are an expert STEM tutor. Solve multiple-choice questions " +
	"carefully and finish with the exact ANSWER and CONFIDENCE lines requested."

// OpenAIConfig configures an OpenAI-compatible chat backend.
type OpenAIConfig struct {
	// Provider labels the backend in logs and provenance tags.
	Provider string

	APIKey string

	// APIKeySecretPath is read when APIKey is empty.
	APIKeySecretPath string

	// BaseURL overrides the API root. Use GroqBaseURL for Groq.
	BaseURL string

	Model   string
	Timeout time.Duration
}

// OpenAIClient talks to any OpenAI-compatible chat completions API.
type OpenAIClient struct {
	client   *openai.Client
	provider string
	model    string
}

var _ LLMClient = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client, sealing the API key in memory.
//
// # Description
//
// The key comes from cfg.APIKey, or from the file at cfg.APIKeySecretPath
// (a Podman/Docker secret). It is never stored in the go-openai config;
// requests are authenticated by a transport that opens the sealed key
// per request.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" && cfg.APIKeySecretPath != "" {
		data, err := os.ReadFile(cfg.APIKeySecretPath)
		if err != nil {
			return nil, fmt.Errorf("read API key secret %s: %w", cfg.APIKeySecretPath, err)
		}
		apiKey = strings.TrimSpace(string(data))
		slog.Info("Read API key from secret file", "provider", cfg.Provider)
	}
	if apiKey == "" {
		return nil, errors.New("API key not configured")
	}
	if cfg.Model == "" {
		return nil, errors.New("model not configured")
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport, err := newBearerTransport(apiKey, nil)
	if err != nil {
		return nil, err
	}
	clientCfg := openai.DefaultConfig("")
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Transport: transport, Timeout: cfg.Timeout}

	slog.Info("Initializing chat client", "provider", cfg.Provider, "model", cfg.Model)
	return &OpenAIClient{
		client:   openai.NewClientWithConfig(clientCfg),
		provider: cfg.Provider,
		model:    cfg.Model,
	}, nil
}

// Provider returns the configured provider label.
func (o *OpenAIClient) Provider() string { return o.provider }

// Generate implements LLMClient.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	model := o.model
	if params.Model != "" {
		model = params.Model
	}
	ctx, span := tracer.Start(ctx, "OpenAIClient.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", o.provider),
		attribute.String("llm.model", model),
	)

	system := params.System
	if system == "" {
		system = defaultSystemPrompt
	}
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Chat completion failed", "provider", o.provider, "model", model, "error", err)
		return "", fmt.Errorf("%s chat completion failed: %w", o.provider, err)
	}
	if len(resp.Choices) == 0 {
		err := fmt.Errorf("%s returned no choices", o.provider)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	slog.Debug("Received chat completion", "provider", o.provider, "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}
