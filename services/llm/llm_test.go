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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chatCompletionBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1,
  "model": "test-model",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": "ANSWER: B\nCONFIDENCE: 95"}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
}`

func TestOpenAIClient_Generate(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sealed-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatCompletionBody))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{
		Provider: "groq",
		APIKey:   "sealed-key",
		BaseURL:  server.URL + "/",
		Model:    "default-model",
		Timeout:  time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "groq", client.Provider())

	out, err := client.Generate(context.Background(), "2+2=?", GenerationParams{
		Model:       "override-model",
		Temperature: Float32(0.1),
		MaxTokens:   Int(256),
	})
	require.NoError(t, err)
	assert.Equal(t, "ANSWER: B\nCONFIDENCE: 95", out)

	assert.Equal(t, "override-model", gotBody["model"])
	assert.InDelta(t, 0.1, gotBody["temperature"], 1e-6)
	messages, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "2+2=?", messages[1].(map[string]any)["content"])
}

func TestOpenAIClient_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: server.URL, Model: "m"})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "q", GenerationParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai chat completion failed")
}

func TestNewOpenAIClient_KeySources(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{Model: "m"})
	assert.Error(t, err)

	_, err = NewOpenAIClient(OpenAIConfig{APIKey: "k"})
	assert.Error(t, err)

	secret := filepath.Join(t.TempDir(), "groq_api_key")
	require.NoError(t, os.WriteFile(secret, []byte("from-file\n"), 0600))
	client, err := NewOpenAIClient(OpenAIConfig{APIKeySecretPath: secret, Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "openai", client.Provider())

	_, err = NewOpenAIClient(OpenAIConfig{APIKeySecretPath: filepath.Join(t.TempDir(), "missing"), Model: "m"})
	assert.Error(t, err)
}

func TestOllamaClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req ollamaGenerateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen2-math", req.Model)
		assert.False(t, req.Stream)
		assert.InDelta(t, 0.2, req.Options["temperature"], 1e-6)
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{Model: req.Model, Response: "ANSWER: C", Done: true})
	}))
	defer server.Close()

	client, err := NewOllamaClient(server.URL+"/", "qwen2-math", time.Second)
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), "q", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "ANSWER: C", out)
}

func TestOllamaClient_ModelNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'missing' not found"}`))
	}))
	defer server.Close()

	client, err := NewOllamaClient(server.URL, "missing", time.Second)
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "q", GenerationParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama pull missing")
}

func TestNewOllamaClient_Validation(t *testing.T) {
	_, err := NewOllamaClient("", "m", 0)
	assert.Error(t, err)
	_, err = NewOllamaClient("http://localhost:11434", "", 0)
	assert.Error(t, err)
}
