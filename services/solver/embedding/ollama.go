// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// OllamaEmbedder embeds text with a local Ollama model.
type OllamaEmbedder struct {
	embedder  embeddings.Embedder
	model     string
	dimension int
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder connects lazily; no request is made until Embed.
//
// # Inputs
//
//   - baseURL: Ollama server root, e.g. http://localhost:11434.
//   - model: An embedding model such as all-minilm or nomic-embed-text.
//   - dimension: Expected vector length; 0 uses DefaultDimension.
func NewOllamaEmbedder(baseURL, model string, dimension int) (*OllamaEmbedder, error) {
	if baseURL == "" {
		return nil, errors.New("ollama base URL is required")
	}
	if model == "" {
		model = "all-minilm"
	}
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	llm, err := ollama.New(
		ollama.WithServerURL(strings.TrimSuffix(baseURL, "/")),
		ollama.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("create ollama embedder: %w", err)
	}
	return &OllamaEmbedder{embedder: embedder, model: model, dimension: dimension}, nil
}

// Dimension implements Embedder.
func (e *OllamaEmbedder) Dimension() int { return e.dimension }

// Embed implements Embedder.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "OllamaEmbedder.Embed")
	defer span.End()
	span.SetAttributes(attribute.String("embedding.model", e.model))

	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if err := checkDimension(vec, e.dimension); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return vec, nil
}
