// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedding adapts embedding backends to a single interface.
//
// # Description
//
// The pipeline needs one capability: map question text to a vector of fixed
// dimension. Three backends are provided:
//
//   - HTTPEmbedder: the sentence-transformer embedding service
//     (POST {"text": ...} -> {"vector": [...], "dim": n}).
//   - OpenAIEmbedder: any OpenAI-compatible /embeddings endpoint.
//   - OllamaEmbedder: a local Ollama model through langchaingo.
//
// Every backend verifies the returned dimension, so a misconfigured model
// can never write vectors of the wrong size into the collection.
//
// # Thread Safety
//
// All embedders are immutable after construction and safe for concurrent use.
package embedding

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("calomr.solver.embedding")

// DefaultDimension matches all-MiniLM-L6-v2.
const DefaultDimension = 384

// Embedder maps text to a fixed-length vector.
type Embedder interface {
	// Embed returns the vector for text. Identical input yields identical
	// output.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension is the length of every vector Embed returns.
	Dimension() int
}

// BuildText is the text embedded for a question: the question text followed
// by its equations, space separated.
func BuildText(questionText string, equations []string) string {
	parts := make([]string, 0, len(equations)+1)
	if t := strings.TrimSpace(questionText); t != "" {
		parts = append(parts, t)
	}
	for _, eq := range equations {
		if eq = strings.TrimSpace(eq); eq != "" {
			parts = append(parts, eq)
		}
	}
	return strings.Join(parts, " ")
}

// checkDimension rejects vectors that are empty or the wrong length.
// A configured dimension of zero accepts any non-empty vector.
func checkDimension(vec []float32, dimension int) error {
	if len(vec) == 0 {
		return fmt.Errorf("embedding backend returned an empty vector")
	}
	if dimension > 0 && len(vec) != dimension {
		return fmt.Errorf("embedding backend returned %d dimensions, expected %d", len(vec), dimension)
	}
	return nil
}
