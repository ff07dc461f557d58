// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// Weaviate class names.
const (
	QuestionClass = "SolvedQuestion"
	QueryLogClass = "QueryLog"
)

// GetQuestionSchema describes the solved-question collection.
//
// Vectors are supplied by the embedding service, so the class has no
// vectorizer. Cosine distance matches the similarity the resolver applies.
func GetQuestionSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       QuestionClass,
		Description: "A solved multiple-choice STEM question with its answer.",
		Vectorizer:  "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "fingerprint",
				DataType:        []string{"text"},
				Description:     "SHA-256 of the normalized question text. Unique.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "question_text",
				DataType:     []string{"text"},
				Description:  "The question as parsed from the image.",
				Tokenization: "word",
			},
			{
				Name:            "subject",
				DataType:        []string{"text"},
				Description:     "math, physics or chemistry.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "topic",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "difficulty",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "equations",
				DataType:    []string{"text[]"},
				Description: "Extracted expressions in source order.",
			},
			{
				Name:        "options_json",
				DataType:    []string{"text"},
				Description: "JSON object mapping option label to option text.",
			},
			{
				Name:     "answer",
				DataType: []string{"text"},
			},
			{
				Name:     "reasoning",
				DataType: []string{"text"},
			},
			{
				Name:            "confidence",
				DataType:        []string{"int"},
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "solved_by",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "created_at",
				DataType:        []string{"date"},
				IndexFilterable: indexFilterable,
			},
			{
				Name:     "updated_at",
				DataType: []string{"date"},
			},
		},
	}
}

// GetQueryLogSchema describes the append-only resolution log.
func GetQueryLogSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       QueryLogClass,
		Description: "One row per resolution attempt, for hit-rate statistics.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "question_id",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "subject",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "cache_hit",
				DataType:        []string{"boolean"},
				IndexFilterable: indexFilterable,
			},
			{
				Name:     "similarity",
				DataType: []string{"number"},
			},
			{
				Name:     "response_time_ms",
				DataType: []string{"int"},
			},
			{
				Name:            "error_kind",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:     "error_message",
				DataType: []string{"text"},
			},
			{
				Name:            "created_at",
				DataType:        []string{"date"},
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// EnsureWeaviateSchema creates any missing CalOmr classes.
//
// # Description
//
// Each class is looked up first; a lookup error is taken to mean the class
// does not exist and it is created. Existing classes are left unchanged.
//
// # Outputs
//
//   - error: The first creation failure, wrapped with the class name.
func EnsureWeaviateSchema(ctx context.Context, client *weaviate.Client, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, getSchema := range []func() *models.Class{GetQuestionSchema, GetQueryLogSchema} {
		class := getSchema()
		if _, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx); err == nil {
			logger.Debug("Schema already exists", "class", class.Class)
			continue
		}
		logger.Info("Schema not found, creating it", "class", class.Class)
		if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("create schema for class %s: %w", class.Class, err)
		}
		logger.Info("Successfully created schema", "class", class.Class)
	}
	return nil
}
