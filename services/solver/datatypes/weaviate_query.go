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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic Parsing
// =============================================================================

// ParseGraphQLResponse converts a Weaviate GraphQL response into T.
//
// # Description
//
// The client returns Data as nested maps. Round-tripping it through JSON
// lets callers declare the shape they expect with ordinary struct tags.
// GraphQL-level errors are returned before any decoding is attempted.
//
// # Examples
//
//	parsed, err := ParseGraphQLResponse[QuestionGetResponse](resp)
//	rows := parsed.Get[QuestionClass]
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if err := GraphQLErrors(resp); err != nil {
		return nil, err
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &result, nil
}

// GraphQLErrors joins the error messages of resp, or returns nil.
func GraphQLErrors(resp *models.GraphQLResponse) error {
	if resp == nil || len(resp.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		if e != nil {
			msgs = append(msgs, e.Message)
		}
	}
	return errors.New("graphql: " + strings.Join(msgs, "; "))
}

// =============================================================================
// Question Results
// =============================================================================

// QuestionFields lists the properties requested for SolvedQuestion reads.
var QuestionFields = []string{
	"fingerprint", "question_text", "subject", "topic", "difficulty",
	"equations", "options_json", "answer", "reasoning", "confidence",
	"solved_by", "created_at", "updated_at",
}

// QuestionResult is one SolvedQuestion object as returned by Get.
type QuestionResult struct {
	Fingerprint string   `json:"fingerprint"`
	Text        string   `json:"question_text"`
	Subject     string   `json:"subject"`
	Topic       string   `json:"topic"`
	Difficulty  string   `json:"difficulty"`
	Equations   []string `json:"equations"`
	OptionsJSON string   `json:"options_json"`
	Answer      string   `json:"answer"`
	Reasoning   string   `json:"reasoning"`
	Confidence  float64  `json:"confidence"`
	SolvedBy    string   `json:"solved_by"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
	Additional  struct {
		ID       string    `json:"id"`
		Distance *float64  `json:"distance"`
		Vector   []float32 `json:"vector"`
	} `json:"_additional"`
}

// QuestionGetResponse is the Get envelope keyed by class name.
type QuestionGetResponse struct {
	Get map[string][]QuestionResult `json:"Get"`
}

// ToQuestion converts the result into a record.
func (r QuestionResult) ToQuestion() (*Question, error) {
	options := map[string]string{}
	if r.OptionsJSON != "" {
		if err := json.Unmarshal([]byte(r.OptionsJSON), &options); err != nil {
			return nil, fmt.Errorf("decode options for %s: %w", r.Additional.ID, err)
		}
	}
	created, err := parseWeaviateDate(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("decode created_at for %s: %w", r.Additional.ID, err)
	}
	updated, err := parseWeaviateDate(r.UpdatedAt)
	if err != nil {
		updated = created
	}
	return &Question{
		ID:          r.Additional.ID,
		Fingerprint: r.Fingerprint,
		Text:        r.Text,
		Subject:     Subject(r.Subject),
		Topic:       r.Topic,
		Difficulty:  Difficulty(r.Difficulty),
		Equations:   r.Equations,
		Options:     options,
		Answer:      r.Answer,
		Reasoning:   r.Reasoning,
		Confidence:  int(r.Confidence),
		Embedding:   r.Additional.Vector,
		SolvedBy:    r.SolvedBy,
		CreatedAt:   created,
		UpdatedAt:   updated,
	}, nil
}

// Similarity converts the cosine distance into a similarity in [-1, 1].
// A missing distance yields 0.
func (r QuestionResult) Similarity() float64 {
	if r.Additional.Distance == nil {
		return 0
	}
	return 1 - *r.Additional.Distance
}

// QuestionProperties maps a draft to SolvedQuestion properties.
func QuestionProperties(d QuestionDraft, now time.Time) (map[string]interface{}, error) {
	optionsJSON, err := json.Marshal(d.Options)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	equations := d.Equations
	if equations == nil {
		equations = []string{}
	}
	ts := now.UTC().Format(time.RFC3339Nano)
	return map[string]interface{}{
		"fingerprint":   d.Fingerprint,
		"question_text": d.Text,
		"subject":       string(d.Subject),
		"topic":         d.Topic,
		"difficulty":    string(d.Difficulty),
		"equations":     equations,
		"options_json":  string(optionsJSON),
		"answer":        d.Answer,
		"reasoning":     d.Reasoning,
		"confidence":    d.Confidence,
		"solved_by":     d.SolvedBy,
		"created_at":    ts,
		"updated_at":    ts,
	}, nil
}

// =============================================================================
// Query Log and Aggregates
// =============================================================================

// QueryLogProperties maps an entry to QueryLog properties.
func QueryLogProperties(e QueryLogEntry) map[string]interface{} {
	return map[string]interface{}{
		"question_id":      e.QuestionID,
		"subject":          string(e.Subject),
		"source":           string(e.Source),
		"cache_hit":        e.CacheHit,
		"similarity":       e.Similarity,
		"response_time_ms": e.ResponseTimeMs,
		"error_kind":       e.ErrorKind,
		"error_message":    e.ErrorMessage,
		"created_at":       e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// AggregateCountResponse is the Aggregate envelope for meta { count }.
type AggregateCountResponse struct {
	Aggregate map[string][]struct {
		Meta struct {
			Count float64 `json:"count"`
		} `json:"meta"`
	} `json:"Aggregate"`
}

// Count returns the meta count for class, or 0 when absent.
func (r *AggregateCountResponse) Count(class string) int {
	rows := r.Aggregate[class]
	if len(rows) == 0 {
		return 0
	}
	return int(rows[0].Meta.Count)
}

func parseWeaviateDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
