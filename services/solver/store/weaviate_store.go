// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/shaniya-v/CalOmr/services/solver/datatypes"
)

// duplicateIDPattern matches the message Weaviate gives when an object id is
// taken, for errors that lost their status code on the way up.
var duplicateIDPattern = regexp.MustCompile(`\bid '[^']+' already exists`)

// questionNamespace seeds the name-based object ids of SolvedQuestion.
var questionNamespace = uuid.MustParse("5b0c3f4e-2d7a-4c61-9e55-cb1f0d8a7e21")

// distanceSlack widens the nearVector distance cut-off so float32 rounding
// inside Weaviate never drops a candidate sitting exactly on the threshold.
const distanceSlack = 1e-6

// QuestionObjectID returns the Weaviate object id for a fingerprint.
//
// Every writer of the same fingerprint targets the same object, so the
// collection can hold at most one record per fingerprint.
func QuestionObjectID(fingerprint string) string {
	return uuid.NewSHA1(questionNamespace, []byte(fingerprint)).String()
}

// WeaviateConfig configures the networked store.
type WeaviateConfig struct {
	// URL is the Weaviate endpoint, e.g. http://weaviate:8080.
	URL string

	// Dimension is the embedding length every stored record must have.
	Dimension int

	Logger *slog.Logger
}

// WeaviateStore is a CacheStore on Weaviate.
//
// # Description
//
// Questions live in the SolvedQuestion class with caller-supplied vectors;
// query log rows live in QueryLog without vectors. Statistics are computed
// with Aggregate meta counts.
//
// # Thread Safety
//
// Safe for concurrent use; the Weaviate client is.
type WeaviateStore struct {
	client    *weaviate.Client
	dimension int
	logger    *slog.Logger
	now       func() time.Time
}

var _ CacheStore = (*WeaviateStore)(nil)

// NewWeaviateStore connects to Weaviate and ensures the schema exists.
func NewWeaviateStore(ctx context.Context, cfg WeaviateConfig) (*WeaviateStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		return nil, errors.New("weaviate URL is required")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid weaviate URL %q: %w", cfg.URL, err)
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: parsed.Host, Scheme: parsed.Scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	s := &WeaviateStore{client: client, dimension: cfg.Dimension, logger: logger, now: time.Now}
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	if err := datatypes.EnsureWeaviateSchema(ctx, client, logger); err != nil {
		return nil, unavailable("ensure schema", err)
	}
	logger.Info("Connected to Weaviate", "url", cfg.URL)
	return s, nil
}

// =============================================================================
// Questions
// =============================================================================

func questionFields() []graphql.Field {
	fields := make([]graphql.Field, 0, len(datatypes.QuestionFields)+1)
	for _, name := range datatypes.QuestionFields {
		fields = append(fields, graphql.Field{Name: name})
	}
	return append(fields, graphql.Field{Name: "_additional", Fields: []graphql.Field{
		{Name: "id"}, {Name: "distance"}, {Name: "vector"},
	}})
}

func subjectFilter(subject datatypes.Subject) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"subject"}).
		WithOperator(filters.Equal).
		WithValueText(string(subject))
}

// ExactLookup implements CacheStore.
func (s *WeaviateStore) ExactLookup(ctx context.Context, fingerprint string) (*datatypes.Question, error) {
	where := filters.Where().
		WithPath([]string{"fingerprint"}).
		WithOperator(filters.Equal).
		WithValueText(fingerprint)

	resp, err := s.client.GraphQL().Get().
		WithClassName(datatypes.QuestionClass).
		WithFields(questionFields()...).
		WithWhere(where).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return nil, unavailable("exact lookup", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.QuestionGetResponse](resp)
	if err != nil {
		return nil, unavailable("exact lookup", err)
	}
	rows := parsed.Get[datatypes.QuestionClass]
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].ToQuestion()
}

// GetByID returns the record with id, or ErrNotFound.
func (s *WeaviateStore) GetByID(ctx context.Context, id string) (*datatypes.Question, error) {
	if !strfmt.IsUUID(id) {
		return nil, ErrNotFound
	}
	objs, err := s.client.Data().ObjectsGetter().
		WithClassName(datatypes.QuestionClass).
		WithID(id).
		WithVector().
		Do(ctx)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, unavailable("get by id", err)
	}
	if len(objs) == 0 || objs[0] == nil {
		return nil, ErrNotFound
	}

	raw, err := json.Marshal(objs[0].Properties)
	if err != nil {
		return nil, fmt.Errorf("encode properties of %s: %w", id, err)
	}
	var row datatypes.QuestionResult
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode properties of %s: %w", id, err)
	}
	row.Additional.ID = objs[0].ID.String()
	row.Additional.Vector = objs[0].Vector
	return row.ToQuestion()
}

// SimilaritySearch implements CacheStore.
func (s *WeaviateStore) SimilaritySearch(ctx context.Context, vector []float32, subject datatypes.Subject, k int, thresholdHint float64) ([]datatypes.Candidate, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	if thresholdHint > 0 {
		nearVector = nearVector.WithDistance(float32(1 - thresholdHint + distanceSlack))
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName(datatypes.QuestionClass).
		WithFields(questionFields()...).
		WithWhere(subjectFilter(subject)).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, unavailable("similarity search", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.QuestionGetResponse](resp)
	if err != nil {
		return nil, unavailable("similarity search", err)
	}

	rows := parsed.Get[datatypes.QuestionClass]
	candidates := make([]datatypes.Candidate, 0, len(rows))
	for _, row := range rows {
		q, err := row.ToQuestion()
		if err != nil {
			s.logger.Warn("Skipping undecodable question", "id", row.Additional.ID, "error", err)
			continue
		}
		candidates = append(candidates, datatypes.Candidate{Question: q, Similarity: row.Similarity()})
	}
	return candidates, nil
}

// Insert implements CacheStore.
//
// The object id is derived from the fingerprint, so a second insert of the
// same fingerprint is rejected by Weaviate as an existing id.
func (s *WeaviateStore) Insert(ctx context.Context, draft datatypes.QuestionDraft) (*datatypes.Question, error) {
	if err := draft.Validate(s.dimension); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	props, err := datatypes.QuestionProperties(draft, now)
	if err != nil {
		return nil, err
	}
	id := QuestionObjectID(draft.Fingerprint)

	creator := s.client.Data().Creator().
		WithClassName(datatypes.QuestionClass).
		WithID(id).
		WithProperties(props)
	if len(draft.Embedding) > 0 {
		creator = creator.WithVector(draft.Embedding)
	}
	_, err = creator.Do(ctx)
	if err != nil {
		if isDuplicateError(err) {
			return nil, ErrDuplicate
		}
		return nil, unavailable("insert", err)
	}
	return draft.ToQuestion(id, now), nil
}

// =============================================================================
// Query log and statistics
// =============================================================================

// AppendQueryLog implements CacheStore.
func (s *WeaviateStore) AppendQueryLog(ctx context.Context, entry datatypes.QueryLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	_, err := s.client.Data().Creator().
		WithClassName(datatypes.QueryLogClass).
		WithID(entry.ID).
		WithProperties(datatypes.QueryLogProperties(entry)).
		Do(ctx)
	if err != nil {
		return unavailable("append query log", err)
	}
	return nil
}

// Stats implements CacheStore.
func (s *WeaviateStore) Stats(ctx context.Context) (datatypes.Stats, error) {
	stats := datatypes.Stats{BySubject: make(map[datatypes.Subject]int, len(datatypes.Subjects))}

	var err error
	if stats.TotalQuestions, err = s.count(ctx, datatypes.QuestionClass, nil); err != nil {
		return datatypes.Stats{}, err
	}
	for _, subject := range datatypes.Subjects {
		n, err := s.count(ctx, datatypes.QuestionClass, subjectFilter(subject))
		if err != nil {
			return datatypes.Stats{}, err
		}
		stats.BySubject[subject] = n
	}
	if stats.TotalQueries, err = s.count(ctx, datatypes.QueryLogClass, nil); err != nil {
		return datatypes.Stats{}, err
	}
	hits := filters.Where().
		WithPath([]string{"cache_hit"}).
		WithOperator(filters.Equal).
		WithValueBoolean(true)
	if stats.CacheHits, err = s.count(ctx, datatypes.QueryLogClass, hits); err != nil {
		return datatypes.Stats{}, err
	}
	stats.ComputeHitRate()
	return stats, nil
}

func (s *WeaviateStore) count(ctx context.Context, class string, where *filters.WhereBuilder) (int, error) {
	builder := s.client.GraphQL().Aggregate().
		WithClassName(class).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}})
	if where != nil {
		builder = builder.WithWhere(where)
	}
	resp, err := builder.Do(ctx)
	if err != nil {
		return 0, unavailable("aggregate "+class, err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.AggregateCountResponse](resp)
	if err != nil {
		return 0, unavailable("aggregate "+class, err)
	}
	return parsed.Count(class), nil
}

// Ping implements CacheStore.
func (s *WeaviateStore) Ping(ctx context.Context) error {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return unavailable("ping", err)
	}
	if !ready {
		return unavailable("ping", errors.New("weaviate is not ready"))
	}
	return nil
}

// Close implements CacheStore. The HTTP client needs no teardown.
func (s *WeaviateStore) Close() error {
	return nil
}

// =============================================================================
// Error classification
// =============================================================================

func statusOf(err error) int {
	var clientErr *fault.WeaviateClientError
	if errors.As(err, &clientErr) {
		return clientErr.StatusCode
	}
	return 0
}

// isDuplicateError reports whether err is Weaviate refusing an existing id.
func isDuplicateError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if statusOf(err) == http.StatusUnprocessableEntity && strings.Contains(msg, "already exists") {
		return true
	}
	return duplicateIDPattern.MatchString(msg)
}
