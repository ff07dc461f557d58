// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package writeback persists freshly solved questions exactly once.
//
// # Description
//
// Persist builds a draft from the parsed question and the solve result,
// validates it, and stores it unless a record with the same fingerprint
// already exists. Uniqueness is enforced by the store alone; concurrent
// callers that lose the race get the winner's record back.
//
// # Thread Safety
//
// A Manager holds no mutable state and is safe for concurrent use.
package writeback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/shaniya-v/CalOmr/services/solver/datatypes"
	"github.com/shaniya-v/CalOmr/services/solver/fingerprint"
	"github.com/shaniya-v/CalOmr/services/solver/observability"
	"github.com/shaniya-v/CalOmr/services/solver/store"
)

var tracer = otel.Tracer("calomr.solver.writeback")

// DefaultStoreTimeout bounds each store call.
const DefaultStoreTimeout = 10 * time.Second

// Status tells how Persist ended.
type Status string

const (
	// StatusInserted means this call created the record.
	StatusInserted Status = "inserted"

	// StatusReused means the pre-check found an existing record.
	StatusReused Status = "reused"

	// StatusConflict means another writer inserted first; its record is
	// returned.
	StatusConflict Status = "conflict"
)

// PersistOutcome is the record now stored for the fingerprint.
type PersistOutcome struct {
	Record *datatypes.Question
	Status Status
}

// Config for a Manager.
type Config struct {
	// Dimension is the expected embedding length. Zero skips the check.
	Dimension    int
	StoreTimeout time.Duration
}

// Manager writes solved questions to a CacheStore.
type Manager struct {
	store   store.CacheStore
	cfg     Config
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New builds a Manager.
func New(s store.CacheStore, cfg Config, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, cfg: cfg, metrics: metrics, logger: logger}
}

// BuildDraft assembles the record to store for q and its result.
func BuildDraft(q datatypes.ParsedQuestion, result datatypes.SolveResult, vector []float32) datatypes.QuestionDraft {
	return datatypes.QuestionDraft{
		Fingerprint: fingerprint.Compute(q.Text),
		Text:        q.Text,
		Subject:     q.Subject,
		Topic:       q.Topic,
		Difficulty:  q.Difficulty,
		Equations:   q.Equations,
		Options:     q.Options,
		Answer:      result.Answer,
		Reasoning:   result.Reasoning,
		Confidence:  result.Confidence,
		Embedding:   vector,
		SolvedBy:    result.SolvedBy(),
	}
}

// Persist stores the solved question unless its fingerprint is present.
//
// # Description
//
//  1. Builds and validates the draft. Invalid drafts are never stored.
//  2. Looks the fingerprint up; an existing record is returned as reused.
//  3. Inserts. On a duplicate-key failure the existing record is fetched
//     and returned as a conflict.
//
// # Inputs
//
//   - q: Normalized question.
//   - result: Validated solve result.
//   - vector: Question embedding. May be nil, in which case the record is
//     stored by fingerprint only and similarity search never returns it.
//
// # Outputs
//
//   - PersistOutcome: The stored record, never nil when err is nil.
//   - error: Wraps datatypes.ErrValidation for an invalid draft, or
//     datatypes.ErrPersistUnavailable when the store cannot be used.
func (m *Manager) Persist(ctx context.Context, q datatypes.ParsedQuestion, result datatypes.SolveResult, vector []float32) (PersistOutcome, error) {
	ctx, span := tracer.Start(ctx, "Manager.Persist")
	defer span.End()
	span.SetAttributes(attribute.String("question.subject", string(q.Subject)))

	start := time.Now()
	defer func() { m.metrics.ObserveStage(observability.StagePersist, time.Since(start)) }()

	out, err := m.persist(ctx, q, result, vector)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.RecordWriteBack(failureOutcome(err))
		return PersistOutcome{}, err
	}
	span.SetAttributes(
		attribute.String("writeback.status", string(out.Status)),
		attribute.String("question.id", out.Record.ID),
	)
	m.metrics.RecordWriteBack(string(out.Status))
	return out, nil
}

func (m *Manager) persist(ctx context.Context, q datatypes.ParsedQuestion, result datatypes.SolveResult, vector []float32) (PersistOutcome, error) {
	draft := BuildDraft(q, result, vector)
	if err := draft.Validate(m.cfg.Dimension); err != nil {
		m.logger.Warn("Refusing to persist invalid result", "subject", q.Subject, "error", err)
		return PersistOutcome{}, err
	}

	existing, err := m.lookup(ctx, draft.Fingerprint)
	if err != nil {
		return PersistOutcome{}, persistUnavailable("pre-check", err)
	}
	if existing != nil {
		m.logger.Debug("Fingerprint already stored, reusing record", "question_id", existing.ID)
		return PersistOutcome{Record: existing, Status: StatusReused}, nil
	}

	created, err := m.insert(ctx, draft)
	switch {
	case err == nil:
		m.logger.Info("Stored solved question",
			"question_id", created.ID,
			"subject", created.Subject,
			"answer", created.Answer,
			"confidence", created.Confidence,
			"embedded", len(created.Embedding) > 0)
		return PersistOutcome{Record: created, Status: StatusInserted}, nil

	case errors.Is(err, store.ErrDuplicate):
		winner, lerr := m.lookup(ctx, draft.Fingerprint)
		if lerr != nil {
			return PersistOutcome{}, persistUnavailable("conflict recovery", lerr)
		}
		if winner == nil {
			return PersistOutcome{}, persistUnavailable("conflict recovery",
				fmt.Errorf("%w: fingerprint reported present but not found", datatypes.ErrPersistConflict))
		}
		m.logger.Debug("Lost insert race, returning existing record", "question_id", winner.ID)
		return PersistOutcome{Record: winner, Status: StatusConflict}, nil

	case errors.Is(err, datatypes.ErrValidation):
		return PersistOutcome{}, err

	default:
		return PersistOutcome{}, persistUnavailable("insert", err)
	}
}

func (m *Manager) lookup(ctx context.Context, fp string) (*datatypes.Question, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	return m.store.ExactLookup(ctx, fp)
}

func (m *Manager) insert(ctx context.Context, draft datatypes.QuestionDraft) (*datatypes.Question, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	return m.store.Insert(ctx, draft)
}

func persistUnavailable(op string, err error) error {
	return datatypes.NewStageError(datatypes.ErrPersistUnavailable, "persist", fmt.Errorf("%s: %w", op, err))
}

func failureOutcome(err error) string {
	switch {
	case errors.Is(err, datatypes.ErrValidation):
		return "invalid"
	default:
		return "unavailable"
	}
}
