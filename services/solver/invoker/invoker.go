// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package invoker turns a question into a validated answer using an LLM.
//
// # Description
//
// An Invoker makes exactly one primary generation call per solve. When
// verification is requested, or the primary confidence falls below the
// auto-verify threshold, a second independent call is made on the fast
// model and the two results are reconciled with Reconcile.
//
// All calls share one rate limiter so a batch never exceeds the provider's
// request budget.
//
// # Thread Safety
//
// An Invoker is safe for concurrent use.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/shaniya-v/CalOmr/services/llm"
	"github.com/shaniya-v/CalOmr/services/solver/datatypes"
	"github.com/shaniya-v/CalOmr/services/solver/observability"
)

var tracer = otel.Tracer("calomr.solver.invoker")

// =============================================================================
// Configuration
// =============================================================================

const (
	DefaultPrimaryModel   = "llama-3.1-70b-versatile"
	DefaultReasoningModel = "llama-3.3-70b-versatile"
	DefaultFastModel      = "llama-3.1-8b-instant"

	DefaultSolveTemperature  float32 = 0.2
	DefaultVerifyTemperature float32 = 0.1
	DefaultMaxTokens                 = 2500

	DefaultAgreeBoost        = 5
	DefaultDisagreePenalty   = 10
	DefaultUnverifiedCeiling = 60

	DefaultSolverTimeout     = 30 * time.Second
	DefaultRequestsPerMinute = 30
	DefaultBurst             = 4
)

// Models names the backend models per role.
type Models struct {
	// Primary solves easy and medium questions.
	Primary string `yaml:"primary"`

	// Reasoning solves hard questions.
	Reasoning string `yaml:"reasoning"`

	// Fast runs verification passes.
	Fast string `yaml:"fast"`
}

// Config holds solver and reconciliation policy.
type Config struct {
	// Provider prefixes the model in provenance tags, e.g. "groq".
	Provider string

	Models            Models
	SolveTemperature  float32
	VerifyTemperature float32
	MaxTokens         int

	AgreeBoost        int
	DisagreePenalty   int
	UnverifiedCeiling int

	// AutoVerifyBelow forces verification when the primary confidence is
	// below it. Zero disables.
	AutoVerifyBelow int

	SolverTimeout time.Duration

	// RequestsPerMinute caps generation calls. Negative disables limiting.
	RequestsPerMinute int
	Burst             int
}

// DefaultConfig returns the standard policy for a Groq backend.
func DefaultConfig() Config {
	return applyConfigDefaults(Config{})
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Provider == "" {
		cfg.Provider = "groq"
	}
	if cfg.Models.Primary == "" {
		cfg.Models.Primary = DefaultPrimaryModel
	}
	if cfg.Models.Reasoning == "" {
		cfg.Models.Reasoning = DefaultReasoningModel
	}
	if cfg.Models.Fast == "" {
		cfg.Models.Fast = DefaultFastModel
	}
	if cfg.SolveTemperature <= 0 {
		cfg.SolveTemperature = DefaultSolveTemperature
	}
	if cfg.VerifyTemperature <= 0 {
		cfg.VerifyTemperature = DefaultVerifyTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.AgreeBoost <= 0 {
		cfg.AgreeBoost = DefaultAgreeBoost
	}
	if cfg.DisagreePenalty <= 0 {
		cfg.DisagreePenalty = DefaultDisagreePenalty
	}
	if cfg.UnverifiedCeiling <= 0 || cfg.UnverifiedCeiling > 100 {
		cfg.UnverifiedCeiling = DefaultUnverifiedCeiling
	}
	if cfg.AutoVerifyBelow < 0 || cfg.AutoVerifyBelow > 100 {
		cfg.AutoVerifyBelow = 0
	}
	if cfg.SolverTimeout <= 0 {
		cfg.SolverTimeout = DefaultSolverTimeout
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	return cfg
}

// =============================================================================
// Invoker
// =============================================================================

// Invoker calls the generation backend and validates its answers.
type Invoker struct {
	backend llm.LLMClient
	cfg     Config
	limiter *rate.Limiter
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New builds an Invoker over backend.
//
// # Inputs
//
//   - backend: Generation client. Required.
//   - cfg: Policy. Zero fields take defaults.
//   - metrics: May be nil.
//   - logger: May be nil; slog.Default() is used.
func New(backend llm.LLMClient, cfg Config, metrics *observability.Metrics, logger *slog.Logger) (*Invoker, error) {
	if backend == nil {
		return nil, errors.New("solver backend is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = applyConfigDefaults(cfg)

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	return &Invoker{
		backend: backend,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Config returns the effective policy.
func (i *Invoker) Config() Config { return i.cfg }

// ModelFor returns the primary model for a question of the given difficulty.
func (i *Invoker) ModelFor(d datatypes.Difficulty) string {
	if d == datatypes.DifficultyHard {
		return i.cfg.Models.Reasoning
	}
	return i.cfg.Models.Primary
}

// Solve answers req.
//
// # Description
//
// Makes one primary call. A verification call follows when verify is true
// or the primary confidence is below AutoVerifyBelow. Nothing is retried.
//
// A failed requested verification fails the solve. A failed automatic
// verification is logged and the primary result is returned unverified.
//
// # Outputs
//
//   - datatypes.SolveResult: Reconciled answer. The answer always comes from
//     the primary call.
//   - error: Wraps datatypes.ErrSolveFailed when the backend errored or its
//     output had no answer, or datatypes.ErrValidation when the answer is
//     not an option or the confidence is outside [0, 100].
func (i *Invoker) Solve(ctx context.Context, req SolveRequest, verify bool) (datatypes.SolveResult, error) {
	ctx, span := tracer.Start(ctx, "Invoker.Solve")
	defer span.End()
	span.SetAttributes(
		attribute.String("question.subject", string(req.Subject)),
		attribute.String("question.difficulty", string(req.Difficulty)),
		attribute.Bool("solve.verify_requested", verify),
	)

	model := i.ModelFor(req.Difficulty)
	start := time.Now()
	first, err := i.call(ctx, req, model, i.cfg.SolveTemperature)
	i.metrics.ObserveStage(observability.StageSolve, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.SolveResult{}, err
	}
	if first.ConfidenceDefaulted {
		i.logger.Debug("Solver omitted confidence, using default", "model", model, "confidence", DefaultConfidence)
	}

	result := datatypes.SolveResult{
		Answer:     first.Answer,
		Confidence: first.Confidence,
		Reasoning:  first.Reasoning,
		Model:      i.cfg.Provider + ":" + model,
	}

	auto := !verify && i.cfg.AutoVerifyBelow > 0 && first.Confidence < i.cfg.AutoVerifyBelow
	if !verify && !auto {
		return result, nil
	}

	start = time.Now()
	second, err := i.call(ctx, req, i.cfg.Models.Fast, i.cfg.VerifyTemperature)
	i.metrics.ObserveStage(observability.StageVerify, time.Since(start))
	if err != nil {
		if auto {
			i.logger.Warn("Automatic verification failed, returning unverified answer",
				"model", i.cfg.Models.Fast, "error", err)
			return result, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.SolveResult{}, err
	}

	result = Reconcile(result, second, i.cfg)
	i.metrics.RecordVerification(result.VerifierAgreed)
	span.SetAttributes(
		attribute.Bool("solve.verifier_agreed", result.VerifierAgreed),
		attribute.Int("solve.confidence", result.Confidence),
	)
	i.logger.Debug("Verification complete",
		"answer", result.Answer,
		"verifier_answer", result.VerifierAnswer,
		"agreed", result.VerifierAgreed,
		"confidence", result.Confidence)
	return result, nil
}

// call makes one rate-limited, time-bounded generation and validates it.
func (i *Invoker) call(ctx context.Context, req SolveRequest, model string, temperature float32) (Solution, error) {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.SolverTimeout)
	defer cancel()

	if err := i.limiter.Wait(ctx); err != nil {
		i.metrics.RecordSolverCall(model, "error")
		return Solution{}, datatypes.NewStageError(datatypes.ErrSolveFailed, "solve", fmt.Errorf("rate limiter: %w", err))
	}

	output, err := i.backend.Generate(ctx, BuildPrompt(req), llm.GenerationParams{
		Model:       model,
		System:      BuildSystemPrompt(req),
		Temperature: llm.Float32(temperature),
		MaxTokens:   llm.Int(i.cfg.MaxTokens),
	})
	if err != nil {
		i.metrics.RecordSolverCall(model, "error")
		return Solution{}, datatypes.NewStageError(datatypes.ErrSolveFailed, "solve", err)
	}

	sol, err := ParseSolution(output)
	if err != nil {
		i.metrics.RecordSolverCall(model, "unparseable")
		i.logger.Warn("Unparseable solver output", "model", model, "output_bytes", len(output))
		return Solution{}, datatypes.NewStageError(datatypes.ErrSolveFailed, "solve", err)
	}

	if err := validateSolution(sol, req.Options); err != nil {
		i.metrics.RecordSolverCall(model, "invalid")
		return Solution{}, datatypes.NewStageError(datatypes.ErrValidation, "solve", err)
	}

	i.metrics.RecordSolverCall(model, "success")
	return sol, nil
}

func validateSolution(sol Solution, options map[string]string) error {
	if _, ok := options[sol.Answer]; !ok {
		return fmt.Errorf("answer %q is not one of the options", sol.Answer)
	}
	if sol.Confidence < 0 || sol.Confidence > 100 {
		return fmt.Errorf("confidence %d outside [0, 100]", sol.Confidence)
	}
	return nil
}

// =============================================================================
// Reconciliation
// =============================================================================

// Reconcile merges a verification pass into the primary result.
//
// # Description
//
// On agreement the confidence becomes min(100, max(c1, c2) + AgreeBoost).
// On disagreement it becomes clamp(min(c1, c2) - DisagreePenalty, 0,
// UnverifiedCeiling). The answer and reasoning are always the primary's.
func Reconcile(primary datatypes.SolveResult, verifier Solution, cfg Config) datatypes.SolveResult {
	cfg = applyConfigDefaults(cfg)
	out := primary
	out.Verified = true
	out.VerifierAnswer = verifier.Answer
	out.VerifierAgreed = verifier.Answer == primary.Answer

	if out.VerifierAgreed {
		out.Confidence = min(100, max(primary.Confidence, verifier.Confidence)+cfg.AgreeBoost)
	} else {
		out.Confidence = clamp(min(primary.Confidence, verifier.Confidence)-cfg.DisagreePenalty, 0, cfg.UnverifiedCeiling)
	}
	return out
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
