// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the records, boundary types, results and error
// kinds shared by every stage of the solve pipeline.
//
// # Description
//
// Three families of types live here:
//
//   - Persisted records: Question and QueryLogEntry.
//   - Boundary inputs: ParsedQuestion (validated before entering the core)
//     and QuestionDraft (validated before it reaches a store).
//   - Tagged results: Resolution (hit or miss), SolveResult, SolveOutcome,
//     BatchOutcome and Stats.
//
// # Thread Safety
//
// All types are plain values. Records returned by a store are owned by the
// caller and may be read concurrently once constructed.
package datatypes

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Enums
// =============================================================================

// Subject is the STEM area of a question.
type Subject string

const (
	SubjectMath      Subject = "math"
	SubjectPhysics   Subject = "physics"
	SubjectChemistry Subject = "chemistry"
)

// Subjects lists every supported subject in display order.
var Subjects = []Subject{SubjectMath, SubjectPhysics, SubjectChemistry}

// Valid reports whether s is one of the supported subjects.
func (s Subject) Valid() bool {
	switch s {
	case SubjectMath, SubjectPhysics, SubjectChemistry:
		return true
	}
	return false
}

// Difficulty is the estimated difficulty of a question.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Valid reports whether d is one of the supported difficulties.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// Source tells the caller where an answer came from.
type Source string

const (
	SourceCache  Source = "cache"
	SourceSolved Source = "solved"
	SourceNone   Source = "none"
)

// OptionLabels are the labels a question may carry, in order.
var OptionLabels = []string{"A", "B", "C", "D"}

// =============================================================================
// Validation
// =============================================================================

// MaxQuestionTextBytes bounds question text accepted at the boundary.
const MaxQuestionTextBytes = 16 * 1024

var questionValidate *validator.Validate

func init() {
	questionValidate = validator.New()
	_ = questionValidate.RegisterValidation("subject", func(fl validator.FieldLevel) bool {
		return Subject(fl.Field().String()).Valid()
	})
	_ = questionValidate.RegisterValidation("difficulty", func(fl validator.FieldLevel) bool {
		return Difficulty(fl.Field().String()).Valid()
	})
	_ = questionValidate.RegisterValidation("option_label", func(fl validator.FieldLevel) bool {
		return isOptionLabel(fl.Field().String())
	})
}

func isOptionLabel(label string) bool {
	for _, l := range OptionLabels {
		if l == label {
			return true
		}
	}
	return false
}

// =============================================================================
// Question record
// =============================================================================

// Question is the canonical persisted unit.
//
// # Description
//
// Created only by the write-back stage after a successful solve. The store
// enforces that Fingerprint is unique across all records.
//
// # Invariants
//
//   - Answer is a key of Options.
//   - Confidence is in [0, 100].
//   - Embedding is empty or has the collection dimension. Records without
//     one are reachable by fingerprint only.
type Question struct {
	ID          string            `json:"id"`
	Fingerprint string            `json:"fingerprint"`
	Text        string            `json:"text"`
	Subject     Subject           `json:"subject"`
	Topic       string            `json:"topic"`
	Difficulty  Difficulty        `json:"difficulty"`
	Equations   []string          `json:"equations"`
	Options     map[string]string `json:"options"`
	Answer      string            `json:"answer"`
	Reasoning   string            `json:"reasoning,omitempty"`
	Confidence  int               `json:"confidence"`
	Embedding   []float32         `json:"embedding,omitempty"`
	SolvedBy    string            `json:"solved_by"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// SortedLabels returns the option labels of q in A..D order.
func (q *Question) SortedLabels() []string {
	return sortedKeys(q.Options)
}

// =============================================================================
// Boundary input
// =============================================================================

// ParsedQuestion is structured question data produced by the vision parser
// or supplied directly by an API client.
type ParsedQuestion struct {
	Text       string            `json:"question_text" yaml:"question_text" validate:"required,max=16384"`
	Subject    Subject           `json:"subject" yaml:"subject" validate:"required,subject"`
	Topic      string            `json:"topic,omitempty" yaml:"topic,omitempty" validate:"max=200"`
	Difficulty Difficulty        `json:"difficulty,omitempty" yaml:"difficulty,omitempty" validate:"omitempty,difficulty"`
	Equations  []string          `json:"equations,omitempty" yaml:"equations,omitempty" validate:"max=32"`
	Options    map[string]string `json:"options" yaml:"options" validate:"required,min=2,max=4,dive,keys,option_label,endkeys,required"`
}

// Normalize fills defaults for optional fields and cleans option keys.
//
// # Description
//
// Empty difficulty becomes medium, empty topic becomes "general", subject
// and difficulty are lowercased, option labels are uppercased and trimmed,
// and blank equations are dropped. Equation order is preserved.
func (p ParsedQuestion) Normalize() ParsedQuestion {
	out := p
	out.Text = strings.TrimSpace(p.Text)
	out.Subject = Subject(strings.ToLower(strings.TrimSpace(string(p.Subject))))
	out.Difficulty = Difficulty(strings.ToLower(strings.TrimSpace(string(p.Difficulty))))
	if out.Difficulty == "" {
		out.Difficulty = DifficultyMedium
	}
	out.Topic = strings.TrimSpace(p.Topic)
	if out.Topic == "" {
		out.Topic = "general"
	}

	out.Equations = nil
	for _, eq := range p.Equations {
		if eq = strings.TrimSpace(eq); eq != "" {
			out.Equations = append(out.Equations, eq)
		}
	}

	out.Options = make(map[string]string, len(p.Options))
	for label, text := range p.Options {
		out.Options[strings.ToUpper(strings.TrimSpace(label))] = strings.TrimSpace(text)
	}
	return out
}

// Validate checks the struct tags on p.
//
// # Outputs
//
//   - error: Wraps ErrValidation with the failing fields, or nil.
func (p ParsedQuestion) Validate() error {
	if err := questionValidate.Struct(p); err != nil {
		return &StageError{Kind: ErrValidation, Stage: "input", Err: describeValidation(err)}
	}
	return nil
}

// SortedLabels returns the option labels of p in A..D order.
func (p ParsedQuestion) SortedLabels() []string {
	return sortedKeys(p.Options)
}

// =============================================================================
// Draft
// =============================================================================

// QuestionDraft is a solved question that has not been stored yet.
// The store assigns ID and timestamps on insert.
type QuestionDraft struct {
	Fingerprint string            `validate:"required,len=64,hexadecimal"`
	Text        string            `validate:"required"`
	Subject     Subject           `validate:"required,subject"`
	Topic       string            `validate:"required"`
	Difficulty  Difficulty        `validate:"required,difficulty"`
	Equations   []string          `validate:"-"`
	Options     map[string]string `validate:"required,min=2,max=4,dive,keys,option_label,endkeys,required"`
	Answer      string            `validate:"required,option_label"`
	Reasoning   string            `validate:"-"`
	Confidence  int               `validate:"gte=0,lte=100"`
	Embedding   []float32         `validate:"-"`
	SolvedBy    string            `validate:"required"`
}

// Validate checks the draft invariants.
//
// # Description
//
// In addition to the struct tags, the answer must be one of the option
// labels and, when both dimension and the embedding are non-empty, the
// embedding must have exactly that length. A draft without an embedding
// is valid.
//
// # Inputs
//
//   - dimension: Expected embedding length. Zero skips the check.
//
// # Outputs
//
//   - error: Wraps ErrValidation, or nil.
func (d QuestionDraft) Validate(dimension int) error {
	if err := questionValidate.Struct(d); err != nil {
		return &StageError{Kind: ErrValidation, Stage: "persist", Err: describeValidation(err)}
	}
	if _, ok := d.Options[d.Answer]; !ok {
		return &StageError{Kind: ErrValidation, Stage: "persist",
			Err: fmt.Errorf("answer %q is not one of the options %v", d.Answer, sortedKeys(d.Options))}
	}
	if dimension > 0 && len(d.Embedding) > 0 && len(d.Embedding) != dimension {
		return &StageError{Kind: ErrValidation, Stage: "persist",
			Err: fmt.Errorf("embedding has %d dimensions, collection expects %d", len(d.Embedding), dimension)}
	}
	return nil
}

// ToQuestion materialises the draft as a record with the given identity.
func (d QuestionDraft) ToQuestion(id string, now time.Time) *Question {
	return &Question{
		ID:          id,
		Fingerprint: d.Fingerprint,
		Text:        d.Text,
		Subject:     d.Subject,
		Topic:       d.Topic,
		Difficulty:  d.Difficulty,
		Equations:   append([]string(nil), d.Equations...),
		Options:     copyOptions(d.Options),
		Answer:      d.Answer,
		Reasoning:   d.Reasoning,
		Confidence:  d.Confidence,
		Embedding:   append([]float32(nil), d.Embedding...),
		SolvedBy:    d.SolvedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func describeValidation(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid fields: %s", strings.Join(parts, "; "))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyOptions(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
