// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package invoker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shaniya-v/CalOmr/services/solver/datatypes"
)

// SolveRequest is the question as the solver sees it.
type SolveRequest struct {
	Text       string
	Options    map[string]string
	Equations  []string
	Subject    datatypes.Subject
	Topic      string
	Difficulty datatypes.Difficulty
}

// RequestFromQuestion copies the solver-relevant fields of q.
func RequestFromQuestion(q datatypes.ParsedQuestion) SolveRequest {
	return SolveRequest{
		Text:       q.Text,
		Options:    q.Options,
		Equations:  q.Equations,
		Subject:    q.Subject,
		Topic:      q.Topic,
		Difficulty: q.Difficulty,
	}
}

func (r SolveRequest) labels() []string {
	labels := make([]string, 0, len(r.Options))
	for l := range r.Options {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

func (r SolveRequest) topic() string {
	if r.Topic == "" {
		return "general"
	}
	return r.Topic
}

// BuildSystemPrompt returns the subject-specific system message.
func BuildSystemPrompt(req SolveRequest) string {
	return fmt.Sprintf(`You are an expert %s professor with deep knowledge of %s.

Your task is to solve multiple-choice questions with rigorous, step-by-step reasoning. You must:
1. Fully understand what is being asked
2. Apply relevant concepts, formulas, and principles
3. Show detailed calculations
4. Verify your answer against all options
5. Select the single correct option`, req.Subject, req.topic())
}

// BuildPrompt returns the user message for one solve call.
//
// # Description
//
// Options are listed in label order. The response format ends with the
// ANSWER and CONFIDENCE lines that ParseSolution extracts.
func BuildPrompt(req SolveRequest) string {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(req.Text)
	b.WriteString("\n")

	if len(req.Equations) > 0 {
		b.WriteString("\nEquations:\n")
		for _, eq := range req.Equations {
			fmt.Fprintf(&b, "- $%s$\n", eq)
		}
	}

	labels := req.labels()
	b.WriteString("\nOptions:\n")
	for _, l := range labels {
		fmt.Fprintf(&b, "%s: %s\n", l, req.Options[l])
	}

	fmt.Fprintf(&b, "\nSubject: %s\nTopic: %s\nDifficulty: %s\n", req.Subject, req.topic(), req.Difficulty)

	fmt.Fprintf(&b, `
Solve this systematically and use this EXACT format:
CONCEPT: [relevant concept]
APPROACH: [solving method]
SOLUTION: [detailed steps]
VERIFICATION: [check against options]
ANSWER: [%s]
CONFIDENCE: [0-100]`, strings.Join(labels, "/"))
	return b.String()
}
