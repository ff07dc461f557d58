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
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// DefaultConfidence is used when the solver omits a CONFIDENCE line.
const DefaultConfidence = 70

var (
	answerLine = regexp.MustCompile(`(?i:answer)\**\s*:\s*\**\s*\(?([A-Da-d])\)?(?:[^A-Za-z0-9]|$)`)

	// Letters are case-sensitive here so "the answer is a ..." is not read as A.
	answerPhrase = regexp.MustCompile(`(?i:answer\s+is|correct\s+(?:option|choice)\s+is)\s+(?:(?i:option)\s*)?\(?([A-D])\)?(?:[^A-Za-z0-9]|$)`)
	optionParen  = regexp.MustCompile(`(?i:option)\s*\(([A-D])\)`)

	confidenceLine = regexp.MustCompile(`(?i:confidence)\**\s*:\s*\**\s*(-?\d+)`)
)

// errUnparseable means no answer letter could be found in the output.
var errUnparseable = errors.New("could not extract answer from solver output")

// Solution is one parsed solver response.
type Solution struct {
	Answer     string
	Confidence int

	// Reasoning is the text before the ANSWER line, or the whole output
	// when the answer came from a fallback phrase.
	Reasoning string

	// ConfidenceDefaulted is true when no CONFIDENCE line was present.
	ConfidenceDefaulted bool
}

// ParseSolution extracts answer, confidence and reasoning from raw output.
//
// # Description
//
// The last "ANSWER: X" line wins, since models sometimes echo the format
// before answering. Without one, phrases such as "the answer is B" and
// "option (C)" are tried, last occurrence first. A missing confidence
// becomes DefaultConfidence. The confidence is returned as written; range
// checks belong to the caller.
//
// # Outputs
//
//   - Solution: The parsed response.
//   - error: errUnparseable when no answer letter was found, or when the
//     confidence is not an integer.
func ParseSolution(output string) (Solution, error) {
	text := strings.TrimSpace(output)

	var sol Solution
	if loc := lastSubmatchIndex(answerLine, text); loc != nil {
		sol.Answer = strings.ToUpper(text[loc[2]:loc[3]])
		sol.Reasoning = strings.TrimSpace(text[:loc[0]])
	} else if loc := lastSubmatchIndex(answerPhrase, text); loc != nil {
		sol.Answer = text[loc[2]:loc[3]]
	} else if loc := lastSubmatchIndex(optionParen, text); loc != nil {
		sol.Answer = text[loc[2]:loc[3]]
	} else {
		return Solution{}, errUnparseable
	}
	if sol.Reasoning == "" {
		sol.Reasoning = text
	}

	if m := confidenceLine.FindAllStringSubmatch(text, -1); len(m) > 0 {
		c, err := strconv.Atoi(m[len(m)-1][1])
		if err != nil {
			return Solution{}, errUnparseable
		}
		sol.Confidence = c
	} else {
		sol.Confidence = DefaultConfidence
		sol.ConfidenceDefaulted = true
	}
	return sol, nil
}

func lastSubmatchIndex(re *regexp.Regexp, s string) []int {
	all := re.FindAllStringSubmatchIndex(s, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}
