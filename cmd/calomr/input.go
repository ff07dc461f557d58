// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shaniya-v/CalOmr/services/solver/datatypes"
)

// questionFile is the wrapped form {"questions": [...]}.
type questionFile struct {
	Questions []datatypes.ParsedQuestion `json:"questions" yaml:"questions"`
}

// readQuestions loads one or more questions from path.
//
// # Description
//
// Files ending in .json are decoded as JSON, anything else as YAML. The
// document may be a single question, a list of questions, or an object
// with a "questions" list.
func readQuestions(path string) ([]datatypes.ParsedQuestion, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var questions []datatypes.ParsedQuestion
	if strings.EqualFold(filepath.Ext(path), ".json") {
		questions, err = parseJSONQuestions(data)
	} else {
		questions, err = parseYAMLQuestions(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%s contains no questions", path)
	}
	return questions, nil
}

func parseJSONQuestions(data []byte) ([]datatypes.ParsedQuestion, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty document")
	}
	if trimmed[0] == '[' {
		var qs []datatypes.ParsedQuestion
		return qs, json.Unmarshal(trimmed, &qs)
	}

	var wrapped questionFile
	if err := json.Unmarshal(trimmed, &wrapped); err == nil && len(wrapped.Questions) > 0 {
		return wrapped.Questions, nil
	}
	var q datatypes.ParsedQuestion
	if err := json.Unmarshal(trimmed, &q); err != nil {
		return nil, err
	}
	return []datatypes.ParsedQuestion{q}, nil
}

func parseYAMLQuestions(data []byte) ([]datatypes.ParsedQuestion, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return nil, errors.New("empty document")
	}
	root := doc.Content[0]

	switch root.Kind {
	case yaml.SequenceNode:
		var qs []datatypes.ParsedQuestion
		return qs, root.Decode(&qs)
	case yaml.MappingNode:
		var wrapped questionFile
		if err := root.Decode(&wrapped); err == nil && len(wrapped.Questions) > 0 {
			return wrapped.Questions, nil
		}
		var q datatypes.ParsedQuestion
		if err := root.Decode(&q); err != nil {
			return nil, err
		}
		return []datatypes.ParsedQuestion{q}, nil
	default:
		return nil, fmt.Errorf("expected a question or a list of questions, got %s", kindName(root.Kind))
	}
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.ScalarNode:
		return "a scalar"
	case yaml.AliasNode:
		return "an alias"
	default:
		return "an unknown node"
	}
}
