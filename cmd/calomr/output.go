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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/shaniya-v/CalOmr/services/solver/datatypes"
)

var (
	colorAccent  = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#2C4A54")

	styleTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	styleLabel   = lipgloss.NewStyle().Foreground(colorMuted).Width(12)
	styleAnswer  = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleError   = lipgloss.NewStyle().Foreground(colorError)
	styleBox     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorAccent).
			Padding(0, 1)
)

// printer writes command results as JSON, styled text for terminals, or
// plain text for pipes.
type printer struct {
	out    io.Writer
	json   bool
	styled bool
}

func newPrinter(out io.Writer, jsonMode bool) *printer {
	return &printer{out: out, json: jsonMode, styled: !jsonMode && isTerminal(out)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (p *printer) writeJSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) style(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *printer) row(b *strings.Builder, label, value string) {
	if p.styled {
		b.WriteString(styleLabel.Render(label) + value + "\n")
		return
	}
	fmt.Fprintf(b, "%-12s%s\n", label, value)
}

// Outcome prints one solve result.
func (p *printer) Outcome(o datatypes.SolveOutcome) error {
	if p.json {
		return p.writeJSON(o)
	}
	_, err := io.WriteString(p.out, p.renderOutcome(o))
	return err
}

func (p *printer) renderOutcome(o datatypes.SolveOutcome) string {
	var b strings.Builder
	answer := o.Answer
	if o.Question != nil {
		if text, ok := o.Question.Options[o.Answer]; ok {
			answer = fmt.Sprintf("%s  (%s)", o.Answer, text)
		}
	}
	p.row(&b, "Answer", p.style(styleAnswer, answer))
	p.row(&b, "Confidence", fmt.Sprintf("%d%%", o.Confidence))
	p.row(&b, "Source", describeSource(o))
	if o.Verified {
		p.row(&b, "Verified", "yes")
	}
	if o.Question != nil && o.Question.ID != "" {
		p.row(&b, "Question", o.Question.ID)
	}
	p.row(&b, "Elapsed", fmt.Sprintf("%dms", o.ElapsedMs))
	for _, w := range o.Warnings {
		p.row(&b, "Warning", p.style(styleWarning, w))
	}
	if o.Reasoning != "" {
		b.WriteString("\n" + strings.TrimSpace(o.Reasoning) + "\n")
	}

	if p.styled {
		return styleBox.Render(strings.TrimRight(b.String(), "\n")) + "\n"
	}
	return b.String()
}

func describeSource(o datatypes.SolveOutcome) string {
	switch {
	case o.Source == datatypes.SourceCache && o.Similarity < 1:
		return fmt.Sprintf("cache (similarity %.3f)", o.Similarity)
	case o.Source == datatypes.SourceCache:
		return "cache (exact)"
	case !o.Cached:
		return "solved (not cached)"
	default:
		return "solved"
	}
}

// Batch prints a batch result, one line per question.
func (p *printer) Batch(o datatypes.BatchOutcome) error {
	if p.json {
		return p.writeJSON(o)
	}
	var b strings.Builder
	b.WriteString(p.style(styleTitle, fmt.Sprintf("%d questions", len(o.Results))) + "\n")
	for _, item := range o.Results {
		if item.Outcome == nil {
			line := fmt.Sprintf("#%-3d error  %s", item.Index+1, item.Error)
			b.WriteString(p.style(styleError, line) + "\n")
			continue
		}
		fmt.Fprintf(&b, "#%-3d %s  %3d%%  %s\n",
			item.Index+1,
			p.style(styleAnswer, item.Outcome.Answer),
			item.Outcome.Confidence,
			describeSource(*item.Outcome))
	}
	fmt.Fprintf(&b, "\nsucceeded %d, failed %d, cache hits %d, %dms\n",
		o.Succeeded, o.Failed, o.CacheHits, o.TotalMs)
	_, err := io.WriteString(p.out, b.String())
	return err
}

// Stats prints cache statistics.
func (p *printer) Stats(s datatypes.Stats) error {
	if p.json {
		return p.writeJSON(s)
	}
	var b strings.Builder
	p.row(&b, "Questions", fmt.Sprintf("%d", s.TotalQuestions))
	p.row(&b, "Queries", fmt.Sprintf("%d", s.TotalQueries))
	p.row(&b, "Cache hits", fmt.Sprintf("%d", s.CacheHits))
	p.row(&b, "Hit rate", fmt.Sprintf("%.2f%%", s.CacheHitRate))

	subjects := make([]string, 0, len(s.BySubject))
	for subject := range s.BySubject {
		subjects = append(subjects, string(subject))
	}
	sort.Strings(subjects)
	for _, subject := range subjects {
		p.row(&b, "  "+subject, fmt.Sprintf("%d", s.BySubject[datatypes.Subject(subject)]))
	}

	if p.styled {
		_, err := io.WriteString(p.out, styleTitle.Render("CalOmr cache")+"\n"+styleBox.Render(strings.TrimRight(b.String(), "\n"))+"\n")
		return err
	}
	_, err := io.WriteString(p.out, b.String())
	return err
}
