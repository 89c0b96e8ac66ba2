// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guardrail

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// =============================================================================
// Moderation Types
// =============================================================================

// DefaultModerationThreshold is the score at which responses are flagged.
const DefaultModerationThreshold = 3

// Criterion is a single moderation check with a severity weight.
//
// Description:
//
//	Patterns are regular expressions compiled case-insensitively. The
//	first matching pattern adds Severity to the response score; further
//	patterns of the same criterion are skipped.
type Criterion struct {
	// Name is the machine-readable identifier for this criterion.
	Name string `yaml:"name"`

	// Description explains what this criterion checks for. It is echoed
	// into moderation reasons as "name: description".
	Description string `yaml:"description"`

	// Severity is the score weight added on detection, 1 to 5.
	Severity int `yaml:"severity"`

	// Patterns are the regex patterns to detect.
	Patterns []string `yaml:"patterns"`
}

// ModerationResult is the outcome of moderating one response.
type ModerationResult struct {
	// Score is the severity score from 1 (clean) to 5 (highly suspicious).
	Score int `json:"score"`

	// Flagged reports whether Score reached the threshold.
	Flagged bool `json:"flagged"`

	// Reasons lists "name: description" for every detected criterion.
	Reasons []string `json:"reasons"`

	// PatternsFound holds the matched text for every detected criterion.
	PatternsFound []string `json:"patterns_found"`
}

// compiledCriterion pairs a criterion with its compiled patterns.
type compiledCriterion struct {
	criterion Criterion
	patterns  []*regexp.Regexp
}

// =============================================================================
// Output Moderator
// =============================================================================

// Moderator is a rules-based output guardrail for LLM responses.
//
// Description:
//
//	Evaluates response text against moderation criteria, each carrying
//	regex patterns and a severity weight. Severities of detected
//	criteria are summed and the score clamped to [1, 5]; responses
//	scoring at or above the threshold are flagged. Complements the
//	canary detector: the canary catches one specific token, the
//	moderator catches broader patterns like system prompt disclosure
//	and override persona adoption. The rule set can be swapped at
//	runtime through Apply, which the rules watcher uses for hot reload.
//
// Thread Safety: Safe for concurrent use.
type Moderator struct {
	mu        sync.RWMutex
	threshold int
	compiled  []compiledCriterion
}

// NewModerator builds an output moderator.
//
// Inputs:
//
//	threshold - Flag score, clamped to [1, 5].
//	criteria - Moderation criteria. Nil selects the built-in set.
//
// Outputs:
//
//	*Moderator - The initialized moderator.
//	error - Non-nil if a criterion pattern does not compile.
func NewModerator(threshold int, criteria []Criterion) (*Moderator, error) {
	threshold = clampThreshold(threshold)
	if criteria == nil {
		criteria = BuiltinCriteria()
	}

	compiled, err := compileCriteria(criteria)
	if err != nil {
		return nil, err
	}

	slog.Info("Output moderator initialized",
		"threshold", threshold,
		"criteria", len(criteria),
	)
	return &Moderator{threshold: threshold, compiled: compiled}, nil
}

// Moderate evaluates an LLM response against the moderation criteria.
//
// Description:
//
//	Empty or whitespace-only responses score 1 and pass. Each criterion
//	contributes its severity at most once, on its first matching
//	pattern. The final score is clamp(1 + sum, 1, 5).
//
// Inputs:
//
//	text - The LLM's response text.
//
// Outputs:
//
//	ModerationResult - Score, flagged status, reasons, and matched text.
func (m *Moderator) Moderate(text string) ModerationResult {
	if strings.TrimSpace(text) == "" {
		return ModerationResult{Score: 1}
	}

	m.mu.RLock()
	compiled := m.compiled
	threshold := m.threshold
	m.mu.RUnlock()

	totalSeverity := 0
	var reasons []string
	var patternsFound []string

	for _, cc := range compiled {
		for _, re := range cc.patterns {
			loc := re.FindStringIndex(text)
			if loc == nil {
				continue
			}
			totalSeverity += cc.criterion.Severity
			reasons = append(reasons, cc.criterion.Name+": "+cc.criterion.Description)
			patternsFound = append(patternsFound, text[loc[0]:loc[1]])
			// one match per criterion is enough
			break
		}
	}

	score := 1 + totalSeverity
	if score > 5 {
		score = 5
	}
	if score < 1 {
		score = 1
	}
	flagged := score >= threshold

	result := ModerationResult{
		Score:         score,
		Flagged:       flagged,
		Reasons:       reasons,
		PatternsFound: patternsFound,
	}

	if flagged {
		slog.Warn("Output moderation flagged response",
			"score", score,
			"reasons", reasons,
		)
	} else {
		slog.Debug("Output moderation passed", "score", score)
	}
	return result
}

// Apply swaps in a new rule set. Used by the rules watcher for hot reload;
// a compile failure leaves the current set in place.
func (m *Moderator) Apply(rules *RuleSet) error {
	if rules == nil {
		return fmt.Errorf("guardrail: rule set must not be nil")
	}

	compiled, err := compileCriteria(rules.Criteria)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.compiled = compiled
	if rules.Threshold > 0 {
		m.threshold = clampThreshold(rules.Threshold)
	}
	return nil
}

// Threshold returns the configured flag threshold.
func (m *Moderator) Threshold() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.threshold
}

// CriteriaCount returns the number of active criteria.
func (m *Moderator) CriteriaCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.compiled)
}

// =============================================================================
// Internal
// =============================================================================

func clampThreshold(threshold int) int {
	if threshold < 1 {
		return 1
	}
	if threshold > 5 {
		return 5
	}
	return threshold
}

// compileCriteria compiles every criterion pattern case-insensitively.
func compileCriteria(criteria []Criterion) ([]compiledCriterion, error) {
	compiled := make([]compiledCriterion, 0, len(criteria))
	for _, criterion := range criteria {
		patterns := make([]*regexp.Regexp, 0, len(criterion.Patterns))
		for _, p := range criterion.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("guardrail: compiling pattern %q for criterion %s: %w",
					p, criterion.Name, err)
			}
			patterns = append(patterns, re)
		}
		compiled = append(compiled, compiledCriterion{criterion: criterion, patterns: patterns})
	}
	return compiled, nil
}
