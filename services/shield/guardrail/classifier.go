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
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/AleutianAI/aegis/services/llm"
)

// =============================================================================
// Label Normalization
// =============================================================================

// labelAliases maps model-specific label vocabularies onto canonical labels.
var labelAliases = map[string]Label{
	// Meta Prompt Guard style
	"benign":    LabelBenign,
	"injection": LabelInjection,
	"jailbreak": LabelJailbreak,
	// ProtectAI style
	"safe":    LabelBenign,
	"label_0": LabelBenign,
	"label_1": LabelInjection,
	// Numeric labels
	"0": LabelBenign,
	"1": LabelInjection,
	"2": LabelJailbreak,
}

// normalizeLabel converts a model's raw label string to a canonical Label.
// Unknown vocabularies normalize to benign.
func normalizeLabel(raw string) Label {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), " ", "_")
	if label, ok := labelAliases[normalized]; ok {
		return label
	}
	return LabelBenign
}

// =============================================================================
// Prompt Injection Classifier
// =============================================================================

// Classifier is an ML-based prompt injection classifier with pluggable
// backends.
//
// Description:
//
//	Resolves its backend lazily on the first classification so startup
//	never blocks on credential or endpoint checks. When no backend is
//	available the classifier degrades gracefully: it warns once and
//	returns a benign verdict for every input, leaving the rules-based
//	defenses to carry security on their own. Scores crossing the
//	per-label block threshold are marked ThresholdExceeded; acting on
//	that mark is the caller's decision.
//
// Thread Safety: Safe for concurrent use.
type Classifier struct {
	mu       sync.Mutex
	backend  Backend
	resolved bool

	preference         string
	modelName          string
	injectionThreshold float64
	jailbreakThreshold float64
	backends           BackendConfig
}

// ClassifierOption customizes a Classifier.
type ClassifierOption func(*Classifier)

// WithThresholds overrides the per-label block thresholds.
func WithThresholds(injection, jailbreak float64) ClassifierOption {
	return func(c *Classifier) {
		c.injectionThreshold = injection
		c.jailbreakThreshold = jailbreak
	}
}

// NewClassifier builds a prompt injection classifier.
//
// Description:
//
//	The backend preference and endpoint configuration are recorded but
//	not resolved until the first classification. Thresholds default to
//	DefaultInjectionThreshold and DefaultJailbreakThreshold.
//
// Inputs:
//
//	preference - Backend preference passed to Resolve on first use.
//	backends - Endpoint and credential configuration.
//	opts - Optional overrides.
//
// Outputs:
//
//	*Classifier - The configured classifier. Never nil.
func NewClassifier(preference string, backends BackendConfig, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		preference:         preference,
		modelName:          backends.model(),
		injectionThreshold: DefaultInjectionThreshold,
		jailbreakThreshold: DefaultJailbreakThreshold,
		backends:           backends,
	}
	for _, opt := range opts {
		opt(c)
	}

	slog.Info("Guardrail classifier configured",
		"model", c.modelName,
		"backend", c.preference,
		"injection_threshold", c.injectionThreshold,
		"jailbreak_threshold", c.jailbreakThreshold,
	)
	return c
}

// Classify classifies a single text input for prompt injection.
//
// Description:
//
//	Runs backend inference and normalizes the scores. Backend errors
//	fail open: the error is logged and the text scores benign. Callers
//	needing parallelism with other work run this in a goroutine; the
//	context cancels in-flight inference.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	text - The user input to classify.
//
// Outputs:
//
//	ClassificationResult - Label, score, and threshold check.
func (c *Classifier) Classify(ctx context.Context, text string) ClassificationResult {
	backend := c.ensureBackend()
	if backend == nil {
		return benignFallback()
	}

	raw, err := backend.Classify(ctx, text)
	if err != nil {
		slog.Error("Guardrail inference failed",
			"backend", backend.Name(),
			"error", err,
		)
		raw = []RawScore{{Label: "benign", Score: 1.0}}
	}

	result := c.buildResult(raw)
	c.logDecision(backend.Name(), text, result)
	return result
}

// ClassifyMessages classifies chat messages for prompt injection.
//
// Description:
//
//	Evaluates only the latest user message when latestOnly is true,
//	which avoids classifier confusion on long conversations. With
//	latestOnly false, all user messages are joined with a single space
//	and classified together.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	messages - The conversation to inspect.
//	latestOnly - Classify only the last user message.
//
// Outputs:
//
//	*ClassificationResult - The result, or nil when the conversation
//	contains no user messages.
func (c *Classifier) ClassifyMessages(ctx context.Context, messages []llm.Message, latestOnly bool) *ClassificationResult {
	text, ok := extractUserText(messages, latestOnly)
	if !ok {
		return nil
	}
	result := c.Classify(ctx, text)
	return &result
}

// IsAvailable reports whether an inference backend resolved, triggering
// resolution if it has not happened yet.
func (c *Classifier) IsAvailable() bool {
	return c.ensureBackend() != nil
}

// BackendName returns the active backend tier name, or "none" when no
// backend has resolved.
func (c *Classifier) BackendName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend != nil {
		return c.backend.Name()
	}
	return "none"
}

// Thresholds returns the configured per-label block thresholds.
func (c *Classifier) Thresholds() map[string]float64 {
	return map[string]float64{
		"injection": c.injectionThreshold,
		"jailbreak": c.jailbreakThreshold,
	}
}

// =============================================================================
// Internal
// =============================================================================

// ensureBackend resolves the backend on first use. The warning for an
// unavailable backend fires exactly once per classifier.
func (c *Classifier) ensureBackend() Backend {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolved {
		return c.backend
	}
	c.resolved = true

	c.backend = Resolve(c.preference, c.backends)
	if c.backend != nil {
		slog.Info("Guardrail backend resolved", "backend", c.backend.Name())
	} else {
		slog.Warn("No guardrail backend available - classifier disabled. " +
			"Falling back to rules-based defenses only.")
	}
	return c.backend
}

// threshold returns the block threshold for a label. Benign uses 1.0 so it
// can never exceed.
func (c *Classifier) threshold(label Label) float64 {
	switch label {
	case LabelJailbreak:
		return c.jailbreakThreshold
	case LabelInjection:
		return c.injectionThreshold
	default:
		return 1.0
	}
}

// buildResult normalizes raw backend scores into a ClassificationResult.
func (c *Classifier) buildResult(raw []RawScore) ClassificationResult {
	scores := make(map[string]float64, len(raw))
	top := LabelBenign
	topScore := 0.0

	for _, entry := range raw {
		label := normalizeLabel(entry.Label)
		scores[string(label)] = entry.Score
		if entry.Score > topScore {
			topScore = entry.Score
			top = label
		}
	}

	exceeded := top != LabelBenign && topScore >= c.threshold(top)

	return ClassificationResult{
		Label:             top,
		Score:             topScore,
		Scores:            scores,
		ThresholdExceeded: exceeded,
		ModelName:         c.modelName,
	}
}

// benignFallback is the verdict when no backend is available.
func benignFallback() ClassificationResult {
	return ClassificationResult{
		Label:             LabelBenign,
		Score:             1.0,
		Scores:            map[string]float64{"benign": 1.0},
		ThresholdExceeded: false,
		ModelName:         "fallback",
	}
}

// logDecision records every classification for offline threshold tuning.
// The text preview is capped at 80 characters and secret-redacted.
func (c *Classifier) logDecision(backendName, text string, result ClassificationResult) {
	preview := []rune(text)
	truncated := len(preview) > 80
	if truncated {
		preview = preview[:80]
	}
	display := strings.ReplaceAll(string(preview), "\n", " ")
	if truncated {
		display += "..."
	}
	display = llm.SafeLogString(display)

	if result.ThresholdExceeded {
		slog.Warn("Guardrail threshold exceeded",
			"backend", backendName,
			"label", string(result.Label),
			"score", result.Score,
			"text", display,
		)
	} else {
		slog.Debug("Guardrail decision",
			"backend", backendName,
			"label", string(result.Label),
			"score", result.Score,
			"text", display,
		)
	}
}

// extractUserText pulls the text to classify out of a conversation.
func extractUserText(messages []llm.Message, latestOnly bool) (string, bool) {
	var contents []string
	for _, m := range messages {
		if m.Role == llm.RoleUser {
			contents = append(contents, m.Content)
		}
	}
	if len(contents) == 0 {
		return "", false
	}
	if latestOnly {
		return contents[len(contents)-1], true
	}
	return strings.Join(contents, " "), true
}
