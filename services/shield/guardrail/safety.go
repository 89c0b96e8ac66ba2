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
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// =============================================================================
// Output Safety Classifier
// =============================================================================

// LlamaGuardModel is the hosted safety model used for output grading.
const LlamaGuardModel = "meta-llama/llama-guard-4-12b"

// safetyMaxTokens bounds the guard reply ("safe" or "unsafe\nS1,S9").
const safetyMaxTokens = 50

// safetyCategoryNames maps guard category codes to alert text.
var safetyCategoryNames = map[string]string{
	"S1":  "Violent Crimes",
	"S2":  "Non-Violent Crimes",
	"S3":  "Sex-Related Crimes",
	"S4":  "Child Exploitation",
	"S5":  "Defamation",
	"S6":  "Specialized Advice",
	"S7":  "Privacy Violations",
	"S8":  "Intellectual Property",
	"S9":  "Weapons / Dangerous Substances",
	"S10": "Hate Speech",
	"S11": "Suicide & Self-Harm",
	"S12": "Sexual Content",
	"S13": "Elections",
}

// SafetyResult is the outcome of ML-based output safety classification.
type SafetyResult struct {
	// Safe reports whether the response is considered safe.
	Safe bool `json:"safe"`

	// Categories holds violated category codes, e.g. ["S9"].
	Categories []string `json:"categories"`

	// CategoryNames holds human-readable names for Categories.
	CategoryNames []string `json:"category_names"`

	// RawResponse is the raw guard output, or a marker explaining why
	// classification was skipped ("classifier_unavailable",
	// "empty_input", "error: ...").
	RawResponse string `json:"raw_response"`
}

// SafetyClassifier grades LLM responses against a hosted safety model.
//
// Description:
//
//	Classifies responses across thirteen content categories using LLaMA
//	Guard. Unlike keyword approaches, the guard model understands
//	context, so it catches cases where a benign-looking prompt coaxed
//	genuinely harmful output. The classifier fails open on every error
//	path: an unavailable or failing guard never blocks traffic, it only
//	stops adding protection.
//
// Thread Safety: Safe for concurrent use.
type SafetyClassifier struct {
	client    llms.Model
	available bool
}

// NewSafetyClassifier builds an output safety classifier.
//
// Inputs:
//
//	apiKey - Groq API key. Empty disables the classifier.
//
// Outputs:
//
//	*SafetyClassifier - The classifier. Never nil; check IsAvailable.
func NewSafetyClassifier(apiKey string) *SafetyClassifier {
	if apiKey == "" {
		slog.Warn("Output safety classifier disabled - no API key configured")
		return &SafetyClassifier{}
	}

	client, err := openai.New(
		openai.WithBaseURL(groqBaseURL),
		openai.WithToken(apiKey),
		openai.WithModel(LlamaGuardModel),
	)
	if err != nil {
		slog.Warn("Output safety classifier disabled", "error", err)
		return &SafetyClassifier{}
	}

	slog.Info("Output safety classifier initialized", "model", LlamaGuardModel)
	return &SafetyClassifier{client: client, available: true}
}

// IsAvailable reports whether the safety model can be reached.
func (s *SafetyClassifier) IsAvailable() bool {
	return s.available
}

// Classify grades an LLM response for dangerous content.
//
// Description:
//
//	Sends the conversation (optional user prompt plus the assistant
//	response) to the guard model and parses its verdict. Every failure
//	path returns a safe verdict with an explanatory RawResponse marker
//	so the caller can tell a real pass from a skipped check.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	responseText - The LLM response to evaluate.
//	userPrompt - The originating user prompt, for context. May be empty.
//
// Outputs:
//
//	SafetyResult - Verdict with violated categories, if any.
func (s *SafetyClassifier) Classify(ctx context.Context, responseText, userPrompt string) SafetyResult {
	if !s.available {
		return SafetyResult{Safe: true, RawResponse: "classifier_unavailable"}
	}
	if strings.TrimSpace(responseText) == "" {
		return SafetyResult{Safe: true, RawResponse: "empty_input"}
	}

	// The guard grades a conversation: user turn for context, assistant
	// turn under evaluation.
	var messages []llms.MessageContent
	if userPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, userPrompt))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeAI, responseText))

	resp, err := s.client.GenerateContent(ctx, messages,
		llms.WithTemperature(0),
		llms.WithMaxTokens(safetyMaxTokens),
	)
	if err != nil {
		slog.Error("Output safety classification failed", "error", err)
		return SafetyResult{Safe: true, RawResponse: fmt.Sprintf("error: %v", err)}
	}
	if len(resp.Choices) == 0 {
		slog.Error("Output safety classification returned no choices")
		return SafetyResult{Safe: true, RawResponse: "error: empty completion response"}
	}

	return parseSafetyOutput(strings.TrimSpace(resp.Choices[0].Content))
}

// parseSafetyOutput parses the guard reply.
//
// Description:
//
//	The guard answers "safe", or "unsafe" followed by a line of
//	comma-separated category codes. Codes must be "S"-prefixed and at
//	most three characters; anything else on the line is discarded.
func parseSafetyOutput(raw string) SafetyResult {
	lines := strings.Split(raw, "\n")
	safe := strings.EqualFold(strings.TrimSpace(lines[0]), "safe")

	var categories []string
	if !safe && len(lines) > 1 {
		for _, part := range strings.Split(lines[1], ",") {
			code := strings.ToUpper(strings.TrimSpace(part))
			if strings.HasPrefix(code, "S") && len(code) <= 3 {
				categories = append(categories, code)
			}
		}
	}

	var names []string
	for _, code := range categories {
		name, ok := safetyCategoryNames[code]
		if !ok {
			name = fmt.Sprintf("Unknown (%s)", code)
		}
		names = append(names, name)
	}

	if !safe {
		slog.Warn("Output classified unsafe",
			"categories", categories,
			"names", names,
		)
	} else {
		slog.Debug("Output classified as safe")
	}

	return SafetyResult{
		Safe:          safe,
		Categories:    categories,
		CategoryNames: names,
		RawResponse:   raw,
	}
}
