// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guardrail classifies traffic crossing the proxy for prompt
// attacks and unsafe content.
//
// Description:
//
//	Three cooperating checks live here. The prompt injection classifier
//	runs ML inference on ingress text through a pluggable backend
//	(remote API or local inference endpoints) and degrades to a benign
//	verdict when nothing is configured. The output moderator scores
//	egress text against rules-based criteria for leaked instructions,
//	override personas, and similar patterns. The output safety
//	classifier grades egress text against a hosted safety model across
//	thirteen content categories. All three fail open: an unavailable or
//	erroring check never blocks traffic by itself.
package guardrail

// =============================================================================
// Classification Labels
// =============================================================================

// Label is a canonical classification label for ingress text.
type Label string

const (
	// LabelBenign marks input considered safe.
	LabelBenign Label = "benign"

	// LabelInjection marks input carrying embedded instructions aimed at
	// the model rather than the task.
	LabelInjection Label = "injection"

	// LabelJailbreak marks input attempting to escape the model's policy.
	LabelJailbreak Label = "jailbreak"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	// DefaultInjectionThreshold is the block threshold for the injection class.
	DefaultInjectionThreshold = 0.90

	// DefaultJailbreakThreshold is the block threshold for the jailbreak class.
	DefaultJailbreakThreshold = 0.85

	// DefaultModel is the model identifier reported in classification
	// results and used by local backends when no override is configured.
	DefaultModel = "meta-llama/Prompt-Guard-86M"
)

// =============================================================================
// Results
// =============================================================================

// RawScore is a single label/score pair emitted by a backend before label
// normalization. Labels here are whatever vocabulary the model speaks
// ("safe", "LABEL_1", "0.9987" never appears here since numeric replies
// are expanded by the backend itself).
type RawScore struct {
	Label string
	Score float64
}

// ClassificationResult is the normalized outcome of classifying one text.
//
// Description:
//
//	Carries the winning label with its confidence, the full normalized
//	distribution, and whether the configured block threshold was crossed.
//	Results are plain values; callers may retain them across requests.
type ClassificationResult struct {
	// Label is the predicted label (benign, injection, jailbreak).
	Label Label `json:"label"`

	// Score is the confidence for the predicted label, 0.0 to 1.0.
	Score float64 `json:"score"`

	// Scores is the full probability distribution across normalized labels.
	Scores map[string]float64 `json:"scores"`

	// ThresholdExceeded reports whether Score crossed the block threshold
	// configured for Label. Benign results never exceed.
	ThresholdExceeded bool `json:"threshold_exceeded"`

	// ModelName identifies the model that produced this classification,
	// or "fallback" when no backend was available.
	ModelName string `json:"model_name"`
}
