// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proxy exposes the OpenAI-compatible surface of the sidecar
// and orchestrates the security pipeline around each request.
package proxy

import (
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/aegis/services/llm"
	"github.com/AleutianAI/aegis/services/shield/guardrail"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Security verdicts.
const (
	VerdictPass  = "pass"
	VerdictWarn  = "warn"
	VerdictBlock = "block"
)

// Finish reasons on the first choice.
const (
	FinishReasonStop          = "stop"
	FinishReasonContentFilter = "content_filter"
)

// defaultTemperature applies when the request leaves temperature unset.
const defaultTemperature = 0.7

// defaultModel applies when the request names no model.
const defaultModel = "default"

// =============================================================================
// Wire Types
// =============================================================================

// ChatMessage is one OpenAI-shape chat message.
type ChatMessage struct {
	Role    string `json:"role" binding:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the accepted request body. Binding tags carry
// the schema contract; violations surface as 422 before any processing.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages" binding:"required,min=1,dive"`
	Temperature *float64      `json:"temperature" binding:"omitempty,gte=0,lte=2"`
	MaxTokens   *int          `json:"max_tokens" binding:"omitempty,gt=0"`

	// Stream is accepted for wire compatibility and ignored; every
	// response is delivered whole so egress can inspect it.
	Stream bool `json:"stream"`
}

// EffectiveModel returns the requested model or the default.
func (r *ChatCompletionRequest) EffectiveModel() string {
	if r.Model == "" {
		return defaultModel
	}
	return r.Model
}

// EffectiveTemperature returns the requested temperature or the default.
func (r *ChatCompletionRequest) EffectiveTemperature() float64 {
	if r.Temperature == nil {
		return defaultTemperature
	}
	return *r.Temperature
}

// ToMessages converts the wire messages into pipeline messages.
func (r *ChatCompletionRequest) ToMessages() []llm.Message {
	out := make([]llm.Message, len(r.Messages))
	for i, m := range r.Messages {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// ChatCompletionChoice is one completion choice.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionResponse is the OpenAI-compatible response body, plus
// the non-standard security report.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`

	// Security carries the sidecar's verdict and counters. Non-standard;
	// clients that only speak OpenAI shape can ignore it.
	Security *SecurityReport `json:"security,omitempty"`
}

// newResponse builds a single-choice completion response.
func newResponse(model, content, finishReason string, report *SecurityReport) *ChatCompletionResponse {
	return &ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			Message:      ChatMessage{Role: llm.RoleAssistant, Content: content},
			FinishReason: finishReason,
		}},
		Security: report,
	}
}

// =============================================================================
// Security Report
// =============================================================================

// SecurityReport is the per-request security disposition returned to
// the client alongside the completion.
type SecurityReport struct {
	// Verdict is the final disposition: pass, warn, or block.
	Verdict string `json:"verdict"`

	// SessionID identifies the request's security session.
	SessionID string `json:"session_id"`

	// PIIEntitiesSwapped counts distinct real values replaced at ingress.
	PIIEntitiesSwapped int `json:"pii_entities_swapped"`

	// CanaryInjected reports whether a canary was planted.
	CanaryInjected bool `json:"canary_injected"`

	// CanaryLeaked reports whether the canary surfaced in the response.
	CanaryLeaked bool `json:"canary_leaked"`

	// LensInvisibleChars counts invisible characters stripped at ingress.
	LensInvisibleChars int `json:"lens_invisible_chars"`

	// LensHomoglyphs counts homoglyphs folded at ingress.
	LensHomoglyphs int `json:"lens_homoglyphs"`

	// LensCodeConstructs counts executable markup constructs neutralized.
	LensCodeConstructs int `json:"lens_code_constructs"`

	// InputGuardrailLabel is the guardrail's label, when it ran.
	InputGuardrailLabel string `json:"input_guardrail_label,omitempty"`

	// InputGuardrailScore is the guardrail's confidence for that label.
	InputGuardrailScore float64 `json:"input_guardrail_score,omitempty"`

	// OutputModerationScore is the rules moderator's score, when it ran.
	OutputModerationScore int `json:"output_moderation_score,omitempty"`

	// OutputModerationFlagged reports whether moderation crossed its
	// threshold.
	OutputModerationFlagged bool `json:"output_moderation_flagged"`

	// OutputSafety is the ML safety classifier's result, when it ran.
	OutputSafety *guardrail.SafetyResult `json:"output_safety,omitempty"`

	// Alerts holds human-readable security alerts raised this request.
	Alerts []string `json:"alerts,omitempty"`
}

// =============================================================================
// Health
// =============================================================================

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components"`
}

// ErrorResponse is the body of non-200 failures.
type ErrorResponse struct {
	Error string `json:"error"`
}
