// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proxy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/AleutianAI/aegis/services/lens"
	"github.com/AleutianAI/aegis/services/llm"
	"github.com/AleutianAI/aegis/services/shield"
	"github.com/AleutianAI/aegis/services/shield/guardrail"
	"github.com/AleutianAI/aegis/services/vault"
)

// IngressContext carries one request's security state from ingress to
// egress. Created by ProcessIngress, consumed once by ProcessEgress or
// one of the blocked-response builders.
type IngressContext struct {
	// SessionID is the opaque per-request session identifier.
	SessionID string

	// ShieldCtx is the Shield pipeline's session context; the route
	// orchestrator attaches the guardrail result to it.
	ShieldCtx *shield.SessionContext

	// LensStats accumulates sanitization counts across user messages.
	LensStats map[string]int

	// OCRAlerts holds hidden-text findings from attached images.
	OCRAlerts []lens.HiddenTextAlert
}

// Middleware binds the Lens and Shield pipelines to one request and
// response and assembles security reports.
//
// Thread Safety: Safe for concurrent use; per-request state lives in
// the IngressContext.
type Middleware struct {
	lens   *lens.Pipeline
	shield *shield.Pipeline
	store  vault.Store
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithVault enables cross-request swap map persistence. Each ingress
// seals its combined swap map into the store under the session id.
func WithVault(store vault.Store) MiddlewareOption {
	return func(m *Middleware) { m.store = store }
}

// NewMiddleware creates a middleware over the given pipelines.
func NewMiddleware(lensPipeline *lens.Pipeline, shieldPipeline *shield.Pipeline,
	opts ...MiddlewareOption) *Middleware {

	m := &Middleware{
		lens:   lensPipeline,
		shield: shieldPipeline,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ProcessIngress hardens an incoming request.
//
// Description:
//
//	Allocates a fresh session id, runs the Lens over every user
//	message's content, then runs the Shield ingress chain. When a vault
//	is configured the combined swap map is persisted; a vault write
//	failure is logged and the request continues, because the in-memory
//	copy in the context is what egress actually restores from.
//
// Inputs:
//
//	ctx - Request context, governing the optional OCR scan.
//	req - The validated request; never mutated.
//
// Outputs:
//
//	[]llm.Message - The hardened messages to forward upstream.
//	*IngressContext - Context for the matching egress call.
func (m *Middleware) ProcessIngress(ctx context.Context, req *ChatCompletionRequest) ([]llm.Message, *IngressContext) {
	sessionID := uuid.NewString()

	messages := req.ToMessages()
	stats := map[string]int{
		lens.StatInvisibleChars: 0,
		lens.StatHomoglyphs:     0,
		lens.StatCodeConstructs: 0,
		lens.StatOCRAlerts:      0,
	}
	var ocrAlerts []lens.HiddenTextAlert

	for i := range messages {
		if messages[i].Role != llm.RoleUser || messages[i].Content == "" {
			continue
		}
		result := m.lens.Process(ctx, messages[i].Content, nil)
		messages[i].Content = result.SanitizedText
		for key, count := range result.Stats {
			stats[key] += count
		}
		ocrAlerts = append(ocrAlerts, result.OCRAlerts...)
	}

	hardened, shieldCtx := m.shield.ProcessIngress(messages, sessionID, nil)

	if m.store != nil && shieldCtx.SwapMap.Len() > 0 {
		if err := m.store.Store(ctx, sessionID, shieldCtx.SwapMap); err != nil {
			slog.Error("Vault write failed, continuing with in-memory swap map",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}

	return hardened, &IngressContext{
		SessionID: sessionID,
		ShieldCtx: shieldCtx,
		LensStats: stats,
		OCRAlerts: ocrAlerts,
	}
}

// ProcessEgress verifies the upstream text and builds the response.
//
// Description:
//
//	Runs the Shield egress chain, then folds its outcome into a
//	SecurityReport: verdict pass by default, warn when alerts were
//	raised without a block, block when a defense fired. Blocked
//	responses carry finish_reason content_filter and the fixed
//	[BLOCKED] text from the Shield.
func (m *Middleware) ProcessEgress(ctx context.Context, llmText string, ictx *IngressContext,
	req *ChatCompletionRequest) *ChatCompletionResponse {

	egress := m.shield.ProcessEgress(llmText, ictx.ShieldCtx)

	report := m.buildReport(ictx)
	report.Alerts = append(report.Alerts, egress.Alerts...)
	if egress.Moderation != nil {
		report.OutputModerationScore = egress.Moderation.Score
		report.OutputModerationFlagged = egress.Moderation.Flagged
	}

	finishReason := FinishReasonStop
	switch {
	case egress.Blocked:
		report.Verdict = VerdictBlock
		report.CanaryLeaked = egress.BlockReason == shield.BlockReasonCanaryLeak
		finishReason = FinishReasonContentFilter
	case len(report.Alerts) > 0:
		report.Verdict = VerdictWarn
	}

	proxyRequestsTotal.WithLabelValues(report.Verdict).Inc()
	return newResponse(req.EffectiveModel(), egress.ResponseText, finishReason, report)
}

// BuildBlockedResponse produces the refusal for a guardrail block.
//
// The refusal names the guardrail label so callers can distinguish an
// injection block from a jailbreak block without parsing the report.
func (m *Middleware) BuildBlockedResponse(ictx *IngressContext, req *ChatCompletionRequest) *ChatCompletionResponse {
	report := m.buildReport(ictx)
	report.Verdict = VerdictBlock

	label := "prompt attack"
	if result := ictx.ShieldCtx.GuardrailResult; result != nil {
		label = string(result.Label)
		report.Alerts = append(report.Alerts, fmt.Sprintf(
			"INPUT GUARDRAIL BLOCKED: label=%s score=%.2f", result.Label, result.Score))
	}

	content := fmt.Sprintf("[BLOCKED] This request was blocked by the input guardrail (%s detected).", label)

	proxyRequestsTotal.WithLabelValues(VerdictBlock).Inc()
	return newResponse(req.EffectiveModel(), content, FinishReasonContentFilter, report)
}

// BuildSafetyBlockedResponse produces the refusal for an output-safety
// block, listing the violated category names.
func (m *Middleware) BuildSafetyBlockedResponse(ictx *IngressContext, req *ChatCompletionRequest,
	safety *guardrail.SafetyResult) *ChatCompletionResponse {

	report := m.buildReport(ictx)
	report.Verdict = VerdictBlock
	report.OutputSafety = safety

	content := "[BLOCKED] The response was withheld by the output safety classifier."
	if len(safety.CategoryNames) > 0 {
		content = fmt.Sprintf("[BLOCKED] The response was withheld by the output safety classifier (%v).",
			safety.CategoryNames)
		report.Alerts = append(report.Alerts, fmt.Sprintf(
			"OUTPUT SAFETY VIOLATION: categories=%v", safety.CategoryNames))
	}

	proxyRequestsTotal.WithLabelValues(VerdictBlock).Inc()
	return newResponse(req.EffectiveModel(), content, FinishReasonContentFilter, report)
}

// buildReport assembles the counters every response carries regardless
// of verdict. Verdict defaults to pass; callers escalate it.
func (m *Middleware) buildReport(ictx *IngressContext) *SecurityReport {
	report := &SecurityReport{
		Verdict:            VerdictPass,
		SessionID:          ictx.SessionID,
		PIIEntitiesSwapped: ictx.ShieldCtx.SwapMap.Len(),
		CanaryInjected:     ictx.ShieldCtx.Canary != "",
		LensInvisibleChars: ictx.LensStats[lens.StatInvisibleChars],
		LensHomoglyphs:     ictx.LensStats[lens.StatHomoglyphs],
		LensCodeConstructs: ictx.LensStats[lens.StatCodeConstructs],
	}

	if result := ictx.ShieldCtx.GuardrailResult; result != nil {
		report.InputGuardrailLabel = string(result.Label)
		report.InputGuardrailScore = result.Score
	}

	for _, alert := range ictx.OCRAlerts {
		report.Alerts = append(report.Alerts, "HIDDEN TEXT IN IMAGE: "+alert.Reason)
	}
	report.Alerts = append(report.Alerts, ictx.ShieldCtx.Alerts...)

	return report
}
