// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package shield orchestrates the ingress/egress security chain.
//
// Ingress hardens outgoing messages: PII is swapped for synthetic
// stand-ins, user content is wrapped in isolation tags, and a canary is
// planted in the system prompt. Egress verifies and reverses: tags are
// stripped, leak probes run, the rules moderator scores the output, and
// PII is restored only into text that cleared every check.
//
// The ML guardrail classifier is not part of this synchronous chain; it
// races the upstream call at the proxy layer and its result is attached
// to the SessionContext for reporting.
package shield

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/aegis/services/llm"
	"github.com/AleutianAI/aegis/services/shield/canary"
	"github.com/AleutianAI/aegis/services/shield/guardrail"
	"github.com/AleutianAI/aegis/services/shield/pii"
	"github.com/AleutianAI/aegis/services/shield/tagger"
)

// Fixed client-facing texts for blocked responses.
const (
	blockedIsolationLeakText = "[BLOCKED] Security violation detected — system prompt content leaked in response."
	blockedCanaryLeakText    = "[BLOCKED] Security violation detected. The response has been suppressed."
	blockedModerationText    = "[BLOCKED] Response content flagged by output moderation."
)

// Block reasons identify which egress defense fired.
const (
	BlockReasonIsolationLeak = "isolation_leak"
	BlockReasonCanaryLeak    = "canary_leak"
	BlockReasonModeration    = "moderation"
)

// isolationMarkers are the literal preamble delimiters whose presence in a
// response means the system prompt leaked.
var isolationMarkers = [...]string{
	"[DATA ISOLATION PROTOCOL]",
	"[END DATA ISOLATION PROTOCOL]",
}

// SessionContext carries ingress state to egress processing.
//
// Description:
//
//	Holds the swap map, canary, and guardrail result so the egress phase
//	can reverse the ingress transformations and build reports. Created by
//	ProcessIngress; the route orchestrator attaches GuardrailResult once
//	the racing classification finishes.
type SessionContext struct {
	SessionID       string
	Canary          string
	SwapMap         *pii.SwapMap
	GuardrailResult *guardrail.ClassificationResult
	Alerts          []string
}

// EgressResult is the outcome of egress processing.
type EgressResult struct {
	// ResponseText is the restored response, or a fixed [BLOCKED] message.
	ResponseText string

	// Blocked reports whether a defense suppressed the response.
	Blocked bool

	// BlockReason names the defense that fired; empty when cleared.
	BlockReason string

	// Moderation is the rules moderator's verdict, when it ran.
	Moderation *guardrail.ModerationResult

	// Alerts holds security alerts raised during egress.
	Alerts []string
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline chains the Shield defenses around one request/response cycle.
//
// Thread Safety: Safe for concurrent use after construction; per-request
// state lives in the SessionContext.
type Pipeline struct {
	detector       *pii.Detector
	swapper        *pii.Swapper
	tagger         *tagger.Tagger
	canaryGen      *canary.Generator
	canaryInjector *canary.Injector
	canaryDetector *canary.Detector
	moderator      *guardrail.Moderator
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithDetector replaces the default PII detector.
func WithDetector(d *pii.Detector) PipelineOption {
	return func(p *Pipeline) { p.detector = d }
}

// WithSwapper replaces the default swapper.
func WithSwapper(s *pii.Swapper) PipelineOption {
	return func(p *Pipeline) { p.swapper = s }
}

// WithTagger replaces the default structural tagger.
func WithTagger(t *tagger.Tagger) PipelineOption {
	return func(p *Pipeline) { p.tagger = t }
}

// WithCanaryGenerator replaces the default canary generator.
func WithCanaryGenerator(g *canary.Generator) PipelineOption {
	return func(p *Pipeline) { p.canaryGen = g }
}

// WithCanaryInjector replaces the default canary injector.
func WithCanaryInjector(in *canary.Injector) PipelineOption {
	return func(p *Pipeline) { p.canaryInjector = in }
}

// WithCanaryDetector replaces the default canary detector.
func WithCanaryDetector(d *canary.Detector) PipelineOption {
	return func(p *Pipeline) { p.canaryDetector = d }
}

// WithModerator replaces the default output moderator.
func WithModerator(m *guardrail.Moderator) PipelineOption {
	return func(p *Pipeline) { p.moderator = m }
}

// NewPipeline creates a pipeline with default components unless overridden.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	moderator, err := guardrail.NewModerator(guardrail.DefaultModerationThreshold, nil)
	if err != nil {
		// The default moderator compiles only the embedded criteria,
		// which BuiltinCriteria has already validated.
		panic("shield: default moderator: " + err.Error())
	}

	p := &Pipeline{
		detector:       pii.NewDetector(),
		swapper:        pii.NewSwapper(pii.NewGenerator(0)),
		tagger:         tagger.New(),
		canaryGen:      canary.NewGenerator(""),
		canaryInjector: canary.NewInjector(""),
		canaryDetector: canary.NewDetector(true),
		moderator:      moderator,
	}
	for _, opt := range opts {
		opt(p)
	}

	slog.Info("Shield pipeline initialized")
	return p
}

// ProcessIngress hardens outgoing messages before they reach the LLM.
//
// Description:
//
//	Swaps PII in every user message (one combined map keeps a real value's
//	synthetic stable across messages), wraps user content in isolation
//	tags, and injects a fresh canary into the system prompt. The input
//	list is never mutated.
//
// Inputs:
//
//	messages - Chat messages to harden.
//	sessionID - Session identifier for swap map tracking.
//	precomputed - Optional guardrail result already obtained by the
//	caller; attached to the context for reporting. May be nil.
//
// Outputs:
//
//	[]llm.Message - The hardened messages.
//	*SessionContext - Context for the matching ProcessEgress call.
func (p *Pipeline) ProcessIngress(messages []llm.Message, sessionID string,
	precomputed *guardrail.ClassificationResult) ([]llm.Message, *SessionContext) {

	slog.Info("Ingress processing started", slog.String("session_id", sessionID))

	processed := llm.CloneMessages(messages)
	combined := pii.NewSwapMap()

	for i := range processed {
		if processed[i].Role != llm.RoleUser || processed[i].Content == "" {
			continue
		}
		matches := p.detector.Detect(processed[i].Content)
		if len(matches) == 0 {
			continue
		}
		swapped, err := p.swapper.SwapInto(processed[i].Content, matches, combined)
		if err != nil {
			// Never drop the request over an internal swap fault; the
			// message passes through unswapped and the report says so.
			slog.Error("PII swap failed, forwarding message unswapped",
				slog.Int("message_index", i),
				slog.String("error", err.Error()),
			)
			continue
		}
		processed[i].Content = swapped
	}

	processed = p.tagger.Tag(processed)

	token := p.canaryGen.Generate()
	processed = p.canaryInjector.Inject(processed, token)

	sctx := &SessionContext{
		SessionID:       sessionID,
		Canary:          token,
		SwapMap:         combined,
		GuardrailResult: precomputed,
	}

	recordIngress(kindCounts(combined))
	slog.Info("Ingress complete",
		slog.Int("pii_swapped", combined.Len()),
		slog.String("session_id", sessionID),
	)
	return processed, sctx
}

// ProcessEgress verifies an LLM response and reverses the ingress
// transformations.
//
// Description:
//
//	Runs the fixed egress order: untag, isolation-marker probe, canary
//	probe, rules moderation, PII restore. The first positive signal
//	short-circuits with a blocked result; restoration only happens for
//	text that cleared every check, so real PII is never written into a
//	response that is about to be dropped.
//
// Inputs:
//
//	responseText - Raw text from the LLM.
//	sctx - The context returned by ProcessIngress.
//
// Outputs:
//
//	EgressResult - Restored text or a fixed blocked message, plus alerts.
func (p *Pipeline) ProcessEgress(responseText string, sctx *SessionContext) EgressResult {
	slog.Info("Egress processing started", slog.String("session_id", sctx.SessionID))
	var alerts []string

	cleaned := p.tagger.Untag(responseText)

	for _, marker := range isolationMarkers {
		if !strings.Contains(cleaned, marker) {
			continue
		}
		msg := fmt.Sprintf("SYSTEM PROMPT LEAK DETECTED: response contains %q. Response BLOCKED for session %q.",
			marker, sctx.SessionID)
		slog.Error("System prompt leak detected",
			slog.String("marker", marker),
			slog.String("session_id", sctx.SessionID),
		)
		alerts = append(alerts, msg)
		recordBlocked(BlockReasonIsolationLeak)

		return EgressResult{
			ResponseText: blockedIsolationLeakText,
			Blocked:      true,
			BlockReason:  BlockReasonIsolationLeak,
			Alerts:       alerts,
		}
	}

	if check := p.canaryDetector.Check(cleaned, sctx.Canary); check.Leaked {
		msg := fmt.Sprintf("CANARY LEAK DETECTED via %s! Response BLOCKED for session %q.",
			check.Method, sctx.SessionID)
		slog.Error("Canary leak detected",
			slog.String("method", check.Method),
			slog.String("session_id", sctx.SessionID),
		)
		alerts = append(alerts, msg)
		recordBlocked(BlockReasonCanaryLeak)
		shieldCanaryLeaksTotal.WithLabelValues(check.Method).Inc()

		return EgressResult{
			ResponseText: blockedCanaryLeakText,
			Blocked:      true,
			BlockReason:  BlockReasonCanaryLeak,
			Alerts:       alerts,
		}
	}

	moderation := p.moderator.Moderate(cleaned)
	shieldModerationScore.Observe(float64(moderation.Score))
	if moderation.Flagged {
		msg := fmt.Sprintf("OUTPUT MODERATION FLAGGED: score=%d, reasons=%v. Response BLOCKED for session %q.",
			moderation.Score, moderation.Reasons, sctx.SessionID)
		slog.Error("Output moderation blocked response",
			slog.Int("score", moderation.Score),
			slog.String("session_id", sctx.SessionID),
		)
		alerts = append(alerts, msg)
		recordBlocked(BlockReasonModeration)

		return EgressResult{
			ResponseText: blockedModerationText,
			Blocked:      true,
			BlockReason:  BlockReasonModeration,
			Moderation:   &moderation,
			Alerts:       alerts,
		}
	}

	restored := p.swapper.Restore(cleaned, sctx.SwapMap)
	recordCleared()
	slog.Info("Egress complete: response cleared", slog.String("session_id", sctx.SessionID))

	return EgressResult{
		ResponseText: restored,
		Moderation:   &moderation,
		Alerts:       alerts,
	}
}

// kindCounts tallies swapped values by PII kind for metrics.
func kindCounts(m *pii.SwapMap) map[string]int {
	counts := make(map[string]int, len(m.EntityTypes))
	for _, kind := range m.EntityTypes {
		counts[kind]++
	}
	return counts
}
