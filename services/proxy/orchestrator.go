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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/aegis/services/llm"
	"github.com/AleutianAI/aegis/services/shield/guardrail"
)

// tracerName is the single tracer for the sidecar.
const tracerName = "aegis.sidecar"

// GuardClassifier is the ingress guardrail capability the orchestrator
// races against the upstream call. *guardrail.Classifier satisfies it;
// tests substitute doubles.
type GuardClassifier interface {
	Classify(ctx context.Context, text string) guardrail.ClassificationResult
	IsAvailable() bool
	BackendName() string
}

// SafetyGate is the optional ML output-safety capability.
// *guardrail.SafetyClassifier satisfies it.
type SafetyGate interface {
	IsAvailable() bool
	Classify(ctx context.Context, responseText, userPrompt string) guardrail.SafetyResult
}

var (
	_ GuardClassifier = (*guardrail.Classifier)(nil)
	_ SafetyGate      = (*guardrail.SafetyClassifier)(nil)
)

// upstreamOutcome is what the forwarder goroutine reports back.
type upstreamOutcome struct {
	text string
	err  error
}

// Orchestrator runs the per-request concurrency contract: ingress, the
// guardrail/upstream race with cancel-on-block, the optional safety
// gate, and egress.
//
// Description:
//
//	The guardrail never sits in front of the upstream call; both launch
//	together and the orchestrator acts on whichever finishes first. A
//	guardrail block cancels the in-flight upstream call and awaits its
//	cancellation before responding, so no orphan request keeps running
//	against the provider. All transformation work stays synchronous
//	inside the middleware; only the two racing tasks and the safety
//	gate ever suspend.
//
// Thread Safety: Safe for concurrent use; all per-request state is
// local to the handler.
type Orchestrator struct {
	middleware *Middleware
	forwarder  *llm.Forwarder
	classifier GuardClassifier
	safety     SafetyGate
	auditor    *Auditor
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithSafetyGate attaches the optional ML output-safety classifier.
func WithSafetyGate(gate SafetyGate) OrchestratorOption {
	return func(o *Orchestrator) { o.safety = gate }
}

// WithAuditor replaces the default audit trail writer.
func WithAuditor(a *Auditor) OrchestratorOption {
	return func(o *Orchestrator) { o.auditor = a }
}

// NewOrchestrator wires the route orchestrator. forwarder may be nil
// when no upstream is configured; requests then fail with 502.
func NewOrchestrator(middleware *Middleware, forwarder *llm.Forwarder,
	classifier GuardClassifier, opts ...OrchestratorOption) *Orchestrator {

	o := &Orchestrator{
		middleware: middleware,
		forwarder:  forwarder,
		classifier: classifier,
		auditor:    NewAuditor(slog.Default(), true, true),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleChatCompletion serves POST /v1/chat/completions.
func (o *Orchestrator) HandleChatCompletion(c *gin.Context) {
	started := time.Now()
	defer func() {
		proxyRequestDuration.Observe(time.Since(started).Seconds())
	}()

	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "invalid request: " + err.Error()})
		return
	}

	if o.forwarder == nil || o.forwarder.URL() == "" {
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "upstream LLM URL not configured"})
		return
	}

	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "proxy.chat_completion")
	defer span.End()

	// Ingress completes before either concurrent task starts; both tasks
	// observe the same hardened messages.
	hardened, ictx := o.middleware.ProcessIngress(ctx, &req)
	span.SetAttributes(
		attribute.String("session_id", ictx.SessionID),
		attribute.Int("pii_swapped", ictx.ShieldCtx.SwapMap.Len()),
	)

	probe := latestUserContent(&req)

	guardCh := make(chan guardrail.ClassificationResult, 1)
	upCh := make(chan upstreamOutcome, 1)

	upstreamCtx, cancelUpstream := context.WithCancel(ctx)
	defer cancelUpstream()

	go func() {
		guardCh <- o.classifier.Classify(ctx, probe)
	}()
	go func() {
		upstreamStarted := time.Now()
		text, err := o.forwarder.Forward(upstreamCtx, req.EffectiveModel(), hardened,
			req.EffectiveTemperature(), req.MaxTokens)
		proxyUpstreamDuration.Observe(time.Since(upstreamStarted).Seconds())
		upCh <- upstreamOutcome{text: text, err: err}
	}()

	var guardResult guardrail.ClassificationResult
	var upstream upstreamOutcome

	select {
	case guardResult = <-guardCh:
		if guardResult.ThresholdExceeded {
			// Early block: cancel the loser and await its cancellation
			// before responding, so nothing keeps running upstream.
			cancelUpstream()
			<-upCh
			guardrailEarlyBlocksTotal.Inc()
			o.respondGuardrailBlocked(c, ictx, &req, guardResult, started)
			return
		}
		upstream = <-upCh
	case upstream = <-upCh:
		guardResult = <-guardCh
		if guardResult.ThresholdExceeded {
			// The upstream answer, success or failure, is irrelevant:
			// the request itself was hostile.
			o.respondGuardrailBlocked(c, ictx, &req, guardResult, started)
			return
		}
	}

	ictx.ShieldCtx.GuardrailResult = &guardResult
	guardrailClassificationsTotal.WithLabelValues(string(guardResult.Label), o.classifier.BackendName()).Inc()

	if upstream.err != nil {
		proxyUpstreamErrorsTotal.Inc()
		span.RecordError(upstream.err)
		span.SetStatus(codes.Error, "upstream call failed")

		var upErr *llm.UpstreamError
		if errors.As(upstream.err, &upErr) {
			c.JSON(http.StatusBadGateway, ErrorResponse{Error: upErr.Error()})
			return
		}
		if errors.Is(upstream.err, context.Canceled) || errors.Is(upstream.err, context.DeadlineExceeded) {
			// The client went away mid-race; nothing sensible to return.
			c.JSON(http.StatusBadGateway, ErrorResponse{Error: "upstream call cancelled"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error during upstream call"})
		return
	}

	if o.safety != nil && o.safety.IsAvailable() {
		safety := o.safety.Classify(ctx, upstream.text, probe)
		if !safety.Safe {
			resp := o.middleware.BuildSafetyBlockedResponse(ictx, &req, &safety)
			o.audit(ctx, ictx, resp, "output_safety", started)
			c.JSON(http.StatusOK, resp)
			return
		}
	}

	resp := o.middleware.ProcessEgress(ctx, upstream.text, ictx, &req)

	blocker := ""
	if resp.Security.Verdict == VerdictBlock {
		blocker = "egress"
		span.SetStatus(codes.Ok, "response blocked at egress")
	}
	o.audit(ctx, ictx, resp, blocker, started)
	c.JSON(http.StatusOK, resp)
}

// respondGuardrailBlocked attaches the guardrail result and returns the
// blocked refusal.
func (o *Orchestrator) respondGuardrailBlocked(c *gin.Context, ictx *IngressContext,
	req *ChatCompletionRequest, result guardrail.ClassificationResult, started time.Time) {

	ictx.ShieldCtx.GuardrailResult = &result
	guardrailClassificationsTotal.WithLabelValues(string(result.Label), o.classifier.BackendName()).Inc()

	slog.Warn("Request blocked by input guardrail",
		slog.String("session_id", ictx.SessionID),
		slog.String("label", string(result.Label)),
		slog.Float64("score", result.Score),
	)

	resp := o.middleware.BuildBlockedResponse(ictx, req)
	o.audit(c.Request.Context(), ictx, resp, "guardrail", started)
	c.JSON(http.StatusOK, resp)
}

// audit writes the decision record for one completed request.
func (o *Orchestrator) audit(ctx context.Context, ictx *IngressContext,
	resp *ChatCompletionResponse, blocker string, started time.Time) {

	entry := AuditEntry{
		SessionID:       ictx.SessionID,
		Verdict:         resp.Security.Verdict,
		Blocker:         blocker,
		GuardrailLabel:  resp.Security.InputGuardrailLabel,
		ModerationScore: resp.Security.OutputModerationScore,
		DurationMs:      time.Since(started).Milliseconds(),
	}
	if len(resp.Choices) > 0 {
		entry.ContentHash = HashContent([]byte(resp.Choices[0].Message.Content))
	}
	o.auditor.LogDecision(ctx, entry)
}

// HandleHealth serves GET /health.
func (o *Orchestrator) HandleHealth(c *gin.Context) {
	guardrailStatus := "fallback (no backend available)"
	if o.classifier != nil && o.classifier.IsAvailable() {
		guardrailStatus = "active (" + o.classifier.BackendName() + ")"
	}

	safetyStatus := "unavailable"
	if o.safety != nil && o.safety.IsAvailable() {
		safetyStatus = "available"
	}

	upstream := "not configured"
	if o.forwarder != nil && o.forwarder.URL() != "" {
		upstream = "configured"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: Version,
		Components: map[string]string{
			"shield":        "active",
			"lens":          "active",
			"proxy":         upstream,
			"guardrail":     guardrailStatus,
			"output_safety": safetyStatus,
		},
	})
}

// latestUserContent extracts the guardrail probe: the latest user
// message of the original request, before tagging wrapped it.
func latestUserContent(req *ChatCompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}
