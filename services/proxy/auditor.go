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
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// AuditEntry is one security decision record.
type AuditEntry struct {
	// SessionID identifies the request's security session.
	SessionID string

	// Verdict is the final disposition (pass, warn, block).
	Verdict string

	// Blocker names the defense that fired, empty when nothing did
	// (guardrail, isolation_leak, canary_leak, moderation, output_safety).
	Blocker string

	// GuardrailLabel is the ingress classification label, when one ran.
	GuardrailLabel string

	// ModerationScore is the rules moderator's score, when it ran.
	ModerationScore int

	// CanaryMethod names the encoding the canary leaked through, if any.
	CanaryMethod string

	// ContentHash is the SHA-256 of the final response text, when
	// hashing is enabled.
	ContentHash string

	// DurationMs is the end-to-end processing time.
	DurationMs int64
}

// Auditor writes a structured audit trail of security decisions.
//
// Description:
//
//	One slog entry per decision: session id, trace id, verdict, which
//	defense fired, and an optional SHA-256 content hash. The trail is
//	compliance-grade evidence of what the sidecar did without storing
//	any message content.
//
// Thread Safety: Safe for concurrent use; slog.Logger is concurrent-safe.
type Auditor struct {
	logger      *slog.Logger
	enabled     bool
	hashContent bool
}

// NewAuditor creates an auditor. A nil logger falls back to slog.Default.
func NewAuditor(logger *slog.Logger, enabled, hashContent bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled, hashContent: hashContent}
}

// LogDecision records one completed security decision.
func (a *Auditor) LogDecision(ctx context.Context, entry AuditEntry) {
	if !a.enabled {
		return
	}

	logger := a.loggerWithTrace(ctx)

	attrs := []any{
		slog.String("event", "security_decision"),
		slog.String("session_id", entry.SessionID),
		slog.String("verdict", entry.Verdict),
		slog.Int64("duration_ms", entry.DurationMs),
		slog.Int64("timestamp", time.Now().UnixMilli()),
	}
	if entry.Blocker != "" {
		attrs = append(attrs, slog.String("blocker", entry.Blocker))
	}
	if entry.GuardrailLabel != "" {
		attrs = append(attrs, slog.String("guardrail_label", entry.GuardrailLabel))
	}
	if entry.ModerationScore > 0 {
		attrs = append(attrs, slog.Int("moderation_score", entry.ModerationScore))
	}
	if entry.CanaryMethod != "" {
		attrs = append(attrs, slog.String("canary_method", entry.CanaryMethod))
	}
	if a.hashContent && entry.ContentHash != "" {
		attrs = append(attrs, slog.String("content_hash", entry.ContentHash))
	}

	if entry.Verdict == VerdictBlock {
		logger.Warn("response blocked", attrs...)
		return
	}
	logger.Info("response cleared", attrs...)
}

// loggerWithTrace enriches the logger with the active span context.
func (a *Auditor) loggerWithTrace(ctx context.Context) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return a.logger
	}
	return a.logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// HashContent computes the SHA-256 hex digest of content for audit
// purposes. Returns "" for empty input.
func HashContent(content []byte) string {
	if len(content) == 0 {
		return ""
	}
	sum := sha256.Sum256(content)
	return fmt.Sprintf("%x", sum)
}
