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
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func capturingAuditor(enabled, hashContent bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewAuditor(logger, enabled, hashContent), &buf
}

func TestLogDecisionRecordsBlock(t *testing.T) {
	a, buf := capturingAuditor(true, true)

	a.LogDecision(context.Background(), AuditEntry{
		SessionID:   "sess-1",
		Verdict:     VerdictBlock,
		Blocker:     "canary_leak",
		ContentHash: HashContent([]byte("[BLOCKED] suppressed")),
		DurationMs:  42,
	})

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("audit output is not JSON: %v", err)
	}
	if record["level"] != "WARN" {
		t.Errorf("block logged at %v, want WARN", record["level"])
	}
	if record["event"] != "security_decision" {
		t.Errorf("event = %v, want security_decision", record["event"])
	}
	if record["session_id"] != "sess-1" {
		t.Errorf("session_id = %v", record["session_id"])
	}
	if record["blocker"] != "canary_leak" {
		t.Errorf("blocker = %v", record["blocker"])
	}
	if record["content_hash"] == nil {
		t.Error("content_hash missing with hashing enabled")
	}
}

func TestLogDecisionClearedIsInfo(t *testing.T) {
	a, buf := capturingAuditor(true, false)

	a.LogDecision(context.Background(), AuditEntry{
		SessionID: "sess-2",
		Verdict:   VerdictPass,
	})

	if !strings.Contains(buf.String(), `"INFO"`) {
		t.Errorf("cleared decision not at INFO: %s", buf.String())
	}
	if strings.Contains(buf.String(), "content_hash") {
		t.Error("content_hash present with hashing disabled")
	}
}

func TestLogDecisionDisabledWritesNothing(t *testing.T) {
	a, buf := capturingAuditor(false, true)

	a.LogDecision(context.Background(), AuditEntry{SessionID: "sess-3", Verdict: VerdictBlock})
	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote: %s", buf.String())
	}
}

func TestHashContent(t *testing.T) {
	if got := HashContent(nil); got != "" {
		t.Errorf("HashContent(nil) = %q, want empty", got)
	}

	h := HashContent([]byte("hello"))
	if len(h) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h))
	}
	if h != HashContent([]byte("hello")) {
		t.Error("hash must be deterministic")
	}
	if h == HashContent([]byte("hello!")) {
		t.Error("different content must hash differently")
	}
}
