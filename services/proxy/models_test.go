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
	"strings"
	"testing"

	"github.com/AleutianAI/aegis/services/llm"
)

func TestEffectiveModel(t *testing.T) {
	req := &ChatCompletionRequest{}
	if got := req.EffectiveModel(); got != defaultModel {
		t.Errorf("EffectiveModel() = %q, want %q", got, defaultModel)
	}

	req.Model = "llama-3.3-70b"
	if got := req.EffectiveModel(); got != "llama-3.3-70b" {
		t.Errorf("EffectiveModel() = %q", got)
	}
}

func TestEffectiveTemperature(t *testing.T) {
	req := &ChatCompletionRequest{}
	if got := req.EffectiveTemperature(); got != defaultTemperature {
		t.Errorf("EffectiveTemperature() = %v, want %v", got, defaultTemperature)
	}

	zero := 0.0
	req.Temperature = &zero
	if got := req.EffectiveTemperature(); got != 0 {
		t.Errorf("explicit zero temperature overridden: %v", got)
	}
}

func TestToMessages(t *testing.T) {
	req := &ChatCompletionRequest{Messages: []ChatMessage{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: "hi"},
	}}

	msgs := req.ToMessages()
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem || msgs[1].Content != "hi" {
		t.Errorf("conversion mangled messages: %+v", msgs)
	}
}

func TestNewResponseShape(t *testing.T) {
	report := &SecurityReport{Verdict: VerdictPass, SessionID: "s"}
	resp := newResponse("m", "text", FinishReasonStop, report)

	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("ID = %q, want chatcmpl- prefix", resp.ID)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("Object = %q", resp.Object)
	}
	if resp.Created == 0 {
		t.Error("Created not set")
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices = %d, want 1", len(resp.Choices))
	}
	choice := resp.Choices[0]
	if choice.Index != 0 || choice.Message.Role != llm.RoleAssistant || choice.Message.Content != "text" {
		t.Errorf("choice mangled: %+v", choice)
	}
	if resp.Security != report {
		t.Error("security report not attached")
	}
}
