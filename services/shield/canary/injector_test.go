// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package canary

import (
	"strings"
	"testing"

	"github.com/AleutianAI/aegis/services/llm"
)

const testCanary = "AEGIS-CANARY-a1b2c3d4-e5f6-4890-abcd-ef1234567890"

func TestInjectAppendsToExistingSystemMessage(t *testing.T) {
	in := NewInjector("")
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a helpful assistant."},
		{Role: llm.RoleUser, Content: "Hello"},
	}

	result := in.Inject(messages, testCanary)
	if len(result) != 2 {
		t.Fatalf("message count changed: %d", len(result))
	}
	system := result[0]
	if !strings.HasPrefix(system.Content, "You are a helpful assistant.") {
		t.Errorf("original system content lost: %q", system.Content)
	}
	if !strings.Contains(system.Content, testCanary) {
		t.Errorf("system content missing canary: %q", system.Content)
	}
	if !strings.Contains(system.Content, "[INTERNAL SECURITY") {
		t.Errorf("system content missing instruction wrapper: %q", system.Content)
	}
	if result[1].Content != "Hello" {
		t.Errorf("user message altered: %q", result[1].Content)
	}
}

func TestInjectCreatesSystemMessage(t *testing.T) {
	in := NewInjector("")
	messages := []llm.Message{{Role: llm.RoleUser, Content: "Hello"}}

	result := in.Inject(messages, testCanary)
	if len(result) != 2 {
		t.Fatalf("expected system message to be created, got %d messages", len(result))
	}
	if result[0].Role != llm.RoleSystem {
		t.Fatalf("first message role = %q, want system", result[0].Role)
	}
	if strings.HasPrefix(result[0].Content, "\n") {
		t.Errorf("created system content not trimmed: %q", result[0].Content)
	}
	if !strings.Contains(result[0].Content, testCanary) {
		t.Errorf("created system content missing canary: %q", result[0].Content)
	}
}

func TestInjectDoesNotMutateInput(t *testing.T) {
	in := NewInjector("")
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "original"},
	}

	_ = in.Inject(messages, testCanary)
	if messages[0].Content != "original" {
		t.Fatalf("input mutated: %q", messages[0].Content)
	}
}

func TestInjectEmptyCanary(t *testing.T) {
	in := NewInjector("")
	messages := []llm.Message{{Role: llm.RoleUser, Content: "Hello"}}

	result := in.Inject(messages, "")
	if len(result) != 1 || result[0].Content != "Hello" {
		t.Fatalf("empty canary must leave messages untouched, got %+v", result)
	}
}

func TestInjectCustomTemplate(t *testing.T) {
	in := NewInjector("SECRET={canary};")
	messages := []llm.Message{{Role: llm.RoleSystem, Content: "base"}}

	result := in.Inject(messages, testCanary)
	if result[0].Content != "baseSECRET="+testCanary+";" {
		t.Fatalf("custom template not applied: %q", result[0].Content)
	}
}
