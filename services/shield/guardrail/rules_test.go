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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testRulesV1 = `
threshold: 3
criteria:
  - name: custom_one
    description: First custom criterion.
    severity: 2
    patterns:
      - 'alpha\s+pattern'
`

const testRulesV2 = `
threshold: 4
criteria:
  - name: custom_two
    description: Second custom criterion.
    severity: 3
    patterns:
      - 'beta\s+pattern'
`

func TestLoadRulesValid(t *testing.T) {
	rules, err := LoadRules([]byte(testRulesV1))
	if err != nil {
		t.Fatalf("LoadRules returned error: %v", err)
	}

	if rules.Threshold != 3 {
		t.Errorf("Threshold = %d, want 3", rules.Threshold)
	}
	if len(rules.Criteria) != 1 {
		t.Fatalf("Criteria count = %d, want 1", len(rules.Criteria))
	}
	if rules.Criteria[0].Name != "custom_one" {
		t.Errorf("Name = %q, want custom_one", rules.Criteria[0].Name)
	}
	if rules.Criteria[0].Severity != 2 {
		t.Errorf("Severity = %d, want 2", rules.Criteria[0].Severity)
	}
}

func TestLoadRulesEmbeddedDefaults(t *testing.T) {
	rules, err := LoadRules(defaultModerationRulesYAML)
	if err != nil {
		t.Fatalf("embedded rules failed to load: %v", err)
	}

	if rules.Threshold != DefaultModerationThreshold {
		t.Errorf("Threshold = %d, want %d", rules.Threshold, DefaultModerationThreshold)
	}

	wantNames := []string{
		"system_prompt_leak",
		"role_override",
		"harmful_instructions",
		"encoded_content",
		"internal_markers",
	}
	if len(rules.Criteria) != len(wantNames) {
		t.Fatalf("Criteria count = %d, want %d", len(rules.Criteria), len(wantNames))
	}
	for i, name := range wantNames {
		if rules.Criteria[i].Name != name {
			t.Errorf("Criteria[%d].Name = %q, want %q", i, rules.Criteria[i].Name, name)
		}
	}

	wantSeverities := []int{3, 3, 2, 2, 2}
	for i, severity := range wantSeverities {
		if rules.Criteria[i].Severity != severity {
			t.Errorf("Criteria[%d].Severity = %d, want %d", i, rules.Criteria[i].Severity, severity)
		}
	}
}

func TestBuiltinCriteriaIsACopy(t *testing.T) {
	first := BuiltinCriteria()
	first[0].Name = "mutated"

	second := BuiltinCriteria()
	if second[0].Name == "mutated" {
		t.Error("BuiltinCriteria must return a fresh copy each call")
	}
}

func TestLoadRulesErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty data", ""},
		{"invalid yaml", "{{{"},
		{"no criteria", "threshold: 3\ncriteria: []\n"},
		{"missing name", "criteria:\n  - description: x\n    severity: 2\n    patterns: ['a']\n"},
		{"severity too low", "criteria:\n  - name: a\n    severity: 0\n    patterns: ['a']\n"},
		{"severity too high", "criteria:\n  - name: a\n    severity: 6\n    patterns: ['a']\n"},
		{"no patterns", "criteria:\n  - name: a\n    severity: 2\n    patterns: []\n"},
		{"bad regex", "criteria:\n  - name: a\n    severity: 2\n    patterns: ['(']\n"},
		{"threshold out of range", "threshold: 7\ncriteria:\n  - name: a\n    severity: 2\n    patterns: ['a']\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadRules([]byte(tt.data)); err == nil {
				t.Errorf("LoadRules accepted %s", tt.name)
			}
		})
	}
}

func TestLoadRulesZeroThresholdAllowed(t *testing.T) {
	doc := "criteria:\n  - name: a\n    description: x\n    severity: 2\n    patterns: ['a']\n"
	rules, err := LoadRules([]byte(doc))
	if err != nil {
		t.Fatalf("LoadRules returned error: %v", err)
	}
	if rules.Threshold != 0 {
		t.Errorf("Threshold = %d, want 0 (keep current)", rules.Threshold)
	}
}

func TestLoadRulesSizeLimit(t *testing.T) {
	data := bytes.Repeat([]byte("a"), maxRulesFileSize+1)
	_, err := LoadRules(data)
	if err == nil {
		t.Fatal("expected error for oversized rules data")
	}
	if !strings.Contains(err.Error(), "maximum size") {
		t.Errorf("error = %v, want size limit message", err)
	}
}

func TestNewRulesWatcherValidation(t *testing.T) {
	if _, err := NewRulesWatcher("", func(*RuleSet) error { return nil }); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := NewRulesWatcher("rules.yaml", nil); err == nil {
		t.Error("expected error for nil apply callback")
	}
}

// waitForRules receives an applied rule set or fails after the deadline.
func waitForRules(t *testing.T, ch <-chan *RuleSet, within time.Duration) *RuleSet {
	t.Helper()
	select {
	case rules := <-ch:
		return rules
	case <-time.After(within):
		t.Fatal("timed out waiting for rules to apply")
		return nil
	}
}

func TestRulesWatcherInitialLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(testRulesV1), 0o644); err != nil {
		t.Fatalf("writing rules file: %v", err)
	}

	applied := make(chan *RuleSet, 4)
	watcher, err := NewRulesWatcher(path, func(rules *RuleSet) error {
		applied <- rules
		return nil
	})
	if err != nil {
		t.Fatalf("NewRulesWatcher returned error: %v", err)
	}

	if err := watcher.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer watcher.Stop()

	rules := waitForRules(t, applied, 2*time.Second)
	if rules.Criteria[0].Name != "custom_one" {
		t.Errorf("initial load applied %q, want custom_one", rules.Criteria[0].Name)
	}
}

func TestRulesWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(testRulesV1), 0o644); err != nil {
		t.Fatalf("writing rules file: %v", err)
	}

	applied := make(chan *RuleSet, 4)
	watcher, err := NewRulesWatcher(path, func(rules *RuleSet) error {
		applied <- rules
		return nil
	})
	if err != nil {
		t.Fatalf("NewRulesWatcher returned error: %v", err)
	}
	if err := watcher.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer watcher.Stop()

	// Drain the initial load.
	waitForRules(t, applied, 2*time.Second)

	if err := os.WriteFile(path, []byte(testRulesV2), 0o644); err != nil {
		t.Fatalf("rewriting rules file: %v", err)
	}

	rules := waitForRules(t, applied, 5*time.Second)
	if rules.Criteria[0].Name != "custom_two" {
		t.Errorf("reload applied %q, want custom_two", rules.Criteria[0].Name)
	}
	if rules.Threshold != 4 {
		t.Errorf("reload threshold = %d, want 4", rules.Threshold)
	}
}

func TestRulesWatcherCreateAfterStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	applied := make(chan *RuleSet, 4)
	watcher, err := NewRulesWatcher(path, func(rules *RuleSet) error {
		applied <- rules
		return nil
	})
	if err != nil {
		t.Fatalf("NewRulesWatcher returned error: %v", err)
	}
	if err := watcher.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer watcher.Stop()

	// No file yet, so no initial apply.
	select {
	case <-applied:
		t.Fatal("apply fired before the file existed")
	case <-time.After(200 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte(testRulesV1), 0o644); err != nil {
		t.Fatalf("creating rules file: %v", err)
	}

	rules := waitForRules(t, applied, 5*time.Second)
	if rules.Criteria[0].Name != "custom_one" {
		t.Errorf("applied %q, want custom_one", rules.Criteria[0].Name)
	}
}

func TestRulesWatcherRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(testRulesV1), 0o644); err != nil {
		t.Fatalf("writing rules file: %v", err)
	}

	applied := make(chan *RuleSet, 4)
	watcher, err := NewRulesWatcher(path, func(rules *RuleSet) error {
		applied <- rules
		return nil
	})
	if err != nil {
		t.Fatalf("NewRulesWatcher returned error: %v", err)
	}
	if err := watcher.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer watcher.Stop()

	waitForRules(t, applied, 2*time.Second)

	// An invalid override never reaches the apply callback, at any
	// debounce timing.
	if err := os.WriteFile(path, []byte("criteria: [busted"), 0o644); err != nil {
		t.Fatalf("rewriting rules file: %v", err)
	}

	select {
	case rules := <-applied:
		t.Fatalf("invalid rules were applied: %+v", rules)
	case <-time.After(1200 * time.Millisecond):
	}
}

func TestRulesWatcherStartIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(testRulesV1), 0o644); err != nil {
		t.Fatalf("writing rules file: %v", err)
	}

	applied := make(chan *RuleSet, 4)
	watcher, err := NewRulesWatcher(path, func(rules *RuleSet) error {
		applied <- rules
		return nil
	})
	if err != nil {
		t.Fatalf("NewRulesWatcher returned error: %v", err)
	}
	if err := watcher.Start(context.Background()); err != nil {
		t.Fatalf("first Start returned error: %v", err)
	}
	defer watcher.Stop()

	if err := watcher.Start(context.Background()); err != nil {
		t.Fatalf("second Start returned error: %v", err)
	}

	waitForRules(t, applied, 2*time.Second)
	select {
	case <-applied:
		t.Fatal("second Start triggered a duplicate initial load")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRulesWatcherStopTwice(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	watcher, err := NewRulesWatcher(path, func(*RuleSet) error { return nil })
	if err != nil {
		t.Fatalf("NewRulesWatcher returned error: %v", err)
	}
	if err := watcher.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	watcher.Stop()
	watcher.Stop() // must not panic or deadlock
}
