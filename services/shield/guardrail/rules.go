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
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Default Moderation Rules
// =============================================================================

//go:embed moderation_rules.yaml
var defaultModerationRulesYAML []byte

// maxRulesFileSize bounds override files to keep a runaway or hostile
// file from exhausting memory on reload.
const maxRulesFileSize = 1 << 20

// RuleSet is a parsed moderation rules document.
type RuleSet struct {
	// Threshold overrides the moderator's flag threshold when non-zero.
	Threshold int `yaml:"threshold"`

	// Criteria is the full criteria set. Overrides replace the built-ins
	// entirely rather than merging.
	Criteria []Criterion `yaml:"criteria"`
}

var (
	builtinOnce sync.Once
	builtinSet  *RuleSet
)

// BuiltinCriteria returns the embedded default moderation criteria.
//
// Description:
//
//	Parses the embedded YAML on first call. The embedded asset ships
//	with the binary, so a parse failure is a build defect and panics.
func BuiltinCriteria() []Criterion {
	builtinOnce.Do(func() {
		rules, err := LoadRules(defaultModerationRulesYAML)
		if err != nil {
			panic("guardrail: embedded moderation rules invalid: " + err.Error())
		}
		builtinSet = rules
	})

	criteria := make([]Criterion, len(builtinSet.Criteria))
	copy(criteria, builtinSet.Criteria)
	return criteria
}

// LoadRules parses and validates a moderation rules document.
//
// Description:
//
//	Validates that every criterion has a name, a severity in [1, 5], and
//	at least one compilable pattern. A zero threshold means "keep the
//	moderator's current threshold".
//
// Inputs:
//
//	data - Raw YAML bytes.
//
// Outputs:
//
//	*RuleSet - The validated rule set.
//	error - Non-nil if parsing or validation fails.
func LoadRules(data []byte) (*RuleSet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("guardrail: empty rules data")
	}
	if len(data) > maxRulesFileSize {
		return nil, fmt.Errorf("guardrail: rules data exceeds maximum size (%d > %d)",
			len(data), maxRulesFileSize)
	}

	var rules RuleSet
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("guardrail: parsing rules YAML: %w", err)
	}

	if rules.Threshold != 0 && (rules.Threshold < 1 || rules.Threshold > 5) {
		return nil, fmt.Errorf("guardrail: threshold must be in [1, 5], got %d", rules.Threshold)
	}
	if len(rules.Criteria) == 0 {
		return nil, fmt.Errorf("guardrail: rules must define at least one criterion")
	}

	for i, criterion := range rules.Criteria {
		if criterion.Name == "" {
			return nil, fmt.Errorf("guardrail: criterion[%d]: name must not be empty", i)
		}
		if criterion.Severity < 1 || criterion.Severity > 5 {
			return nil, fmt.Errorf("guardrail: criterion[%d] (%s): severity must be in [1, 5], got %d",
				i, criterion.Name, criterion.Severity)
		}
		if len(criterion.Patterns) == 0 {
			return nil, fmt.Errorf("guardrail: criterion[%d] (%s): patterns must not be empty",
				i, criterion.Name)
		}
		for _, p := range criterion.Patterns {
			if _, err := regexp.Compile("(?i)" + p); err != nil {
				return nil, fmt.Errorf("guardrail: criterion[%d] (%s): invalid pattern %q: %w",
					i, criterion.Name, p, err)
			}
		}
	}

	return &rules, nil
}

// =============================================================================
// Rules Hot Reload
// =============================================================================

// RulesWatcher hot-reloads a moderation rules override file.
//
// Description:
//
//	Watches the override file's directory (watching the directory
//	instead of the file survives editors that replace on save) and
//	applies the file through the supplied callback after a debounce
//	window. A file that fails to parse or apply is rejected with a
//	warning and the previous rule set stays active.
//
// Thread Safety: Safe for concurrent use.
type RulesWatcher struct {
	mu      sync.Mutex
	running bool

	path    string
	apply   func(*RuleSet) error
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}

	pending   bool
	lastEvent time.Time
	debounce  time.Duration
}

// NewRulesWatcher builds a watcher for a moderation rules override file.
//
// Inputs:
//
//	path - Override file path. Must not be empty.
//	apply - Callback receiving each validated rule set, typically
//	(*Moderator).Apply.
//
// Outputs:
//
//	*RulesWatcher - The watcher, not yet started.
//	error - Non-nil if the filesystem watcher could not be created.
func NewRulesWatcher(path string, apply func(*RuleSet) error) (*RulesWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("guardrail: rules watcher path must not be empty")
	}
	if apply == nil {
		return nil, fmt.Errorf("guardrail: rules watcher apply must not be nil")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("guardrail: resolving rules path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("guardrail: creating rules watcher: %w", err)
	}

	return &RulesWatcher{
		path:     abs,
		apply:    apply,
		watcher:  watcher,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		debounce: 500 * time.Millisecond,
	}, nil
}

// Start loads the override file once if it exists, then begins watching.
// Non-blocking; the watch loop runs in a goroutine until Stop or context
// cancellation.
func (w *RulesWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("guardrail: watching rules directory: %w", err)
	}

	if _, err := os.Stat(w.path); err == nil {
		w.reload()
	}

	go w.run(ctx)
	return nil
}

// Stop halts the watch loop and releases the filesystem watcher.
func (w *RulesWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		slog.Warn("Closing rules watcher", "error", err)
	}
}

// run is the watch loop. A ticker drives debounced reloads so rapid
// editor saves collapse into one reload.
func (w *RulesWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = true
			w.lastEvent = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Rules watcher error", "error", err)

		case <-ticker.C:
			w.mu.Lock()
			due := w.pending && time.Since(w.lastEvent) >= w.debounce
			if due {
				w.pending = false
			}
			w.mu.Unlock()
			if due {
				w.reload()
			}
		}
	}
}

// reload reads and applies the override file. Failures keep the previous
// rule set active.
func (w *RulesWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("Reading moderation rules override failed",
			"path", w.path,
			"error", err,
		)
		return
	}

	rules, err := LoadRules(data)
	if err != nil {
		slog.Warn("Moderation rules override rejected",
			"path", w.path,
			"error", err,
		)
		return
	}

	if err := w.apply(rules); err != nil {
		slog.Warn("Applying moderation rules override failed",
			"path", w.path,
			"error", err,
		)
		return
	}

	slog.Info("Moderation rules reloaded",
		"path", w.path,
		"criteria", len(rules.Criteria),
		"threshold", rules.Threshold,
	)
}
