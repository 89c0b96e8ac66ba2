// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pii implements detection, synthesis, and reversible substitution
// of personally identifiable information.
//
// Structured PII (emails, phone numbers, SSNs, card numbers, IPs, dates) is
// found with a compiled regex bank; unstructured PII (names, organizations,
// locations) comes from an optional named-entity collaborator. The swapper
// replaces every detection with a kind-matched synthetic value and keeps a
// bidirectional map so the original values can be restored on the way back.
package pii

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// Kind identifies a category of personally identifiable information.
type Kind string

// Detector kinds. NAME and ADDRESS are generator-only aliases used by
// callers that already know what they hold.
const (
	KindEmail       Kind = "EMAIL"
	KindPhone       Kind = "PHONE"
	KindSSN         Kind = "SSN"
	KindCreditCard  Kind = "CREDIT_CARD"
	KindIPAddress   Kind = "IP_ADDRESS"
	KindDateOfBirth Kind = "DATE_OF_BIRTH"
	KindName        Kind = "NAME"
	KindAddress     Kind = "ADDRESS"
	KindPerson      Kind = "PERSON"
	KindOrg         Kind = "ORG"
	KindGPE         Kind = "GPE"
)

// Match is a single PII detection over the original text.
//
// Start and End are byte offsets into the scanned string with
// 0 <= Start < End <= len(text). Results returned by Detect never overlap.
type Match struct {
	Kind  Kind
	Value string
	Start int
	End   int
}

// EntityRecognizer yields unstructured PII spans (PERSON, ORG, GPE).
//
// Description:
//
//	Collaborator interface for named-entity recognition. Implementations
//	must return byte-offset spans into the given text and must not fail:
//	when the backing model is unusable, return nil.
//
// Thread Safety: Implementations must be safe for concurrent use.
type EntityRecognizer interface {
	Recognize(text string) []Match
}

// nerKinds are the recognizer labels the detector accepts.
var nerKinds = map[Kind]struct{}{
	KindPerson: {},
	KindOrg:    {},
	KindGPE:    {},
}

// =============================================================================
// Pattern Bank
// =============================================================================

// piiPattern pairs a kind with its compiled expression. digitBounded marks
// patterns whose matches must additionally not touch adjacent digits; RE2
// has no lookarounds, so that check runs after matching.
type piiPattern struct {
	kind         Kind
	re           *regexp.Regexp
	digitBounded bool
}

// defaultPatterns is the built-in bank. Compiled once; read-only afterwards.
var defaultPatterns = []piiPattern{
	{
		kind: KindEmail,
		re:   regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	},
	{
		// Optional +1 country code, optional parenthesized area code,
		// 3-3-4 digits with dot/dash/space separators. Must not be part of
		// a longer digit run.
		kind:         KindPhone,
		re:           regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`),
		digitBounded: true,
	},
	{
		kind: KindSSN,
		re:   regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		// Visa, Mastercard, Amex, Discover with optional dash/space
		// separators between groups.
		kind: KindCreditCard,
		re: regexp.MustCompile(`\b(?:` +
			`4\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}` +
			`|5[1-5]\d{2}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}` +
			`|3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}` +
			`|6(?:011|5\d{2})[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}` +
			`)\b`),
	},
	{
		kind: KindIPAddress,
		re:   regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\.){3}(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\b`),
	},
	{
		kind: KindDateOfBirth,
		re:   regexp.MustCompile(`\b(?:\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|\d{4}[/-]\d{1,2}[/-]\d{1,2})\b`),
	},
}

// =============================================================================
// Detector
// =============================================================================

// Detector scans text for PII spans.
//
// Description:
//
//	Runs the regex bank plus, when configured, the entity recognizer.
//	Overlapping detections are deduplicated keeping the longest span (ties
//	keep the first seen); scan results are sorted by start offset.
//
// Thread Safety: Safe for concurrent use. The pattern bank is read-only
// after construction.
type Detector struct {
	patterns   []piiPattern
	recognizer EntityRecognizer
	enabled    map[Kind]struct{}
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithEnabledKinds restricts detection to the given kinds. The default is
// every built-in kind plus all recognizer labels.
func WithEnabledKinds(kinds ...Kind) DetectorOption {
	return func(d *Detector) {
		d.enabled = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			d.enabled[k] = struct{}{}
		}
	}
}

// WithExtraPattern appends a caller-supplied pattern to the bank.
func WithExtraPattern(kind Kind, re *regexp.Regexp) DetectorOption {
	return func(d *Detector) {
		d.patterns = append(d.patterns, piiPattern{kind: kind, re: re})
	}
}

// WithRecognizer attaches a named-entity collaborator for PERSON/ORG/GPE
// spans. Pass nil to disable.
func WithRecognizer(r EntityRecognizer) DetectorOption {
	return func(d *Detector) {
		d.recognizer = r
	}
}

// NewDetector creates a detector with the built-in pattern bank.
func NewDetector(opts ...DetectorOption) *Detector {
	d := &Detector{
		patterns: append([]piiPattern(nil), defaultPatterns...),
	}
	for _, opt := range opts {
		opt(d)
	}

	active := make([]string, 0, len(d.patterns))
	for _, p := range d.patterns {
		if d.kindEnabled(p.kind) {
			active = append(active, string(p.kind))
		}
	}
	slog.Debug("PII detector initialized",
		slog.Int("patterns", len(active)),
		slog.String("kinds", strings.Join(active, ",")),
		slog.Bool("ner", d.recognizer != nil))
	return d
}

// Detect scans text and returns non-overlapping PII matches sorted by
// start offset. Empty input yields nil.
func (d *Detector) Detect(text string) []Match {
	if text == "" {
		return nil
	}

	var raw []Match

	for _, p := range d.patterns {
		if !d.kindEnabled(p.kind) {
			continue
		}
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			if p.digitBounded && !digitBounded(text, loc[0], loc[1]) {
				continue
			}
			raw = append(raw, Match{
				Kind:  p.kind,
				Value: text[loc[0]:loc[1]],
				Start: loc[0],
				End:   loc[1],
			})
		}
	}

	if d.recognizer != nil {
		for _, m := range d.recognizer.Recognize(text) {
			if _, ok := nerKinds[m.Kind]; !ok {
				continue
			}
			if !d.kindEnabled(m.Kind) {
				continue
			}
			// Single-character spans are recognizer noise.
			if len(strings.TrimSpace(m.Value)) < 2 {
				continue
			}
			raw = append(raw, m)
		}
	}

	result := deduplicateOverlaps(raw)

	if len(result) > 0 {
		kinds := make([]string, len(result))
		for i, m := range result {
			kinds[i] = string(m.Kind)
		}
		slog.Info("Detected PII entities",
			slog.Int("count", len(result)),
			slog.String("kinds", strings.Join(kinds, ",")))
	}
	return result
}

// PatternCount returns the number of active detection patterns.
func (d *Detector) PatternCount() int {
	count := 0
	for _, p := range d.patterns {
		if d.kindEnabled(p.kind) {
			count++
		}
	}
	return count
}

func (d *Detector) kindEnabled(k Kind) bool {
	if d.enabled == nil {
		return true
	}
	_, ok := d.enabled[k]
	return ok
}

// digitBounded reports whether the match at [start,end) is neither preceded
// nor followed by an ASCII digit.
func digitBounded(text string, start, end int) bool {
	if start > 0 && text[start-1] >= '0' && text[start-1] <= '9' {
		return false
	}
	if end < len(text) && text[end] >= '0' && text[end] <= '9' {
		return false
	}
	return true
}

// deduplicateOverlaps removes overlapping matches keeping the longest span;
// on equal length the first seen wins. The result is sorted by start.
func deduplicateOverlaps(matches []Match) []Match {
	if len(matches) == 0 {
		return nil
	}

	sorted := append([]Match(nil), matches...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return (sorted[i].End - sorted[i].Start) > (sorted[j].End - sorted[j].Start)
	})

	result := sorted[:1]
	for _, current := range sorted[1:] {
		if current.Start < result[len(result)-1].End {
			continue
		}
		result = append(result, current)
	}
	return result
}
