// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pii

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// SwapMap records a session's real<->synthetic substitutions.
//
// Description:
//
//	Bidirectional lookup built during ingress swapping and consumed during
//	egress restoration. EntityTypes remembers each real value's kind so
//	audit output can report what was protected without echoing the value.
//
// Thread Safety: Not safe for concurrent mutation; each request owns its
// map until it is sealed into the vault.
type SwapMap struct {
	RealToSynthetic map[string]string `json:"real_to_synthetic"`
	SyntheticToReal map[string]string `json:"synthetic_to_real"`
	EntityTypes     map[string]string `json:"entity_types"`
}

// NewSwapMap returns an empty swap map.
func NewSwapMap() *SwapMap {
	return &SwapMap{
		RealToSynthetic: make(map[string]string),
		SyntheticToReal: make(map[string]string),
		EntityTypes:     make(map[string]string),
	}
}

// Add records one real->synthetic pair.
func (m *SwapMap) Add(real, synthetic string, kind Kind) {
	m.RealToSynthetic[real] = synthetic
	m.SyntheticToReal[synthetic] = real
	m.EntityTypes[real] = string(kind)
}

// Len returns the number of swapped values.
func (m *SwapMap) Len() int {
	return len(m.RealToSynthetic)
}

// Merge folds other into m. Existing pairs win on conflict so a session's
// first substitution for a value stays stable across messages.
func (m *SwapMap) Merge(other *SwapMap) {
	if other == nil {
		return
	}
	for real, syn := range other.RealToSynthetic {
		if _, exists := m.RealToSynthetic[real]; exists {
			continue
		}
		m.RealToSynthetic[real] = syn
		m.SyntheticToReal[syn] = real
		m.EntityTypes[real] = other.EntityTypes[real]
	}
}

// Synthetic returns the recorded stand-in for real, if any.
func (m *SwapMap) Synthetic(real string) (string, bool) {
	syn, ok := m.RealToSynthetic[real]
	return syn, ok
}

// =============================================================================
// Swapper
// =============================================================================

// Swapper replaces detected PII with synthetic values and restores the
// originals later.
//
// Thread Safety: Safe for concurrent use; per-call state lives on the
// stack and the generator serializes internally.
type Swapper struct {
	gen *Generator
}

// NewSwapper creates a swapper backed by gen.
func NewSwapper(gen *Generator) *Swapper {
	return &Swapper{gen: gen}
}

// Swap replaces every match in text with a synthetic value and returns the
// rewritten text plus the map needed to undo it.
func (s *Swapper) Swap(text string, matches []Match) (string, *SwapMap, error) {
	swapMap := NewSwapMap()
	swapped, err := s.SwapInto(text, matches, swapMap)
	if err != nil {
		return "", nil, err
	}
	return swapped, swapMap, nil
}

// SwapInto is Swap with a caller-owned map: substitutions are recorded in
// swapMap, and a real value already present there reuses its recorded
// synthetic. Sharing one map across a session keeps every occurrence of a
// value consistent no matter which message it appears in.
//
// Matches are applied back-to-front so earlier byte offsets stay valid
// while splicing.
func (s *Swapper) SwapInto(text string, matches []Match, swapMap *SwapMap) (string, error) {
	if len(matches) == 0 {
		return text, nil
	}

	ordered := append([]Match(nil), matches...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Start < ordered[j].Start
	})

	for i := len(ordered) - 1; i >= 0; i-- {
		m := ordered[i]
		if m.Start < 0 || m.End > len(text) || m.Start >= m.End {
			return "", fmt.Errorf("pii: match %q has invalid span [%d,%d) for text length %d",
				m.Kind, m.Start, m.End, len(text))
		}

		synthetic, seen := swapMap.Synthetic(m.Value)
		if !seen {
			generated, err := s.gen.Generate(m.Kind)
			if err != nil {
				return "", fmt.Errorf("pii: swapping %s value: %w", m.Kind, err)
			}
			synthetic = generated
			swapMap.Add(m.Value, synthetic, m.Kind)
		}

		text = text[:m.Start] + synthetic + text[m.End:]
	}

	slog.Debug("Swapped PII values", slog.Int("count", swapMap.Len()))
	return text, nil
}

// Restore replaces synthetic values in text with their originals.
//
// Replacement is plain substring substitution: every occurrence of each
// synthetic is rewritten. Synthetics absent from the text (the model may
// have paraphrased or truncated them) are skipped and counted in a single
// warning.
func (s *Swapper) Restore(text string, swapMap *SwapMap) string {
	if swapMap == nil || len(swapMap.SyntheticToReal) == 0 {
		return text
	}

	// Longest synthetic first so a value that happens to contain another
	// is restored before its substring.
	synthetics := make([]string, 0, len(swapMap.SyntheticToReal))
	for syn := range swapMap.SyntheticToReal {
		synthetics = append(synthetics, syn)
	}
	sort.Slice(synthetics, func(i, j int) bool {
		if len(synthetics[i]) != len(synthetics[j]) {
			return len(synthetics[i]) > len(synthetics[j])
		}
		return synthetics[i] < synthetics[j]
	})

	missed := 0
	for _, syn := range synthetics {
		if !strings.Contains(text, syn) {
			missed++
			continue
		}
		text = strings.ReplaceAll(text, syn, swapMap.SyntheticToReal[syn])
	}

	if missed > 0 {
		slog.Warn("Could not restore synthetic values (LLM may have modified them)",
			slog.Int("missed", missed))
	}
	return text
}
