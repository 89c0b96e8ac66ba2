// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lens

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// Character Tables
// =============================================================================

// invisibleRunes is the fixed set of zero-width, bidi-control, and formatting
// code points that attackers use to hide instructions inside visible text.
// Read-only after init; safe for concurrent use.
var invisibleRunes = map[rune]struct{}{
	'​': {}, // zero-width space
	'‌': {}, // zero-width non-joiner
	'‍': {}, // zero-width joiner
	'\uFEFF': {}, // zero-width no-break space (BOM)
	'­': {}, // soft hyphen
	'‎': {}, // left-to-right mark
	'‏': {}, // right-to-left mark
	'‪': {}, // left-to-right embedding
	'‫': {}, // right-to-left embedding
	'‬': {}, // pop directional formatting
	'‭': {}, // left-to-right override
	'‮': {}, // right-to-left override
	'⁠': {}, // word joiner
	'⁡': {}, // function application
	'⁢': {}, // invisible times
	'⁣': {}, // invisible separator
	'⁤': {}, // invisible plus
	'⁦': {}, // left-to-right isolate
	'⁧': {}, // right-to-left isolate
	'⁨': {}, // first strong isolate
	'⁩': {}, // pop directional isolate
	'᠎': {}, // Mongolian vowel separator
}

// homoglyphTable maps confusable non-Latin characters to their ASCII
// look-alikes. Covers the Cyrillic and Greek letters most commonly used to
// spoof English keywords, plus exotic Unicode spaces folded to U+0020.
// Read-only after init; safe for concurrent use.
var homoglyphTable = map[rune]rune{
	// Cyrillic uppercase
	'А': 'A', // А
	'В': 'B', // В
	'С': 'C', // С
	'Е': 'E', // Е
	'Н': 'H', // Н
	'К': 'K', // К
	'М': 'M', // М
	'О': 'O', // О
	'Р': 'P', // Р
	'Т': 'T', // Т
	'Х': 'X', // Х
	// Cyrillic lowercase
	'а': 'a', // а
	'е': 'e', // е
	'о': 'o', // о
	'р': 'p', // р
	'с': 'c', // с
	'х': 'x', // х
	'у': 'y', // у
	'і': 'i', // і
	// Greek uppercase
	'Α': 'A', // Α
	'Β': 'B', // Β
	'Ε': 'E', // Ε
	'Ζ': 'Z', // Ζ
	'Η': 'H', // Η
	'Ι': 'I', // Ι
	'Κ': 'K', // Κ
	'Μ': 'M', // Μ
	'Ν': 'N', // Ν
	'Ο': 'O', // Ο
	'Ρ': 'P', // Ρ
	'Τ': 'T', // Τ
	'Υ': 'Y', // Υ
	'Χ': 'X', // Χ
	// Greek lowercase
	'ο': 'o', // ο
	// Exotic spaces
	' ': ' ', // no-break space
	' ': ' ', // en quad
	' ': ' ', // em quad
	' ': ' ', // en space
	' ': ' ', // em space
	' ': ' ', // three-per-em space
	' ': ' ', // four-per-em space
	' ': ' ', // six-per-em space
	' ': ' ', // figure space
	' ': ' ', // punctuation space
	' ': ' ', // thin space
	' ': ' ', // hair space
	' ': ' ', // medium mathematical space
	'　': ' ', // ideographic space
}

// =============================================================================
// Normalizer
// =============================================================================

// Normalizer folds adversarial Unicode back into plain ASCII-safe text.
//
// Description:
//
//	Applies NFKC composition, strips invisible/bidi-control characters, and
//	flattens known homoglyphs to their ASCII equivalents. Each stage is
//	individually idempotent, so Normalize(Normalize(x)) == Normalize(x).
//
// Thread Safety: Safe for concurrent use. All state is read-only after
// construction.
type Normalizer struct {
	stripInvisible    bool
	flattenHomoglyphs bool
}

// NewNormalizer creates a normalizer.
//
// Inputs:
//   - stripInvisible: Remove zero-width and bidi-control characters.
//   - flattenHomoglyphs: Replace confusable Cyrillic/Greek characters and
//     exotic spaces with ASCII equivalents.
func NewNormalizer(stripInvisible, flattenHomoglyphs bool) *Normalizer {
	return &Normalizer{
		stripInvisible:    stripInvisible,
		flattenHomoglyphs: flattenHomoglyphs,
	}
}

// Normalize returns the sanitized form of text.
//
// Order matters: NFKC first (it may compose characters the later stages need
// to see), then invisible removal, then homoglyph folding.
func (n *Normalizer) Normalize(text string) string {
	if text == "" {
		return text
	}

	result := norm.NFKC.String(text)

	if n.stripInvisible || n.flattenHomoglyphs {
		var b strings.Builder
		b.Grow(len(result))
		for _, r := range result {
			if n.stripInvisible {
				if _, invisible := invisibleRunes[r]; invisible {
					continue
				}
			}
			if n.flattenHomoglyphs {
				if ascii, ok := homoglyphTable[r]; ok {
					b.WriteRune(ascii)
					continue
				}
			}
			b.WriteRune(r)
		}
		result = b.String()
	}

	return result
}

// DetectSuspicious counts invisible characters and homoglyphs in text
// without mutating it. Used for reporting before normalization runs.
func (n *Normalizer) DetectSuspicious(text string) (invisible, homoglyphs int) {
	for _, r := range text {
		if _, ok := invisibleRunes[r]; ok {
			invisible++
			continue
		}
		if _, ok := homoglyphTable[r]; ok {
			homoglyphs++
		}
	}
	return invisible, homoglyphs
}
