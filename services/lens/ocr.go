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
	"context"
	"fmt"
	"strings"
)

// HiddenTextAlert flags suspicious text recovered from an image.
type HiddenTextAlert struct {
	// Text is the extracted content, truncated for reporting.
	Text string `json:"text"`

	// Reason explains why the text is considered suspicious.
	Reason string `json:"reason"`

	// Confidence is a heuristic score in [0,1].
	Confidence float64 `json:"confidence"`
}

// ImageScanner extracts and screens text hidden inside image payloads.
//
// Description:
//
//	The OCR engine itself is an external collaborator; the pipeline only
//	consumes this interface. Implementations must degrade gracefully:
//	Available reports whether the engine can run, and Scan returns an empty
//	slice rather than an error when extraction fails.
//
// Thread Safety: Implementations must be safe for concurrent use.
type ImageScanner interface {
	// Available reports whether the scanner's backing engine is usable.
	Available() bool

	// Scan extracts text from raw image bytes and returns alerts for any
	// suspicious content found.
	Scan(ctx context.Context, image []byte) []HiddenTextAlert
}

// =============================================================================
// Keyword Screen
// =============================================================================

// injectionKeywords are instruction-injection phrases searched for in
// OCR-extracted text. Lowercase; matched case-insensitively.
var injectionKeywords = []string{
	"ignore previous",
	"ignore all previous",
	"disregard",
	"system prompt",
	"you are now",
	"new instructions",
	"override",
	"forget everything",
	"act as",
	"pretend to be",
	"jailbreak",
	"do anything now",
}

// codeKeywords are code-execution and exfiltration markers.
var codeKeywords = []string{
	"eval(", "exec(", "import ", "__import__",
	"subprocess", "os.system", "fetch(",
}

// alertPreviewLen bounds how much extracted text an alert carries.
const alertPreviewLen = 200

// KeywordScreen analyzes pre-extracted image text for suspicious patterns.
//
// Description:
//
//	The text-analysis half of OCR scanning: an external engine extracts the
//	text, this screen decides whether it looks like a smuggled instruction
//	or code payload. Extractions shorter than the minimum length are treated
//	as OCR noise and ignored.
//
// Thread Safety: Safe for concurrent use.
type KeywordScreen struct {
	minTextLength int
}

// NewKeywordScreen creates a screen. Extractions shorter than minTextLength
// runes are ignored; pass 0 for the default of 5.
func NewKeywordScreen(minTextLength int) *KeywordScreen {
	if minTextLength <= 0 {
		minTextLength = 5
	}
	return &KeywordScreen{minTextLength: minTextLength}
}

// CheckText returns alerts for every suspicious pattern found in text.
func (k *KeywordScreen) CheckText(text string) []HiddenTextAlert {
	if len(text) < k.minTextLength {
		return nil
	}

	lower := strings.ToLower(text)
	preview := text
	if len(preview) > alertPreviewLen {
		preview = preview[:alertPreviewLen]
	}

	var alerts []HiddenTextAlert
	for _, kw := range injectionKeywords {
		if strings.Contains(lower, kw) {
			alerts = append(alerts, HiddenTextAlert{
				Text:       preview,
				Reason:     fmt.Sprintf("Injection keyword detected: '%s'", kw),
				Confidence: 0.8,
			})
		}
	}
	for _, kw := range codeKeywords {
		if strings.Contains(lower, kw) {
			alerts = append(alerts, HiddenTextAlert{
				Text:       preview,
				Reason:     fmt.Sprintf("Code execution pattern: '%s'", kw),
				Confidence: 0.7,
			})
		}
	}
	return alerts
}
