// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lens implements visual-channel input sanitization.
//
// The Lens hardens user content before it reaches any model: Unicode
// normalization defeats homoglyph and invisible-character smuggling, code
// flattening neutralizes executable markup, and an optional OCR collaborator
// screens attached images for hidden instructions.
//
// The pipeline is stateless and idempotent; running it twice yields the
// same output as running it once.
package lens

import (
	"context"
	"log/slog"
)

// Stat keys reported by the pipeline.
const (
	StatInvisibleChars = "invisible_chars_found"
	StatHomoglyphs     = "homoglyphs_found"
	StatCodeConstructs = "code_constructs_found"
	StatOCRAlerts      = "ocr_alerts"
)

// Result carries the sanitized text plus measurement stats for reporting.
type Result struct {
	// SanitizedText is the content after normalization and flattening.
	SanitizedText string

	// OCRAlerts holds hidden-text findings from the image scanner, if any.
	// Alerts never alter the text.
	OCRAlerts []HiddenTextAlert

	// Stats maps the Stat* keys to observed counts.
	Stats map[string]int
}

// Pipeline composes the normalizer, flattener, and optional image scanner.
//
// Thread Safety: Safe for concurrent use after construction.
type Pipeline struct {
	normalizer *Normalizer
	flattener  *Flattener
	scanner    ImageScanner
	enableOCR  bool
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *Normalizer) PipelineOption {
	return func(p *Pipeline) { p.normalizer = n }
}

// WithFlattener replaces the default flattener.
func WithFlattener(f *Flattener) PipelineOption {
	return func(p *Pipeline) { p.flattener = f }
}

// WithImageScanner attaches an OCR collaborator and enables image scanning.
func WithImageScanner(s ImageScanner) PipelineOption {
	return func(p *Pipeline) {
		p.scanner = s
		p.enableOCR = s != nil
	}
}

// NewPipeline creates a pipeline with default components unless overridden.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		normalizer: NewNormalizer(true, true),
		flattener:  NewFlattener(DefaultFlattenerConfig()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process sanitizes one user content blob.
//
// Description:
//
//	Measures suspicious characters, normalizes Unicode, measures code
//	constructs, flattens code, and optionally scans an attached image.
//	Measurement happens before the corresponding transformation so the
//	stats reflect what was actually found and removed.
//
// Inputs:
//
//	ctx - Context governing the optional image scan.
//	text - Raw user content.
//	image - Optional attached image bytes; nil skips OCR.
//
// Outputs:
//
//	Result - Sanitized text, OCR alerts, and stats.
func (p *Pipeline) Process(ctx context.Context, text string, image []byte) Result {
	stats := make(map[string]int, 4)

	invisible, homoglyphs := p.normalizer.DetectSuspicious(text)
	stats[StatInvisibleChars] = invisible
	stats[StatHomoglyphs] = homoglyphs

	sanitized := p.normalizer.Normalize(text)

	code := p.flattener.DetectCode(sanitized)
	stats[StatCodeConstructs] = code.Total()

	sanitized = p.flattener.Flatten(sanitized)

	var alerts []HiddenTextAlert
	if len(image) > 0 && p.enableOCR && p.scanner != nil && p.scanner.Available() {
		alerts = p.scanner.Scan(ctx, image)
		if len(alerts) > 0 {
			slog.Warn("Hidden text detected in attached image",
				slog.Int("alerts", len(alerts)))
		}
	}
	stats[StatOCRAlerts] = len(alerts)

	return Result{
		SanitizedText: sanitized,
		OCRAlerts:     alerts,
		Stats:         stats,
	}
}
