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
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// =============================================================================
// Patterns
// =============================================================================

// Pre-compiled once; read-only afterwards.
var (
	// htmlHintRE is a cheap predicate deciding whether a full HTML parse is
	// worth running. Matches an opening tag or a comment opener. Markdown
	// fences and prose comparisons like "a < b" do not trigger it.
	htmlHintRE = regexp.MustCompile(`<\s*\w+[\s>]|<!--`)

	// eventHandlerRE matches inline DOM event handlers (onclick="...", etc.).
	eventHandlerRE = regexp.MustCompile(`(?i)\bon\w+\s*=\s*["'][^"']*["']`)

	// dataURIRE matches base64 data URIs, a common smuggling channel for
	// encoded payloads.
	dataURIRE = regexp.MustCompile(`(?i)data:\s*\w+/\w+\s*;?\s*base64\s*,\s*[A-Za-z0-9+/=]+`)

	scriptTagRE   = regexp.MustCompile(`(?i)<\s*script`)
	styleTagRE    = regexp.MustCompile(`(?i)<\s*style`)
	htmlCommentRE = regexp.MustCompile(`<!--`)
)

// dataURIPlaceholder replaces removed data URIs so downstream consumers can
// see that something was stripped.
const dataURIPlaceholder = "[DATA_URI_REMOVED]"

// =============================================================================
// Flattener
// =============================================================================

// FlattenerConfig controls which executable constructs the flattener removes.
type FlattenerConfig struct {
	// StripScripts removes <script> elements and their contents.
	StripScripts bool

	// StripStyles removes <style> elements and their contents.
	StripStyles bool

	// StripComments removes HTML comments.
	StripComments bool
}

// DefaultFlattenerConfig returns the config with all stripping enabled.
func DefaultFlattenerConfig() FlattenerConfig {
	return FlattenerConfig{
		StripScripts:  true,
		StripStyles:   true,
		StripComments: true,
	}
}

// CodeStats reports how many executable constructs were observed in a text.
type CodeStats struct {
	ScriptTags    int
	StyleTags     int
	HTMLComments  int
	EventHandlers int
	DataURIs      int
}

// Total returns the sum of all construct counts.
func (s CodeStats) Total() int {
	return s.ScriptTags + s.StyleTags + s.HTMLComments + s.EventHandlers + s.DataURIs
}

// Flattener neutralizes executable markup embedded in user text.
//
// Description:
//
//	HTML-looking input is parsed forgivingly; script/style elements and
//	comments are dropped and the remaining text re-extracted. Independent of
//	parsing, inline event handlers are removed and base64 data URIs replaced
//	with a placeholder. Non-HTML prose passes through untouched apart from
//	those two regex passes.
//
// Thread Safety: Safe for concurrent use. All state is read-only after
// construction.
type Flattener struct {
	cfg FlattenerConfig
}

// NewFlattener creates a flattener with the given config.
func NewFlattener(cfg FlattenerConfig) *Flattener {
	return &Flattener{cfg: cfg}
}

// Flatten returns text with executable constructs neutralized.
func (f *Flattener) Flatten(text string) string {
	if text == "" {
		return text
	}

	result := text
	if htmlHintRE.MatchString(result) {
		result = f.stripHTML(result)
	}
	result = eventHandlerRE.ReplaceAllString(result, "")
	result = dataURIRE.ReplaceAllString(result, dataURIPlaceholder)
	return strings.TrimSpace(result)
}

// DetectCode counts executable constructs in text without mutating it.
func (f *Flattener) DetectCode(text string) CodeStats {
	return CodeStats{
		ScriptTags:    len(scriptTagRE.FindAllString(text, -1)),
		StyleTags:     len(styleTagRE.FindAllString(text, -1)),
		HTMLComments:  len(htmlCommentRE.FindAllString(text, -1)),
		EventHandlers: len(eventHandlerRE.FindAllString(text, -1)),
		DataURIs:      len(dataURIRE.FindAllString(text, -1)),
	}
}

// stripHTML parses text as forgiving HTML, drops the configured node kinds,
// and returns the visible text with whitespace collapsed to single spaces.
// On parse failure the input is returned unchanged; the regex passes in
// Flatten still run.
func (f *Flattener) stripHTML(text string) string {
	doc, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return text
	}

	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if f.cfg.StripScripts && n.Data == "script" {
				return
			}
			if f.cfg.StripStyles && n.Data == "style" {
				return
			}
		case html.CommentNode:
			if f.cfg.StripComments {
				return
			}
		case html.TextNode:
			if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}
