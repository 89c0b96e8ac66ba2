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
	"testing"
)

func TestFlattenRemovesScriptContent(t *testing.T) {
	f := NewFlattener(DefaultFlattenerConfig())

	got := f.Flatten(`Hello <script>alert("x")</script> world`)
	if strings.Contains(got, "alert") {
		t.Errorf("script content survived flattening: %q", got)
	}
	if !strings.Contains(got, "Hello") || !strings.Contains(got, "world") {
		t.Errorf("surrounding prose lost: %q", got)
	}
}

func TestFlattenRemovesStyleAndComments(t *testing.T) {
	f := NewFlattener(DefaultFlattenerConfig())

	got := f.Flatten(`<div>keep <style>body{color:red}</style><!-- hidden instruction --> this</div>`)
	if strings.Contains(got, "color:red") {
		t.Errorf("style content survived: %q", got)
	}
	if strings.Contains(got, "hidden instruction") {
		t.Errorf("comment content survived: %q", got)
	}
	if !strings.Contains(got, "keep") || !strings.Contains(got, "this") {
		t.Errorf("visible text lost: %q", got)
	}
}

func TestFlattenRemovesEventHandlers(t *testing.T) {
	f := NewFlattener(DefaultFlattenerConfig())

	// No HTML hint: regex pass only, prose otherwise untouched.
	got := f.Flatten(`click onclick="steal()" here`)
	if strings.Contains(got, "steal") {
		t.Errorf("event handler survived: %q", got)
	}
	if !strings.Contains(got, "click") || !strings.Contains(got, "here") {
		t.Errorf("prose lost: %q", got)
	}
}

func TestFlattenReplacesDataURIs(t *testing.T) {
	f := NewFlattener(DefaultFlattenerConfig())

	got := f.Flatten("see data:image/png;base64,aGVsbG8= attached")
	if !strings.Contains(got, dataURIPlaceholder) {
		t.Errorf("data URI not replaced: %q", got)
	}
	if strings.Contains(got, "aGVsbG8=") {
		t.Errorf("base64 payload survived: %q", got)
	}
}

func TestFlattenLeavesProseAlone(t *testing.T) {
	f := NewFlattener(DefaultFlattenerConfig())

	cases := []string{
		"just plain text",
		"math like 3 < 5 and 7 > 2",
		"markdown ```code fence``` stays",
	}
	for _, in := range cases {
		if got := f.Flatten(in); got != in {
			t.Errorf("Flatten(%q) = %q, want unchanged", in, got)
		}
	}
}

func TestFlattenCollapsesWhitespaceAfterParse(t *testing.T) {
	f := NewFlattener(DefaultFlattenerConfig())

	got := f.Flatten("<p>one</p>\n\n<p>two</p>")
	if got != "one two" {
		t.Errorf("Flatten = %q, want %q", got, "one two")
	}
}

func TestFlattenRespectsConfig(t *testing.T) {
	cfg := DefaultFlattenerConfig()
	cfg.StripScripts = false
	f := NewFlattener(cfg)

	got := f.Flatten(`<div>a <script>payload()</script> b</div>`)
	if !strings.Contains(got, "payload()") {
		t.Errorf("script text removed despite StripScripts=false: %q", got)
	}
}

func TestDetectCodeCounts(t *testing.T) {
	f := NewFlattener(DefaultFlattenerConfig())

	input := `<script>a</script><style>b</style><!-- c --> onclick="d()" data:text/html;base64,ZQ==`
	stats := f.DetectCode(input)

	if stats.ScriptTags != 1 {
		t.Errorf("ScriptTags = %d, want 1", stats.ScriptTags)
	}
	if stats.StyleTags != 1 {
		t.Errorf("StyleTags = %d, want 1", stats.StyleTags)
	}
	if stats.HTMLComments != 1 {
		t.Errorf("HTMLComments = %d, want 1", stats.HTMLComments)
	}
	if stats.EventHandlers != 1 {
		t.Errorf("EventHandlers = %d, want 1", stats.EventHandlers)
	}
	if stats.DataURIs != 1 {
		t.Errorf("DataURIs = %d, want 1", stats.DataURIs)
	}
	if stats.Total() != 5 {
		t.Errorf("Total = %d, want 5", stats.Total())
	}
}

func TestDetectCodeCleanText(t *testing.T) {
	f := NewFlattener(DefaultFlattenerConfig())
	if total := f.DetectCode("nothing executable here").Total(); total != 0 {
		t.Errorf("Total = %d, want 0", total)
	}
}
