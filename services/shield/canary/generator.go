// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package canary creates, plants, and hunts canary tokens.
//
// A canary is a high-entropy secret slipped into the system prompt with
// instructions never to reveal it. If the token surfaces in a response, in
// any encoding, the system prompt leaked and the response must be blocked.
package canary

import (
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// DefaultPrefix makes canaries easy to spot in logs and searches.
const DefaultPrefix = "AEGIS-CANARY"

// Generator mints canary tokens of the form "{prefix}-{uuid4}".
//
// Thread Safety: Safe for concurrent use.
type Generator struct {
	prefix string
}

// NewGenerator creates a generator. An empty prefix selects DefaultPrefix.
func NewGenerator(prefix string) *Generator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Generator{prefix: prefix}
}

// Generate returns a new high-entropy canary token.
func (g *Generator) Generate() string {
	token := g.prefix + "-" + uuid.NewString()
	slog.Info("Generated canary", slog.String("token_prefix", token[:min(len(token), 30)]))
	return token
}

// ValidateFormat reports whether s looks like a token this generator
// produced: the configured prefix followed by a well-formed UUID.
func (g *Generator) ValidateFormat(s string) bool {
	if !strings.HasPrefix(s, g.prefix+"-") {
		return false
	}
	_, err := uuid.Parse(s[len(g.prefix)+1:])
	return err == nil
}

// Prefix returns the configured canary prefix.
func (g *Generator) Prefix() string {
	return g.prefix
}
