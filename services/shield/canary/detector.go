// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package canary

import (
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"strings"
)

// Detection methods, in probe order.
const (
	MethodPlaintext = "plaintext"
	MethodBase64    = "base64"
	MethodHex       = "hex"
	MethodReversed  = "reversed"
	MethodROT13     = "rot13"
	MethodPartial   = "partial"
)

// partialLen is the canary prefix length probed for truncated leaks.
const partialLen = 16

// CheckResult reports the outcome of a canary leak probe.
type CheckResult struct {
	Leaked bool
	// Method names how the canary was found ("plaintext", "base64", ...).
	Method string
	// Fragment is the matched representation, for audit logging only.
	Fragment string
}

// Detector hunts for canary tokens in LLM responses.
//
// Description:
//
//	Probes the response for the canary in several representations to catch
//	encoding-based exfiltration: plaintext, base64, hex, reversed, and
//	ROT13, plus an optional prefix probe for truncated leaks. Comparison is
//	case-insensitive; the first hit wins.
//
// Thread Safety: Safe for concurrent use.
type Detector struct {
	checkPartial bool
}

// NewDetector creates a detector. checkPartial enables the truncated-leak
// probe on the first 16 characters of the canary.
func NewDetector(checkPartial bool) *Detector {
	return &Detector{checkPartial: checkPartial}
}

// Check probes responseText for canary in every representation.
func (d *Detector) Check(responseText, canary string) CheckResult {
	if responseText == "" || canary == "" {
		return CheckResult{}
	}

	response := strings.ToLower(responseText)

	if strings.Contains(response, strings.ToLower(canary)) {
		slog.Error("CANARY LEAK DETECTED", slog.String("method", MethodPlaintext))
		return CheckResult{Leaked: true, Method: MethodPlaintext, Fragment: canary}
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(canary))
	if strings.Contains(response, strings.ToLower(encoded)) {
		slog.Error("CANARY LEAK DETECTED", slog.String("method", MethodBase64))
		return CheckResult{Leaked: true, Method: MethodBase64, Fragment: encoded}
	}

	encoded = hex.EncodeToString([]byte(canary))
	if strings.Contains(response, encoded) {
		slog.Error("CANARY LEAK DETECTED", slog.String("method", MethodHex))
		return CheckResult{Leaked: true, Method: MethodHex, Fragment: encoded}
	}

	reversed := reverse(canary)
	if strings.Contains(response, strings.ToLower(reversed)) {
		slog.Error("CANARY LEAK DETECTED", slog.String("method", MethodReversed))
		return CheckResult{Leaked: true, Method: MethodReversed, Fragment: reversed}
	}

	rotated := rot13(canary)
	if strings.Contains(response, strings.ToLower(rotated)) {
		slog.Error("CANARY LEAK DETECTED", slog.String("method", MethodROT13))
		return CheckResult{Leaked: true, Method: MethodROT13, Fragment: rotated}
	}

	if d.checkPartial && len(canary) >= partialLen {
		partial := canary[:partialLen]
		if strings.Contains(response, strings.ToLower(partial)) {
			slog.Warn("Partial canary match detected", slog.Int("prefix_len", partialLen))
			return CheckResult{Leaked: true, Method: MethodPartial, Fragment: partial}
		}
	}

	return CheckResult{}
}

// reverse returns s with its runes in reverse order.
func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

// rot13 rotates ASCII letters by 13 positions, leaving everything else as-is.
func rot13(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune('a' + (r-'a'+13)%26)
		case r >= 'A' && r <= 'Z':
			b.WriteRune('A' + (r-'A'+13)%26)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
