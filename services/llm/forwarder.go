// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// upstreamTimeout is the total deadline for one upstream call.
const upstreamTimeout = 60 * time.Second

// =============================================================================
// Upstream Wire Types
// =============================================================================

type upstreamRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type upstreamResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Choices []upstreamChoice `json:"choices"`
	Error   *upstreamAPIErr  `json:"error,omitempty"`
}

type upstreamChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type upstreamAPIErr struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// =============================================================================
// Errors
// =============================================================================

// UpstreamError reports a failed upstream call. StatusCode is the provider's
// HTTP status, or 0 for transport failures. Handlers map these to 502.
type UpstreamError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm: %s: %v", e.Message, e.Err)
	}
	return "llm: " + e.Message
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Forwarder
// =============================================================================

// Forwarder sends hardened chat requests to the upstream LLM provider.
//
// Description:
//
//	Posts the OpenAI-compatible payload to the configured upstream URL via
//	raw net/http, with bearer auth when a key is configured. The first
//	choice's content comes back as the response text; a well-formed reply
//	with no choices yields the empty string. One call, one POST: retries
//	are the caller's policy, not the forwarder's.
//
// Thread Safety: Forwarder is safe for concurrent use.
type Forwarder struct {
	httpClient  *http.Client
	upstreamURL string
	apiKey      string
}

// NewForwarder creates a forwarder posting to upstreamURL. Trailing slashes
// are trimmed; an empty apiKey sends unauthenticated requests.
func NewForwarder(upstreamURL, apiKey string) *Forwarder {
	return &Forwarder{
		httpClient:  &http.Client{Timeout: upstreamTimeout},
		upstreamURL: strings.TrimRight(upstreamURL, "/"),
		apiKey:      apiKey,
	}
}

// URL returns the configured upstream URL.
func (f *Forwarder) URL() string {
	return f.upstreamURL
}

// Forward sends one chat completion request and returns the assistant text.
//
// Cancellation of ctx is reported as the context's own error so callers can
// distinguish an abandoned race from an upstream failure.
func (f *Forwarder) Forward(ctx context.Context, model string, messages []Message,
	temperature float64, maxTokens *int) (string, error) {

	payload := upstreamRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("llm: marshaling upstream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.upstreamURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("llm: creating upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	slog.Debug("Forwarding to upstream",
		slog.String("model", model),
		slog.Int("messages", len(messages)))

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			// The race was decided without us; not an upstream fault.
			return "", ctx.Err()
		}
		slog.Error("Upstream connection error", slog.String("error", SafeLogString(err.Error())))
		return "", &UpstreamError{Message: "failed to connect to upstream LLM", Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &UpstreamError{Message: "reading upstream response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		slog.Error("Upstream HTTP error",
			slog.Int("status", resp.StatusCode),
			slog.String("body", SafeLogString(truncate(string(bodyBytes), 200))))
		return "", &UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("upstream LLM returned %d", resp.StatusCode),
		}
	}

	var apiResp upstreamResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return "", &UpstreamError{Message: "parsing upstream response JSON", Err: err}
	}
	if apiResp.Error != nil {
		return "", &UpstreamError{
			Message: fmt.Sprintf("upstream API error: %s - %s",
				apiResp.Error.Type, SafeLogString(apiResp.Error.Message)),
		}
	}

	if len(apiResp.Choices) == 0 {
		slog.Warn("Upstream response contained no choices")
		return "", nil
	}

	slog.Debug("Received upstream response",
		slog.String("finish_reason", apiResp.Choices[0].FinishReason),
		slog.Int("response_len", len(apiResp.Choices[0].Message.Content)))

	return apiResp.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
