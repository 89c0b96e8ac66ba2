// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guardrail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/AleutianAI/aegis/services/llm"
)

// =============================================================================
// Backend Interface
// =============================================================================

// Backend tier names as reported by Name() and the health endpoint.
const (
	// BackendRemoteAPI is the Groq-hosted tier (~20-50ms on LPU hardware).
	BackendRemoteAPI = "remote-api"

	// BackendLocalAccelerated is an operator-run OpenAI-compatible
	// inference server (~30-50ms CPU with llama.cpp or vLLM).
	BackendLocalAccelerated = "local-accelerated"

	// BackendLocalReference is a text-classification endpoint speaking the
	// HuggingFace inference protocol (~100-300ms CPU).
	BackendLocalReference = "local-reference"
)

const (
	// groqBaseURL is the OpenAI-compatible surface of Groq's API.
	groqBaseURL = "https://api.groq.com/openai/v1"

	// RemoteGuardModel is Groq's hosted model ID for Prompt Guard.
	// It differs from the HuggingFace model ID carried by DefaultModel.
	RemoteGuardModel = "meta-llama/llama-prompt-guard-2-86m"

	// hostedReferenceBase derives a reference endpoint from a model name
	// when only a token is configured.
	hostedReferenceBase = "https://api-inference.huggingface.co/models/"

	// guardMaxTokens bounds the classification reply. Prompt Guard
	// answers with a probability or a one-word label.
	guardMaxTokens = 10

	// referenceTimeout bounds reference endpoint round trips.
	referenceTimeout = 30 * time.Second
)

// Backend is a pluggable inference engine for prompt attack classification.
//
// Description:
//
//	Implementations take raw text and return label/score pairs which the
//	classifier normalizes into a ClassificationResult. Backends report
//	errors instead of blocking: the classifier treats any error as a
//	benign verdict so a broken backend cannot take the proxy down.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Backend interface {
	// Name returns the backend tier name for health reporting and logs.
	Name() string

	// Classify runs inference on text and returns raw label/score pairs.
	Classify(ctx context.Context, text string) ([]RawScore, error)
}

// BackendConfig carries the endpoints and credentials backends resolve
// against. Zero-value fields leave their tier unavailable.
type BackendConfig struct {
	// GroqAPIKey enables the remote-api tier when non-empty.
	GroqAPIKey string

	// AcceleratedURL points at an OpenAI-compatible local inference
	// server. Enables the local-accelerated tier when non-empty.
	AcceleratedURL string

	// AcceleratedAPIKey optionally authenticates the accelerated endpoint.
	AcceleratedAPIKey string

	// ReferenceURL points at a text-classification endpoint. Enables the
	// local-reference tier when non-empty.
	ReferenceURL string

	// HFToken authenticates the reference endpoint. When ReferenceURL is
	// empty and HFToken is set, the hosted inference API URL is derived
	// from ModelName.
	HFToken string

	// ModelName overrides DefaultModel for the local tiers.
	ModelName string
}

func (c BackendConfig) model() string {
	if c.ModelName != "" {
		return c.ModelName
	}
	return DefaultModel
}

// =============================================================================
// Remote API Backend
// =============================================================================

// RemoteBackend classifies via Groq's hosted Prompt Guard model.
//
// Description:
//
//	Groq serves llama-prompt-guard-2-86m behind its chat completions API,
//	so a classification round trip is a tiny completion: the text goes in
//	as the sole user message and the model answers with a probability or
//	a label. The fastest tier; preferred by auto resolution.
//
// Thread Safety: Safe for concurrent use.
type RemoteBackend struct {
	client llms.Model
	model  string
}

var _ Backend = (*RemoteBackend)(nil)

// NewRemoteBackend builds a Groq-backed classification backend.
//
// Inputs:
//
//	apiKey - Groq API key. Must be non-empty.
//
// Outputs:
//
//	*RemoteBackend - The initialized backend.
//	error - Non-nil if the API client could not be constructed.
func NewRemoteBackend(apiKey string) (*RemoteBackend, error) {
	client, err := openai.New(
		openai.WithBaseURL(groqBaseURL),
		openai.WithToken(apiKey),
		openai.WithModel(RemoteGuardModel),
	)
	if err != nil {
		return nil, fmt.Errorf("guardrail: initializing remote backend: %w", err)
	}

	slog.Info("Remote guardrail backend initialized", "model", RemoteGuardModel)
	return &RemoteBackend{client: client, model: RemoteGuardModel}, nil
}

// Name returns the remote-api tier name.
func (b *RemoteBackend) Name() string { return BackendRemoteAPI }

// Classify sends text through the hosted model and parses the reply.
func (b *RemoteBackend) Classify(ctx context.Context, text string) ([]RawScore, error) {
	return completionScores(ctx, b.client, text)
}

// =============================================================================
// Local Accelerated Backend
// =============================================================================

// AcceleratedBackend classifies via an OpenAI-compatible inference server
// on operator hardware.
//
// Description:
//
//	Servers such as llama.cpp and vLLM expose the same chat completions
//	surface as the hosted APIs, so this tier reuses the remote exchange
//	against the configured URL. Keeps classification traffic on-box for
//	deployments that cannot send prompts to a third party.
//
// Thread Safety: Safe for concurrent use.
type AcceleratedBackend struct {
	client llms.Model
	model  string
}

var _ Backend = (*AcceleratedBackend)(nil)

// NewAcceleratedBackend builds a backend against a local inference URL.
//
// Inputs:
//
//	baseURL - OpenAI-compatible endpoint, e.g. "http://127.0.0.1:8012/v1".
//	apiKey - Optional key for servers that enforce authentication.
//	model - Model identifier; DefaultModel when empty.
func NewAcceleratedBackend(baseURL, apiKey, model string) (*AcceleratedBackend, error) {
	if model == "" {
		model = DefaultModel
	}

	// llama.cpp-style servers ignore authentication, but the client
	// constructor requires a non-empty token.
	token := apiKey
	if token == "" {
		token = "local"
	}

	client, err := openai.New(
		openai.WithBaseURL(strings.TrimRight(baseURL, "/")),
		openai.WithToken(token),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("guardrail: initializing accelerated backend: %w", err)
	}

	slog.Info("Accelerated guardrail backend initialized",
		"url", baseURL,
		"model", model,
	)
	return &AcceleratedBackend{client: client, model: model}, nil
}

// Name returns the local-accelerated tier name.
func (b *AcceleratedBackend) Name() string { return BackendLocalAccelerated }

// Classify sends text through the local server and parses the reply.
func (b *AcceleratedBackend) Classify(ctx context.Context, text string) ([]RawScore, error) {
	return completionScores(ctx, b.client, text)
}

// =============================================================================
// Local Reference Backend
// =============================================================================

// ReferenceBackend classifies via a text-classification endpoint.
//
// Description:
//
//	Speaks the HuggingFace inference protocol: POST {"inputs": text},
//	reply [[{"label": ..., "score": ...}, ...]]. Works against a local
//	transformers-serve or TEI sidecar, or the hosted inference API when
//	only a token is configured. The slowest tier, but the only one that
//	returns the model's full score distribution directly.
//
// Thread Safety: Safe for concurrent use.
type ReferenceBackend struct {
	httpClient *http.Client
	url        string
	token      string
}

var _ Backend = (*ReferenceBackend)(nil)

// NewReferenceBackend builds a backend against a classification endpoint.
//
// Inputs:
//
//	rawURL - Endpoint URL. When empty, the hosted inference API URL is
//	derived from model.
//	token - Optional bearer token for the endpoint.
//	model - Model identifier; DefaultModel when empty.
func NewReferenceBackend(rawURL, token, model string) *ReferenceBackend {
	if model == "" {
		model = DefaultModel
	}

	url := strings.TrimRight(rawURL, "/")
	if url == "" {
		url = hostedReferenceBase + model
	}

	slog.Info("Reference guardrail backend initialized", "url", url)
	return &ReferenceBackend{
		httpClient: &http.Client{Timeout: referenceTimeout},
		url:        url,
		token:      token,
	}
}

// Name returns the local-reference tier name.
func (b *ReferenceBackend) Name() string { return BackendLocalReference }

// classificationEntry mirrors one label/score element of the endpoint reply.
type classificationEntry struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classify posts text to the classification endpoint and decodes the scores.
func (b *ReferenceBackend) Classify(ctx context.Context, text string) ([]RawScore, error) {
	payload, err := json.Marshal(map[string]string{"inputs": text})
	if err != nil {
		return nil, fmt.Errorf("guardrail: marshaling reference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("guardrail: creating reference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("guardrail: calling reference endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("guardrail: reading reference response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		preview := string(body)
		if len(preview) > 200 {
			preview = preview[:200]
		}
		slog.Error("Reference endpoint returned error",
			"status", resp.StatusCode,
			"body", llm.SafeLogString(preview),
		)
		return nil, fmt.Errorf("guardrail: reference endpoint returned %d", resp.StatusCode)
	}

	entries, err := decodeClassification(body)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return []RawScore{{Label: "benign", Score: 1.0}}, nil
	}

	scores := make([]RawScore, 0, len(entries))
	for _, entry := range entries {
		scores = append(scores, RawScore{Label: entry.Label, Score: entry.Score})
	}
	return scores, nil
}

// decodeClassification accepts both the nested ([[...]]) and flat ([...])
// reply shapes emitted by classification servers.
func decodeClassification(body []byte) ([]classificationEntry, error) {
	var nested [][]classificationEntry
	if err := json.Unmarshal(body, &nested); err == nil {
		if len(nested) == 0 {
			return nil, nil
		}
		return nested[0], nil
	}

	var flat []classificationEntry
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, fmt.Errorf("guardrail: decoding reference response: %w", err)
	}
	return flat, nil
}

// =============================================================================
// Shared Completion Parsing
// =============================================================================

// completionScores runs one classification round trip against an
// OpenAI-compatible completion endpoint and parses the reply.
func completionScores(ctx context.Context, client llms.Model, text string) ([]RawScore, error) {
	resp, err := client.GenerateContent(ctx,
		[]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, text)},
		llms.WithTemperature(0),
		llms.WithMaxTokens(guardMaxTokens),
	)
	if err != nil {
		return nil, fmt.Errorf("guardrail: completion inference: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("guardrail: completion response contained no choices")
	}

	raw := strings.ToLower(strings.TrimSpace(resp.Choices[0].Content))
	return parseGuardOutput(raw), nil
}

// parseGuardOutput converts a Prompt Guard reply into scored labels.
//
// Description:
//
//	Prompt Guard replies with either a raw probability (e.g. "0.9992")
//	representing P(unsafe), or a text label such as "safe", "injection",
//	or "jailbreak". Numeric replies spread into a three-label
//	distribution; text labels map to a canned distribution centered on
//	the named label. "unsafe" is probed before "safe" so the binary
//	vocabulary maps to jailbreak instead of matching on its suffix.
//
// Inputs:
//
//	raw - Lowercased, trimmed model reply.
//
// Outputs:
//
//	[]RawScore - Scores across benign/injection/jailbreak. Never empty.
func parseGuardOutput(raw string) []RawScore {
	if p, err := strconv.ParseFloat(raw, 64); err == nil {
		return []RawScore{
			{Label: "benign", Score: 1.0 - p},
			{Label: "injection", Score: p * 0.4},
			{Label: "jailbreak", Score: p},
		}
	}

	probes := []struct {
		needle string
		label  string
	}{
		{"jailbreak", "jailbreak"},
		{"injection", "injection"},
		{"unsafe", "jailbreak"},
		{"benign", "benign"},
		{"safe", "benign"},
	}

	detected := "benign"
	for _, probe := range probes {
		if strings.Contains(raw, probe.needle) {
			detected = probe.label
			break
		}
	}

	switch detected {
	case "injection":
		return []RawScore{
			{Label: "benign", Score: 0.02},
			{Label: "injection", Score: 0.95},
			{Label: "jailbreak", Score: 0.03},
		}
	case "jailbreak":
		return []RawScore{
			{Label: "benign", Score: 0.02},
			{Label: "injection", Score: 0.03},
			{Label: "jailbreak", Score: 0.95},
		}
	default:
		return []RawScore{
			{Label: "benign", Score: 0.95},
			{Label: "injection", Score: 0.03},
			{Label: "jailbreak", Score: 0.02},
		}
	}
}

// =============================================================================
// Backend Resolution
// =============================================================================

// Resolve picks a guardrail backend from a preference and configuration.
//
// Description:
//
//	Explicit preferences return their tier or nil (with a warning) when
//	the tier is not configured. "auto" walks remote-api →
//	local-accelerated → local-reference and returns the first available
//	tier. Legacy preference names from earlier deployments (groq, onnx,
//	huggingface) map onto the current tiers. Unknown preferences warn
//	and fall back to auto.
//
// Inputs:
//
//	preference - One of "auto", "remote-api", "local-accelerated",
//	"local-reference", or a legacy alias. Empty means auto.
//	cfg - Endpoint and credential configuration.
//
// Outputs:
//
//	Backend - The resolved backend, or nil when nothing is available.
//
// Thread Safety: Safe for concurrent use.
func Resolve(preference string, cfg BackendConfig) Backend {
	pref := strings.ToLower(strings.TrimSpace(preference))

	switch pref {
	case "remote-api", "groq":
		if b := resolveRemote(cfg); b != nil {
			return b
		}
		slog.Warn("Remote API guardrail backend requested but unavailable")
		return nil

	case "local-accelerated", "onnx":
		if b := resolveAccelerated(cfg); b != nil {
			return b
		}
		slog.Warn("Accelerated guardrail backend requested but unavailable")
		return nil

	case "local-reference", "huggingface":
		if b := resolveReference(cfg); b != nil {
			return b
		}
		slog.Warn("Reference guardrail backend requested but unavailable")
		return nil

	case "auto", "":
		for _, attempt := range []func(BackendConfig) Backend{
			resolveRemote,
			resolveAccelerated,
			resolveReference,
		} {
			if b := attempt(cfg); b != nil {
				slog.Info("Guardrail backend auto-selected", "backend", b.Name())
				return b
			}
		}
		slog.Warn("No guardrail backend available. Configure a Groq API key, " +
			"a local inference URL, or a reference endpoint.")
		return nil

	default:
		slog.Warn("Unknown guardrail backend preference, falling back to auto",
			"preference", preference)
		return Resolve("auto", cfg)
	}
}

func resolveRemote(cfg BackendConfig) Backend {
	if cfg.GroqAPIKey == "" {
		return nil
	}
	b, err := NewRemoteBackend(cfg.GroqAPIKey)
	if err != nil {
		slog.Warn("Remote guardrail backend failed to initialize", "error", err)
		return nil
	}
	return b
}

func resolveAccelerated(cfg BackendConfig) Backend {
	if cfg.AcceleratedURL == "" {
		return nil
	}
	b, err := NewAcceleratedBackend(cfg.AcceleratedURL, cfg.AcceleratedAPIKey, cfg.model())
	if err != nil {
		slog.Warn("Accelerated guardrail backend failed to initialize", "error", err)
		return nil
	}
	return b
}

func resolveReference(cfg BackendConfig) Backend {
	if cfg.ReferenceURL == "" && cfg.HFToken == "" {
		return nil
	}
	return NewReferenceBackend(cfg.ReferenceURL, cfg.HFToken, cfg.model())
}
