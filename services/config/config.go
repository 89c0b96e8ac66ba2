// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates operator configuration for the
// sidecar.
//
// Load order is defaults, then the optional YAML override file, then
// environment variables; a value set in the environment always wins. A
// missing override file is not an error: the zero-config default must
// start a working sidecar pointed at a public upstream.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the override file probed when AEGIS_CONFIG_FILE
// is unset.
const DefaultConfigFile = "aegis.config.yaml"

// maxConfigFileSize caps the override file read.
const maxConfigFileSize = 1 << 20

// ErrConfigFileTooLarge is returned when the override file exceeds the
// size cap.
var ErrConfigFileTooLarge = errors.New("config: override file exceeds 1MB")

// Config holds every operator-facing setting.
//
// Description:
//
//	Populated by Load() and frozen afterwards. All fields have safe
//	defaults; an empty environment yields a sidecar that listens on
//	127.0.0.1:8080 and forwards to Groq's OpenAI-compatible surface.
//
// Thread Safety: Config is read-only after Load; safe to share.
type Config struct {
	// Host is the listen address. Env: AEGIS_HOST.
	Host string `yaml:"host" validate:"required"`

	// Port is the listen port. Env: AEGIS_PORT.
	Port int `yaml:"port" validate:"gte=1,lte=65535"`

	// UpstreamURL is the chat-completions endpoint requests are forwarded
	// to. Env: AEGIS_UPSTREAM_URL.
	UpstreamURL string `yaml:"upstream_url" validate:"omitempty,url"`

	// UpstreamAPIKey authenticates the upstream call.
	// Env: AEGIS_UPSTREAM_API_KEY, falling back to GROQ_API_KEY, API_KEY.
	UpstreamAPIKey string `yaml:"-"`

	// VaultKey is the symmetric key protecting persisted swap maps.
	// Empty disables vault encryption. Env: AEGIS_VAULT_KEY.
	VaultKey string `yaml:"-"`

	// VaultDBPath is the Badger directory for the session vault.
	// Env: AEGIS_VAULT_DB_PATH.
	VaultDBPath string `yaml:"vault_db_path" validate:"required"`

	// VaultTTL is the optional lifetime of a vault row. Zero keeps rows
	// until purged. Env: AEGIS_VAULT_TTL_SECONDS.
	VaultTTL time.Duration `yaml:"-"`

	// LogLevel is the slog level name. Env: AEGIS_LOG_LEVEL.
	LogLevel string `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR"`

	// CanaryPrefix prefixes every generated canary token.
	// Env: AEGIS_CANARY_PREFIX.
	CanaryPrefix string `yaml:"canary_prefix" validate:"required"`

	// GuardrailBackend selects the classifier tier: auto, remote-api,
	// local-accelerated, local-reference. Legacy aliases groq, onnx, and
	// huggingface are accepted. Env: AEGIS_GUARDRAIL_BACKEND.
	GuardrailBackend string `yaml:"guardrail_backend" validate:"required"`

	// GuardrailModel overrides the classifier model identifier.
	// Env: AEGIS_GUARDRAIL_MODEL.
	GuardrailModel string `yaml:"guardrail_model"`

	// GuardrailGroqKey enables the remote-api tier.
	// Env: AEGIS_GUARDRAIL_GROQ_KEY, falling back to GROQ_API_KEY.
	GuardrailGroqKey string `yaml:"-"`

	// GuardrailHFToken enables the hosted reference tier.
	// Env: AEGIS_GUARDRAIL_HF_TOKEN, falling back to
	// HUGGINGFACEHUB_API_TOKEN.
	GuardrailHFToken string `yaml:"-"`

	// GuardrailAcceleratedURL points at a local OpenAI-compatible
	// inference server. Env: AEGIS_GUARDRAIL_ACCELERATED_URL.
	GuardrailAcceleratedURL string `yaml:"guardrail_accelerated_url" validate:"omitempty,url"`

	// GuardrailReferenceURL points at a text-classification endpoint.
	// Env: AEGIS_GUARDRAIL_REFERENCE_URL.
	GuardrailReferenceURL string `yaml:"guardrail_reference_url" validate:"omitempty,url"`

	// InjectionThreshold is the block threshold for the injection label.
	// Env: AEGIS_INJECTION_THRESHOLD.
	InjectionThreshold float64 `yaml:"injection_threshold" validate:"gte=0,lte=1"`

	// JailbreakThreshold is the block threshold for the jailbreak label.
	// Env: AEGIS_JAILBREAK_THRESHOLD.
	JailbreakThreshold float64 `yaml:"jailbreak_threshold" validate:"gte=0,lte=1"`

	// EnableOCR activates the Lens image-scanning collaborator.
	// Env: AEGIS_ENABLE_OCR.
	EnableOCR bool `yaml:"enable_ocr"`

	// EnableForge activates the adversarial runner collaborator.
	// Env: AEGIS_ENABLE_FORGE.
	EnableForge bool `yaml:"enable_forge"`

	// EnableOracle activates the threat-intel scanner collaborator.
	// Env: AEGIS_ENABLE_ORACLE.
	EnableOracle bool `yaml:"enable_oracle"`

	// RulesPath is an optional moderation-rules override file, watched
	// for hot reload. Env: AEGIS_RULES_PATH.
	RulesPath string `yaml:"rules_path"`

	// OTLPEndpoint enables the OTLP trace exporter when set.
	// Env: AEGIS_OTLP_ENDPOINT.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// defaults returns the zero-config working configuration.
func defaults() *Config {
	return &Config{
		Host:               "127.0.0.1",
		Port:               8080,
		UpstreamURL:        "https://api.groq.com/openai/v1/chat/completions",
		VaultDBPath:        "aegis_vault.db",
		LogLevel:           "INFO",
		CanaryPrefix:       "AEGIS-CANARY",
		GuardrailBackend:   "auto",
		InjectionThreshold: 0.90,
		JailbreakThreshold: 0.85,
	}
}

// Load builds the configuration from defaults, the optional override
// file, and the environment.
//
// Outputs:
//
//	*Config - Fully populated configuration. Never nil on nil error.
//	error - Non-nil if the override file is unreadable or malformed.
func Load() (*Config, error) {
	cfg := defaults()

	if err := applyFile(cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	return cfg, nil
}

// applyFile merges the YAML override file into cfg. A missing file is
// silently skipped; a present-but-broken file is a hard error so a typo
// never silently reverts the operator to defaults.
func applyFile(cfg *Config) error {
	path := os.Getenv("AEGIS_CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("config: reading override file %q: %w", path, err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config: %q: %w", path, ErrConfigFileTooLarge)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading override file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parsing override file %q: %w", path, err)
	}

	slog.Info("Configuration override file applied", slog.String("path", path))
	return nil
}

// applyEnv overlays environment variables onto cfg. Secrets resolve
// through the env secret backend with fallback key names.
func applyEnv(cfg *Config) {
	cfg.Host = envStr("AEGIS_HOST", cfg.Host)
	cfg.Port = envInt("AEGIS_PORT", cfg.Port)
	cfg.UpstreamURL = envStr("AEGIS_UPSTREAM_URL", cfg.UpstreamURL)
	cfg.VaultDBPath = envStr("AEGIS_VAULT_DB_PATH", cfg.VaultDBPath)
	cfg.VaultTTL = time.Duration(envInt("AEGIS_VAULT_TTL_SECONDS", int(cfg.VaultTTL/time.Second))) * time.Second
	cfg.LogLevel = strings.ToUpper(envStr("AEGIS_LOG_LEVEL", cfg.LogLevel))
	cfg.CanaryPrefix = envStr("AEGIS_CANARY_PREFIX", cfg.CanaryPrefix)
	cfg.GuardrailBackend = envStr("AEGIS_GUARDRAIL_BACKEND", cfg.GuardrailBackend)
	cfg.GuardrailModel = envStr("AEGIS_GUARDRAIL_MODEL", cfg.GuardrailModel)
	cfg.GuardrailAcceleratedURL = envStr("AEGIS_GUARDRAIL_ACCELERATED_URL", cfg.GuardrailAcceleratedURL)
	cfg.GuardrailReferenceURL = envStr("AEGIS_GUARDRAIL_REFERENCE_URL", cfg.GuardrailReferenceURL)
	cfg.InjectionThreshold = envFloat("AEGIS_INJECTION_THRESHOLD", cfg.InjectionThreshold)
	cfg.JailbreakThreshold = envFloat("AEGIS_JAILBREAK_THRESHOLD", cfg.JailbreakThreshold)
	cfg.EnableOCR = envBool("AEGIS_ENABLE_OCR", cfg.EnableOCR)
	cfg.EnableForge = envBool("AEGIS_ENABLE_FORGE", cfg.EnableForge)
	cfg.EnableOracle = envBool("AEGIS_ENABLE_ORACLE", cfg.EnableOracle)
	cfg.RulesPath = envStr("AEGIS_RULES_PATH", cfg.RulesPath)
	cfg.OTLPEndpoint = envStr("AEGIS_OTLP_ENDPOINT", cfg.OTLPEndpoint)

	secrets := NewSecretManager(5 * time.Minute)
	ctx := context.Background()
	cfg.UpstreamAPIKey = secrets.GetFirst(ctx, "AEGIS_UPSTREAM_API_KEY", "GROQ_API_KEY", "API_KEY")
	cfg.VaultKey = secrets.GetFirst(ctx, "AEGIS_VAULT_KEY")
	cfg.GuardrailGroqKey = secrets.GetFirst(ctx, "AEGIS_GUARDRAIL_GROQ_KEY", "GROQ_API_KEY")
	cfg.GuardrailHFToken = secrets.GetFirst(ctx, "AEGIS_GUARDRAIL_HF_TOKEN", "HUGGINGFACEHUB_API_TOKEN")
}

// Validate checks structural constraints. Invalid configuration is fatal
// at startup; nothing should run on a half-valid Config.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	return nil
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ListenAddr returns the host:port pair for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// envStr reads a string environment variable with a default value.
func envStr(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// envBool reads a boolean environment variable with a default value.
func envBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

// envInt reads an integer environment variable with a default value.
func envInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// envFloat reads a float64 environment variable with a default value.
func envFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
