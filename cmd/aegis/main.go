// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command aegis starts the LLM security sidecar.
//
// Aegis sits between a chat application and its LLM provider, presenting
// an OpenAI-compatible endpoint while hardening every request and
// verifying every response:
//   - Ingress: Unicode sanitization, code flattening, PII swapping,
//     structural isolation tagging, canary injection
//   - In flight: ML prompt-attack classification racing the upstream call
//   - Egress: isolation and canary leak probes, rules moderation,
//     optional ML output safety, PII restoration
//
// Usage:
//
//	go run ./cmd/aegis
//	go run ./cmd/aegis --port 9090
//	go run ./cmd/aegis --debug
//
// With a Groq upstream:
//
//	GROQ_API_KEY=gsk_... go run ./cmd/aegis
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/health
//
//	# Proxied chat completion
//	curl -X POST http://localhost:8080/v1/chat/completions \
//	  -H "Content-Type: application/json" \
//	  -d '{"model": "llama-3.3-70b-versatile", "messages": [{"role": "user", "content": "Hello"}]}'
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gin-gonic/gin"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/aegis/services/config"
	"github.com/AleutianAI/aegis/services/lens"
	"github.com/AleutianAI/aegis/services/llm"
	"github.com/AleutianAI/aegis/services/proxy"
	"github.com/AleutianAI/aegis/services/shield"
	"github.com/AleutianAI/aegis/services/shield/canary"
	"github.com/AleutianAI/aegis/services/shield/guardrail"
	"github.com/AleutianAI/aegis/services/vault"
)

// shutdownTimeout bounds graceful drain of in-flight requests.
const shutdownTimeout = 10 * time.Second

// exitInterrupted is 128+SIGINT, the conventional code for a
// signal-driven shutdown.
const exitInterrupted = 130

var (
	flagHost  string
	flagPort  int
	flagDebug bool

	// exitCode is set to exitInterrupted on signal-driven shutdown and
	// applied by main after all deferred cleanup has run.
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "aegis",
	Short: "Aegis - LLM security sidecar",
	Long: `Aegis is a security sidecar for LLM applications.

It exposes an OpenAI-compatible /v1/chat/completions endpoint and
transparently hardens traffic in both directions: PII never reaches the
upstream provider, prompt attacks are classified in parallel with the
upstream call, and responses are screened for system prompt leaks,
canary leaks, and policy violations before real data is restored.`,
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	rootCmd.Flags().StringVar(&flagHost, "host", "", "Listen address (overrides AEGIS_HOST)")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "Listen port (overrides AEGIS_PORT)")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "Enable debug logging and gin request logs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Host = flagHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = flagPort
	}
	if flagDebug {
		cfg.LogLevel = "DEBUG"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	if flagDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// W3C TraceContext propagation so the sidecar joins the caller's
	// distributed trace.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracerProvider, err := setupTracing(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("tracing setup failed: %w", err)
	}

	// Vault open and guardrail backend resolution are independent and
	// both can take a moment (disk replay, network probe); run them
	// concurrently.
	classifier := guardrail.NewClassifier(cfg.GuardrailBackend, guardrail.BackendConfig{
		GroqAPIKey:     cfg.GuardrailGroqKey,
		AcceleratedURL: cfg.GuardrailAcceleratedURL,
		ReferenceURL:   cfg.GuardrailReferenceURL,
		HFToken:        cfg.GuardrailHFToken,
		ModelName:      cfg.GuardrailModel,
	}, guardrail.WithThresholds(cfg.InjectionThreshold, cfg.JailbreakThreshold))

	var sessionVault *vault.Vault
	warmup, warmupCtx := errgroup.WithContext(cmd.Context())
	warmup.Go(func() error {
		v, openErr := vault.Open(cfg.VaultDBPath, cfg.VaultKey, cfg.VaultTTL)
		if openErr != nil {
			return fmt.Errorf("opening session vault at %q: %w", cfg.VaultDBPath, openErr)
		}
		sessionVault = v
		return nil
	})
	warmup.Go(func() error {
		if warmupCtx.Err() != nil {
			return nil
		}
		if classifier.IsAvailable() {
			slog.Info("Guardrail backend resolved", slog.String("backend", classifier.BackendName()))
		} else {
			slog.Warn("No guardrail backend available, ingress classification degrades to benign")
		}
		return nil
	})
	if err := warmup.Wait(); err != nil {
		return err
	}
	defer func() {
		if closeErr := sessionVault.Close(); closeErr != nil {
			slog.Warn("Failed to close session vault", slog.String("error", closeErr.Error()))
		}
	}()

	moderator, watcher, err := setupModeration(cfg)
	if err != nil {
		return err
	}
	if watcher != nil {
		if err := watcher.Start(cmd.Context()); err != nil {
			slog.Warn("Moderation rules watcher failed to start, hot reload disabled",
				slog.String("path", cfg.RulesPath),
				slog.String("error", err.Error()))
		} else {
			defer watcher.Stop()
		}
	}

	lensPipeline := lens.NewPipeline()
	if cfg.EnableOCR {
		// The OCR engine is an external collaborator; without one wired in
		// the flag only announces the gap.
		slog.Warn("AEGIS_ENABLE_OCR set but no image scanner is wired in, image scanning disabled")
	}
	if cfg.EnableForge || cfg.EnableOracle {
		slog.Warn("Forge/Oracle collaborators are external services and not managed by this process")
	}

	shieldPipeline := shield.NewPipeline(
		shield.WithCanaryGenerator(canary.NewGenerator(cfg.CanaryPrefix)),
		shield.WithModerator(moderator),
	)

	middleware := proxy.NewMiddleware(lensPipeline, shieldPipeline, proxy.WithVault(sessionVault))
	forwarder := llm.NewForwarder(cfg.UpstreamURL, cfg.UpstreamAPIKey)
	orchestrator := proxy.NewOrchestrator(middleware, forwarder, classifier,
		proxy.WithSafetyGate(guardrail.NewSafetyClassifier(cfg.GuardrailGroqKey)))

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aegis"))
	if flagDebug {
		router.Use(gin.Logger())
	}
	proxy.RegisterRoutes(router, orchestrator)

	printBanner(cfg, classifier)

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting Aegis sidecar", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		slog.Error("Server failed", slog.String("error", err.Error()))
		return err
	case sig := <-quit:
		exitCode = exitInterrupted
		slog.Info("Shutting down Aegis sidecar", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Graceful shutdown incomplete", slog.String("error", err.Error()))
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Tracer provider flush failed", slog.String("error", err.Error()))
		}
	}

	return nil
}

// setupTracing installs an OTLP exporter when an endpoint is configured.
// Without one, span creation stays on the default no-op provider.
func setupTracing(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if cfg.OTLPEndpoint == "" {
		return nil, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("aegis"),
			semconv.ServiceVersion(proxy.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	slog.Info("OTLP trace exporter enabled", slog.String("endpoint", cfg.OTLPEndpoint))
	return tp, nil
}

// setupModeration builds the output moderator, applying the operator's
// rules override when configured and wiring the hot-reload watcher.
func setupModeration(cfg *config.Config) (*guardrail.Moderator, *guardrail.RulesWatcher, error) {
	moderator, err := guardrail.NewModerator(guardrail.DefaultModerationThreshold, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building output moderator: %w", err)
	}
	if cfg.RulesPath == "" {
		return moderator, nil, nil
	}

	data, err := os.ReadFile(cfg.RulesPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading moderation rules override %q: %w", cfg.RulesPath, err)
	}
	rules, err := guardrail.LoadRules(data)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing moderation rules override %q: %w", cfg.RulesPath, err)
	}
	if err := moderator.Apply(rules); err != nil {
		return nil, nil, fmt.Errorf("applying moderation rules override %q: %w", cfg.RulesPath, err)
	}
	slog.Info("Moderation rules override applied",
		slog.String("path", cfg.RulesPath),
		slog.Int("criteria", moderator.CriteriaCount()))

	watcher, err := guardrail.NewRulesWatcher(cfg.RulesPath, moderator.Apply)
	if err != nil {
		slog.Warn("Moderation rules watcher unavailable, hot reload disabled",
			slog.String("error", err.Error()))
		return moderator, nil, nil
	}
	return moderator, watcher, nil
}

// printBanner writes the startup summary: styled when stdout is a TTY,
// plain text otherwise.
func printBanner(cfg *config.Config, classifier *guardrail.Classifier) {
	guardrailLine := "fallback (benign)"
	if classifier.IsAvailable() {
		guardrailLine = classifier.BackendName()
	}
	vaultLine := "plaintext"
	if cfg.VaultKey != "" {
		vaultLine = "AES-256-GCM"
	}

	lines := []string{
		"AEGIS SIDECAR v" + proxy.Version,
		"",
		"Listening:  http://" + cfg.ListenAddr(),
		"Upstream:   " + cfg.UpstreamURL,
		"Guardrail:  " + guardrailLine,
		"Vault:      " + cfg.VaultDBPath + " (" + vaultLine + ")",
		"",
		"POST /v1/chat/completions    GET /health    GET /metrics",
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		for _, line := range lines {
			fmt.Println(line)
		}
		return
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		Padding(1, 3)
	fmt.Println(style.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
}
