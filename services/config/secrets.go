// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrSecretNotFound is returned when a secret key resolves to nothing.
var ErrSecretNotFound = errors.New("config: secret not found")

// SecretBackend retrieves secrets by key.
//
// Thread Safety: Implementations must be safe for concurrent use.
type SecretBackend interface {
	// GetSecret retrieves a secret by key. Returns ErrSecretNotFound
	// (wrapped) when the key resolves to an empty value.
	GetSecret(ctx context.Context, key string) (string, error)
}

// EnvBackend reads secrets from environment variables with TTL caching.
//
// Description:
//
//	Reads from os.Getenv and caches each value for the configured TTL,
//	which avoids repeated syscalls on the request path while still
//	picking up rotated secrets once the TTL lapses.
//
// Thread Safety: Safe for concurrent use via sync.RWMutex.
type EnvBackend struct {
	mu    sync.RWMutex
	cache map[string]cachedSecret
	ttl   time.Duration
}

type cachedSecret struct {
	value     string
	fetchedAt int64 // Unix milliseconds UTC
}

// NewEnvBackend creates an environment secret backend. A zero ttl
// disables caching entirely.
func NewEnvBackend(ttl time.Duration) *EnvBackend {
	return &EnvBackend{
		cache: make(map[string]cachedSecret),
		ttl:   ttl,
	}
}

// GetSecret retrieves a secret from the environment, using the cache
// while fresh.
func (e *EnvBackend) GetSecret(ctx context.Context, key string) (string, error) {
	if ctx.Err() != nil {
		return "", fmt.Errorf("config: retrieving secret %q: %w", key, ctx.Err())
	}

	now := time.Now().UnixMilli()

	if e.ttl > 0 {
		e.mu.RLock()
		if cached, ok := e.cache[key]; ok {
			age := time.Duration(now-cached.fetchedAt) * time.Millisecond
			if age < e.ttl {
				e.mu.RUnlock()
				if cached.value == "" {
					return "", fmt.Errorf("config: secret %q: %w", key, ErrSecretNotFound)
				}
				return cached.value, nil
			}
		}
		e.mu.RUnlock()
	}

	value := os.Getenv(key)

	if e.ttl > 0 {
		e.mu.Lock()
		e.cache[key] = cachedSecret{value: value, fetchedAt: now}
		e.mu.Unlock()
	}

	if value == "" {
		return "", fmt.Errorf("config: secret %q: %w", key, ErrSecretNotFound)
	}
	return value, nil
}

// SecretManager resolves secrets through the configured backend.
//
// Thread Safety: Safe for concurrent use; delegates to a thread-safe
// backend.
type SecretManager struct {
	backend SecretBackend
}

// NewSecretManager creates a manager over the environment backend.
func NewSecretManager(cacheTTL time.Duration) *SecretManager {
	return &SecretManager{backend: NewEnvBackend(cacheTTL)}
}

// GetSecret retrieves one secret from the backend.
func (s *SecretManager) GetSecret(ctx context.Context, key string) (string, error) {
	return s.backend.GetSecret(ctx, key)
}

// GetFirst returns the first key that resolves to a value, or "" when
// none do. Missing keys are expected here, so lookup errors are not
// surfaced.
func (s *SecretManager) GetFirst(ctx context.Context, keys ...string) string {
	for _, key := range keys {
		value, err := s.backend.GetSecret(ctx, key)
		if err == nil && value != "" {
			return value
		}
	}
	return ""
}
