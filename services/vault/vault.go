// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/aegis/services/shield/pii"
)

// keyPrefixSession prefixes every vault row key.
const keyPrefixSession = "vault:session:"

// ErrEmptySessionID is returned when an operation names no session.
var ErrEmptySessionID = errors.New("vault: session id must not be empty")

// record is the persisted wire shape of one session's swap map.
type record struct {
	RealToSynthetic map[string]string `json:"real_to_synthetic"`
	SyntheticToReal map[string]string `json:"synthetic_to_real"`
	EntityTypes     map[string]string `json:"entity_types"`
	CreatedAtMilli  int64             `json:"created_at_milli"`
}

// Store is the persistence contract the proxy depends on.
//
// Description:
//
//	A key-value table of session id to swap map. Store replaces on
//	conflict; Retrieve returns nil for a missing session rather than an
//	error; Purge reports whether a row existed. Implementations must be
//	safe for concurrent use.
type Store interface {
	Store(ctx context.Context, sessionID string, m *pii.SwapMap) error
	Retrieve(ctx context.Context, sessionID string) (*pii.SwapMap, error)
	Purge(ctx context.Context, sessionID string) (bool, error)
	PurgeAll(ctx context.Context) (int, error)
	Close() error
}

// =============================================================================
// Badger Vault
// =============================================================================

// Vault is the Badger-backed session vault.
//
// Description:
//
//	Each session's swap map is serialized to JSON, encrypted under the
//	operator key, and written as one row. With no cipher configured the
//	rows are written as-is and a warning is emitted once; that mode
//	exists for development, never production. Decryption failures are
//	fatal read errors so a partially recovered map can never restore
//	wrong PII.
//
// Thread Safety: Safe for concurrent use. Badger serializes conflicting
// writes internally.
type Vault struct {
	db     *badger.DB
	cipher *Cipher
	ttl    time.Duration

	plaintextWarn sync.Once
}

var _ Store = (*Vault)(nil)

// New creates a vault over an opened Badger instance.
//
// Inputs:
//
//	db - An opened Badger DB. Must not be nil; the caller owns Close
//	unless the vault was built by Open.
//	cipher - Payload cipher. Nil stores plaintext with a one-time warning.
//	ttl - Optional row lifetime; zero keeps rows until purged.
//
// Outputs:
//
//	*Vault - The configured vault.
//	error - Non-nil if db is nil.
func New(db *badger.DB, cipher *Cipher, ttl time.Duration) (*Vault, error) {
	if db == nil {
		return nil, fmt.Errorf("vault: badger db must not be nil")
	}
	return &Vault{db: db, cipher: cipher, ttl: ttl}, nil
}

// Open opens the Badger directory at path and builds a vault over it.
// An empty key disables encryption.
func Open(path, key string, ttl time.Duration) (*Vault, error) {
	var cph *Cipher
	if key != "" {
		var err error
		cph, err = NewCipher(key)
		if err != nil {
			return nil, err
		}
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("vault: opening badger at %q: %w", path, err)
	}

	slog.Info("Session vault opened",
		slog.String("path", path),
		slog.Bool("encrypted", cph != nil),
	)
	return New(db, cph, ttl)
}

// Store writes one session's swap map, replacing any existing row.
func (v *Vault) Store(ctx context.Context, sessionID string, m *pii.SwapMap) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	if ctx.Err() != nil {
		return fmt.Errorf("vault: storing session %q: %w", sessionID, ctx.Err())
	}
	if m == nil {
		m = pii.NewSwapMap()
	}

	rec := record{
		RealToSynthetic: m.RealToSynthetic,
		SyntheticToReal: m.SyntheticToReal,
		EntityTypes:     m.EntityTypes,
		CreatedAtMilli:  time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("vault: marshaling swap map: %w", err)
	}

	if v.cipher != nil {
		sealed, err := v.cipher.Encrypt(payload)
		if err != nil {
			return fmt.Errorf("vault: encrypting swap map: %w", err)
		}
		payload = []byte(sealed)
	} else {
		v.plaintextWarn.Do(func() {
			slog.Warn("Vault key not configured - swap maps stored unencrypted")
		})
	}

	err = v.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(keyPrefixSession+sessionID), payload)
		if v.ttl > 0 {
			entry = entry.WithTTL(v.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("vault: writing session %q: %w", sessionID, err)
	}

	slog.Debug("Swap map persisted",
		slog.String("session_id", sessionID),
		slog.Int("entries", m.Len()),
	)
	return nil
}

// Retrieve loads one session's swap map, or nil when no row exists.
func (v *Vault) Retrieve(ctx context.Context, sessionID string) (*pii.SwapMap, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("vault: retrieving session %q: %w", sessionID, ctx.Err())
	}

	var payload []byte
	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefixSession + sessionID))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: reading session %q: %w", sessionID, err)
	}

	if v.cipher != nil {
		payload, err = v.cipher.Decrypt(string(payload))
		if err != nil {
			return nil, fmt.Errorf("vault: session %q: %w", sessionID, err)
		}
	}

	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("vault: unmarshaling session %q: %w", sessionID, err)
	}

	m := pii.NewSwapMap()
	if rec.RealToSynthetic != nil {
		m.RealToSynthetic = rec.RealToSynthetic
	}
	if rec.SyntheticToReal != nil {
		m.SyntheticToReal = rec.SyntheticToReal
	}
	if rec.EntityTypes != nil {
		m.EntityTypes = rec.EntityTypes
	}
	return m, nil
}

// Purge deletes one session's row, reporting whether it existed.
func (v *Vault) Purge(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, ErrEmptySessionID
	}
	if ctx.Err() != nil {
		return false, fmt.Errorf("vault: purging session %q: %w", sessionID, ctx.Err())
	}

	key := []byte(keyPrefixSession + sessionID)
	existed := false
	err := v.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		existed = true
		return txn.Delete(key)
	})
	if err != nil {
		return false, fmt.Errorf("vault: purging session %q: %w", sessionID, err)
	}

	if existed {
		slog.Info("Session purged from vault", slog.String("session_id", sessionID))
	}
	return existed, nil
}

// PurgeAll deletes every session row and returns how many were removed.
func (v *Vault) PurgeAll(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, fmt.Errorf("vault: purging all sessions: %w", ctx.Err())
	}

	prefix := []byte(keyPrefixSession)
	var keys [][]byte

	err := v.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("vault: listing sessions: %w", err)
	}

	err = v.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("vault: purging all sessions: %w", err)
	}

	slog.Info("Vault purged", slog.Int("sessions", len(keys)))
	return len(keys), nil
}

// Close releases the underlying Badger instance.
func (v *Vault) Close() error {
	if err := v.db.Close(); err != nil {
		return fmt.Errorf("vault: closing badger: %w", err)
	}
	return nil
}

// =============================================================================
// In-Memory Vault
// =============================================================================

// MemoryVault is a map-backed Store for tests and single-process runs
// where persistence across restarts is not needed.
//
// Thread Safety: Safe for concurrent use via sync.RWMutex.
type MemoryVault struct {
	mu       sync.RWMutex
	sessions map[string]*pii.SwapMap
}

var _ Store = (*MemoryVault)(nil)

// NewMemoryVault returns an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{sessions: make(map[string]*pii.SwapMap)}
}

// Store replaces the session's map with a deep copy of m.
func (v *MemoryVault) Store(_ context.Context, sessionID string, m *pii.SwapMap) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	clone := pii.NewSwapMap()
	clone.Merge(m)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.sessions[sessionID] = clone
	return nil
}

// Retrieve returns a copy of the session's map, or nil when absent.
func (v *MemoryVault) Retrieve(_ context.Context, sessionID string) (*pii.SwapMap, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	stored, ok := v.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	clone := pii.NewSwapMap()
	clone.Merge(stored)
	return clone, nil
}

// Purge removes the session, reporting whether it existed.
func (v *MemoryVault) Purge(_ context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, ErrEmptySessionID
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	_, existed := v.sessions[sessionID]
	delete(v.sessions, sessionID)
	return existed, nil
}

// PurgeAll removes every session.
func (v *MemoryVault) PurgeAll(_ context.Context) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := len(v.sessions)
	v.sessions = make(map[string]*pii.SwapMap)
	return n, nil
}

// Close is a no-op for the in-memory vault.
func (v *MemoryVault) Close() error { return nil }
