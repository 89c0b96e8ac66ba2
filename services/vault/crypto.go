// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vault persists per-session PII swap maps across the
// ingress/egress boundary.
//
// Swap maps are serialized to JSON, sealed with AES-256-GCM under the
// operator's vault key, and stored one row per session in Badger. The
// key material itself lives in a memguard enclave and is only unfolded
// into process memory for the duration of a single seal or open.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// Sentinel errors for cipher failures.
var (
	// ErrEmptyKey is returned when a cipher is constructed without key
	// material.
	ErrEmptyKey = errors.New("vault: encryption key must not be empty")

	// ErrDecrypt is returned when ciphertext fails authentication or
	// decoding. A partial plaintext is never returned.
	ErrDecrypt = errors.New("vault: decryption failed")
)

// Cipher seals and opens vault payloads with AES-256-GCM.
//
// Description:
//
//	The operator key is stretched to 256 bits with SHA-256 and held in a
//	memguard enclave so the derived key is encrypted at rest inside the
//	process. Ciphertext is nonce||sealed, URL-safe base64 encoded, which
//	is the wire format stored in Badger rows.
//
// Thread Safety: Safe for concurrent use; each call opens its own
// locked buffer.
type Cipher struct {
	enclave *memguard.Enclave
}

// NewCipher derives a cipher from the operator key.
func NewCipher(key string) (*Cipher, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	derived := sha256.Sum256([]byte(key))
	enclave := memguard.NewEnclave(derived[:])
	return &Cipher{enclave: enclave}, nil
}

// Encrypt seals plaintext and returns URL-safe base64 ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	gcm, buf, err := c.openGCM()
	if err != nil {
		return "", err
	}
	defer buf.Destroy()

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt authenticates and opens ciphertext produced by Encrypt.
// Any tampering, truncation, or key mismatch yields ErrDecrypt.
func (c *Cipher) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	gcm, buf, err := c.openGCM()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrDecrypt)
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// openGCM unfolds the enclave and builds the AEAD. The caller must
// destroy the returned buffer once the operation completes.
func (c *Cipher) openGCM() (cipher.AEAD, *memguard.LockedBuffer, error) {
	buf, err := c.enclave.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("vault: opening key enclave: %w", err)
	}

	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("vault: building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("vault: building GCM: %w", err)
	}
	return gcm, buf, nil
}
