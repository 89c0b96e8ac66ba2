// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pii

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// ErrUnknownKind is returned when no synthetic producer exists for a kind.
var ErrUnknownKind = errors.New("pii: no synthetic generator for kind")

// Generator produces plausible synthetic stand-ins for detected PII.
//
// Description:
//
//	Wraps a seeded faker so that the same seed yields the same synthetic
//	sequence, which keeps tests and replayed sessions deterministic. Values
//	are plausible but fabricated: synthetic emails, NANP-formatted phone
//	numbers, well-formed SSN/card shapes, and so on.
//
// Thread Safety: Safe for concurrent use; the underlying faker is not, so
// calls serialize on an internal mutex.
//
// Limitations: Synthetic values are not guaranteed unique across calls,
// only overwhelmingly unlikely to collide. The swapper tolerates reuse.
type Generator struct {
	mu    sync.Mutex
	faker *gofakeit.Faker
}

// NewGenerator creates a generator seeded with seed. Seed 0 selects a
// random seed.
func NewGenerator(seed uint64) *Generator {
	return &Generator{faker: gofakeit.New(seed)}
}

// Generate returns one synthetic value for the given kind.
func (g *Generator) Generate(kind Kind) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generateLocked(kind)
}

// GenerateBatch returns one synthetic value per requested kind, in order.
// The first unknown kind aborts the batch.
func (g *Generator) GenerateBatch(kinds []Kind) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	values := make([]string, 0, len(kinds))
	for _, k := range kinds {
		v, err := g.generateLocked(k)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func (g *Generator) generateLocked(kind Kind) (string, error) {
	switch kind {
	case KindEmail:
		return g.faker.Email(), nil
	case KindPhone:
		return g.faker.PhoneFormatted(), nil
	case KindSSN:
		return g.faker.Numerify("###-##-####"), nil
	case KindCreditCard:
		return g.faker.CreditCardNumber(nil), nil
	case KindIPAddress:
		return g.faker.IPv4Address(), nil
	case KindDateOfBirth:
		start := time.Date(1940, time.January, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2005, time.December, 31, 0, 0, 0, 0, time.UTC)
		return g.faker.DateRange(start, end).Format("2006-01-02"), nil
	case KindPerson, KindName:
		return g.faker.Name(), nil
	case KindOrg:
		return g.faker.Company(), nil
	case KindGPE:
		return g.faker.City(), nil
	case KindAddress:
		return g.faker.Address().Address, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}
