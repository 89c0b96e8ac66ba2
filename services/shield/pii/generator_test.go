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
	"regexp"
	"strings"
	"testing"
)

func TestGenerateKnownKinds(t *testing.T) {
	g := NewGenerator(42)

	kinds := []Kind{
		KindEmail, KindPhone, KindSSN, KindCreditCard, KindIPAddress,
		KindDateOfBirth, KindName, KindAddress, KindPerson, KindOrg, KindGPE,
	}
	for _, k := range kinds {
		v, err := g.Generate(k)
		if err != nil {
			t.Fatalf("Generate(%s) error: %v", k, err)
		}
		if v == "" {
			t.Errorf("Generate(%s) returned empty value", k)
		}
	}
}

func TestGenerateShapes(t *testing.T) {
	g := NewGenerator(7)

	email, err := g.Generate(KindEmail)
	if err != nil {
		t.Fatalf("Generate(EMAIL) error: %v", err)
	}
	if !strings.Contains(email, "@") {
		t.Errorf("synthetic email %q has no @", email)
	}

	ssn, err := g.Generate(KindSSN)
	if err != nil {
		t.Fatalf("Generate(SSN) error: %v", err)
	}
	if !regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`).MatchString(ssn) {
		t.Errorf("synthetic SSN %q has wrong shape", ssn)
	}

	dob, err := g.Generate(KindDateOfBirth)
	if err != nil {
		t.Fatalf("Generate(DATE_OF_BIRTH) error: %v", err)
	}
	if !regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`).MatchString(dob) {
		t.Errorf("synthetic DOB %q has wrong shape", dob)
	}

	ip, err := g.Generate(KindIPAddress)
	if err != nil {
		t.Fatalf("Generate(IP_ADDRESS) error: %v", err)
	}
	if strings.Count(ip, ".") != 3 {
		t.Errorf("synthetic IP %q has wrong shape", ip)
	}
}

func TestGenerateDeterministicWithSeed(t *testing.T) {
	a := NewGenerator(1234)
	b := NewGenerator(1234)

	for i := 0; i < 5; i++ {
		va, err := a.Generate(KindEmail)
		if err != nil {
			t.Fatalf("Generate error: %v", err)
		}
		vb, err := b.Generate(KindEmail)
		if err != nil {
			t.Fatalf("Generate error: %v", err)
		}
		if va != vb {
			t.Fatalf("same seed diverged at call %d: %q vs %q", i, va, vb)
		}
	}
}

func TestGenerateUnknownKind(t *testing.T) {
	g := NewGenerator(1)

	if _, err := g.Generate(Kind("WIDGET")); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("Generate(WIDGET) error = %v, want ErrUnknownKind", err)
	}
}

func TestGenerateBatch(t *testing.T) {
	g := NewGenerator(99)

	values, err := g.GenerateBatch([]Kind{KindEmail, KindPhone, KindOrg})
	if err != nil {
		t.Fatalf("GenerateBatch error: %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("GenerateBatch returned %d values, want 3", len(values))
	}
	if !strings.Contains(values[0], "@") {
		t.Errorf("first value %q is not an email", values[0])
	}

	if _, err := g.GenerateBatch([]Kind{KindEmail, Kind("WIDGET")}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("GenerateBatch with unknown kind error = %v, want ErrUnknownKind", err)
	}
}
