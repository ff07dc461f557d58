// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "what is 2+2?", Normalize("  What IS\t2+2?\n"))
	assert.Equal(t, "", Normalize(" \n\t "))
	assert.Equal(t, "a b", Normalize("a  b"))
}

func TestCompute_StableUnderWhitespaceAndCase(t *testing.T) {
	base := Compute("What is 2+2?")
	variants := []string{
		"what is 2+2?",
		"  WHAT is   2+2?  ",
		"What\nis\t2+2?",
	}
	for _, v := range variants {
		assert.Equal(t, base, Compute(v), v)
	}
	assert.Len(t, base, 64)
}

func TestCompute_DistinguishesText(t *testing.T) {
	assert.NotEqual(t, Compute("2+2=?"), Compute("2+3=?"))
	assert.NotEqual(t, Compute("ab"), Compute("a b"))
}

func TestCompute_KnownValue(t *testing.T) {
	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Compute(" ABC "))
}
