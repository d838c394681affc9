package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashfaqmehmood/ref-tools-keygen/internal/config"
)

func defaultGenerator() *Generator {
	return NewGenerator(config.IdentityConfig{
		LocalPartLength: 12,
		PasswordLength:  16,
	})
}

// Verifies the entropy property: local parts generated across many
// invocations are pairwise distinct.
func TestGenerate_LocalPartUniqueness(t *testing.T) {
	gen := defaultGenerator()

	const iterations = 10000
	seen := make(map[string]struct{}, iterations)
	for i := 0; i < iterations; i++ {
		id, err := gen.Generate()
		require.NoError(t, err)

		_, collision := seen[id.LocalPart]
		require.False(t, collision, "local part collision after %d generations: %q", i, id.LocalPart)
		seen[id.LocalPart] = struct{}{}
	}
}

// Verifies the shape of generated local parts: length, alphabet, and the
// leading letter constraint.
func TestGenerate_LocalPartShape(t *testing.T) {
	gen := defaultGenerator()

	for i := 0; i < 100; i++ {
		id, err := gen.Generate()
		require.NoError(t, err)

		assert.Len(t, id.LocalPart, 12)
		assert.Contains(t, localLetters, string(id.LocalPart[0]), "local part must start with a letter")
		for _, c := range id.LocalPart {
			assert.Contains(t, localAlphabet, string(c), "unexpected character %q in local part", c)
		}
		assert.Empty(t, id.Domain, "domain is assigned by the mailbox provider, not the generator")
	}
}

// Verifies the password policy: configured length and coverage of all
// four character classes.
func TestGenerate_PasswordPolicy(t *testing.T) {
	gen := defaultGenerator()
	allChars := lowerChars + upperChars + numberChars + symbolChars

	for i := 0; i < 100; i++ {
		id, err := gen.Generate()
		require.NoError(t, err)

		require.Len(t, id.Password, 16)
		assert.True(t, strings.ContainsAny(id.Password, lowerChars), "missing lowercase: %q", id.Password)
		assert.True(t, strings.ContainsAny(id.Password, upperChars), "missing uppercase: %q", id.Password)
		assert.True(t, strings.ContainsAny(id.Password, numberChars), "missing digit: %q", id.Password)
		assert.True(t, strings.ContainsAny(id.Password, symbolChars), "missing symbol: %q", id.Password)
		for _, c := range id.Password {
			assert.Contains(t, allChars, string(c), "unexpected character %q in password", c)
		}
	}
}

// Verifies that consecutive passwords differ (no stuck RNG).
func TestGenerate_PasswordsDiffer(t *testing.T) {
	gen := defaultGenerator()

	first, err := gen.Generate()
	require.NoError(t, err)
	second, err := gen.Generate()
	require.NoError(t, err)

	assert.NotEqual(t, first.Password, second.Password)
}

// Verifies that degenerate configuration values are floored to safe
// minimums instead of producing weak identities.
func TestNewGenerator_FloorsLengths(t *testing.T) {
	gen := NewGenerator(config.IdentityConfig{LocalPartLength: 3, PasswordLength: 4})

	id, err := gen.Generate()
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(id.LocalPart), minLocalPartLength)
	assert.GreaterOrEqual(t, len(id.Password), minPasswordLength)
}
