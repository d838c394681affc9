// Package identity generates the disposable signup identity for a run: a
// high-entropy mailbox local part and a complexity-compliant password.
package identity

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/config"
)

// Character sets, with ambiguous characters removed from the password
// alphabets for better usability.
const (
	lowerChars  = "abcdefghijkmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	numberChars = "23456789"
	symbolChars = "!@#$%^&*()_+-="

	// Local parts stay plain lowercase alphanumeric so any mail provider
	// accepts them verbatim.
	localLetters  = "abcdefghijklmnopqrstuvwxyz"
	localAlphabet = localLetters + "0123456789"

	// Floors mirror config validation for callers that construct the
	// generator directly.
	minLocalPartLength = 10
	minPasswordLength  = 8
)

// Generator implements schemas.IdentityGenerator backed by crypto/rand.
// Generation is pure apart from the entropy source; the only failure mode
// is the underlying OS entropy source.
type Generator struct {
	localPartLength int
	passwordLength  int
}

// NewGenerator builds a Generator from configuration, flooring lengths at
// the same minimums config validation enforces.
func NewGenerator(cfg config.IdentityConfig) *Generator {
	g := &Generator{
		localPartLength: cfg.LocalPartLength,
		passwordLength:  cfg.PasswordLength,
	}
	if g.localPartLength < minLocalPartLength {
		g.localPartLength = minLocalPartLength
	}
	if g.passwordLength < minPasswordLength {
		g.passwordLength = minPasswordLength
	}
	return g
}

// Generate returns a fresh identity. The domain is left empty; it is
// assigned once the mailbox provider confirms which domain the inbox
// actually lives under.
func (g *Generator) Generate() (schemas.Identity, error) {
	localPart, err := g.generateLocalPart()
	if err != nil {
		return schemas.Identity{}, err
	}

	password, err := g.generatePassword()
	if err != nil {
		return schemas.Identity{}, err
	}

	return schemas.Identity{
		LocalPart: localPart,
		Password:  password,
	}, nil
}

// generateLocalPart produces a random lowercase alphanumeric local part.
// The first character is always a letter; some providers reject local
// parts that start with a digit.
func (g *Generator) generateLocalPart() (string, error) {
	part := make([]byte, g.localPartLength)

	char, err := cryptoRandChar(localLetters)
	if err != nil {
		return "", err
	}
	part[0] = char

	for i := 1; i < len(part); i++ {
		char, err := cryptoRandChar(localAlphabet)
		if err != nil {
			return "", err
		}
		part[i] = char
	}
	return string(part), nil
}

// generatePassword creates a password adhering to common complexity rules
// using cryptographically secure RNG.
func (g *Generator) generatePassword() (string, error) {
	var password []byte
	availableChars := lowerChars + upperChars + numberChars + symbolChars

	// Ensure mandatory character types are present.
	mandatorySets := []string{upperChars, numberChars, symbolChars, lowerChars}
	for _, charset := range mandatorySets {
		char, err := cryptoRandChar(charset)
		if err != nil {
			return "", err
		}
		password = append(password, char)
	}

	// Fill the rest up to the configured length.
	for len(password) < g.passwordLength {
		char, err := cryptoRandChar(availableChars)
		if err != nil {
			return "", err
		}
		password = append(password, char)
	}

	// Secure shuffle (Fisher-Yates) so the mandatory characters are not
	// predictably located.
	for i := len(password) - 1; i > 0; i-- {
		max := big.NewInt(int64(i + 1))
		jBig, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure during shuffle: %w", err)
		}
		j := jBig.Int64()
		password[i], password[j] = password[j], password[i]
	}

	return string(password), nil
}

// cryptoRandChar picks a cryptographically secure random character from
// the given charset.
func cryptoRandChar(charset string) (byte, error) {
	if len(charset) == 0 {
		return 0, fmt.Errorf("internal error: empty charset for identity generation")
	}
	max := big.NewInt(int64(len(charset)))
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		// Failure in the underlying OS entropy source.
		return 0, fmt.Errorf("crypto/rand failure: %w", err)
	}
	return charset[n.Int64()], nil
}
