// Package extract turns rendered page content and verification-message
// bodies into the two strings the workflow actually needs: the issued API
// key and the confirmation link.
package extract

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNoKeyPattern is returned when page content holds nothing that looks
// like an issued key.
var ErrNoKeyPattern = errors.New("no key pattern on page")

// Keys are bounded; anything longer is page prose that happened to match.
const maxKeyLength = 200

// Fragments that disqualify a candidate token. Documentation pages are
// full of long identifier-like strings; real keys never contain these.
var noiseFragments = []string{
	"typescript", "node.js", "error", "failed", "search", "docs", "install", "verify",
}

var fallbackTokenPattern = regexp.MustCompile(`\b[A-Za-z0-9_-]{20,}\b`)

// Extractor implements schemas.KeyExtractor. It prefers tokens carrying
// the service's key prefix and falls back to the first long opaque token.
type Extractor struct {
	prefixPattern *regexp.Regexp
}

// NewExtractor builds an Extractor for the given key prefix (for example
// "ref", matching both "ref-..." and "ref_..." tokens). An empty prefix
// disables the prefixed pass and leaves only the fallback.
func NewExtractor(keyPrefix string) *Extractor {
	e := &Extractor{}
	if keyPrefix != "" {
		// Require at least six token characters after the separator so
		// prose like a hyphenated product name does not qualify.
		e.prefixPattern = regexp.MustCompile(
			`\b` + regexp.QuoteMeta(keyPrefix) + `[-_][A-Za-z0-9][A-Za-z0-9_-]{5,}\b`)
	}
	return e
}

// Extract returns the first key-shaped token found in pageContent.
// Prefixed tokens win outright; otherwise the first sufficiently long
// opaque token that does not look like prose is returned. Absence is
// ErrNoKeyPattern: the page state itself is wrong, not a transient fault.
func (e *Extractor) Extract(pageContent string) (string, error) {
	if e.prefixPattern != nil {
		if match := e.prefixPattern.FindString(pageContent); match != "" && len(match) < maxKeyLength {
			return match, nil
		}
	}

	for _, match := range fallbackTokenPattern.FindAllString(pageContent, -1) {
		if len(match) >= maxKeyLength {
			continue
		}
		if containsNoise(match) {
			continue
		}
		return match, nil
	}

	return "", ErrNoKeyPattern
}

func containsNoise(candidate string) bool {
	lowered := strings.ToLower(candidate)
	for _, fragment := range noiseFragments {
		if strings.Contains(lowered, fragment) {
			return true
		}
	}
	return false
}
