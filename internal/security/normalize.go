// Package security implements the staged inspection engine for inbound text,
// tool calls, and assistant output. Checks run against curated regex rule
// families; an optional LLM classifier backs the input stage as a second
// layer for obfuscated or multilingual injection attempts.
package security

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Invisible characters stripped before matching. Attackers split keywords
// with these to dodge keyword filters.
const zeroWidthChars = "​‌‍\uFEFF⁠­"

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	separatorRun  = regexp.MustCompile("[\\s\\-+_`'\".,:;|/\\\\]+")
)

// NormalizedText holds precomputed views of one text payload.
type NormalizedText struct {
	Original string
	Lowered  string
	Compact  string
}

// Normalize reduces simple obfuscation tricks before rule matching: NFKC
// canonicalization, zero-width character removal, whitespace collapsing, a
// lowercase view, and a compact view without separators for split-token
// bypasses.
func Normalize(text string) NormalizedText {
	cleaned := norm.NFKC.String(text)
	cleaned = strings.Map(func(r rune) rune {
		if strings.ContainsRune(zeroWidthChars, r) {
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.TrimSpace(whitespaceRun.ReplaceAllString(cleaned, " "))

	lowered := strings.ToLower(cleaned)
	return NormalizedText{
		Original: text,
		Lowered:  lowered,
		Compact:  separatorRun.ReplaceAllString(lowered, ""),
	}
}
