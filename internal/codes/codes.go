// Package codes turns plaintext redeem codes into fingerprints and finds
// redeemable codes inside free-form note content.
package codes

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Fingerprint is the lowercase hex SHA-256 of the trimmed plaintext.
// Plaintext codes are never stored.
func Fingerprint(plaintext string) string {
	sum := sha256.Sum256([]byte(Trim(plaintext)))
	return hex.EncodeToString(sum[:])
}

// Trim strips the whitespace set used when the existing code files were
// written. It differs from strings.TrimSpace in treating U+FEFF as space and
// U+0085 as content.
func Trim(s string) string {
	return strings.TrimFunc(s, isCodeSpace)
}

func isCodeSpace(r rune) bool {
	if r == '\uFEFF' {
		return true
	}
	return r != '\u0085' && unicode.IsSpace(r)
}

// Match identifies the ledger entry a note redeems.
type Match struct {
	Fingerprint string
	Index       int
}

// Tokens splits content on whitespace and strips surrounding ASCII
// punctuation from every token, dropping tokens that end up empty.
func Tokens(content string) []string {
	fields := strings.Fields(content)
	out := fields[:0]
	for _, f := range fields {
		if t := strings.TrimFunc(f, notAlnum); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// FindMatch returns the first token, scanning left to right, whose fingerprint
// is a key of unused. unused maps fingerprint to ledger index.
func FindMatch(content string, unused map[string]int) (Match, bool) {
	if len(unused) == 0 {
		return Match{}, false
	}
	for _, tok := range Tokens(content) {
		fp := Fingerprint(tok)
		if idx, ok := unused[fp]; ok {
			return Match{Fingerprint: fp, Index: idx}, true
		}
	}
	return Match{}, false
}

func notAlnum(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return true
}
