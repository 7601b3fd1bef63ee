package security

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeInput canonicalizes a string before pattern matching. Encoding
// tricks (fullwidth characters, zero-width joiners, stray null bytes) must
// not let an input slide past the threat tables.
func NormalizeInput(s string) string {
	if s == "" {
		return ""
	}

	// C-level syscalls truncate at \x00, so "safe\x00; rm -rf /" would
	// execute differently from what the matcher saw. Strip before anything
	// else so the matcher and the kernel agree.
	s = strings.ReplaceAll(s, "\x00", "")

	// Invalid UTF-8 bytes can corrupt NFKC processing of subsequent valid
	// runes, breaking idempotency.
	s = strings.ToValidUTF8(s, "�")

	// NFKC maps fullwidth, compatibility, and decomposed forms to canonical
	// equivalents, e.g. fullwidth "／ｅｔｃ" to "/etc".
	s = norm.NFKC.String(s)

	s = stripInvisible(s)

	return s
}

// stripInvisible removes zero-width and formatting runes that are invisible
// to a reviewer but meaningful to a parser.
func stripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff', '\u00ad':
			return -1
		}
		if unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, s)
}

// collapseWhitespace folds runs of whitespace to single spaces so patterns
// anchored on word boundaries cannot be split apart with tabs.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
