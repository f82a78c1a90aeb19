package collector

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Normalize strips literal values from an operation signature so that
// structurally identical operations group under one fingerprint: quoted
// strings, numeric constants, and bind-parameter placeholders ($1, :name, ?)
// all collapse to "?", and whitespace is folded.
func Normalize(signature string) string {
	s := strings.ToLower(strings.TrimSpace(signature))
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))

	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '\'' || c == '"':
			i = skipQuoted(s, i)
			b.WriteByte('?')
		case c == '$' && i+1 < len(s) && isDigit(s[i+1]):
			i = skipWhile(s, i+1, isDigit)
			b.WriteByte('?')
		case c == ':' && i+1 < len(s) && isIdent(s[i+1]):
			i = skipWhile(s, i+1, isIdent)
			b.WriteByte('?')
		case isDigit(c) && !prevIsIdent(s, i):
			i = skipNumber(s, i)
			b.WriteByte('?')
		case unicode.IsSpace(rune(c)):
			i = skipWhile(s, i, func(b byte) bool { return unicode.IsSpace(rune(b)) })
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
			i++
		}
	}

	return strings.TrimSpace(b.String())
}

// Fingerprint returns the stable hex fingerprint of a normalized signature.
func Fingerprint(signature string) string {
	sum := xxhash.Sum64String(Normalize(signature))
	return strconv.FormatUint(sum, 16)
}

// skipQuoted advances past a quoted literal starting at s[start], honouring
// backslash escapes. Returns the index after the closing quote, or len(s)
// when the literal is unterminated.
func skipQuoted(s string, start int) int {
	quote := s[start]
	i := start + 1
	for i < len(s) {
		if s[i] == '\\' && i+1 < len(s) {
			i += 2
			continue
		}
		if s[i] == quote {
			return i + 1
		}
		i++
	}
	return i
}

func skipNumber(s string, start int) int {
	i := skipWhile(s, start, isDigit)
	if i < len(s) && s[i] == '.' && i+1 < len(s) && isDigit(s[i+1]) {
		i = skipWhile(s, i+1, isDigit)
	}
	return i
}

func skipWhile(s string, start int, pred func(byte) bool) int {
	i := start
	for i < len(s) && pred(s[i]) {
		i++
	}
	return i
}

func prevIsIdent(s string, i int) bool {
	return i > 0 && isIdent(s[i-1])
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdent(c byte) bool {
	return c == '_' || isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
