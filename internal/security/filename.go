// Package security guards file names built from configuration input.
package security

import "strings"

const maxFilenameLen = 128

// SanitizeFilename makes a safe file name component from s. Characters other
// than ASCII letters, digits, dot, underscore and dash become an underscore,
// runs of underscores collapse, leading and trailing dots and underscores are
// trimmed and the result is capped at 128 bytes. An empty result is
// "unknown".
func SanitizeFilename(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
