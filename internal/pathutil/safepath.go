// Package pathutil validates names that end up as archive entries or
// retained object keys.
package pathutil

import "strings"

// IsSafeRelative reports whether p is a clean relative slash path that stays
// inside its root: not absolute, no backslashes, no empty or dot segments.
func IsSafeRelative(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

// SafeName turns an untrusted name into a single path segment. Separators and
// control characters become "_", and a result that would be empty or a dot
// segment falls back to fallback.
func SafeName(name, fallback string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == ':':
			b.WriteByte('_')
		case r < 0x20 || r == 0x7f:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	out = strings.TrimLeft(out, ".")
	if out == "" {
		return fallback
	}
	return out
}
