package sefaz

import (
	"strings"
)

// cursorWidth is the zero-padded width of a sequence number on the wire
const cursorWidth = 15

// NormalizeCursor strips surrounding space and leading zeros from a feed
// sequence number. An empty value normalises to "0".
func NormalizeCursor(s string) string {
	s = strings.TrimLeft(strings.TrimSpace(s), "0")
	if s == "" {
		return "0"
	}
	return s
}

// PadCursor renders a cursor in the fixed-width form the service expects
func PadCursor(s string) string {
	s = NormalizeCursor(s)
	if len(s) >= cursorWidth {
		return s
	}
	return strings.Repeat("0", cursorWidth-len(s)) + s
}

// ValidCursor reports whether s is a non-empty run of digits
func ValidCursor(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// CompareCursors compares two sequence numbers numerically and returns -1, 0
// or +1. Both values must be digit strings.
func CompareCursors(a, b string) int {
	a, b = NormalizeCursor(a), NormalizeCursor(b)
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return strings.Compare(a, b)
}
