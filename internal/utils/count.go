package utils

import (
	"strconv"
	"strings"
)

// Count parses a non-negative integer query value such as a page budget.
// Blank, malformed or negative input yields def; values above ceiling are
// clamped to it when ceiling is positive.
func Count(s string, def, ceiling int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	if ceiling > 0 && n > ceiling {
		return ceiling
	}
	return n
}
