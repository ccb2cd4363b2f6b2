// Package utils holds small helpers for HTTP query parameters.
package utils

import (
	"strconv"
	"strings"
)

// IntParam parses a query value as an integer bounded to [lo, hi]. Empty or
// malformed input yields def, which is bounded as well.
//
//	IntParam("500", 50, 1, 200) // 200
//	IntParam("", 50, 1, 200)    // 50
//	IntParam("abc", 0, 0, 10)   // 0
func IntParam(s string, def, lo, hi int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		n = def
	}
	return Clamp(n, lo, hi)
}

// Clamp bounds n to [lo, hi].
func Clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
