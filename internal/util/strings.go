package util

import "strings"

// SafeTruncate returns at most the first n bytes of s. Hash prefixes in log
// lines go through it so short or empty values never panic.
func SafeTruncate(s string, n int) string {
	switch {
	case n <= 0:
		return ""
	case len(s) > n:
		return s[:n]
	default:
		return s
	}
}

// NormalizeURL strips trailing slashes, so an issuer written as
// "https://gallery.example.com/" joins cleanly with endpoint paths.
func NormalizeURL(u string) string {
	return strings.TrimRight(u, "/")
}
