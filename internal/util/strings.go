package util

import (
	"net/url"
	"strings"
)

// SafeTruncate truncates s to at most maxLen bytes without panicking.
// A negative maxLen yields the empty string.
//
// Example:
//
//	SafeTruncate("very-long-code-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                 // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so that "https://a/" and "https://a"
// compare equal.
func NormalizeURL(u string) string {
	return strings.TrimRight(u, "/")
}

// AppendQuery returns target with params merged into its query string.
// Existing parameters on target are preserved. Empty values are sent as
// given; callers leave out keys they want omitted.
func AppendQuery(target string, params url.Values) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for key, values := range params {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
