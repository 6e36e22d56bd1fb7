package util

import (
	"sort"
	"strings"
)

// SafeTruncate truncates s to maxLen bytes without panicking.
// Used when logging prefixes of codes and token hashes.
// A negative maxLen returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so issuer URLs compare equal with or
// without them.
//
//	NormalizeURL("https://auth.example.com/") // "https://auth.example.com"
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// ParseScope splits a space-delimited scope parameter into its values.
// Duplicates are dropped and the original order is kept.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// FormatScope joins scopes into the space-delimited wire form
func FormatScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopesSubset reports whether every requested scope is in allowed
func ScopesSubset(requested, allowed []string) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		set[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// MissingScopes returns the requested scopes absent from allowed, sorted
func MissingScopes(requested, allowed []string) []string {
	set := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		set[s] = struct{}{}
	}
	var missing []string
	for _, s := range requested {
		if _, ok := set[s]; !ok {
			missing = append(missing, s)
		}
	}
	sort.Strings(missing)
	return missing
}

// ContainsScope reports whether scope is present in scopes
func ContainsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
