package utils

import "strings"

// HasPattern reports whether a permission key contains wildcard or parameter
// syntax and therefore needs MatchKey instead of equality.
func HasPattern(key string) bool {
	return strings.ContainsAny(key, "*:")
}

// MatchKey checks if the given permission key matches the provided pattern.
// Patterns may include:
//   - Wildcard '*' which matches any sequence of characters (including none).
//   - Parameter prefix ':' (e.g., ':id') matching any segment until the next
//     separator ('/' or '.').
//
// Keys are hierarchical with '.' or '/' separators; "document.*" matches
// every key under the document prefix.
func MatchKey(key, pattern string) bool {
	kIndex, pIndex := 0, 0
	kLen, pLen := len(key), len(pattern)

	for pIndex < pLen {
		switch pattern[pIndex] {
		case '*':
			// '*' matches any sequence; if it's last, accept
			if pIndex == pLen-1 {
				return true
			}
			// Match until next separator or end of key
			for kIndex < kLen && !isSeparator(key[kIndex]) {
				kIndex++
			}
			pIndex++
		case ':':
			// Skip pattern until end of param name
			pIndex++
			for pIndex < pLen && !isSeparator(pattern[pIndex]) {
				pIndex++
			}
			// Skip key until next separator
			for kIndex < kLen && !isSeparator(key[kIndex]) {
				kIndex++
			}
		default:
			// Match literal char
			if kIndex < kLen && pattern[pIndex] == key[kIndex] {
				kIndex++
				pIndex++
			} else {
				return false
			}
		}
	}

	// Both fully consumed?
	// Hierarchical suffix wildcards match whole subtrees
	if strings.HasSuffix(pattern, ".*") || strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(key, pattern[:len(pattern)-2])
	}
	return kIndex == kLen && pIndex == pLen
}

func isSeparator(c byte) bool {
	return c == '/' || c == '.'
}
