// Package utils provides shared utilities for text, formatting, and logging.
package utils

import "fmt"

// TruncateRunes returns s truncated to at most max runes. Truncation happens
// on rune boundaries so multi-byte text is never split mid-character.
// If max is 0 or negative, returns s unchanged.
func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == max {
			return s[:i]
		}
		count++
	}
	return s
}

// HumanBytes formats a byte count as a short human-readable size.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
