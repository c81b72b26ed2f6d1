package internal

import "strings"

var sanitizeReplacer = strings.NewReplacer("\n", "", "\r", "", "\t", " ")

// SanitizeString strips control characters from user-supplied input before it
// is logged, preventing forged log lines.
func SanitizeString(s string) string {
	return sanitizeReplacer.Replace(s)
}
