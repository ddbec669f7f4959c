package utils

import "strings"

// Fingerprint masks a credential for logs: first 6 and last 4 characters.
// Tokens too short to mask safely are fully hidden.
func Fingerprint(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if len(token) <= 10 {
		return strings.Repeat("*", len(token))
	}
	return token[:6] + "..." + token[len(token)-4:]
}
