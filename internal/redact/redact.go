// Package redact masks sensitive substrings in text that leaves the
// kernel as a human-readable preview: approval request previews and
// audit reasons. It is pattern-based and the preview is advisory;
// the underlying values never leave the vault.
package redact

import (
	"regexp"
	"strings"
)

// PatternType identifies the category of sensitive data.
type PatternType string

const (
	PatternCred  PatternType = "CRED"
	PatternToken PatternType = "TOKEN"
	PatternEmail PatternType = "EMAIL"
	PatternIP    PatternType = "IP"
)

type pattern struct {
	typ PatternType
	re  *regexp.Regexp
}

var patterns = []pattern{
	// key=value pairs where the key suggests a secret.
	{PatternCred, regexp.MustCompile(`(?i)(?:password|passwd|secret|token|api_key|apikey|auth)["' \t]*[=:]["' \t]*\S+`)},

	// Bearer headers and common key prefixes.
	{PatternToken, regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]+`)},
	{PatternToken, regexp.MustCompile(`\b(?:sk|pk|ghp|xox[a-z])[-_][A-Za-z0-9_\-]{8,}\b`)},

	// Long hex strings are usually keys or hashes.
	{PatternToken, regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`)},

	{PatternEmail, regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`)},

	{PatternIP, regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)},
}

// safeValues never get masked; they carry no information about the host.
var safeValues = map[string]bool{
	"127.0.0.1": true,
	"0.0.0.0":   true,
}

// Mask replaces every sensitive match in text with a [TYPE] marker.
func Mask(text string) string {
	for _, p := range patterns {
		text = p.re.ReplaceAllStringFunc(text, func(m string) string {
			if safeValues[m] {
				return m
			}
			return "[" + string(p.typ) + "]"
		})
	}
	return text
}

// MaskedPreview masks text and truncates it for display.
func MaskedPreview(text string, max int) string {
	masked := Mask(text)
	if max > 3 && len(masked) > max {
		masked = strings.ToValidUTF8(masked[:max-3], "") + "..."
	}
	return masked
}
