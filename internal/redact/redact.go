// Package redact strips secrets from scanned text before it reaches logs or
// scan results. Matched-text excerpts from detections pass through Redact so
// a credential caught by a rule never lands in an audit trail verbatim.
package redact

import (
	"regexp"

	"github.com/promptwall/promptwall/internal/rules"
)

var secretPatterns = []*regexp.Regexp{
	// Cloud provider keys
	regexp.MustCompile(`(?i)(aws_access_key_id|aws_secret_access_key|aws_session_token)\s*[=:]\s*['"]?[A-Za-z0-9/+=]{20,}['"]?`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

	// GitHub tokens
	regexp.MustCompile(`(?i)(github_token|gh_token|github_pat)\s*[=:]\s*['"]?[A-Za-z0-9_-]{30,}['"]?`),
	regexp.MustCompile(`gh[opurs]_[A-Za-z0-9]{36}`),

	// Model provider / generic API keys
	regexp.MustCompile(`\bsk-[A-Za-z0-9\-]{20,}`),
	regexp.MustCompile(`(?i)(api_key|apikey|api-key|secret_key|secretkey|secret-key|access_token|auth_token)\s*[=:]\s*['"]?[A-Za-z0-9_-]{16,}['"]?`),

	// Private key blocks
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----`),

	// Bearer tokens and basic auth in URLs
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_.-]{20,}`),
	regexp.MustCompile(`https?://[^:\s]+:[^@\s]+@`),

	// SaaS tokens
	regexp.MustCompile(`xox[baprs]-[0-9]{10,13}-[0-9]{10,13}[a-zA-Z0-9-]*`),
	regexp.MustCompile(`sk_live_[0-9a-zA-Z]{24}`),

	// Password-style assignments
	regexp.MustCompile(`(?i)(password|passwd|pwd|secret)\s*[=:]\s*['"]?[^\s'"]{8,}['"]?`),
}

const placeholder = "[REDACTED]"

// Redact replaces recognized secret material with a placeholder.
func Redact(input string) string {
	result := input
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, placeholder)
	}
	return result
}

// Detections returns a copy of detections with matched text, context windows,
// and capture groups redacted. The originals are not modified.
func Detections(detections []rules.Detection) []rules.Detection {
	out := make([]rules.Detection, len(detections))
	copy(out, detections)
	for i := range out {
		if len(out[i].Matches) == 0 {
			continue
		}
		matches := make([]rules.Match, len(out[i].Matches))
		copy(matches, out[i].Matches)
		for j := range matches {
			matches[j].MatchedText = Redact(matches[j].MatchedText)
			matches[j].ContextBefore = Redact(matches[j].ContextBefore)
			matches[j].ContextAfter = Redact(matches[j].ContextAfter)
			if len(matches[j].Groups) > 0 {
				groups := make([]string, len(matches[j].Groups))
				for k, g := range matches[j].Groups {
					groups[k] = Redact(g)
				}
				matches[j].Groups = groups
			}
		}
		out[i].Matches = matches
	}
	return out
}
