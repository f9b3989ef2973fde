// Package shared holds the small helpers every layer needs: the correlation
// scope carried on contexts and secret scrubbing for anything that leaves
// the process as text.
package shared

import (
	"regexp"
	"strings"
)

// Redacted replaces every scrubbed value.
const Redacted = "[REDACTED]"

type redactRule struct {
	re   *regexp.Regexp
	repl string
}

// Rules apply in order. A rule with a capture group keeps the group (the
// key or scheme) and masks only what follows it.
var redactRules = []redactRule{
	{regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{30,}|github_pat_[A-Za-z0-9_]{40,})`), Redacted},
	{regexp.MustCompile(`(?i)((?:api[_-]?key|secret|password|override[_-]?token|auth[_-]?token|token)"?\s*[:=]\s*"?)[^\s"&,;]{6,}`), "${1}" + Redacted},
	{regexp.MustCompile(`(?i)\b((?:bearer|basic)\s+)[A-Za-z0-9_\-./+=~]{12,}`), "${1}" + Redacted},
	{regexp.MustCompile(`(://[^/\s:@]+:)[^@\s/]+@`), "${1}" + Redacted + "@"},
}

var sensitiveKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"}

// Redact masks credentials embedded in free text: VCS tokens, key=value
// secrets, authorization schemes and URL userinfo.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, r := range redactRules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// SensitiveKey reports whether a field name suggests its value is a
// credential.
func SensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// RedactMetadata returns a scrubbed copy of event metadata. Values under
// sensitive keys are replaced outright; other strings go through Redact.
func RedactMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		if SensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch x := v.(type) {
	case string:
		return Redact(x)
	case map[string]any:
		return RedactMetadata(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = redactValue(e)
		}
		return out
	case []string:
		out := make([]string, len(x))
		for i, e := range x {
			out[i] = Redact(e)
		}
		return out
	default:
		return v
	}
}
