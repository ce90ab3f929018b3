package audit

import "regexp"

// redactedPlaceholder replaces any matched secret-shaped substring.
const redactedPlaceholder = "[REDACTED]"

// secretPatterns match bearer tokens, API-key-shaped strings, and
// known token prefixes.
var secretPatterns = []*regexp.Regexp{
	// Authorization header values
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]+`),
	regexp.MustCompile(`(?i)basic\s+[A-Za-z0-9+/=]+`),
	// Anthropic API keys
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]+`),
	// OpenAI-style keys
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	// GitHub tokens (classic, fine-grained, app)
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`),
	// AWS access key IDs
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	// Slack tokens
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9\-]+`),
}

// kvSecretPattern matches values assigned to token-ish JSON keys,
// keeping the key and quotes intact.
var kvSecretPattern = regexp.MustCompile(`(?i)("?(?:token|secret|password|api_key|apikey)"?\s*[:=]\s*")[^"]+(")`)

// Redact strips secret-shaped substrings from s before it is persisted
// or logged.
func Redact(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, redactedPlaceholder)
	}
	return kvSecretPattern.ReplaceAllString(s, "${1}"+redactedPlaceholder+"${2}")
}
