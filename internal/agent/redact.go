package agent

import "regexp"

// sensitivePatterns matches text that looks like a live credential: known
// provider-prefixed API key shapes, bearer headers, and long hex/base64-ish
// runs that are almost certainly a token rather than prose.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{30,}`),
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
	regexp.MustCompile(`AIza[A-Za-z0-9_-]{30,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{20,}`),
	regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`),
}

// redactSensitive replaces anything matching a sensitive pattern with
// "[REDACTED]" before tool output is fed back to the model.
func redactSensitive(text string) string {
	for _, re := range sensitivePatterns {
		text = re.ReplaceAllString(text, "[REDACTED]")
	}
	return text
}
