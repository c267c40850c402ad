package safety

import "regexp"

// Secret is one credential-shaped match. Sample is already shortened.
type Secret struct {
	Kind   string
	Sample string
}

var secretRules = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), "private key"},
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`), "API key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "Google API key"},
	{regexp.MustCompile(`sk-(ant-)?[A-Za-z0-9_\-]{20,}`), "API key"},
	{regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{35}\b`), "bot token"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), "password"},
}

// FindSecrets lists up to three matches per rule.
func FindSecrets(text string) []Secret {
	if text == "" {
		return nil
	}
	var out []Secret
	for _, r := range secretRules {
		for _, m := range r.re.FindAllString(text, 3) {
			sample := m
			if len(sample) > 12 {
				sample = sample[:9] + "..."
			}
			out = append(out, Secret{Kind: r.kind, Sample: sample})
		}
	}
	return out
}
