// Package safety screens untrusted task content. Payloads arrive from mail,
// chat and dropped files, so anything that looks like an attempt to steer
// the planner, or a plan that echoes a credential, is never auto-approved.
package safety

import (
	"regexp"
	"strings"
)

type Severity int

const (
	Clean Severity = iota
	// Suspicious content is logged but routed normally.
	Suspicious
	// Injection content forces human approval.
	Injection
)

func (s Severity) String() string {
	switch s {
	case Suspicious:
		return "suspicious"
	case Injection:
		return "injection"
	default:
		return "clean"
	}
}

// Finding is the result of screening one text.
type Finding struct {
	Severity Severity
	Reason   string
}

type rule struct {
	re       *regexp.Regexp
	severity Severity
	reason   string
}

var injectionRules = []rule{
	{
		re:       regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)\b`),
		severity: Injection,
		reason:   "asks the planner to ignore its instructions",
	},
	{
		re:       regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\s+\w+`),
		severity: Injection,
		reason:   "tries to override the planner's role",
	},
	{
		re:       regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`),
		severity: Injection,
		reason:   "claims to replace the system prompt",
	},
	{
		re:       regexp.MustCompile(`(?i)\b(mark|set|classify)\s+(this|it)\s+(as\s+)?(low[\s-]risk|risk_level\s*[:=]?\s*low|safe)\b`),
		severity: Injection,
		reason:   "dictates its own risk level",
	},
	{
		re:       regexp.MustCompile(`(?i)\b(no|without)\s+(human\s+)?approval\s+(is\s+)?(needed|required)\b`),
		severity: Injection,
		reason:   "claims approval is unnecessary",
	},
	{
		re:       regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		severity: Suspicious,
		reason:   "contains a [SYSTEM] tag",
	},
	{
		re:       regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		severity: Suspicious,
		reason:   "contains a chat template tag",
	},
}

// ScreenPayload reports the most severe injection rule text matches.
func ScreenPayload(text string) Finding {
	if strings.TrimSpace(text) == "" {
		return Finding{}
	}
	var out Finding
	for _, r := range injectionRules {
		if r.severity > out.Severity && r.re.MatchString(text) {
			out = Finding{Severity: r.severity, Reason: r.reason}
		}
	}
	return out
}
