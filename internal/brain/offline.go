package brain

import (
	"context"
	"encoding/json"
	"strings"
)

// Offline is the deterministic capability used when no provider is
// configured. It always proposes a MEDIUM-risk review plan, so nothing it
// produces is applied without the risk gate seeing it.
type Offline struct{}

func (Offline) Complete(ctx context.Context, prompt string, _ []Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	subject := offlineSubject(prompt)
	plan := map[string]any{
		"objective": "Review manually: " + subject,
		"steps": []string{
			"Read the original item",
			"Decide on a response",
			"Record the outcome",
		},
		"risk_level": "MEDIUM",
		"notes":      "generated offline; no AI provider configured",
	}
	out, _ := json.Marshal(plan)
	return string(out), nil
}

// offlineSubject picks the first payload line after a "Task:" label, or the
// first non-empty line, trimmed to 80 runes.
func offlineSubject(prompt string) string {
	lines := strings.Split(prompt, "\n")
	for i, line := range lines {
		if strings.EqualFold(strings.TrimSpace(line), "task:") {
			for _, next := range lines[i+1:] {
				if s := strings.TrimSpace(next); s != "" {
					return truncateRunes(s, 80)
				}
			}
		}
	}
	for _, line := range lines {
		if s := strings.TrimSpace(line); s != "" {
			return truncateRunes(s, 80)
		}
	}
	return "untitled task"
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
