package intake

import (
	"strings"

	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/persistence"
)

// Rules are the priority classification tables.
type Rules struct {
	UrgentKeywords   []string
	HighKeywords     []string
	ImportantSenders []string
	// Defaults maps each source to the priority used when nothing matches.
	Defaults map[persistence.Source]persistence.Priority
}

// DefaultPriorities is the per-source fallback table.
func DefaultPriorities() map[persistence.Source]persistence.Priority {
	return map[persistence.Source]persistence.Priority{
		persistence.SourceFile:   persistence.PriorityMedium,
		persistence.SourceChat:   persistence.PriorityHigh,
		persistence.SourceMail:   persistence.PriorityMedium,
		persistence.SourceManual: persistence.PriorityMedium,
		persistence.SourceSystem: persistence.PriorityHigh,
	}
}

func RulesFromConfig(cfg config.IntakeConfig) Rules {
	return Rules{
		UrgentKeywords:   lowerAll(cfg.UrgentKeywords),
		HighKeywords:     lowerAll(cfg.HighKeywords),
		ImportantSenders: lowerAll(cfg.ImportantSenders),
		Defaults:         DefaultPriorities(),
	}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Classify assigns a priority: an urgent keyword in subject or body wins,
// then an important sender, then a high keyword, then the source default.
// An explicit Priority on the event overrides all of it.
func (r Rules) Classify(ev Event) persistence.Priority {
	if p, ok := persistence.ParsePriority(string(ev.Priority)); ok {
		return p
	}
	text := strings.ToLower(ev.Subject + "\n" + ev.Content)
	if containsAny(text, r.UrgentKeywords) {
		return persistence.PriorityUrgent
	}
	if sender := strings.ToLower(ev.Sender); sender != "" && containsAny(sender, r.ImportantSenders) {
		return persistence.PriorityHigh
	}
	if containsAny(text, r.HighKeywords) {
		return persistence.PriorityHigh
	}
	if p, ok := r.Defaults[ev.Source]; ok {
		return p
	}
	return persistence.PriorityMedium
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(text, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
