package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/basket/steward/internal/persistence"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// planSchema is the contract for an AI plan response.
const planSchema = `{
  "type": "object",
  "required": ["objective", "steps", "risk_level"],
  "properties": {
    "objective": {"type": "string", "minLength": 1},
    "steps": {"type": "array", "items": {"type": "string"}},
    "risk_level": {"type": "string", "minLength": 1}
  }
}`

// ErrMalformedPlan wraps every reason a response could not become a plan.
var ErrMalformedPlan = errors.New("malformed plan")

// ParsedPlan is the AI's proposal before the risk gate sees it.
type ParsedPlan struct {
	Objective string                `json:"objective"`
	Steps     []string              `json:"steps"`
	RiskLevel persistence.RiskLevel `json:"risk_level"`
}

// PlanParser turns model output into a ParsedPlan: a JSON object validated
// against planSchema, or failing that a markdown plan with "## Objective",
// "## Steps" and a "Risk Level:" line.
type PlanParser struct {
	schema *jsonschema.Schema
}

func NewPlanParser() (*PlanParser, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}
	schema, err := c.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &PlanParser{schema: schema}, nil
}

func (p *PlanParser) Parse(text string) (ParsedPlan, error) {
	if jsonStr := extractJSON(text); jsonStr != "" {
		return p.parseJSON(jsonStr)
	}
	if plan, ok := parseMarkdown(text); ok {
		return plan, nil
	}
	return ParsedPlan{}, fmt.Errorf("%w: response contains neither a JSON object nor a markdown plan", ErrMalformedPlan)
}

func (p *PlanParser) parseJSON(jsonStr string) (ParsedPlan, error) {
	// jsonschema needs its own decoder for json.Number handling.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return ParsedPlan{}, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedPlan, err)
	}
	if err := p.schema.Validate(doc); err != nil {
		return ParsedPlan{}, fmt.Errorf("%w: schema validation failed: %v", ErrMalformedPlan, err)
	}
	var plan ParsedPlan
	if err := json.Unmarshal([]byte(jsonStr), &plan); err != nil {
		return ParsedPlan{}, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}
	plan.Objective = strings.TrimSpace(plan.Objective)
	if plan.Objective == "" {
		return ParsedPlan{}, fmt.Errorf("%w: empty objective", ErrMalformedPlan)
	}
	plan.RiskLevel = persistence.ParseRisk(string(plan.RiskLevel))
	return plan, nil
}

// extractJSON finds the first JSON object in text: a ```json fence, a bare
// fence holding JSON, or the first balanced {...}.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); isJSONObject(candidate) {
				return candidate
			}
		}
	}
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); isJSONObject(candidate) {
				return candidate
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if candidate := extractBalanced(text[i:]); candidate != "" && isJSONObject(candidate) {
			return candidate
		}
	}
	return ""
}

func isJSONObject(s string) bool {
	var v map[string]any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the brace-balanced prefix of s, skipping braces
// inside strings.
func extractBalanced(s string) string {
	if len(s) == 0 || s[0] != '{' {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

var (
	mdHeading   = regexp.MustCompile(`(?m)^#{1,6}\s*(.+?)\s*$`)
	mdRiskLine  = regexp.MustCompile(`(?im)risk[ _]level\**\s*[:=]\s*\**\s*(low|medium|high)\b`)
	mdListItem  = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(?:\[[ xX]\]\s*)?(.+)$`)
	mdCheckOnly = regexp.MustCompile(`^\s*\[[ xX]\]\s*(.+)$`)
)

// parseMarkdown accepts the heading layout models fall back to when they
// ignore the JSON instruction. Both an objective and a risk line are required.
func parseMarkdown(text string) (ParsedPlan, bool) {
	sections := markdownSections(text)
	objective := strings.TrimSpace(sections["objective"])
	risk := mdRiskLine.FindStringSubmatch(text)
	if objective == "" || risk == nil {
		return ParsedPlan{}, false
	}

	var steps []string
	body := sections["steps"]
	if body == "" {
		body = sections["step"]
	}
	for _, line := range strings.Split(body, "\n") {
		if m := mdListItem.FindStringSubmatch(line); m != nil {
			steps = append(steps, strings.TrimSpace(m[1]))
		} else if m := mdCheckOnly.FindStringSubmatch(line); m != nil {
			steps = append(steps, strings.TrimSpace(m[1]))
		}
	}
	return ParsedPlan{
		Objective: firstParagraph(objective),
		Steps:     steps,
		RiskLevel: persistence.ParseRisk(risk[1]),
	}, true
}

// markdownSections maps lower-cased heading titles to their body text.
func markdownSections(text string) map[string]string {
	out := map[string]string{}
	locs := mdHeading.FindAllStringSubmatchIndex(text, -1)
	for i, loc := range locs {
		title := strings.ToLower(strings.TrimSpace(text[loc[2]:loc[3]]))
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if _, seen := out[title]; !seen {
			out[title] = strings.TrimSpace(text[loc[1]:end])
		}
	}
	return out
}

func firstParagraph(s string) string {
	if i := strings.Index(s, "\n\n"); i >= 0 {
		s = s[:i]
	}
	return strings.Join(strings.Fields(s), " ")
}
