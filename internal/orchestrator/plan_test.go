package orchestrator

import (
	"errors"
	"reflect"
	"testing"

	"github.com/basket/steward/internal/persistence"
)

func TestPlanParser_JSONForms(t *testing.T) {
	p, err := NewPlanParser()
	if err != nil {
		t.Fatalf("NewPlanParser: %v", err)
	}
	tests := []struct {
		name string
		text string
		want ParsedPlan
	}{
		{
			name: "fenced",
			text: "Here you go:\n```json\n{\"objective\":\"Pay invoice\",\"steps\":[\"check\",\"pay\"],\"risk_level\":\"high\"}\n```\n",
			want: ParsedPlan{Objective: "Pay invoice", Steps: []string{"check", "pay"}, RiskLevel: persistence.RiskHigh},
		},
		{
			name: "bare with prose and braces in strings",
			text: `Plan: {"objective":"Reply {politely}","steps":["draft \"reply\""],"risk_level":"LOW"} done`,
			want: ParsedPlan{Objective: "Reply {politely}", Steps: []string{`draft "reply"`}, RiskLevel: persistence.RiskLow},
		},
		{
			name: "unknown risk is high",
			text: `{"objective":"Archive","steps":[],"risk_level":"SEVERE"}`,
			want: ParsedPlan{Objective: "Archive", Steps: []string{}, RiskLevel: persistence.RiskHigh},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := p.Parse(tc.text)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Parse = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestPlanParser_Rejects(t *testing.T) {
	p, err := NewPlanParser()
	if err != nil {
		t.Fatalf("NewPlanParser: %v", err)
	}
	for name, text := range map[string]string{
		"missing risk":     `{"objective":"x","steps":["a"]}`,
		"steps not array":  `{"objective":"x","steps":"a","risk_level":"LOW"}`,
		"blank objective":  `{"objective":"   ","steps":[],"risk_level":"LOW"}`,
		"plain prose":      "I could not decide what to do with this.",
		"markdown no risk": "## Objective\nDo it\n## Steps\n- one\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := p.Parse(text); !errors.Is(err, ErrMalformedPlan) {
				t.Fatalf("Parse err = %v, want ErrMalformedPlan", err)
			}
		})
	}
}

func TestPlanParser_MarkdownFallback(t *testing.T) {
	p, err := NewPlanParser()
	if err != nil {
		t.Fatalf("NewPlanParser: %v", err)
	}
	text := `# Plan

## Objective
Send the quarterly report
to the finance team.

Extra notes here.

## Steps
- [ ] Collect figures
2. Write summary
* [x] Attach PDF

## Risk Assessment
**Risk Level:** Medium
`
	got, err := p.Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := ParsedPlan{
		Objective: "Send the quarterly report to the finance team.",
		Steps:     []string{"Collect figures", "Write summary", "Attach PDF"},
		RiskLevel: persistence.RiskMedium,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Parse = %#v, want %#v", got, want)
	}
}

func TestExtractBalanced(t *testing.T) {
	if got := extractBalanced(`{"a":{"b":"}"}} tail`); got != `{"a":{"b":"}"}}` {
		t.Fatalf("extractBalanced = %q", got)
	}
	if got := extractBalanced(`{"a":1`); got != "" {
		t.Fatalf("unterminated = %q, want empty", got)
	}
}
