package brain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWithTimeout_DeadlineIsTransient(t *testing.T) {
	slow := CapabilityFunc(func(ctx context.Context, _ string, _ []Turn) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	c := WithTimeout(slow, 20*time.Millisecond)

	_, err := c.Complete(context.Background(), "hi", nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestWithTimeout_CallerCancelPassesThrough(t *testing.T) {
	slow := CapabilityFunc(func(ctx context.Context, _ string, _ []Turn) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	c := WithTimeout(slow, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Complete(ctx, "hi", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestWithTimeout_NormalizesProviderErrors(t *testing.T) {
	failing := CapabilityFunc(func(context.Context, string, []Turn) (string, error) {
		return "", errors.New("HTTP 401: invalid api key")
	})
	_, err := WithTimeout(failing, time.Second).Complete(context.Background(), "hi", nil)
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}
}

func TestTraced_PassesResultThrough(t *testing.T) {
	echo := CapabilityFunc(func(_ context.Context, prompt string, history []Turn) (string, error) {
		return prompt + "/" + string(rune('0'+len(history))), nil
	})
	c := Traced(echo, nil, nil, "test-model")
	out, err := c.Complete(context.Background(), "p", []Turn{{Role: RoleUser, Text: "a"}})
	if err != nil || out != "p/1" {
		t.Fatalf("out = %q, err = %v", out, err)
	}
}

func TestOffline_ProducesMediumPlan(t *testing.T) {
	out, err := Offline{}.Complete(context.Background(), "You are a planner.\nTask:\n  Invoice #44 from ACME is overdue\nmore", nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	var plan struct {
		Objective string   `json:"objective"`
		Steps     []string `json:"steps"`
		RiskLevel string   `json:"risk_level"`
	}
	if err := json.Unmarshal([]byte(out), &plan); err != nil {
		t.Fatalf("offline output is not JSON: %v", err)
	}
	if plan.RiskLevel != "MEDIUM" || len(plan.Steps) == 0 {
		t.Fatalf("plan = %+v", plan)
	}
	if !strings.Contains(plan.Objective, "Invoice #44") {
		t.Fatalf("objective = %q", plan.Objective)
	}
}

func TestHistoryToMessages_SkipsUnknownRoles(t *testing.T) {
	msgs := historyToMessages([]Turn{
		{Role: RoleUser, Text: "do it"},
		{Role: RoleModel, Text: "working"},
		{Role: "tool", Text: "ignored"},
	})
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
}

func TestModelNameForProvider(t *testing.T) {
	cases := map[string]string{
		"anthropic": "anthropic/claude-sonnet-4-5",
		"openai":    "openai/claude-sonnet-4-5",
		"google":    "googleai/claude-sonnet-4-5",
	}
	for provider, want := range cases {
		if got := modelNameForProvider(provider, "claude-sonnet-4-5"); got != want {
			t.Errorf("%s: got %q want %q", provider, got, want)
		}
	}
}

func TestNewGenkitCapability_RequiresKey(t *testing.T) {
	_, err := NewGenkitCapability(context.Background(), GenkitConfig{Provider: "anthropic"})
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}
}
