package intake_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/steward/internal/bus"
	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/intake"
	"github.com/basket/steward/internal/persistence"
)

func newNormalizer(t *testing.T, b *bus.Bus) (*intake.Normalizer, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "steward.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	rules := intake.RulesFromConfig(config.IntakeConfig{
		UrgentKeywords:   []string{"urgent", "ASAP"},
		HighKeywords:     []string{"invoice"},
		ImportantSenders: []string{"boss@"},
	})
	return intake.New(store, rules, intake.WithBus(b)), store
}

func TestNormalize_ReplayIsDuplicate(t *testing.T) {
	n, store := newNormalizer(t, nil)
	ctx := context.Background()
	ev := intake.Event{Source: persistence.SourceFile, OriginRef: "report.pdf#t1", Content: "quarterly report"}

	task, err := n.Normalize(ctx, ev)
	if err != nil {
		t.Fatalf("first normalize: %v", err)
	}
	if task.State != persistence.StateNeedsAction {
		t.Fatalf("state = %s, want NEEDS_ACTION", task.State)
	}
	for i := 0; i < 5; i++ {
		if _, err := n.Normalize(ctx, ev); !errors.Is(err, intake.ErrDuplicate) {
			t.Fatalf("replay %d: err = %v, want ErrDuplicate", i, err)
		}
	}
	tasks, err := store.ListByState(ctx, persistence.StateNeedsAction, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
}

func TestNormalize_RejectsEmptyOriginRef(t *testing.T) {
	n, _ := newNormalizer(t, nil)
	if _, err := n.Normalize(context.Background(), intake.Event{Source: persistence.SourceMail, OriginRef: "  "}); err == nil {
		t.Fatal("expected error for empty origin_ref")
	}
	if _, err := n.Normalize(context.Background(), intake.Event{Source: "FAX", OriginRef: "x"}); err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestNormalize_PayloadCarriesHeaders(t *testing.T) {
	n, _ := newNormalizer(t, nil)
	task, err := n.Normalize(context.Background(), intake.Event{
		Source:    persistence.SourceMail,
		OriginRef: "<abc@example.com>",
		Sender:    "client@example.com",
		Subject:   "Question",
		Content:   "  Can we meet?  ",
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := "From: client@example.com\nSubject: Question\n\nCan we meet?"
	if task.Payload != want {
		t.Fatalf("payload = %q, want %q", task.Payload, want)
	}
}

func TestClassify(t *testing.T) {
	rules := intake.RulesFromConfig(config.IntakeConfig{
		UrgentKeywords:   []string{"urgent", "asap"},
		HighKeywords:     []string{"invoice"},
		ImportantSenders: []string{"boss@"},
	})
	tests := []struct {
		name string
		ev   intake.Event
		want persistence.Priority
	}{
		{"urgent in subject", intake.Event{Source: persistence.SourceMail, Subject: "URGENT: call me"}, persistence.PriorityUrgent},
		{"urgent in body beats sender", intake.Event{Source: persistence.SourceMail, Sender: "boss@corp", Content: "reply asap"}, persistence.PriorityUrgent},
		{"important sender", intake.Event{Source: persistence.SourceMail, Sender: "Boss@corp.com", Content: "hello"}, persistence.PriorityHigh},
		{"high keyword", intake.Event{Source: persistence.SourceFile, Content: "invoice attached"}, persistence.PriorityHigh},
		{"file default", intake.Event{Source: persistence.SourceFile, Content: "notes"}, persistence.PriorityMedium},
		{"chat default", intake.Event{Source: persistence.SourceChat, Content: "hi"}, persistence.PriorityHigh},
		{"explicit override", intake.Event{Source: persistence.SourceManual, Content: "urgent", Priority: persistence.PriorityLow}, persistence.PriorityLow},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := rules.Classify(tc.ev); got != tc.want {
				t.Fatalf("Classify = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestEscalate_OncePerRef(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicEscalation)
	defer b.Unsubscribe(sub)

	n, store := newNormalizer(t, b)
	ctx := context.Background()

	created, err := n.Escalate(ctx, intake.KindWorkerExhausted, "session-1", "worker gave up after 3 iterations")
	if err != nil || !created {
		t.Fatalf("first escalate = (%v, %v), want (true, nil)", created, err)
	}
	created, err = n.Escalate(ctx, intake.KindWorkerExhausted, "session-1", "again")
	if err != nil || created {
		t.Fatalf("second escalate = (%v, %v), want (false, nil)", created, err)
	}

	tasks, err := store.ListByState(ctx, persistence.StateNeedsAction, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("escalation tasks = %d, want 1", len(tasks))
	}
	got := tasks[0]
	if got.Source != persistence.SourceSystem || got.OriginRef != "worker_exhausted/session-1" {
		t.Fatalf("escalation = %s %s", got.Source, got.OriginRef)
	}
	if !strings.Contains(got.Payload, "gave up") {
		t.Fatalf("payload = %q", got.Payload)
	}

	select {
	case ev := <-sub.Ch():
		esc, ok := ev.Payload.(bus.EscalationEvent)
		if !ok || esc.Kind != intake.KindWorkerExhausted || esc.TaskID != got.ID {
			t.Fatalf("unexpected event %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no escalation event published")
	}
}
