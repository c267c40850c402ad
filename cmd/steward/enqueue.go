package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/steward/internal/intake"
	"github.com/basket/steward/internal/persistence"
)

func runEnqueueCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("enqueue")
	priority := fs.String("priority", "", "URGENT, HIGH, MEDIUM or LOW (default: classified)")
	subject := fs.String("subject", "", "subject line")
	ref := fs.String("ref", "", "origin ref; repeating a ref creates nothing (default: random)")
	rest, err := parseArgs(fs, args)
	if err != nil {
		return usageCode(err)
	}

	text := strings.Join(rest, " ")
	if len(rest) == 1 && rest[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read stdin: %v\n", err)
			return 1
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		fmt.Fprintln(os.Stderr, "usage: steward enqueue [-priority p] [-subject s] [-ref r] <text|->")
		return 2
	}
	ev := intake.Event{
		Source:    persistence.SourceManual,
		OriginRef: *ref,
		Content:   text,
		Subject:   *subject,
		Sender:    currentUser(),
	}
	if ev.OriginRef == "" {
		ev.OriginRef = "manual/" + uuid.NewString()
	}
	if *priority != "" {
		p, ok := persistence.ParsePriority(*priority)
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown priority %q\n", *priority)
			return 2
		}
		ev.Priority = p
	}

	a, code := mustOpenApp(ctx, "enqueue", true)
	if a == nil {
		return code
	}
	defer a.Close()

	task, err := a.intake.Normalize(ctx, ev)
	if errors.Is(err, intake.ErrDuplicate) {
		fmt.Printf("duplicate: %s already produced a task\n", ev.OriginRef)
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		return 1
	}
	fmt.Printf("%s\t%s\t%s\n", task.ID, task.Priority, task.State)
	return 0
}

func currentUser() string {
	for _, k := range []string{"USER", "USERNAME"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return "cli"
}
