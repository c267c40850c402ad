package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/steward/internal/persistence"
)

const originRef = "verify/lease-recovery-crash"

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	ttl := flag.Duration("ttl", 2*time.Second, "lease length for claim-sleep")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		task, err := store.CreateTask(ctx, persistence.NewTask{
			Source:    persistence.SourceManual,
			OriginRef: originRef,
			Priority:  persistence.PriorityLow,
			Payload:   "lease-crash",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "create task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", task.ID)
	case "claim-sleep":
		task := findTask(ctx, store)
		ok, err := store.Claim(ctx, task.ID, "crashing-orchestrator", *ttl)
		if err != nil || !ok {
			fmt.Fprintf(os.Stderr, "claim task: ok=%v err=%v\n", ok, err)
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK_ID=%s\n", task.ID)
		fmt.Printf("LEASE_TTL=%s\n", *ttl)
		// Wait to be killed without releasing.
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		task := findTask(ctx, store)
		ok, err := store.Claim(ctx, task.ID, "recovering-orchestrator", time.Minute)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("TASK_STATUS id=%s state=%s reclaimed=%v\n", task.ID, task.State, ok)
		if ok && task.State == persistence.StateNeedsAction {
			_ = store.Release(ctx, task.ID, "recovering-orchestrator")
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: task still leased by the killed process")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}

func findTask(ctx context.Context, store *persistence.Store) persistence.Task {
	tasks, err := store.ListByState(ctx, persistence.StateNeedsAction, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list tasks: %v\n", err)
		os.Exit(1)
	}
	for _, t := range tasks {
		if t.OriginRef == originRef {
			return t
		}
	}
	fmt.Fprintln(os.Stderr, "no prepared task; run -mode prepare first")
	os.Exit(1)
	return persistence.Task{}
}
