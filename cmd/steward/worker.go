package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/basket/steward/internal/persistence"
	"github.com/basket/steward/internal/worker"
)

func printWorkerUsage() {
	fmt.Fprintln(os.Stderr, "usage: steward worker run [-max n] [-until cond[,cond...]] [-all] [-json] <description>")
	fmt.Fprintln(os.Stderr, "conditions: marker, queue_empty, file:<path>, task:<id>=<STATE>")
}

func runWorkerCommand(ctx context.Context, args []string) int {
	if len(args) == 0 || strings.ToLower(args[0]) != "run" {
		printWorkerUsage()
		return 2
	}
	fs := newFlagSet("worker run")
	maxIter := fs.Int("max", 0, "iteration budget (default worker.max_iterations)")
	until := fs.String("until", "marker", "completion conditions, comma separated")
	requireAll := fs.Bool("all", false, "require every condition instead of any")
	jsonOutput := fs.Bool("json", false, "print the result as JSON")
	rest, err := parseArgs(fs, args[1:])
	if err != nil {
		return usageCode(err)
	}
	description := strings.TrimSpace(strings.Join(rest, " "))
	if description == "" {
		printWorkerUsage()
		return 2
	}

	a, code := mustOpenApp(ctx, "worker", *jsonOutput)
	if a == nil {
		return code
	}
	defer a.Close()

	loop := newWorkerLoop(ctx, a)
	pred, err := parsePredicates(*until, *requireAll, loop.Marker(), a.store)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printWorkerUsage()
		return 2
	}

	res, runErr := loop.Run(ctx, worker.Session{
		Description:   description,
		MaxIterations: *maxIter,
		Predicate:     pred,
	})
	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
	} else {
		fmt.Printf("session %s: %s after %d iterations (%d calls)\n", res.SessionID, res.Status, res.Iterations, res.Calls)
		if res.Response != "" {
			fmt.Println(res.Response)
		}
	}
	if runErr != nil || res.Status != worker.StatusSucceeded {
		return 1
	}
	return 0
}

// conditionStore is what the queue-backed completion conditions read.
type conditionStore interface {
	worker.StateLister
	worker.TaskGetter
}

// parsePredicates turns "-until" into a predicate.
func parsePredicates(conds string, requireAll bool, marker string, store conditionStore) (worker.Predicate, error) {
	var preds []worker.Predicate
	for _, raw := range strings.Split(conds, ",") {
		cond := strings.TrimSpace(raw)
		switch {
		case cond == "":
			continue
		case cond == "marker":
			preds = append(preds, worker.ContainsMarker(marker))
		case cond == "queue_empty":
			preds = append(preds, worker.QueueEmpty(store, persistence.StateNeedsAction))
		case strings.HasPrefix(cond, "file:"):
			path := strings.TrimPrefix(cond, "file:")
			if path == "" {
				return nil, fmt.Errorf("condition %q needs a path", cond)
			}
			preds = append(preds, worker.FileExists(path))
		case strings.HasPrefix(cond, "task:"):
			id, state, ok := strings.Cut(strings.TrimPrefix(cond, "task:"), "=")
			st := persistence.State(strings.ToUpper(state))
			if !ok || id == "" || !knownState(st) {
				return nil, fmt.Errorf("condition %q must look like task:<id>=<STATE>", cond)
			}
			preds = append(preds, worker.TaskReached(store, id, st))
		default:
			return nil, fmt.Errorf("unknown condition %q", cond)
		}
	}
	if len(preds) == 0 {
		return nil, fmt.Errorf("no completion condition given")
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	if requireAll {
		return worker.All(preds...), nil
	}
	return worker.Any(preds...), nil
}

func knownState(st persistence.State) bool {
	for _, s := range persistence.States {
		if s == st {
			return true
		}
	}
	return false
}
