package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/basket/steward/internal/audit"
	"github.com/basket/steward/internal/persistence"
)

func printLedgerUsage() {
	fmt.Fprintln(os.Stderr, "usage: steward ledger check <source> <origin_ref>")
	fmt.Fprintln(os.Stderr, "       steward ledger reset <source> -confirm")
}

// runLedgerCommand inspects or clears the dedup ledger. Reset only forgets
// which items were seen; tasks already created stay in the queue.
func runLedgerCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printLedgerUsage()
		return 2
	}
	switch strings.ToLower(args[0]) {
	case "check":
		return runLedgerCheck(ctx, args[1:])
	case "reset":
		return runLedgerReset(ctx, args[1:])
	default:
		printLedgerUsage()
		return 2
	}
}

func runLedgerCheck(ctx context.Context, args []string) int {
	if len(args) != 2 {
		printLedgerUsage()
		return 2
	}
	source, ok := persistence.ParseSource(args[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown source %q\n", args[0])
		return 2
	}
	a, code := mustOpenApp(ctx, "ledger", true)
	if a == nil {
		return code
	}
	defer a.Close()

	seen, err := a.store.LedgerContains(ctx, source, args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if seen {
		fmt.Printf("%s %s: seen\n", source, args[1])
		return 0
	}
	fmt.Printf("%s %s: not seen\n", source, args[1])
	return 1
}

func runLedgerReset(ctx context.Context, args []string) int {
	fs := newFlagSet("ledger reset")
	confirm := fs.Bool("confirm", false, "really forget every entry for the source")
	rest, err := parseArgs(fs, args)
	if err != nil {
		return usageCode(err)
	}
	if len(rest) != 1 {
		printLedgerUsage()
		return 2
	}
	source, ok := persistence.ParseSource(rest[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown source %q\n", rest[0])
		return 2
	}
	if !*confirm {
		fmt.Fprintf(os.Stderr, "refusing to reset the %s ledger without -confirm: every item it has seen will become a new task again\n", source)
		return 2
	}
	a, code := mustOpenApp(ctx, "ledger", true)
	if a == nil {
		return code
	}
	defer a.Close()

	n, err := a.store.ResetLedger(ctx, source)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	audit.Record("reset", "ledger", fmt.Sprintf("%d entries forgotten", n), "", "ledger/"+string(source))
	fmt.Printf("forgot %d %s ledger entries\n", n, source)
	return 0
}
