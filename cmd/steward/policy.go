package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/basket/steward/internal/audit"
	"github.com/basket/steward/internal/config"
)

func printPolicyUsage() {
	fmt.Fprintln(os.Stderr, "usage: steward policy show [-json]")
	fmt.Fprintln(os.Stderr, "       steward policy require <action phrase>")
}

func runPolicyCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printPolicyUsage()
		return 2
	}
	switch strings.ToLower(args[0]) {
	case "show":
		return runPolicyShow(ctx, args[1:])
	case "require":
		return runPolicyRequire(ctx, args[1:])
	default:
		printPolicyUsage()
		return 2
	}
}

func runPolicyShow(ctx context.Context, args []string) int {
	fs := newFlagSet("policy show")
	jsonOutput := fs.Bool("json", false, "print JSON")
	rest, err := parseArgs(fs, args)
	if err != nil {
		return usageCode(err)
	}
	if len(rest) != 0 {
		printPolicyUsage()
		return 2
	}
	a, code := mustOpenApp(ctx, "policy", true)
	if a == nil {
		return code
	}
	defer a.Close()

	lp, _, err := a.loadPolicy()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	snap := lp.Snapshot()
	threshold := string(snap.ApprovalThreshold)
	if threshold == "" {
		threshold = "HIGH"
	}
	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"policy_version":          lp.PolicyVersion(),
			"approval_threshold":      threshold,
			"always_require_approval": snap.AlwaysRequireApproval,
		})
		return 0
	}
	fmt.Printf("version:   %s\n", lp.PolicyVersion())
	fmt.Printf("threshold: %s\n", threshold)
	fmt.Println("always require approval:")
	for _, action := range snap.AlwaysRequireApproval {
		fmt.Printf("  - %s\n", action)
	}
	return 0
}

// runPolicyRequire adds an action phrase to policy.yaml. A running daemon
// picks the change up through its policy watcher.
func runPolicyRequire(ctx context.Context, args []string) int {
	phrase := strings.TrimSpace(strings.Join(args, " "))
	if phrase == "" {
		printPolicyUsage()
		return 2
	}
	a, code := mustOpenApp(ctx, "policy", true)
	if a == nil {
		return code
	}
	defer a.Close()

	lp, _, err := a.loadPolicy()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	before := lp.PolicyVersion()
	if err := lp.RequireApprovalFor(phrase); err != nil {
		fmt.Fprintf(os.Stderr, "require %q: %v\n", phrase, err)
		return 1
	}
	after := lp.PolicyVersion()
	if after != before {
		audit.Record("update", "policy", "require approval for "+strings.ToLower(phrase), after, config.PolicyPath(a.cfg.HomeDir))
	}
	fmt.Printf("%q now requires approval (%s)\n", phrase, after)
	return 0
}
