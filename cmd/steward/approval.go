package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/steward/internal/approval"
	"github.com/basket/steward/internal/persistence"
	"github.com/basket/steward/internal/tui"
)

func printApprovalUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: steward approval list [-json]")
	fmt.Fprintln(w, "       steward approval approve <id|index|--all> [-reason text]")
	fmt.Fprintln(w, "       steward approval reject <id|index|--all> [-reason text]")
	fmt.Fprintln(w, "       steward approval review")
}

func runApprovalCommand(ctx context.Context, args []string) int {
	if len(args) == 0 || isHelpArg(args[0]) {
		printApprovalUsage(os.Stderr)
		if len(args) == 0 {
			return 2
		}
		return 0
	}
	action := strings.ToLower(args[0])
	switch action {
	case "list":
		return runApprovalList(ctx, args[1:])
	case "approve":
		return runApprovalDecide(ctx, approval.Approve, args[1:])
	case "reject":
		return runApprovalDecide(ctx, approval.Reject, args[1:])
	case "review":
		return runApprovalReview(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown approval action %q\n", args[0])
		printApprovalUsage(os.Stderr)
		return 2
	}
}

func openApprovals(ctx context.Context, process string, quiet bool) (*app, *approval.Manager, int) {
	a, code := mustOpenApp(ctx, process, quiet)
	if a == nil {
		return nil, nil, code
	}
	m := approval.New(a.store, a.intake, a.cfg.Approval,
		approval.WithLogger(a.logger),
		approval.WithMetrics(a.metrics),
	)
	return a, m, 0
}

func runApprovalList(ctx context.Context, args []string) int {
	fs := newFlagSet("approval list")
	jsonOutput := fs.Bool("json", false, "print JSON")
	rest, err := parseArgs(fs, args)
	if err != nil {
		return usageCode(err)
	}
	if len(rest) != 0 {
		printApprovalUsage(os.Stderr)
		return 2
	}

	a, m, code := openApprovals(ctx, "approval", true)
	if a == nil {
		return code
	}
	defer a.Close()

	items, err := m.ListPending(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list pending: %v\n", err)
		return 1
	}
	if *jsonOutput {
		if items == nil {
			items = []approval.Pending{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(items); err != nil {
			return 1
		}
		return 0
	}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Print(tui.RenderPending(items))
		return 0
	}
	writePendingPlain(os.Stdout, items)
	return 0
}

func writePendingPlain(w io.Writer, items []approval.Pending) {
	if len(items) == 0 {
		fmt.Fprintln(w, "Nothing awaiting approval.")
		return
	}
	for _, it := range items {
		expired := ""
		if it.Expired {
			expired = " [expired]"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s%s\n", it.Index, it.Task.ID, it.Plan.RiskLevel, it.Task.Source, it.Plan.Objective, expired)
	}
}

func runApprovalDecide(ctx context.Context, verdict approval.Verdict, args []string) int {
	fs := newFlagSet("approval " + string(verdict))
	all := fs.Bool("all", false, "decide every pending plan")
	reason := fs.String("reason", "", "reason recorded in the audit log")
	rest, err := parseArgs(fs, args)
	if err != nil {
		return usageCode(err)
	}
	if (*all && len(rest) != 0) || (!*all && len(rest) != 1) {
		printApprovalUsage(os.Stderr)
		return 2
	}

	a, m, code := openApprovals(ctx, "approval", true)
	if a == nil {
		return code
	}
	defer a.Close()

	if *all {
		summary, err := m.DecideAll(ctx, verdict, *reason)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s all: %v\n", verdict, err)
			return 1
		}
		for _, out := range summary.Outcomes {
			printOutcome(os.Stdout, out)
		}
		fmt.Printf("%d succeeded, %d failed\n", summary.Succeeded, summary.Failed)
		if summary.Failed > 0 {
			return 1
		}
		return 0
	}

	taskID, err := m.Resolve(ctx, rest[0])
	if errors.Is(err, approval.ErrUnknownRef) {
		fmt.Fprintf(os.Stderr, "%q is not awaiting approval\n", rest[0])
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve %s: %v\n", rest[0], err)
		return 1
	}
	out, err := m.Decide(ctx, taskID, verdict, *reason)
	if err != nil {
		if errors.Is(err, persistence.ErrStateConflict) {
			fmt.Fprintf(os.Stderr, "task %s was decided by someone else\n", taskID)
		} else {
			fmt.Fprintf(os.Stderr, "%s %s: %v\n", verdict, taskID, err)
		}
		return 1
	}
	printOutcome(os.Stdout, out)
	return 0
}

func printOutcome(w io.Writer, out approval.Outcome) {
	switch {
	case out.Error != "":
		fmt.Fprintf(w, "%s %s: failed: %s\n", out.Verdict, out.TaskID, out.Error)
	case out.Escalated:
		fmt.Fprintf(w, "%s %s: %s after %d replans (escalated)\n", out.Verdict, out.TaskID, out.State, out.ReplanCount)
	default:
		fmt.Fprintf(w, "%s %s: %s\n", out.Verdict, out.TaskID, out.State)
	}
}

func runApprovalReview(ctx context.Context, args []string) int {
	if len(args) != 0 {
		printApprovalUsage(os.Stderr)
		return 2
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) || !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "approval review needs a terminal; use approval list/approve/reject instead")
		return 2
	}

	a, m, code := openApprovals(ctx, "approval-review", true)
	if a == nil {
		return code
	}
	defer a.Close()

	decided, err := tui.RunReview(ctx, m)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "review: %v\n", err)
		return 1
	}
	fmt.Printf("%d decisions recorded\n", decided)
	return 0
}
