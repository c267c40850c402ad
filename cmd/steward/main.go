package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/steward/internal/audit"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: steward <command> [flags]

PROCESSES:
  daemon [-no-gateway]          Run every enabled watcher, the orchestrator,
                                the scheduler and the status gateway
  watch <file|chat|mail> [-once] Run one watcher
  orchestrate [-once]           Plan NEEDS_ACTION tasks and route them

APPROVAL:
  approval list [-json]         Show plans awaiting approval
  approval approve <id|n|--all> Approve one or every pending plan
  approval reject <id|n|--all> [-reason text]
                                Send a plan back for replanning
  approval review               Review pending plans interactively

OTHER:
  init                          Write a starter config.yaml and watcher dirs
  worker run [-max n] [-until cond] <description>
                                Run the persist-until-done loop
  enqueue [-priority p] [-subject s] [-ref r] <text|->
                                Create a MANUAL task
  status [-json]                Per-state task counts
  doctor [-json] [-network]     Run diagnostic checks
  policy show [-json]           Print the active risk policy
  policy require <phrase>       Always require approval for an action
  ledger check <source> <ref>   Report whether an item was already ingested
  ledger reset <source> -confirm
                                Forget every dedup entry for a source

ENVIRONMENT VARIABLES:
  STEWARD_HOME                  Data directory (default: ~/.steward)
  STEWARD_LOG_LEVEL             debug, info, warn or error
  OPENROUTER_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY, OPENAI_API_KEY
  TELEGRAM_TOKEN                Chat watcher bot token
`)
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// run dispatches a command line and returns the process exit code:
// 0 on success, 1 on runtime failure, 2 on usage errors.
func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}
	rest := args[1:]
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return 0
	case "version", "-version", "--version":
		fmt.Println(Version)
		return 0
	case "daemon":
		return runDaemonCommand(ctx, rest)
	case "watch":
		return runWatchCommand(ctx, rest)
	case "orchestrate":
		return runOrchestrateCommand(ctx, rest)
	case "approval":
		return runApprovalCommand(ctx, rest)
	case "worker":
		return runWorkerCommand(ctx, rest)
	case "enqueue":
		return runEnqueueCommand(ctx, rest)
	case "status":
		return runStatusCommand(ctx, rest)
	case "doctor":
		return runDoctorCommand(ctx, rest)
	case "policy":
		return runPolicyCommand(ctx, rest)
	case "ledger":
		return runLedgerCommand(ctx, rest)
	case "init":
		return runInitCommand(ctx, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage(os.Stderr)
		return 2
	}
}

// mustOpenApp opens the shared runtime or reports the startup failure and
// returns exit code 1.
func mustOpenApp(ctx context.Context, process string, quiet bool) (*app, int) {
	a, err := openApp(ctx, process, quiet)
	if err != nil {
		code := "E_STARTUP"
		var se *startupError
		if errors.As(err, &se) {
			code = se.code
			err = se.err
		}
		reportStartupFailure(nil, code, err)
		return nil, 1
	}
	return a, 0
}

// reportStartupFailure produces the structured fatal event with an explicit
// reason code.
func reportStartupFailure(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
		return
	}
	fmt.Fprintf(
		os.Stderr,
		`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// loadDotEnv sets variables from a .env file without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}
