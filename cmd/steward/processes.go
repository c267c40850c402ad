package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/basket/steward/internal/audit"
	"github.com/basket/steward/internal/channels"
	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/cron"
	"github.com/basket/steward/internal/gateway"
	"github.com/basket/steward/internal/orchestrator"
	"github.com/basket/steward/internal/policy"
	"github.com/basket/steward/internal/watchers"
	"github.com/basket/steward/internal/worker"
)

var watcherNames = []string{"file", "chat", "mail"}

// newWatcher builds the runner for one named watcher.
func newWatcher(a *app, name string) (*watchers.Runner, error) {
	w := a.cfg.Watchers
	rc := watchers.RunnerConfig{FailureThreshold: w.FailureThreshold, Pause: w.Pause()}
	var src watchers.Source
	switch name {
	case "file":
		src = watchers.NewFileSource(w.File, a.logger)
		rc.Interval = w.File.Rescan()
	case "chat":
		src = channels.NewTelegram(w.Chat, a.store, a.logger)
		rc.Interval = w.Chat.Interval()
	case "mail":
		mc := w.Mail
		mc.KnownContacts = append(append([]string(nil), mc.KnownContacts...), a.cfg.Intake.ImportantSenders...)
		src = watchers.NewMailSource(mc, a.logger)
		rc.Interval = w.Mail.Interval()
	default:
		return nil, fmt.Errorf("unknown watcher %q (want file, chat or mail)", name)
	}
	return watchers.NewRunner(src, a.intake, rc,
		watchers.WithLogger(a.logger),
		watchers.WithBus(a.bus),
		watchers.WithMetrics(a.metrics),
	), nil
}

func watcherEnabled(cfg config.Config, name string) bool {
	switch name {
	case "file":
		return cfg.Watchers.File.Enabled
	case "chat":
		return cfg.Watchers.Chat.Enabled
	case "mail":
		return cfg.Watchers.Mail.Enabled
	}
	return false
}

func newOrchestrator(ctx context.Context, a *app, gate policy.Gate) (*orchestrator.Orchestrator, error) {
	provider, _, _ := a.cfg.ResolveAI()
	return orchestrator.New(a.store, a.capability(ctx), gate, a.intake,
		orchestrator.ConfigFrom(a.cfg.Orchestrator, provider),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithTracer(a.tracer),
		orchestrator.WithMetrics(a.metrics),
	)
}

func newWorkerLoop(ctx context.Context, a *app) *worker.Loop {
	return worker.New(a.capability(ctx), a.intake, a.cfg.Worker,
		worker.WithLogger(a.logger),
		worker.WithBus(a.bus),
		worker.WithMetrics(a.metrics),
		worker.WithTracer(a.tracer),
	)
}

func runWatchCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("watch")
	once := fs.Bool("once", false, "poll once and exit")
	rest, err := parseArgs(fs, args)
	if err != nil {
		return usageCode(err)
	}
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: steward watch <file|chat|mail> [-once]")
		return 2
	}
	name := strings.ToLower(rest[0])
	if !slices.Contains(watcherNames, name) {
		fmt.Fprintf(os.Stderr, "unknown watcher %q (want file, chat or mail)\n", rest[0])
		return 2
	}

	a, code := mustOpenApp(ctx, "watch-"+name, false)
	if a == nil {
		return code
	}
	defer a.Close()

	runner, err := newWatcher(a, name)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *once {
		report, err := runner.PollOnce(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "watch %s: %v\n", name, err)
			return 1
		}
		fmt.Printf("%s: %d events, %d created, %d duplicates\n", name, report.Events, report.Created, report.Duplicates)
		return 0
	}
	if err := runner.Run(ctx); err != nil {
		a.logger.Error("watcher exited", "watcher", name, "error", err)
		return 1
	}
	return 0
}

func runOrchestrateCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("orchestrate")
	once := fs.Bool("once", false, "run a single tick and exit")
	rest, err := parseArgs(fs, args)
	if err != nil {
		return usageCode(err)
	}
	if len(rest) != 0 {
		fmt.Fprintln(os.Stderr, "usage: steward orchestrate [-once]")
		return 2
	}

	a, code := mustOpenApp(ctx, "orchestrate", false)
	if a == nil {
		return code
	}
	defer a.Close()

	gate, _, err := a.loadPolicy()
	if err != nil {
		reportStartupFailure(a.logger, "E_POLICY_LOAD", err)
		return 1
	}
	orch, err := newOrchestrator(ctx, a, gate)
	if err != nil {
		reportStartupFailure(a.logger, "E_ORCHESTRATOR_INIT", err)
		return 1
	}
	if *once {
		report, err := orch.Tick(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "orchestrate: %v\n", err)
			return 1
		}
		fmt.Printf("listed %d, auto-approved %d, pending approval %d, deferred %d, parse failures %d, failed %d\n",
			report.Listed, report.AutoApproved, report.PendingApproval, report.Deferred, report.ParseFailures, report.Failed)
		if report.AuthExpired {
			fmt.Fprintln(os.Stderr, "AI credentials rejected; an escalation task was created")
			return 1
		}
		return 0
	}
	if err := orch.Run(ctx); err != nil {
		a.logger.Error("orchestrator exited", "error", err)
		return 1
	}
	return 0
}

func runDaemonCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("daemon")
	noGateway := fs.Bool("no-gateway", false, "do not serve the status gateway")
	rest, err := parseArgs(fs, args)
	if err != nil {
		return usageCode(err)
	}
	if len(rest) != 0 {
		fmt.Fprintln(os.Stderr, "usage: steward daemon [-no-gateway]")
		return 2
	}

	a, code := mustOpenApp(ctx, "daemon", false)
	if a == nil {
		return code
	}
	defer a.Close()
	logger := a.logger

	lp, base, err := a.loadPolicy()
	if err != nil {
		reportStartupFailure(logger, "E_POLICY_LOAD", err)
		return 1
	}
	orch, err := newOrchestrator(ctx, a, lp)
	if err != nil {
		reportStartupFailure(logger, "E_ORCHESTRATOR_INIT", err)
		return 1
	}
	loop := newWorkerLoop(ctx, a)
	sched, err := cron.NewScheduler(cron.Config{
		Jobs:   a.cfg.Schedules,
		KV:     a.store,
		Intake: a.intake,
		Worker: loop,
		Queue:  a.store,
		Logger: logger,
	})
	if err != nil {
		reportStartupFailure(logger, "E_SCHEDULE_INIT", err)
		return 1
	}

	var gw *gateway.Server
	if !*noGateway {
		gw = gateway.New(gateway.Config{
			Store:        a.store,
			Bus:          a.bus,
			Policy:       lp,
			Token:        a.cfg.GatewayToken,
			AllowOrigins: []string{"127.0.0.1:*", "localhost:*"},
			Metrics:      a.metrics,
			Tracer:       a.tracer,
			Logger:       logger,
		})
	}

	var wg sync.WaitGroup
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error("loop exited with error", "loop", name, "error", err)
			}
		}()
	}

	for _, name := range watcherNames {
		if !watcherEnabled(a.cfg, name) {
			continue
		}
		runner, err := newWatcher(a, name)
		if err != nil {
			reportStartupFailure(logger, "E_WATCHER_INIT", err)
			return 1
		}
		goRun("watch-"+name, runner.Run)
	}
	goRun("orchestrator", orch.Run)
	goRun("policy-reload", func(ctx context.Context) error {
		return watchPolicy(ctx, a, lp, base)
	})
	if gw != nil {
		goRun("gateway", func(ctx context.Context) error {
			err := gw.ListenAndServe(ctx, a.cfg.BindAddr)
			if err != nil && isAddrInUse(err) {
				logger.Error("gateway bind failed", "addr", a.cfg.BindAddr, "hint", portOccupantHint(a.cfg.BindAddr))
			}
			return err
		})
	}
	sched.Start(ctx)

	logger.Info("startup phase", "phase", "daemon_running", "version", Version)
	<-ctx.Done()
	logger.Info("shutdown requested; waiting for loops")
	sched.Stop()
	wg.Wait()
	logger.Info("daemon stopped")
	return 0
}

// watchPolicy reloads the risk gate when config.yaml or policy.yaml changes.
// A file that fails to parse leaves the previous policy active.
func watchPolicy(ctx context.Context, a *app, lp *policy.LivePolicy, base policy.Policy) error {
	w := config.NewWatcher(a.cfg.HomeDir, a.logger)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	for ev := range w.Events() {
		if ev.File == config.ReloadConfig {
			cfg, err := config.Load()
			if err != nil {
				a.logger.Error("config reload failed; keeping previous risk settings", "error", err)
				continue
			}
			base = policy.FromConfig(cfg.Risk)
		}
		before := lp.PolicyVersion()
		if err := policy.ReloadFromFile(lp, base, config.PolicyPath(a.cfg.HomeDir)); err != nil {
			a.logger.Error("policy reload failed; previous policy remains active", "error", err)
			continue
		}
		after := lp.PolicyVersion()
		if after != before {
			audit.Record("reload", "policy", "file changed", after, ev.Path)
			a.logger.Info("policy reloaded", "policy_version", after, "previous_version", before)
		}
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
