package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/persistence"
)

// statusReport is what `steward status -json` prints.
type statusReport struct {
	Source        string                    `json:"source"` // "gateway" or "local"
	Healthy       bool                      `json:"healthy"`
	PolicyVersion string                    `json:"policy_version,omitempty"`
	UptimeSeconds int                       `json:"uptime_seconds,omitempty"`
	Counts        map[persistence.State]int `json:"counts"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("status")
	jsonOutput := fs.Bool("json", false, "print JSON")
	rest, err := parseArgs(fs, args)
	if err != nil {
		return usageCode(err)
	}
	if len(rest) != 0 {
		fmt.Fprintln(os.Stderr, "usage: steward status [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	report, gwErr := statusFromGateway(ctx, cfg)
	if gwErr != nil {
		if ctx.Err() != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", ctx.Err())
			return 1
		}
		// No daemon: read the queue directly.
		local, err := statusFromStore(ctx, cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: gateway: %v; local: %v\n", gwErr, err)
			return 1
		}
		report = local
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
	} else {
		writeStatus(os.Stdout, report)
	}
	if !report.Healthy {
		return 1
	}
	return 0
}

func writeStatus(w io.Writer, r statusReport) {
	if r.Source == "gateway" {
		fmt.Fprintf(w, "daemon: up %s, policy %s\n", time.Duration(r.UptimeSeconds)*time.Second, orDash(r.PolicyVersion))
	} else {
		fmt.Fprintln(w, "daemon: not reachable, counts read from the local queue")
	}
	if !r.Healthy {
		fmt.Fprintln(w, "database: DOWN")
	}
	for _, st := range persistence.States {
		fmt.Fprintf(w, "%-17s %d\n", st, r.Counts[st])
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// gatewayURL turns bind_addr into a base URL.
func gatewayURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

func statusFromGateway(ctx context.Context, cfg config.Config) (statusReport, error) {
	base := gatewayURL(cfg.BindAddr)
	report := statusReport{Source: "gateway"}

	var health struct {
		Healthy       bool   `json:"healthy"`
		PolicyVersion string `json:"policy_version"`
		UptimeSeconds int    `json:"uptime_seconds"`
	}
	code, err := getJSON(ctx, base+"/healthz", "", &health)
	if err != nil {
		return report, err
	}
	report.Healthy = health.Healthy && code == http.StatusOK
	report.PolicyVersion = health.PolicyVersion
	report.UptimeSeconds = health.UptimeSeconds

	var tasks struct {
		Counts map[persistence.State]int `json:"counts"`
	}
	code, err = getJSON(ctx, base+"/v1/tasks", cfg.GatewayToken, &tasks)
	if err != nil {
		return report, err
	}
	if code != http.StatusOK {
		return report, fmt.Errorf("GET /v1/tasks: HTTP %d", code)
	}
	report.Counts = tasks.Counts
	return report, nil
}

func getJSON(ctx context.Context, url, token string, out any) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", url, err)
		}
	}
	return resp.StatusCode, nil
}

func statusFromStore(ctx context.Context, dbPath string) (statusReport, error) {
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return statusReport{}, err
	}
	defer store.Close()
	counts, err := store.Counts(ctx)
	if err != nil {
		return statusReport{}, err
	}
	return statusReport{Source: "local", Healthy: true, Counts: counts}, nil
}
