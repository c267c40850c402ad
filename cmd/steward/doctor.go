package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("doctor")
	jsonOutput := fs.Bool("json", false, "print JSON")
	network := fs.Bool("network", false, "also check the AI provider is resolvable")
	if _, err := parseArgs(fs, args); err != nil {
		return usageCode(err)
	}

	cfg, err := config.Load()
	if err != nil && !cfg.NeedsInit {
		// Keep going: the checks say what is wrong.
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version, doctor.Options{Network: *network})

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
	} else {
		fmt.Printf("steward doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Printf("system: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		fmt.Println("---")
		for _, res := range diag.Results {
			fmt.Printf("%-4s %-12s %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Printf("     %s\n", res.Detail)
			}
		}
	}
	if diag.Failed() {
		return 1
	}
	return 0
}
