package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/steward/internal/config"
)

// runInitCommand writes the starter config and watcher directories into
// STEWARD_HOME. An existing config.yaml is never overwritten.
func runInitCommand(_ context.Context, args []string) int {
	fs := newFlagSet("init")
	rest, err := parseArgs(fs, args)
	if err != nil {
		return usageCode(err)
	}
	if len(rest) != 0 {
		fmt.Fprintln(os.Stderr, "usage: steward init")
		return 2
	}
	home := config.HomeDir()
	created, err := config.WriteStarter(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	if !created {
		fmt.Printf("%s already exists; left untouched\n", config.ConfigPath(home))
		return 0
	}
	fmt.Printf("wrote %s\n", config.ConfigPath(home))
	fmt.Println("next: set an AI provider key (or keep provider: offline) and run `steward doctor`")
	return 0
}
