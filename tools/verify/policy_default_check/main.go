package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/steward/internal/persistence"
	"github.com/basket/steward/internal/policy"
)

func main() {
	p, err := policy.Load(filepath.Join(os.TempDir(), "steward-missing-policy.yaml"))
	if err != nil {
		fmt.Printf("load_error=%v\n", err)
		os.Exit(1)
	}

	ok := true
	assert := func(name string, got, want policy.Verdict) {
		fmt.Printf("%s=%s\n", name, got)
		if got != want {
			ok = false
		}
	}

	assert("default_low", policy.Decide(p, persistence.RiskLow, "File the note").Verdict, policy.AutoApprove)
	assert("default_medium", policy.Decide(p, persistence.RiskMedium, "Reply to Bob").Verdict, policy.AutoApprove)
	assert("default_high", policy.Decide(p, persistence.RiskHigh, "Reply to Bob").Verdict, policy.RequiresApproval)
	assert("default_unknown_risk", policy.Decide(p, persistence.RiskLevel("SPICY"), "Reply").Verdict, policy.RequiresApproval)

	dir, err := os.MkdirTemp("", "steward-policy-verify-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	policyPath := filepath.Join(dir, "policy.yaml")
	valid := "always_require_approval:\n  - wire transfer\napproval_threshold: MEDIUM\n"
	if err := os.WriteFile(policyPath, []byte(valid), 0o644); err != nil {
		fmt.Printf("write_valid_error=%v\n", err)
		os.Exit(1)
	}
	initial, err := policy.Load(policyPath)
	if err != nil {
		fmt.Printf("load_valid_error=%v\n", err)
		os.Exit(1)
	}
	live := policy.NewLivePolicy(initial, policyPath)
	before := live.PolicyVersion()

	invalid := "approval_threshold: SOMETIMES\n"
	if err := os.WriteFile(policyPath, []byte(invalid), 0o644); err != nil {
		fmt.Printf("write_invalid_error=%v\n", err)
		os.Exit(1)
	}
	reloadErr := policy.ReloadFromFile(live, policy.Default(), policyPath)
	fmt.Printf("reload_error_present=%v\n", reloadErr != nil)
	if reloadErr == nil {
		ok = false
	}
	fmt.Printf("version_retained=%v\n", live.PolicyVersion() == before)
	if live.PolicyVersion() != before {
		ok = false
	}

	assert("retain_action", live.Decide(persistence.RiskLow, "Make a wire transfer to ACME").Verdict, policy.RequiresApproval)
	assert("retain_threshold", live.Decide(persistence.RiskMedium, "Reply to Bob").Verdict, policy.RequiresApproval)
	assert("retain_low", live.Decide(persistence.RiskLow, "Reply to Bob").Verdict, policy.AutoApprove)

	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
