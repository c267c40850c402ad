package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/persistence"
	"github.com/basket/steward/internal/policy"
)

func TestDecide_RiskLevels(t *testing.T) {
	p := policy.Default()
	cases := []struct {
		risk persistence.RiskLevel
		want policy.Verdict
	}{
		{persistence.RiskHigh, policy.RequiresApproval},
		{persistence.RiskMedium, policy.AutoApprove},
		{persistence.RiskLow, policy.AutoApprove},
		{"catastrophic", policy.RequiresApproval},
		{"", policy.RequiresApproval},
		{"low", policy.AutoApprove},
	}
	for _, tc := range cases {
		got := policy.Decide(p, tc.risk, "archive the attachment")
		if got.Verdict != tc.want {
			t.Fatalf("Decide(%q) = %s, want %s", tc.risk, got.Verdict, tc.want)
		}
	}
}

func TestDecide_ActionOverridesRisk(t *testing.T) {
	p := policy.Policy{AlwaysRequireApproval: []string{"send email", "payment", "post publicly", "delete", "transfer"}}
	cases := []struct {
		objective string
		want      policy.Verdict
		matched   string
	}{
		{"Send  EMAIL to client with the quote", policy.RequiresApproval, "send email"},
		{"Send emails to all clients", policy.RequiresApproval, "send email"},
		{"Sending an email to the client", policy.RequiresApproval, "send email"},
		{"send a follow-up email", policy.RequiresApproval, "send email"},
		{"Process vendor payments", policy.RequiresApproval, "payment"},
		{"schedule payment.", policy.RequiresApproval, "payment"},
		{"Deleting old invoices", policy.RequiresApproval, "delete"},
		{"deleted the draft", policy.RequiresApproval, "delete"},
		{"Transferring $5,000 to supplier", policy.RequiresApproval, "transfer"},
		{"Posted the results publicly", policy.RequiresApproval, "post publicly"},
		// Phrase words must start on a word boundary and keep their order.
		{"resend emails later", policy.AutoApprove, ""},
		{"email about what to send", policy.AutoApprove, ""},
		{"postpone the review", policy.AutoApprove, ""},
		{"file the note", policy.AutoApprove, ""},
	}
	for _, tc := range cases {
		got := policy.Decide(p, persistence.RiskLow, tc.objective)
		if got.Verdict != tc.want {
			t.Fatalf("objective %q: verdict = %s, want %s", tc.objective, got.Verdict, tc.want)
		}
		if got.MatchedAction != tc.matched {
			t.Fatalf("objective %q: matched = %q, want %q", tc.objective, got.MatchedAction, tc.matched)
		}
	}
}

func TestDecide_Deterministic(t *testing.T) {
	p := policy.Policy{AlwaysRequireApproval: []string{"delete"}}
	first := policy.Decide(p, persistence.RiskMedium, "delete old drafts")
	for i := 0; i < 50; i++ {
		if got := policy.Decide(p, persistence.RiskMedium, "delete old drafts"); got != first {
			t.Fatalf("decision changed on call %d: %+v vs %+v", i, got, first)
		}
	}
}

func TestDecide_LowerThreshold(t *testing.T) {
	p := policy.Policy{ApprovalThreshold: persistence.RiskMedium}
	if got := policy.Decide(p, persistence.RiskMedium, "x"); got.Verdict != policy.RequiresApproval {
		t.Fatalf("MEDIUM with MEDIUM threshold = %s", got.Verdict)
	}
	if got := policy.Decide(p, persistence.RiskLow, "x"); got.Verdict != policy.AutoApprove {
		t.Fatalf("LOW with MEDIUM threshold = %s", got.Verdict)
	}
}

func TestLoad_MissingFileIsDefault(t *testing.T) {
	p, err := policy.Load(filepath.Join(t.TempDir(), "missing-policy.yaml"))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if len(p.AlwaysRequireApproval) != 0 || p.ApprovalThreshold != "" {
		t.Fatalf("expected empty default, got %+v", p)
	}
}

func TestLoad_RejectsUnknownThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("approval_threshold: extreme\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := policy.Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestReloadFromFile_OverlaysConfig(t *testing.T) {
	base := policy.FromConfig(config.RiskConfig{
		AlwaysRequireApproval: []string{"send email"},
		ApprovalThreshold:     "high",
	})
	lp := policy.NewLivePolicy(base, "")
	before := lp.PolicyVersion()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("always_require_approval:\n  - post publicly\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := policy.ReloadFromFile(lp, base, path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if lp.PolicyVersion() == before {
		t.Fatal("policy version should change after reload")
	}
	if got := lp.Decide(persistence.RiskLow, "post publicly on the blog"); got.Verdict != policy.RequiresApproval {
		t.Fatalf("reloaded action not applied: %+v", got)
	}
	if got := lp.Decide(persistence.RiskLow, "send email"); got.Verdict != policy.AutoApprove {
		t.Fatalf("override should replace the action list: %+v", got)
	}

	if err := os.WriteFile(path, []byte("approval_threshold: [broken\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	version := lp.PolicyVersion()
	if err := policy.ReloadFromFile(lp, base, path); err == nil {
		t.Fatal("expected parse error")
	}
	if lp.PolicyVersion() != version {
		t.Fatal("failed reload must keep the previous policy")
	}
}

func TestLivePolicy_RequireApprovalForPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	lp := policy.NewLivePolicy(policy.Default(), path)

	if err := lp.RequireApprovalFor("  Wire Transfer "); err != nil {
		t.Fatalf("add action: %v", err)
	}
	if err := lp.RequireApprovalFor("wire transfer"); err != nil {
		t.Fatalf("add duplicate: %v", err)
	}
	if got := len(lp.Snapshot().AlwaysRequireApproval); got != 1 {
		t.Fatalf("actions = %d, want 1", got)
	}
	if err := lp.RequireApprovalFor(" "); err == nil {
		t.Fatal("expected error for empty action")
	}

	loaded, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load persisted: %v", err)
	}
	if len(loaded.AlwaysRequireApproval) != 1 || loaded.AlwaysRequireApproval[0] != "wire transfer" {
		t.Fatalf("persisted = %+v", loaded)
	}
}

func TestLivePolicy_SnapshotIsCopy(t *testing.T) {
	lp := policy.NewLivePolicy(policy.Policy{AlwaysRequireApproval: []string{"delete"}}, "")
	snap := lp.Snapshot()
	snap.AlwaysRequireApproval[0] = "mutated"
	if lp.Snapshot().AlwaysRequireApproval[0] != "delete" {
		t.Fatal("snapshot must not alias live data")
	}
}
