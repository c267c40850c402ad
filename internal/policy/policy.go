package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/persistence"
	"gopkg.in/yaml.v3"
)

// Verdict is the outcome of the risk gate.
type Verdict string

const (
	AutoApprove      Verdict = "AUTO_APPROVE"
	RequiresApproval Verdict = "REQUIRES_APPROVAL"
)

// Decision explains a Verdict.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason"`
	// MatchedAction is the always-require-approval phrase that matched, if any.
	MatchedAction string `json:"matched_action,omitempty"`
}

// Gate is the interface consumers use to route plans.
type Gate interface {
	Decide(risk persistence.RiskLevel, objective string) Decision
	PolicyVersion() string
}

// Policy is the serializable risk table.
type Policy struct {
	// AlwaysRequireApproval lists action phrases that force human approval
	// whatever the model-assigned risk level.
	AlwaysRequireApproval []string `yaml:"always_require_approval"`
	// ApprovalThreshold is the lowest risk level that needs approval.
	// HIGH always needs approval.
	ApprovalThreshold persistence.RiskLevel `yaml:"approval_threshold"`
}

// Default has no action phrases and the HIGH threshold implied by an empty
// ApprovalThreshold, so merging it changes nothing.
func Default() Policy {
	return Policy{}
}

// FromConfig builds the base policy from the risk section of config.yaml.
func FromConfig(risk config.RiskConfig) Policy {
	return Policy{
		AlwaysRequireApproval: append([]string(nil), risk.AlwaysRequireApproval...),
		ApprovalThreshold:     persistence.RiskLevel(strings.ToUpper(risk.ApprovalThreshold)),
	}
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Merge overlays non-empty fields of override onto p.
func (p Policy) Merge(override Policy) Policy {
	out := p
	if len(override.AlwaysRequireApproval) > 0 {
		out.AlwaysRequireApproval = append([]string(nil), override.AlwaysRequireApproval...)
	}
	if override.ApprovalThreshold != "" {
		out.ApprovalThreshold = override.ApprovalThreshold
	}
	return out
}

func (p Policy) validate() error {
	if p.ApprovalThreshold == "" {
		return nil
	}
	switch persistence.RiskLevel(strings.ToUpper(string(p.ApprovalThreshold))) {
	case persistence.RiskLow, persistence.RiskMedium, persistence.RiskHigh:
		return nil
	}
	return fmt.Errorf("unknown approval_threshold %q", p.ApprovalThreshold)
}

func riskRank(r persistence.RiskLevel) int {
	switch persistence.RiskLevel(strings.ToUpper(strings.TrimSpace(string(r)))) {
	case persistence.RiskLow:
		return 0
	case persistence.RiskMedium:
		return 1
	default:
		return 2
	}
}

// Decide is the risk gate. It is a pure function of its inputs: a matching
// always-require-approval phrase wins over any risk level, HIGH and unknown
// levels need approval, and anything at or above the threshold needs approval.
func Decide(p Policy, risk persistence.RiskLevel, objective string) Decision {
	for _, action := range p.AlwaysRequireApproval {
		if matchesAction(action, objective) {
			return Decision{
				Verdict:       RequiresApproval,
				Reason:        fmt.Sprintf("objective matches always-require-approval action %q", action),
				MatchedAction: strings.TrimSpace(action),
			}
		}
	}

	rank := riskRank(risk)
	threshold := riskRank(persistence.RiskHigh)
	if p.ApprovalThreshold != "" {
		threshold = riskRank(p.ApprovalThreshold)
	}
	label := persistence.ParseRisk(string(risk))
	if rank >= threshold {
		return Decision{Verdict: RequiresApproval, Reason: fmt.Sprintf("risk level %s requires approval", label)}
	}
	return Decision{Verdict: AutoApprove, Reason: fmt.Sprintf("risk level %s is below the approval threshold", label)}
}

// matchesAction reports whether phrase occurs in text, ignoring case. Each
// phrase word matches its inflections ("send" matches "sending", "delete"
// matches "deleted") and up to two filler words may sit between phrase
// words, so "send email" matches "Sending an email". Matches start on a word
// boundary: "resend emails" does not match "send email".
func matchesAction(phrase, text string) bool {
	words := strings.Fields(strings.ToLower(phrase))
	if len(words) == 0 {
		return false
	}
	for i, w := range words {
		words[i] = inflections(w)
	}
	re, err := regexp.Compile(`(^|[^\pL\pN_])` + strings.Join(words, `(?:\s+\S+){0,2}?\s+`) + `($|[^\pL\pN_])`)
	if err != nil {
		return false
	}
	return re.MatchString(strings.ToLower(text))
}

// inflections returns a pattern matching w and its common English suffixes.
func inflections(w string) string {
	switch {
	case len(w) > 3 && strings.HasSuffix(w, "y"):
		return regexp.QuoteMeta(w[:len(w)-1]) + `(?:y|ies|ied|ying)`
	case len(w) > 3 && strings.HasSuffix(w, "e"):
		return regexp.QuoteMeta(w[:len(w)-1]) + `(?:e|es|ed|ing|er|ers)`
	}
	// The consonant class covers doubling: "transfer" to "transferring".
	return regexp.QuoteMeta(w) + `(?:s|es|ed|ing|er|ers|[b-df-hj-np-tv-z](?:ed|ing))?`
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// LivePolicy wraps a Policy with thread-safe mutation and persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // file path for persistence; empty = no persistence
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
// If path is non-empty, mutations are persisted to that file.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

// Decide is the thread-safe gate used at runtime.
func (lp *LivePolicy) Decide(risk persistence.RiskLevel, objective string) Decision {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return Decide(lp.data, risk, objective)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// containsNormalized checks if a slice already contains a value (case-insensitive, trimmed).
func containsNormalized(slice []string, val string) bool {
	for _, s := range slice {
		if strings.ToLower(strings.TrimSpace(s)) == val {
			return true
		}
	}
	return false
}

// RequireApprovalFor adds an action phrase at runtime and persists the change.
func (lp *LivePolicy) RequireApprovalFor(action string) error {
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" {
		return fmt.Errorf("empty action")
	}

	lp.mu.Lock()
	defer lp.mu.Unlock()

	if containsNormalized(lp.data.AlwaysRequireApproval, action) {
		return nil
	}
	lp.data.AlwaysRequireApproval = append(lp.data.AlwaysRequireApproval, action)
	return lp.persist()
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.AlwaysRequireApproval = append([]string(nil), lp.data.AlwaysRequireApproval...)
	return cp
}

// ReloadFromFile overlays the file onto base and swaps it in only when the
// file parses and validates. On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, base Policy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(base.Merge(p))
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	for _, v := range p.AlwaysRequireApproval {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	_, _ = h.Write([]byte("threshold=" + strings.ToUpper(string(p.ApprovalThreshold)) + "|"))
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
