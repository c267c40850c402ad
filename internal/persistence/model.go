package persistence

import (
	"strings"
	"time"
)

// State is the partition a task currently lives in.
type State string

const (
	StateNeedsAction     State = "NEEDS_ACTION"
	StatePlanned         State = "PLANNED" // only ever seen in task_events
	StatePendingApproval State = "PENDING_APPROVAL"
	StateDone            State = "DONE"
	StateFailed          State = "FAILED"
)

// States lists every persisted partition.
var States = []State{StateNeedsAction, StatePendingApproval, StateDone, StateFailed}

var allowedTransitions = map[State]map[State]struct{}{
	StateNeedsAction: {
		StatePlanned: {},
		StateFailed:  {},
	},
	StatePlanned: {
		StateDone:            {},
		StatePendingApproval: {},
	},
	StatePendingApproval: {
		StateDone:        {},
		StateNeedsAction: {},
		StateFailed:      {},
	},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type Source string

const (
	SourceFile   Source = "FILE"
	SourceChat   Source = "CHAT"
	SourceMail   Source = "MAIL"
	SourceManual Source = "MANUAL"
	SourceSystem Source = "SYSTEM"
)

// ParseSource accepts any casing of a known source name.
func ParseSource(raw string) (Source, bool) {
	s := Source(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case SourceFile, SourceChat, SourceMail, SourceManual, SourceSystem:
		return s, true
	}
	return "", false
}

type Priority string

const (
	PriorityUrgent Priority = "URGENT"
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// ParsePriority accepts any casing of a known priority name.
func ParsePriority(raw string) (Priority, bool) {
	p := Priority(strings.ToUpper(strings.TrimSpace(raw)))
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return p, true
	}
	return "", false
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// ParseRisk normalizes a model-supplied risk label. Unknown labels map to HIGH.
func ParseRisk(raw string) RiskLevel {
	switch RiskLevel(strings.ToUpper(strings.TrimSpace(raw))) {
	case RiskLow:
		return RiskLow
	case RiskMedium:
		return RiskMedium
	default:
		return RiskHigh
	}
}

type Task struct {
	ID            string    `json:"id"`
	Source        Source    `json:"source"`
	OriginRef     string    `json:"origin_ref"`
	Priority      Priority  `json:"priority"`
	State         State     `json:"state"`
	Payload       string    `json:"payload"`
	PlanID        string    `json:"plan_id,omitempty"`
	ReplanCount   int       `json:"replan_count"`
	ParseFailures int       `json:"parse_failures"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewTask is the input to CreateTask.
type NewTask struct {
	Source    Source
	OriginRef string
	Priority  Priority
	Payload   string
}

// Plan is immutable once written. Re-analysis writes a new Plan.
type Plan struct {
	ID               string    `json:"id"`
	TaskID           string    `json:"task_id"`
	Objective        string    `json:"objective"`
	Steps            []string  `json:"steps"`
	RiskLevel        RiskLevel `json:"risk_level"`
	RequiresApproval bool      `json:"requires_approval"`
	Raw              string    `json:"raw,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type TaskEvent struct {
	EventID   int64     `json:"event_id"`
	TaskID    string    `json:"task_id"`
	TraceID   string    `json:"trace_id"`
	EventType string    `json:"event_type"`
	StateFrom State     `json:"state_from,omitempty"`
	StateTo   State     `json:"state_to"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingItem pairs a PENDING_APPROVAL task with the plan awaiting a decision.
type PendingItem struct {
	Task Task `json:"task"`
	Plan Plan `json:"plan"`
}

// RejectOutcome reports where a rejected task ended up.
type RejectOutcome struct {
	State       State `json:"state"`
	ReplanCount int   `json:"replan_count"`
}

// ParseFailureOutcome reports the parse-failure counter after an increment.
type ParseFailureOutcome struct {
	Count  int  `json:"count"`
	Failed bool `json:"failed"`
}
