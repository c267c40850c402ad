package bus

// Queue topics.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskStateChanged = "task.state_changed"
	TopicPlanWritten      = "task.plan_written"
	TopicEscalation       = "task.escalated"
)

// Worker loop topics.
const (
	TopicWorkerStarted   = "worker.started"
	TopicWorkerIteration = "worker.iteration"
	TopicWorkerFinished  = "worker.finished"
)

// Watcher topics.
const (
	TopicWatcherPolled = "watcher.polled"
	TopicWatcherPaused = "watcher.paused"
)

// TaskCreatedEvent is published after a task and its ledger entry commit.
type TaskCreatedEvent struct {
	TaskID    string `json:"task_id"`
	Source    string `json:"source"`
	OriginRef string `json:"origin_ref"`
	Priority  string `json:"priority"`
}

// TaskStateChangedEvent is published after a committed move.
type TaskStateChangedEvent struct {
	TaskID    string `json:"task_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason,omitempty"`
}

type PlanWrittenEvent struct {
	TaskID           string `json:"task_id"`
	PlanID           string `json:"plan_id"`
	RiskLevel        string `json:"risk_level"`
	RequiresApproval bool   `json:"requires_approval"`
}

type EscalationEvent struct {
	TaskID string `json:"task_id"`
	Kind   string `json:"kind"`
	Ref    string `json:"ref"`
}

type WorkerEvent struct {
	SessionID     string `json:"session_id"`
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`
	Status        string `json:"status,omitempty"`
}

type WatcherEvent struct {
	Watcher string `json:"watcher"`
	Created int    `json:"created,omitempty"`
	Failure int    `json:"consecutive_failures,omitempty"`
	Error   string `json:"error,omitempty"`
}
