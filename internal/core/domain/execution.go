package domain

import "time"

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionPartial   ExecutionStatus = "partial"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionPartial
}

// TriggerType records why an execution started.
type TriggerType string

const (
	TriggerManual          TriggerType = "manual"
	TriggerScanDetected    TriggerType = "scan_detected"
	TriggerScheduledWindow TriggerType = "scheduled_window"
)

// Execution is one run of one intent.
type Execution struct {
	ID          string          `json:"id"`
	IntentID    string          `json:"intentId"`
	IntentName  string          `json:"intentName"`
	Status      ExecutionStatus `json:"status"`
	TriggerType TriggerType     `json:"triggerType"`
	DryRun      bool            `json:"dryRun"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  *int64     `json:"durationMs,omitempty"`

	ContainersMatched  int `json:"containersMatched"`
	ContainersUpgraded int `json:"containersUpgraded"`
	ContainersFailed   int `json:"containersFailed"`
	ContainersSkipped  int `json:"containersSkipped"`

	ErrorMessage string `json:"errorMessage,omitempty"`
}

// ResultStatus is the outcome for one container within an execution.
type ResultStatus string

const (
	ResultUpgraded ResultStatus = "upgraded"
	ResultFailed   ResultStatus = "failed"
	ResultSkipped  ResultStatus = "skipped"
	ResultDryRun   ResultStatus = "dry_run"
)

// ExecutionContainerResult is one container's outcome within an execution.
type ExecutionContainerResult struct {
	ID            string       `json:"id"`
	ExecutionID   string       `json:"executionId"`
	ContainerID   string       `json:"containerId"`
	ContainerName string       `json:"containerName"`
	ImageName     string       `json:"imageName"`
	Status        ResultStatus `json:"status"`
	OldImage      string       `json:"oldImage,omitempty"`
	NewImage      string       `json:"newImage,omitempty"`
	DurationMs    int64        `json:"durationMs"`
	ErrorMessage  string       `json:"errorMessage,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// ExecutionDetail is an execution with its container results.
type ExecutionDetail struct {
	Execution *Execution                  `json:"execution"`
	Results   []*ExecutionContainerResult `json:"results"`
}

// FinalStatus derives the terminal status from the execution counters.
func FinalStatus(upgraded, failed, skipped int) ExecutionStatus {
	switch {
	case failed == 0:
		return ExecutionCompleted
	case upgraded+skipped == 0:
		return ExecutionFailed
	default:
		return ExecutionPartial
	}
}
