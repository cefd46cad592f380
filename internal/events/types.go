// Package events provides event types and publishing infrastructure for
// conveyor runs.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// EventRunStarted indicates a pipeline run began executing.
	EventRunStarted EventType = "run_started"
	// EventStage indicates a stage status change.
	EventStage EventType = "stage"
	// EventStep indicates a step finished inside a stage.
	EventStep EventType = "step"
	// EventApprovalRequired indicates a pending approval awaits a decision.
	EventApprovalRequired EventType = "approval_required"
	// EventApprovalResolved indicates an approval reached a terminal state.
	EventApprovalResolved EventType = "approval_resolved"
	// EventRollback indicates a compensating revert was issued.
	EventRollback EventType = "rollback"
	// EventRunComplete indicates the run reached a terminal status.
	EventRunComplete EventType = "run_complete"
	// EventWarning indicates a non-fatal warning (e.g. tolerated step failure).
	EventWarning EventType = "warning"
)

// Event represents a published event.
type Event struct {
	Type  EventType `json:"type"`
	RunID int64     `json:"run_id"`
	Data  any       `json:"data"`
	Time  time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, runID int64, data any) Event {
	return Event{
		Type:  eventType,
		RunID: runID,
		Data:  data,
		Time:  time.Now(),
	}
}

// StageUpdate represents a stage status change.
type StageUpdate struct {
	Stage  string `json:"stage"`
	Status string `json:"status"` // running, succeeded, failed, aborted
	Error  string `json:"error,omitempty"`
}

// StepUpdate represents a finished step.
type StepUpdate struct {
	Stage     string `json:"stage"`
	Command   string `json:"command"`
	ExitCode  int    `json:"exit_code"`
	Tolerated bool   `json:"tolerated,omitempty"`
}

// ApprovalData represents an approval lifecycle change.
type ApprovalData struct {
	RequestID  string    `json:"request_id"`
	Stage      string    `json:"stage"`
	Prompt     string    `json:"prompt,omitempty"`
	Decision   string    `json:"decision,omitempty"` // approved, rejected, timed_out
	Responder  string    `json:"responder,omitempty"`
	Deadline   time.Time `json:"deadline,omitempty"`
	Responders []string  `json:"responders,omitempty"`
}

// RollbackData represents a compensating revert.
type RollbackData struct {
	Stage      string `json:"stage"`
	Deployment string `json:"deployment"`
	Namespace  string `json:"namespace"`
	Revision   string `json:"revision"`
	Succeeded  bool   `json:"succeeded"`
}

// RunCompleteData represents run termination.
type RunCompleteData struct {
	Status       string `json:"status"` // succeeded, failed, aborted
	FailingStage string `json:"failing_stage,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	Duration     string `json:"duration,omitempty"`
}

// WarningData represents a non-fatal warning.
type WarningData struct {
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}
