// Package pipeline turns the instance's request/response Table API into a
// fire-and-poll remote script execution primitive: submit a scheduled job,
// force an immediate trigger, poll a shared property for the completion
// marker, clean up. State between stages lives entirely on the instance;
// nothing here outlives a single call.
package pipeline

import (
	"context"
	"time"

	"snow-script-runner/internal/script"
	"snow-script-runner/internal/snow"
)

// RemoteAPI is the subset of the Table API the pipeline needs. snow.Client
// implements it; tests inject fakes.
type RemoteAPI interface {
	CreateRecord(ctx context.Context, table string, fields map[string]any) (snow.Record, error)
	QueryRecords(ctx context.Context, table, query string, fields []string, limit int) ([]snow.Record, error)
	DeleteRecord(ctx context.Context, table, sysID string) error
}

// Request describes one script execution. Immutable once submitted.
type Request struct {
	Code                  string
	Description           string
	AllowDataModification bool
	RequireConfirmation   bool
	AutoConfirm           bool
	Confirmed             bool // set by the confirmation follow-up call
	RunAsUser             string
	Timeout               time.Duration
}

// Outcome is the terminal state of one execution.
type Outcome string

const (
	OutcomeCompleted                 Outcome = "completed"
	OutcomeTimedOutPendingRemote     Outcome = "timed_out_pending_remote"
	OutcomeRejectedSyntax            Outcome = "rejected_syntax"
	OutcomeRejectedNeedsConfirmation Outcome = "rejected_needs_confirmation"
)

// OutputLine is one captured log-style call, in emission order.
type OutputLine struct {
	Level   string `json:"level"` // print, info, warn, error
	Message string `json:"message"`
}

// RawResultPayload is the JSON the harness serializes into the marker
// property on the instance.
type RawResultPayload struct {
	ExecutionID     string       `json:"executionId"`
	Success         bool         `json:"success"`
	Result          any          `json:"result"`
	Error           string       `json:"error"`
	Output          []OutputLine `json:"output"`
	ExecutionTimeMs int64        `json:"executionTimeMs"`
}

// RemoteJob tracks the instance-side records owned by one execution.
// All of them are deleted best-effort at the end of the pipeline.
type RemoteJob struct {
	JobID                 string
	RemoteJobRecordID     string
	RemoteTriggerRecordID string // empty when trigger creation was denied
	OutputMarkerKey       string
	CreatedAt             time.Time
}

// Result is the terminal artifact returned to the caller. Every pipeline
// path produces one; only remote submission failures surface as errors.
type Result struct {
	ExecutionID string  `json:"execution_id"`
	Outcome     Outcome `json:"outcome"`

	Executed     bool                `json:"executed"`
	Succeeded    bool                `json:"success"`
	ReturnValue  any                 `json:"result,omitempty"`
	ErrorMessage string              `json:"error,omitempty"`
	Output       map[string][]string `json:"output,omitempty"` // grouped by level
	OutputLines  []OutputLine        `json:"output_lines,omitempty"`
	ElapsedMs    int64               `json:"execution_time_ms,omitempty"`

	Violations []script.Violation `json:"violations,omitempty"`
	Assessment *script.Assessment `json:"assessment,omitempty"`

	// Set on the timed-out path so the caller can inspect or re-poll the
	// job left behind on the instance.
	RemoteJobRecordID string `json:"remote_job_record_id,omitempty"`
	Message           string `json:"message,omitempty"`

	PollAttempts  int  `json:"poll_attempts,omitempty"`
	TriggerForced bool `json:"trigger_forced"`
	CleanupFailed bool `json:"cleanup_failed,omitempty"`
}

// GroupOutput buckets ordered output lines by level.
func GroupOutput(lines []OutputLine) map[string][]string {
	if len(lines) == 0 {
		return nil
	}
	grouped := make(map[string][]string)
	for _, l := range lines {
		level := l.Level
		switch level {
		case "print", "info", "warn", "error":
		default:
			level = "print"
		}
		grouped[level] = append(grouped[level], l.Message)
	}
	return grouped
}
