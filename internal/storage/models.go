package storage

import "time"

// Execution represents a stored execution audit record.
type Execution struct {
	ID            string     `json:"id" db:"id"`
	Description   string     `json:"description" db:"description"`
	CodeHash      string     `json:"code_hash" db:"code_hash"`
	RiskTier      string     `json:"risk_tier" db:"risk_tier"`
	Outcome       string     `json:"outcome" db:"outcome"` // completed, timed_out_pending_remote, rejected_syntax, rejected_needs_confirmation
	Succeeded     bool       `json:"succeeded" db:"succeeded"`
	ErrorMessage  string     `json:"error_message" db:"error_message"`
	OutputLines   int        `json:"output_lines" db:"output_lines"`
	DurationMS    int64      `json:"duration_ms" db:"duration_ms"`
	PollAttempts  int        `json:"poll_attempts" db:"poll_attempts"`
	TriggerForced bool       `json:"trigger_forced" db:"trigger_forced"`
	CleanupFailed bool       `json:"cleanup_failed" db:"cleanup_failed"`
	RequestIP     string     `json:"request_ip" db:"request_ip"`
	RunAsUser     string     `json:"run_as_user,omitempty" db:"run_as_user"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// RiskEventRecord stores one risk-scan finding for audit.
type RiskEventRecord struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Kind        string    `json:"kind" db:"kind"` // mutating, privileged, dangerous
	MatchedText string    `json:"matched_text" db:"matched_text"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Outcome  string
	RiskTier string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}
