package api

import (
	"snow-script-runner/internal/pipeline"
	"snow-script-runner/internal/script"
)

// ExecuteRequest is the API-level request to run a script on the instance.
type ExecuteRequest struct {
	Code                  string `json:"code"`
	Description           string `json:"description,omitempty"`
	RequireConfirmation   bool   `json:"require_confirmation,omitempty"`
	AutoConfirm           bool   `json:"auto_confirm,omitempty"`
	Confirmed             bool   `json:"confirmed,omitempty"`
	AllowDataModification bool   `json:"allow_data_modification,omitempty"`
	Timeout               int    `json:"timeout,omitempty"` // milliseconds
	RunAsUser             string `json:"run_as_user,omitempty"`
}

// ExecuteResponse covers every pipeline outcome. Exactly one of the three
// shapes is populated: executed, requires_confirmation, or violations.
type ExecuteResponse struct {
	ExecutionID string `json:"execution_id,omitempty"`
	Outcome     string `json:"outcome"`

	Executed        bool                `json:"executed"`
	Success         bool                `json:"success"`
	Result          any                 `json:"result,omitempty"`
	Error           string              `json:"error,omitempty"`
	Output          map[string][]string `json:"output,omitempty"`
	ExecutionTimeMs int64               `json:"execution_time_ms,omitempty"`

	RequiresConfirmation bool   `json:"requires_confirmation,omitempty"`
	ConfirmationPrompt   string `json:"confirmation_prompt,omitempty"`
	ScriptToExecute      string `json:"script_to_execute,omitempty"`
	NextStep             string `json:"next_step,omitempty"`

	SyntaxValid bool               `json:"syntax_valid"`
	Violations  []script.Violation `json:"violations,omitempty"`

	RiskTier          string `json:"risk_tier,omitempty"`
	RemoteJobRecordID string `json:"remote_job_record_id,omitempty"`
	Message           string `json:"message,omitempty"`
	PollAttempts      int    `json:"poll_attempts,omitempty"`
	TriggerForced     bool   `json:"trigger_forced,omitempty"`
}

// buildExecuteResponse maps a pipeline result onto the wire shape.
func buildExecuteResponse(req ExecuteRequest, res *pipeline.Result) ExecuteResponse {
	resp := ExecuteResponse{
		ExecutionID:       res.ExecutionID,
		Outcome:           string(res.Outcome),
		Executed:          res.Executed,
		Success:           res.Succeeded,
		Result:            res.ReturnValue,
		Error:             res.ErrorMessage,
		Output:            res.Output,
		ExecutionTimeMs:   res.ElapsedMs,
		SyntaxValid:       res.Outcome != pipeline.OutcomeRejectedSyntax,
		Violations:        res.Violations,
		RemoteJobRecordID: res.RemoteJobRecordID,
		Message:           res.Message,
		PollAttempts:      res.PollAttempts,
		TriggerForced:     res.TriggerForced,
	}
	if res.Assessment != nil {
		resp.RiskTier = res.Assessment.RiskTier.String()
	}
	if res.Outcome == pipeline.OutcomeRejectedNeedsConfirmation {
		resp.RequiresConfirmation = true
		resp.ConfirmationPrompt = res.Message
		resp.Message = ""
		resp.ScriptToExecute = req.Code
		resp.NextStep = "re-submit with confirmed=true to run this script"
	}
	return resp
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Instance bool   `json:"instance"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
