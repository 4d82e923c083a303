package mcp

import (
	"context"
	"encoding/json"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"snow-script-runner/internal/pipeline"
	"snow-script-runner/internal/script"
	"snow-script-runner/internal/snow"
)

// --- Input/Output types ---

// ExecuteScriptInput defines parameters for the snow_execute_script tool.
type ExecuteScriptInput struct {
	Code                  string `json:"code" jsonschema:"ES5 server-side script to execute"`
	Description           string `json:"description,omitempty" jsonschema:"short human-readable purpose of the script"`
	TimeoutMs             int    `json:"timeout_ms,omitempty" jsonschema:"how long to wait for completion, in milliseconds"`
	RunAsUser             string `json:"run_as_user,omitempty" jsonschema:"user sys_id or username to run the script as"`
	AllowDataModification bool   `json:"allow_data_modification,omitempty" jsonschema:"acknowledge the script may insert/update/delete records"`
	RequireConfirmation   bool   `json:"require_confirmation,omitempty" jsonschema:"hold high-risk scripts for confirmation even if the server default is off"`
	AutoConfirm           bool   `json:"auto_confirm,omitempty" jsonschema:"skip the high-risk confirmation gate"`
}

// ScriptOutput is the shared result shape for the execution tools.
type ScriptOutput struct {
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
}

// ConfirmScriptInput defines parameters for snow_confirm_script_execution.
type ConfirmScriptInput struct {
	Code        string `json:"code" jsonschema:"the exact script returned in script_to_execute"`
	Confirmed   bool   `json:"confirmed" jsonschema:"set true to approve running the held script"`
	Description string `json:"description,omitempty" jsonschema:"short human-readable purpose of the script"`
	TimeoutMs   int    `json:"timeout_ms,omitempty" jsonschema:"how long to wait for completion, in milliseconds"`
	RunAsUser   string `json:"run_as_user,omitempty" jsonschema:"user sys_id or username to run the script as"`
}

// GetOutputInput defines parameters for snow_get_script_output.
type GetOutputInput struct {
	ExecutionID string `json:"execution_id" jsonschema:"execution ID from a previous snow_execute_script call"`
	DeleteAfter bool   `json:"delete_after,omitempty" jsonschema:"delete the output marker from the instance after a successful read"`
}

// GetOutputResult reports whether the marker exists yet and its payload.
type GetOutputResult struct {
	ExecutionID     string              `json:"execution_id"`
	Found           bool                `json:"found"`
	Success         bool                `json:"success,omitempty"`
	Result          any                 `json:"result,omitempty"`
	Error           string              `json:"error,omitempty"`
	Output          map[string][]string `json:"output,omitempty"`
	ExecutionTimeMs int64               `json:"execution_time_ms,omitempty"`
	Message         string              `json:"message,omitempty"`
}

// --- Handlers ---

func (s *Server) handleExecuteScript(ctx context.Context, req *mcpsdk.CallToolRequest, input ExecuteScriptInput) (*mcpsdk.CallToolResult, ScriptOutput, error) {
	return s.runPipeline(ctx, pipeline.Request{
		Code:                  input.Code,
		Description:           input.Description,
		AllowDataModification: input.AllowDataModification,
		RequireConfirmation:   input.RequireConfirmation || s.cfg.Security.RequireConfirmation,
		AutoConfirm:           input.AutoConfirm,
		RunAsUser:             input.RunAsUser,
		Timeout:               time.Duration(input.TimeoutMs) * time.Millisecond,
	})
}

func (s *Server) handleConfirmScript(ctx context.Context, req *mcpsdk.CallToolRequest, input ConfirmScriptInput) (*mcpsdk.CallToolResult, ScriptOutput, error) {
	// This tool only ever follows up on a held script, so the gate is
	// always armed here regardless of the server default: an unconfirmed
	// call re-runs the gate and returns the refusal again.
	return s.runPipeline(ctx, pipeline.Request{
		Code:                input.Code,
		Description:         input.Description,
		RequireConfirmation: true,
		RunAsUser:           input.RunAsUser,
		Timeout:             time.Duration(input.TimeoutMs) * time.Millisecond,
		Confirmed:           input.Confirmed,
	})
}

func (s *Server) handleBackgroundScript(ctx context.Context, req *mcpsdk.CallToolRequest, input ExecuteScriptInput) (*mcpsdk.CallToolResult, ScriptOutput, error) {
	return s.runPipeline(ctx, pipeline.Request{
		Code:                  input.Code,
		Description:           input.Description,
		AllowDataModification: input.AllowDataModification,
		RunAsUser:             input.RunAsUser,
		Timeout:               time.Duration(input.TimeoutMs) * time.Millisecond,
		AutoConfirm:           true,
	})
}

func (s *Server) handleGetScriptOutput(ctx context.Context, req *mcpsdk.CallToolRequest, input GetOutputInput) (*mcpsdk.CallToolResult, GetOutputResult, error) {
	out := GetOutputResult{ExecutionID: input.ExecutionID}
	if input.ExecutionID == "" {
		out.Message = "execution_id is required"
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}

	markerKey := s.cfg.Pipeline.MarkerPrefix + input.ExecutionID
	records, err := s.remote.QueryRecords(ctx, snow.TableProperty, "name="+markerKey, []string{"sys_id", "value"}, 1)
	if err != nil {
		return nil, out, err
	}
	if len(records) == 0 {
		out.Message = "no output yet; the script may still be running or was never submitted"
		return nil, out, nil
	}

	var payload pipeline.RawResultPayload
	if err := json.Unmarshal([]byte(records[0].String("value")), &payload); err != nil {
		out.Message = "output marker exists but is not yet complete"
		return nil, out, nil
	}

	out.Found = true
	out.Success = payload.Success
	out.Result = payload.Result
	out.Error = payload.Error
	out.Output = pipeline.GroupOutput(payload.Output)
	out.ExecutionTimeMs = payload.ExecutionTimeMs

	if input.DeleteAfter {
		if err := s.remote.DeleteRecord(ctx, snow.TableProperty, records[0].SysID()); err != nil {
			out.Message = "output retrieved but marker deletion failed: " + err.Error()
		}
	}
	return nil, out, nil
}

// runPipeline executes a request and maps the result to the tool output.
// Rejections come back as structured tool errors, not protocol errors.
func (s *Server) runPipeline(ctx context.Context, req pipeline.Request) (*mcpsdk.CallToolResult, ScriptOutput, error) {
	result, err := s.runner.Execute(ctx, req)
	if err != nil {
		return nil, ScriptOutput{}, err
	}

	out := ScriptOutput{
		ExecutionID:       result.ExecutionID,
		Outcome:           string(result.Outcome),
		Executed:          result.Executed,
		Success:           result.Succeeded,
		Result:            result.ReturnValue,
		Error:             result.ErrorMessage,
		Output:            result.Output,
		ExecutionTimeMs:   result.ElapsedMs,
		SyntaxValid:       result.Outcome != pipeline.OutcomeRejectedSyntax,
		Violations:        result.Violations,
		RemoteJobRecordID: result.RemoteJobRecordID,
		Message:           result.Message,
		PollAttempts:      result.PollAttempts,
	}
	if result.Assessment != nil {
		out.RiskTier = result.Assessment.RiskTier.String()
	}

	switch result.Outcome {
	case pipeline.OutcomeRejectedSyntax:
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	case pipeline.OutcomeRejectedNeedsConfirmation:
		out.RequiresConfirmation = true
		out.ConfirmationPrompt = result.Message
		out.Message = ""
		out.ScriptToExecute = req.Code
		out.NextStep = "call snow_confirm_script_execution with this exact script and confirmed=true to run it"
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}

	return nil, out, nil
}
