package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"snow-script-runner/internal/pipeline"
	"snow-script-runner/internal/script"
	"snow-script-runner/internal/storage"
)

// mockExecutor implements Executor for handler tests.
type mockExecutor struct {
	result  *pipeline.Result
	err     error
	lastReq pipeline.Request
}

func (m *mockExecutor) Execute(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	m.lastReq = req
	return m.result, m.err
}

// recordingAudit captures audit records synchronously for assertions.
type recordingAudit struct {
	execs  []*storage.Execution
	events []*storage.RiskEventRecord
}

func (r *recordingAudit) Log(exec *storage.Execution)        { r.execs = append(r.execs, exec) }
func (r *recordingAudit) LogRisk(e *storage.RiskEventRecord) { r.events = append(r.events, e) }

func newTestHandlers(runner Executor) *Handlers {
	return &Handlers{runner: runner}
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeExecute(t *testing.T, rec *httptest.ResponseRecorder) ExecuteResponse {
	t.Helper()
	var resp ExecuteResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp
}

func TestHandleExecute_Completed(t *testing.T) {
	mock := &mockExecutor{
		result: &pipeline.Result{
			ExecutionID: "exec-1",
			Outcome:     pipeline.OutcomeCompleted,
			Executed:    true,
			Succeeded:   true,
			ReturnValue: float64(42),
			Output:      map[string][]string{"info": {"done"}},
			ElapsedMs:   7,
			Assessment:  &script.Assessment{RiskTier: script.RiskLow},
		},
	}
	h := newTestHandlers(mock)

	rec := postJSON(t, h.HandleExecute, ExecuteRequest{Code: "gs.info('done');"})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}

	resp := decodeExecute(t, rec)
	if !resp.Executed || !resp.Success {
		t.Errorf("executed=%v success=%v, want both true", resp.Executed, resp.Success)
	}
	if resp.Result != float64(42) {
		t.Errorf("result = %v, want 42", resp.Result)
	}
	if resp.RiskTier != "LOW" {
		t.Errorf("risk_tier = %q, want LOW", resp.RiskTier)
	}
	if !resp.SyntaxValid {
		t.Error("syntax_valid should be true for a completed run")
	}
}

func TestHandleExecute_SyntaxRejected(t *testing.T) {
	mock := &mockExecutor{
		result: &pipeline.Result{
			ExecutionID: "exec-2",
			Outcome:     pipeline.OutcomeRejectedSyntax,
			Violations: []script.Violation{
				{Kind: script.KindDisallowedKeyword, Line: 1, Code: "const x = 1;", Fix: "use var instead"},
			},
		},
	}
	h := newTestHandlers(mock)

	rec := postJSON(t, h.HandleExecute, ExecuteRequest{Code: "const x = 1;"})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}

	resp := decodeExecute(t, rec)
	if resp.SyntaxValid {
		t.Error("syntax_valid should be false")
	}
	if resp.Executed {
		t.Error("executed should be false")
	}
	if len(resp.Violations) != 1 {
		t.Fatalf("got %d violations, want 1", len(resp.Violations))
	}
	if resp.Violations[0].Kind != script.KindDisallowedKeyword || resp.Violations[0].Line != 1 {
		t.Errorf("unexpected violation %+v", resp.Violations[0])
	}
}

func TestHandleExecute_RequiresConfirmation(t *testing.T) {
	mock := &mockExecutor{
		result: &pipeline.Result{
			ExecutionID: "exec-3",
			Outcome:     pipeline.OutcomeRejectedNeedsConfirmation,
			Message:     "script is HIGH risk and requires confirmation",
			Assessment:  &script.Assessment{RiskTier: script.RiskHigh},
		},
	}
	h := newTestHandlers(mock)

	code := "gs.setWorkflow(false);"
	rec := postJSON(t, h.HandleExecute, ExecuteRequest{Code: code})
	resp := decodeExecute(t, rec)

	if !resp.RequiresConfirmation {
		t.Fatal("requires_confirmation should be true")
	}
	if resp.ConfirmationPrompt == "" {
		t.Error("confirmation_prompt should carry the risk summary")
	}
	if resp.ScriptToExecute != code {
		t.Errorf("script_to_execute = %q, want the submitted code", resp.ScriptToExecute)
	}
	if resp.NextStep == "" {
		t.Error("next_step should tell the caller how to proceed")
	}
	if resp.Executed {
		t.Error("executed should be false")
	}
}

func TestHandleExecute_TimedOut(t *testing.T) {
	mock := &mockExecutor{
		result: &pipeline.Result{
			ExecutionID:       "exec-4",
			Outcome:           pipeline.OutcomeTimedOutPendingRemote,
			Executed:          true,
			RemoteJobRecordID: "job-sys-id",
			Message:           "script may still be running on the instance",
			PollAttempts:      15,
			Assessment:        &script.Assessment{RiskTier: script.RiskLow},
		},
	}
	h := newTestHandlers(mock)

	rec := postJSON(t, h.HandleExecute, ExecuteRequest{Code: "while(x){}", Timeout: 100})
	resp := decodeExecute(t, rec)

	if resp.Success {
		t.Error("success should be false on timeout")
	}
	if resp.Outcome != string(pipeline.OutcomeTimedOutPendingRemote) {
		t.Errorf("outcome = %q", resp.Outcome)
	}
	if resp.RemoteJobRecordID != "job-sys-id" {
		t.Errorf("remote_job_record_id = %q", resp.RemoteJobRecordID)
	}
	if resp.PollAttempts != 15 {
		t.Errorf("poll_attempts = %d, want 15", resp.PollAttempts)
	}
}

func TestHandleExecute_EmptyCode(t *testing.T) {
	h := newTestHandlers(&mockExecutor{})

	rec := postJSON(t, h.HandleExecute, ExecuteRequest{Code: ""})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestHandleExecute_InvalidJSON(t *testing.T) {
	h := newTestHandlers(&mockExecutor{})

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.HandleExecute(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestHandleExecute_SubmissionFailureMapsToBadGateway(t *testing.T) {
	mock := &mockExecutor{
		err: &pipeline.PipelineError{
			ExecID: "exec-5",
			Stage:  "submit",
			Err:    fmt.Errorf("%w: instance said no", pipeline.ErrSubmissionFailed),
		},
	}
	h := newTestHandlers(mock)

	rec := postJSON(t, h.HandleExecute, ExecuteRequest{Code: "var x = 1;"})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("got status %d, want 502", rec.Code)
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Code != "SUBMISSION_FAILED" {
		t.Errorf("error code = %q, want SUBMISSION_FAILED", errResp.Code)
	}
}

func TestHandleExecute_ValidationErrorMapsTo400(t *testing.T) {
	mock := &mockExecutor{
		err: fmt.Errorf("%w: timeout out of range", pipeline.ErrInvalidRequest),
	}
	h := newTestHandlers(mock)

	rec := postJSON(t, h.HandleExecute, ExecuteRequest{Code: "var x = 1;", Timeout: -5})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestHandleExecute_ForwardsRequestFields(t *testing.T) {
	mock := &mockExecutor{
		result: &pipeline.Result{ExecutionID: "exec-6", Outcome: pipeline.OutcomeCompleted, Executed: true},
	}
	h := newTestHandlers(mock)

	postJSON(t, h.HandleExecute, ExecuteRequest{
		Code:        "var x = 1;",
		AutoConfirm: true,
		Confirmed:   true,
		RunAsUser:   "abel.tuter",
		Timeout:     45000,
	})

	got := mock.lastReq
	if !got.AutoConfirm || !got.Confirmed {
		t.Error("confirmation flags not forwarded")
	}
	if got.RunAsUser != "abel.tuter" {
		t.Errorf("run_as_user = %q", got.RunAsUser)
	}
	if got.Timeout.Milliseconds() != 45000 {
		t.Errorf("timeout = %v, want 45s", got.Timeout)
	}
}

func TestHandleExecute_AuditRecordsRiskEvents(t *testing.T) {
	mock := &mockExecutor{
		result: &pipeline.Result{
			ExecutionID: "exec-7",
			Outcome:     pipeline.OutcomeCompleted,
			Executed:    true,
			Succeeded:   true,
			Assessment: &script.Assessment{
				RiskTier:        script.RiskHigh,
				MutatingCalls:   []string{".deleteMultiple(", ".update("},
				PrivilegedCalls: []string{"gs.getUser("},
				Warnings:        []string{`dangerous dynamic-execution pattern: "eval("`},
			},
		},
	}
	h := newTestHandlers(mock)
	rec := &recordingAudit{}
	h.auditWriter = rec

	postJSON(t, h.HandleExecute, ExecuteRequest{Code: "gr.deleteMultiple(); gr.update(); gs.getUser(); eval(x);", Confirmed: true})

	if len(rec.execs) != 1 {
		t.Fatalf("got %d execution records, want 1", len(rec.execs))
	}
	if rec.execs[0].ID != "exec-7" || rec.execs[0].RiskTier != "HIGH" {
		t.Errorf("unexpected execution record %+v", rec.execs[0])
	}

	if len(rec.events) != 4 {
		t.Fatalf("got %d risk events, want 4", len(rec.events))
	}
	kinds := map[string]int{}
	for _, e := range rec.events {
		if e.ExecutionID != "exec-7" {
			t.Errorf("risk event execution_id = %q, want exec-7", e.ExecutionID)
		}
		if e.MatchedText == "" {
			t.Error("risk event missing matched text")
		}
		kinds[e.Kind]++
	}
	if kinds["mutating"] != 2 || kinds["privileged"] != 1 || kinds["dangerous"] != 1 {
		t.Errorf("risk event kinds = %v", kinds)
	}
}

func TestHandleExecute_NoAuditSinkConfigured(t *testing.T) {
	mock := &mockExecutor{
		result: &pipeline.Result{
			ExecutionID: "exec-8",
			Outcome:     pipeline.OutcomeCompleted,
			Executed:    true,
			Succeeded:   true,
			Assessment:  &script.Assessment{RiskTier: script.RiskLow},
		},
	}
	h := newTestHandlers(mock)

	rec := postJSON(t, h.HandleExecute, ExecuteRequest{Code: "gs.info('x');"})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}

func TestHandleListExecutions_NoDatabase(t *testing.T) {
	h := newTestHandlers(&mockExecutor{})

	req := httptest.NewRequest(http.MethodGet, "/executions", nil)
	rec := httptest.NewRecorder()
	h.HandleListExecutions(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rec.Code)
	}
}

func TestHandleGetExecution_NoDatabase(t *testing.T) {
	h := newTestHandlers(&mockExecutor{})

	req := httptest.NewRequest(http.MethodGet, "/executions/abc", nil)
	req.SetPathValue("id", "abc")
	rec := httptest.NewRecorder()
	h.HandleGetExecution(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rec.Code)
	}
}
