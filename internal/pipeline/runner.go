package pipeline

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"snow-script-runner/internal/config"
	"snow-script-runner/internal/monitor"
	"snow-script-runner/internal/script"
	"snow-script-runner/internal/snow"
)

// snTimeLayout is the date format the instance scheduler expects.
const snTimeLayout = "2006-01-02 15:04:05"

// Options configures a Runner.
type Options struct {
	API          RemoteAPI
	Config       config.Pipeline
	Metrics      *monitor.Metrics
	Tracer       *monitor.Tracer
	MaxCodeBytes int
}

// Runner executes scripts on the instance via the scheduled-job pipeline.
type Runner struct {
	api          RemoteAPI
	cfg          config.Pipeline
	metrics      *monitor.Metrics
	tracer       *monitor.Tracer
	maxCodeBytes int
	sem          chan struct{} // Concurrency limiter
	active       atomic.Int64  // Active execution count
	mu           sync.Mutex    // Protects shutdown state
	closed       bool
}

// NewRunner creates a pipeline runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("pipeline: remote API is required")
	}

	cfg := opts.Config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 5 * time.Minute
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 50
	}
	if cfg.MarkerPrefix == "" {
		cfg.MarkerPrefix = "snow_runner.script_output."
	}
	if cfg.JobPrefix == "" {
		cfg.JobPrefix = "SNOW Runner Script "
	}
	if cfg.TriggerLead <= 0 {
		cfg.TriggerLead = 5 * time.Second
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitor.NewMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = monitor.NewTracer()
	}
	maxCode := opts.MaxCodeBytes
	if maxCode <= 0 {
		maxCode = 1 << 20
	}

	return &Runner{
		api:          opts.API,
		cfg:          cfg,
		metrics:      metrics,
		tracer:       tracer,
		maxCodeBytes: maxCode,
		sem:          make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Execute runs one script through the full pipeline. Rejections (syntax,
// confirmation) and timeouts come back as Results, not errors; the only
// hard failures are request validation and remote job creation.
func (r *Runner) Execute(ctx context.Context, req Request) (*Result, error) {
	execID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))

	logger := log.With().
		Str("exec_id", execID).
		Str("code_hash", codeHash[:16]).
		Logger()

	logger.Info().Msg("execution requested")

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, &PipelineError{ExecID: execID, Stage: "accept", Err: ErrRunnerClosed}
	}
	r.mu.Unlock()

	if err := r.validateRequest(req); err != nil {
		return nil, &PipelineError{ExecID: execID, Stage: "validate", Err: err}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	if timeout > r.cfg.MaxTimeout {
		timeout = r.cfg.MaxTimeout
	}

	r.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))

	// Local gates run before the semaphore: rejected code must not
	// occupy an execution slot or touch the instance.
	if violations := script.Check(req.Code); len(violations) > 0 {
		r.metrics.SyntaxRejections.Inc()
		r.metrics.ExecutionsTotal.WithLabelValues(string(OutcomeRejectedSyntax)).Inc()
		logger.Info().Int("violations", len(violations)).Msg("script rejected by ES5 lint")
		return &Result{
			ExecutionID:  execID,
			Outcome:      OutcomeRejectedSyntax,
			ErrorMessage: "script contains constructs the instance script engine does not support",
			Violations:   violations,
		}, nil
	}

	assessment := script.Assess(req.Code)
	r.metrics.RecordRiskTier(assessment.RiskTier.String())

	if assessment.RiskTier == script.RiskHigh && req.RequireConfirmation && !req.AutoConfirm && !req.Confirmed {
		r.metrics.ExecutionsTotal.WithLabelValues(string(OutcomeRejectedNeedsConfirmation)).Inc()
		logger.Info().Str("risk_tier", assessment.RiskTier.String()).Msg("execution requires confirmation")
		return &Result{
			ExecutionID: execID,
			Outcome:     OutcomeRejectedNeedsConfirmation,
			Assessment:  &assessment,
			Message:     confirmationPrompt(req, assessment),
		}, nil
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, &PipelineError{ExecID: execID, Stage: "acquire_slot", Err: ctx.Err()}
	}

	r.active.Add(1)
	r.metrics.ActiveExecutions.Inc()
	defer func() {
		r.active.Add(-1)
		r.metrics.ActiveExecutions.Dec()
	}()

	ctx, span := r.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrRiskTier.String(assessment.RiskTier.String()),
		monitor.AttrCodeHash.String(codeHash[:16]),
	)
	defer span.End()

	start := time.Now()

	job, err := r.submit(ctx, req, execID)
	if err != nil {
		r.metrics.RecordError("submit")
		logger.Error().Err(err).Msg("remote job submission failed")
		return nil, &PipelineError{
			ExecID: execID,
			Stage:  "submit",
			Err:    fmt.Errorf("%w: %w", ErrSubmissionFailed, err),
		}
	}
	logger.Info().Str("job_record_id", job.RemoteJobRecordID).Msg("remote job created")

	// Best-effort: a denied trigger downgrades to a no-op and the job
	// waits for the instance's own scheduling pass.
	triggered := r.forceImmediateRun(ctx, job, logger)

	payload, attempts := r.poll(ctx, job.OutputMarkerKey, timeout)
	r.metrics.PollAttempts.Observe(float64(attempts))

	result := r.finalize(ctx, job, payload, &assessment, logger)
	result.PollAttempts = attempts
	result.TriggerForced = triggered

	duration := time.Since(start)
	r.metrics.RecordExecution(string(result.Outcome), duration.Seconds())
	span.SetAttributes(
		monitor.AttrOutcome.String(string(result.Outcome)),
		monitor.AttrPollAttempts.Int(attempts),
		monitor.AttrDurationMS.Int64(duration.Milliseconds()),
	)

	logger.Info().
		Str("outcome", string(result.Outcome)).
		Int("poll_attempts", attempts).
		Dur("duration", duration).
		Msg("execution finished")

	return result, nil
}

// submit renders the harness and persists it as a run-once scheduled
// script job. Creation failures propagate: retrying an unchanged payload
// against a permission error will not succeed.
func (r *Runner) submit(ctx context.Context, req Request, execID string) (*RemoteJob, error) {
	ctx, span := r.tracer.StartSpan(ctx, "submit")
	defer span.End()

	markerKey := r.cfg.MarkerPrefix + execID
	harness, err := script.RenderHarness(script.HarnessParams{
		ExecutionID: execID,
		MarkerKey:   markerKey,
		Code:        req.Code,
	})
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"name":        r.cfg.JobPrefix + execID,
		"script":      harness,
		"active":      "false", // runs only when triggered
		"run_type":    "once",
		"conditional": "false",
	}
	if req.RunAsUser != "" {
		fields["run_as"] = req.RunAsUser
	}

	rec, err := r.api.CreateRecord(ctx, snow.TableScheduledScript, fields)
	if err != nil {
		return nil, err
	}

	return &RemoteJob{
		JobID:             execID,
		RemoteJobRecordID: rec.SysID(),
		OutputMarkerKey:   markerKey,
		CreatedAt:         time.Now(),
	}, nil
}

// forceImmediateRun creates a one-shot ready trigger pointing at the job
// record, with next_action a few seconds out to avoid racing the still
// in-flight creation. Returns false when the instance denied it.
func (r *Runner) forceImmediateRun(ctx context.Context, job *RemoteJob, logger zerolog.Logger) bool {
	ctx, span := r.tracer.StartSpan(ctx, "trigger")
	defer span.End()

	fields := map[string]any{
		"name":         r.cfg.JobPrefix + job.JobID,
		"next_action":  time.Now().UTC().Add(r.cfg.TriggerLead).Format(snTimeLayout),
		"trigger_type": "0", // run once
		"state":        "0", // ready
		"document":     snow.TableScheduledScript,
		"document_key": job.RemoteJobRecordID,
	}

	rec, err := r.api.CreateRecord(ctx, snow.TableTrigger, fields)
	if err != nil {
		r.metrics.TriggerForceFailed.Inc()
		logger.Warn().Err(err).Msg("trigger creation denied, job waits for the scheduler's own pass")
		return false
	}

	job.RemoteTriggerRecordID = rec.SysID()
	return true
}

func (r *Runner) validateRequest(req Request) error {
	if req.Code == "" {
		return fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	if len(req.Code) > r.maxCodeBytes {
		return fmt.Errorf("%w: code exceeds %d byte limit", ErrInvalidRequest, r.maxCodeBytes)
	}
	return nil
}

// confirmationPrompt builds the human-readable summary shown before a
// high-risk script is approved.
func confirmationPrompt(req Request, a script.Assessment) string {
	prompt := fmt.Sprintf("Script risk tier: %s.", a.RiskTier)
	if req.Description != "" {
		prompt += " Purpose: " + req.Description + "."
	}
	if len(a.MutatingCalls) > 0 {
		prompt += fmt.Sprintf(" Data-mutating calls: %v.", a.MutatingCalls)
	}
	if len(a.PrivilegedCalls) > 0 {
		prompt += fmt.Sprintf(" Privileged calls: %v.", a.PrivilegedCalls)
	}
	for _, w := range a.Warnings {
		prompt += " Warning: " + w + "."
	}
	if req.AllowDataModification {
		prompt += " Caller declared this script modifies data."
	} else {
		prompt += " Caller did not declare data modification."
	}
	return prompt
}

// ActiveCount returns the number of currently running executions.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close shuts down the runner. In-flight executions finish on their own.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}
