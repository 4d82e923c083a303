package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"snow-script-runner/internal/script"
	"snow-script-runner/internal/snow"
)

// finalize maps the raw payload into the terminal result and then deletes
// the instance-side records. Cleanup runs exactly once per execution and
// never surfaces as a failure: each job is uniquely keyed and will not be
// revisited, so a leftover record is staleness, not corruption.
func (r *Runner) finalize(ctx context.Context, job *RemoteJob, payload *RawResultPayload, assessment *script.Assessment, logger zerolog.Logger) *Result {
	ctx, span := r.tracer.StartSpan(ctx, "finalize")
	defer span.End()

	var result *Result
	if payload != nil {
		result = &Result{
			ExecutionID:  job.JobID,
			Outcome:      OutcomeCompleted,
			Executed:     true,
			Succeeded:    payload.Success,
			ReturnValue:  payload.Result,
			ErrorMessage: payload.Error,
			Output:       GroupOutput(payload.Output),
			OutputLines:  payload.Output,
			ElapsedMs:    payload.ExecutionTimeMs,
			Assessment:   assessment,
		}
		r.metrics.OutputLines.Observe(float64(len(payload.Output)))
	} else {
		result = &Result{
			ExecutionID:       job.JobID,
			Outcome:           OutcomeTimedOutPendingRemote,
			Executed:          true,
			Assessment:        assessment,
			RemoteJobRecordID: job.RemoteJobRecordID,
			Message: fmt.Sprintf(
				"script did not report completion in time; it may still be running on the instance. "+
					"Inspect %s record %s, or fetch the result later with execution id %s.",
				snow.TableScheduledScript, job.RemoteJobRecordID, job.JobID),
		}
	}

	result.CleanupFailed = !r.cleanup(ctx, job, logger)
	if result.CleanupFailed {
		r.metrics.CleanupFailed.Inc()
	}

	return result
}

// cleanup deletes the job record, trigger record, and marker property.
// Failures are logged and reported via the return value only.
func (r *Runner) cleanup(ctx context.Context, job *RemoteJob, logger zerolog.Logger) bool {
	// Cleanup proceeds even when the caller's context is already done.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	ok := true

	if err := r.api.DeleteRecord(cleanupCtx, snow.TableScheduledScript, job.RemoteJobRecordID); err != nil && !isNotFound(err) {
		logger.Warn().Err(err).Str("record", job.RemoteJobRecordID).Msg("failed to delete job record")
		ok = false
	}

	if job.RemoteTriggerRecordID != "" {
		if err := r.api.DeleteRecord(cleanupCtx, snow.TableTrigger, job.RemoteTriggerRecordID); err != nil && !isNotFound(err) {
			logger.Warn().Err(err).Str("record", job.RemoteTriggerRecordID).Msg("failed to delete trigger record")
			ok = false
		}
	}

	if err := r.deleteMarker(cleanupCtx, job.OutputMarkerKey); err != nil {
		logger.Warn().Err(err).Str("marker", job.OutputMarkerKey).Msg("failed to delete marker property")
		ok = false
	}

	if ok {
		logger.Debug().Msg("remote records cleaned up")
	}
	return ok
}

// deleteMarker removes the marker property if it exists. A marker that was
// never written (timeout before the job ran) is not an error.
func (r *Runner) deleteMarker(ctx context.Context, markerKey string) error {
	recs, err := r.api.QueryRecords(ctx, snow.TableProperty,
		"name="+markerKey, []string{"sys_id"}, 1)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	if err := r.api.DeleteRecord(ctx, snow.TableProperty, recs[0].SysID()); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func isNotFound(err error) bool {
	if errors.Is(err, snow.ErrNotFound) {
		return true
	}
	var apiErr *snow.APIError
	return errors.As(err, &apiErr) && apiErr.Status == 404
}
