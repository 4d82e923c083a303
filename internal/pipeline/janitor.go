package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"snow-script-runner/internal/snow"
)

const sweepBatchSize = 100

// SweepOrphans removes job records and marker properties left behind by
// runs that crashed mid-pipeline or timed out. Only records bearing this
// runner's prefixes and older than maxAge are touched.
func (r *Runner) SweepOrphans(ctx context.Context, maxAge time.Duration) (int, error) {
	threshold := time.Now().UTC().Add(-maxAge).Format(snTimeLayout)
	var cleaned int

	jobQuery := fmt.Sprintf("nameSTARTSWITH%s^sys_created_on<%s", r.cfg.JobPrefix, threshold)
	jobs, err := r.api.QueryRecords(ctx, snow.TableScheduledScript, jobQuery, []string{"sys_id", "name"}, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing orphaned job records: %w", err)
	}
	for _, rec := range jobs {
		logger := log.With().Str("record", rec.SysID()).Str("name", rec.String("name")).Logger()
		if err := r.api.DeleteRecord(ctx, snow.TableScheduledScript, rec.SysID()); err != nil && !isNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete orphaned job record")
			continue
		}
		logger.Info().Msg("deleted orphaned job record")
		cleaned++
	}

	markerQuery := fmt.Sprintf("nameSTARTSWITH%s^sys_created_on<%s", r.cfg.MarkerPrefix, threshold)
	markers, err := r.api.QueryRecords(ctx, snow.TableProperty, markerQuery, []string{"sys_id", "name"}, sweepBatchSize)
	if err != nil {
		return cleaned, fmt.Errorf("listing orphaned markers: %w", err)
	}
	for _, rec := range markers {
		if err := r.api.DeleteRecord(ctx, snow.TableProperty, rec.SysID()); err != nil && !isNotFound(err) {
			log.Warn().Err(err).Str("record", rec.SysID()).Msg("failed to delete orphaned marker")
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("swept orphaned remote records")
	}

	return cleaned, nil
}
