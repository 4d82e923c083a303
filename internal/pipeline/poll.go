package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"snow-script-runner/internal/snow"
)

// poll queries the marker property at a fixed interval until a cleanly
// parsing payload appears or the timeout elapses. The attempt count is a
// second bound against interval drift. A nil payload means timeout, which
// is a pending outcome for the caller to report, not an error.
func (r *Runner) poll(ctx context.Context, markerKey string, timeout time.Duration) (*RawResultPayload, int) {
	ctx, span := r.tracer.StartSpan(ctx, "poll")
	defer span.End()

	interval := r.cfg.PollInterval
	maxAttempts := int(timeout / interval)
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	deadline := time.Now().Add(timeout)

	attempts := 0
	for attempts < maxAttempts && time.Now().Before(deadline) {
		attempts++

		recs, err := r.api.QueryRecords(ctx, snow.TableProperty,
			"name="+markerKey, []string{"sys_id", "value"}, 1)
		if err != nil {
			// Transient read failures count as "not yet ready".
			log.Debug().Err(err).Str("marker", markerKey).Msg("marker poll failed")
		} else if len(recs) > 0 {
			var payload RawResultPayload
			raw := recs[0].String("value")
			if jsonErr := json.Unmarshal([]byte(raw), &payload); jsonErr == nil {
				return &payload, attempts
			}
			// Present but unparsable: likely a partially written value.
			log.Debug().Str("marker", markerKey).Msg("marker present but not yet parsable")
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, attempts
		}
	}

	return nil, attempts
}
