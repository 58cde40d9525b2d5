package repository

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Purger deletes old operation log entries
type Purger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionJanitor periodically trims the operation log to the retention
// window. Entries newer than a document's snapshot are never removed.
type RetentionJanitor struct {
	purger    Purger
	retention time.Duration
	interval  time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

func NewRetentionJanitor(purger Purger, retention, interval time.Duration, log zerolog.Logger) *RetentionJanitor {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionJanitor{
		purger:    purger,
		retention: retention,
		interval:  interval,
		log:       log.With().Str("component", "oplog_janitor").Logger(),
		now:       time.Now,
	}
}

// PurgeOnce removes entries older than the retention window
func (j *RetentionJanitor) PurgeOnce(ctx context.Context) (int64, error) {
	if j.retention <= 0 {
		return 0, nil
	}

	cutoff := j.now().Add(-j.retention)
	purged, err := j.purger.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		j.log.Error().Err(err).Msg("operation log purge failed")
		return 0, err
	}

	if purged > 0 {
		j.log.Info().Int64("purged", purged).Time("cutoff", cutoff).Msg("operation log trimmed")
	}
	return purged, nil
}

// Run purges once at start and then every interval until ctx is done
func (j *RetentionJanitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.PurgeOnce(ctx)
	for {
		select {
		case <-ticker.C:
			j.PurgeOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}
