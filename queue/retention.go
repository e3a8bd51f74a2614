package queue

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// StartRetentionSweep schedules the retention/rotation sweep on spec
// (a standard 5-field cron expression), only when q.cfg.Retention.Enabled
// is true (retention is disabled/unlimited by default). It returns the
// running *cron.Cron so the caller can Stop() it.
func (q *Queue) StartRetentionSweep(spec string) (*cron.Cron, error) {
	if !q.cfg.Retention.Enabled {
		return nil, nil
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, q.sweepRetention); err != nil {
		return nil, fmt.Errorf("schedule retention sweep: %w", err)
	}
	c.Start()
	return c, nil
}

// sweepRetention deletes terminal jobs beyond the configured MaxAge/MaxCount.
func (q *Queue) sweepRetention() {
	r := q.cfg.Retention
	now := q.clock.Now()

	if r.MaxAge > 0 {
		cutoff := now.Add(-r.MaxAge)
		if _, err := q.db.Exec(`
			DELETE FROM jobs WHERE status IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?
		`, StatusSucceeded, StatusFailed, StatusCancelled, cutoff); err != nil {
			q.logger.Error("retention sweep (max age) failed", "error", err)
		}
	}

	if r.MaxCount > 0 {
		if _, err := q.db.Exec(`
			DELETE FROM jobs WHERE status IN (?, ?, ?) AND id NOT IN (
				SELECT id FROM jobs WHERE status IN (?, ?, ?) ORDER BY finished_at DESC LIMIT ?
			)
		`, StatusSucceeded, StatusFailed, StatusCancelled,
			StatusSucceeded, StatusFailed, StatusCancelled, r.MaxCount); err != nil {
			q.logger.Error("retention sweep (max count) failed", "error", err)
		}
	}
}
