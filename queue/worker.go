package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/brainkernel/brain/brainerr"
	"github.com/brainkernel/brain/bus"
	"github.com/brainkernel/brain/metrics"
)

// Run starts cfg.WorkerCount workers that poll for pending jobs until ctx is
// cancelled. It blocks until every worker has exited.
func (q *Queue) Run(ctx context.Context) error {
	if err := q.recoverStaleRunning(); err != nil {
		q.logger.Warn("failed to recover stale running jobs on startup", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.WorkerCount; i++ {
		g.Go(func() error {
			q.workerLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

// recoverStaleRunning resets jobs left in "running" from a prior process
// that crashed mid-execution back to pending.
func (q *Queue) recoverStaleRunning() error {
	now := q.clock.Now()
	_, err := q.db.Exec(`
		UPDATE jobs SET status=?, updated_at=?, next_run_at=?
		WHERE status=?
	`, StatusPending, now, now, StatusRunning)
	return err
}

func (q *Queue) workerLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok, err := q.claimNext()
		if err != nil {
			q.logger.Error("failed to claim next job", "error", err)
		} else if ok {
			q.execute(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// claimNext atomically claims the highest-priority, oldest eligible pending
// job.
func (q *Queue) claimNext() (Job, bool, error) {
	now := q.clock.Now()

	var id string
	row := q.db.QueryRow(`
		SELECT id FROM jobs
		WHERE status=? AND next_run_at <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
	`, StatusPending, now)
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return Job{}, false, nil
		}
		return Job{}, false, err
	}

	res, err := q.db.Exec(`
		UPDATE jobs SET status=?, started_at=?, updated_at=?, attempts=attempts+1
		WHERE id=? AND status=?
	`, StatusRunning, now, now, id, StatusPending)
	if err != nil {
		return Job{}, false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost a race to another worker: the SELECT and UPDATE are separate
		// statements, so two workers can pick the same id and only one
		// UPDATE matches the pending row.
		return Job{}, false, nil
	}

	job, err := q.GetJob(id)
	if err != nil {
		return Job{}, false, err
	}
	metrics.DecQueueDepth(job.Type)
	return job, true, nil
}

func (q *Queue) execute(ctx context.Context, job Job) {
	q.mu.RLock()
	handler, ok := q.handlers[job.Type]
	q.mu.RUnlock()

	if !ok {
		q.finish(job, nil, errUnregisteredType(job.Type))
		return
	}

	reporter := ProgressReporter{jobID: job.ID, q: q}

	result, err := func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				q.logger.Error("job handler panicked", "jobId", job.ID, "type", job.Type, "panic", r)
				err = errHandlerPanic(job.Type)
			}
		}()
		return handler(job, reporter)
	}()

	q.finish(job, result, err)
}

// finish persists a job's terminal or retry outcome. Every write is
// guarded by "WHERE id=? AND status=?" against the running status the row
// was claimed under: a job whose cancellation flag flips after the
// handler already returned loses the race harmlessly (the flag is cleared
// right after), and a row that somehow left "running" out from under us
// (it shouldn't, absent a second writer) is left alone instead of silently
// overwritten.
func (q *Queue) finish(job Job, result any, err error) {
	now := q.clock.Now()
	runDuration := now.Sub(job.StartedAt)

	if err == nil {
		_, dbErr := q.db.Exec(`
			UPDATE jobs SET status=?, updated_at=?, finished_at=?, last_error=''
			WHERE id=? AND status=?
		`, StatusSucceeded, now, now, job.ID, StatusRunning)
		if dbErr != nil {
			q.logger.Error("failed to mark job succeeded", "jobId", job.ID, "error", dbErr)
		}
		metrics.ObserveJobDuration(job.Type, string(StatusSucceeded), runDuration)
		q.bus.Publish(bus.TopicJobProgress, map[string]any{"jobId": job.ID, "status": string(StatusSucceeded)}, "queue")
		q.monitor.forget(job.ID)
		q.clearCancelFlag(job.ID)
		q.onJobTerminal(job.ID)
		return
	}

	if brainerr.Is(err, brainerr.Cancelled) {
		_, dbErr := q.db.Exec(`
			UPDATE jobs SET status=?, updated_at=?, finished_at=?, last_error=?
			WHERE id=? AND status=?
		`, StatusCancelled, now, now, err.Error(), job.ID, StatusRunning)
		if dbErr != nil {
			q.logger.Error("failed to mark job cancelled", "jobId", job.ID, "error", dbErr)
		}
		metrics.ObserveJobDuration(job.Type, string(StatusCancelled), runDuration)
		q.bus.Publish(bus.TopicJobProgress, map[string]any{"jobId": job.ID, "status": string(StatusCancelled)}, "queue")
		q.monitor.forget(job.ID)
		q.clearCancelFlag(job.ID)
		q.onJobTerminal(job.ID)
		return
	}

	if job.Attempts >= job.MaxAttempts {
		_, dbErr := q.db.Exec(`
			UPDATE jobs SET status=?, updated_at=?, finished_at=?, last_error=?
			WHERE id=? AND status=?
		`, StatusFailed, now, now, err.Error(), job.ID, StatusRunning)
		if dbErr != nil {
			q.logger.Error("failed to mark job failed", "jobId", job.ID, "error", dbErr)
		}
		metrics.ObserveJobDuration(job.Type, string(StatusFailed), runDuration)
		q.bus.Publish(bus.TopicJobProgress, map[string]any{"jobId": job.ID, "status": string(StatusFailed)}, "queue")
		q.monitor.forget(job.ID)
		q.clearCancelFlag(job.ID)
		q.onJobTerminal(job.ID)
		return
	}

	delay := backoffForAttempt(job.Attempts)
	nextRun := now.Add(delay)
	_, dbErr := q.db.Exec(`
		UPDATE jobs SET status=?, updated_at=?, next_run_at=?, last_error=?
		WHERE id=? AND status=?
	`, StatusPending, now, nextRun, err.Error(), job.ID, StatusRunning)
	if dbErr != nil {
		q.logger.Error("failed to schedule job retry", "jobId", job.ID, "error", dbErr)
	}
	q.clearCancelFlag(job.ID)
	metrics.IncQueueDepth(job.Type)
}

// backoffForAttempt returns the exponential backoff delay before retrying
// the given 1-indexed attempt number.
func backoffForAttempt(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 2 * time.Minute
	b.MaxElapsedTime = 0 // no cap on total elapsed time; maxAttempts bounds retries instead

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
