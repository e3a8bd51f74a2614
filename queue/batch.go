package queue

import (
	"fmt"

	"github.com/brainkernel/brain/bus"
)

// Batch tracks completion of a group of jobs enqueued together.
type Batch struct {
	ID        string
	Total     int
	Succeeded int
	Failed    int
	Status    string // "pending" | "done"
}

// CreateBatch groups jobIDs under a new batch id and returns it. A
// batch-progress event fires exactly once, when every member job reaches a
// terminal state.
func (q *Queue) CreateBatch(jobIDs []string) (string, error) {
	id := q.ids.NewID()
	now := q.clock.Now()

	tx, err := q.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO batches (id, total, status, created_at, updated_at) VALUES (?, ?, 'pending', ?, ?)`,
		id, len(jobIDs), now, now); err != nil {
		return "", fmt.Errorf("insert batch: %w", err)
	}
	for _, jobID := range jobIDs {
		if _, err := tx.Exec(`INSERT INTO batch_jobs (batch_id, job_id) VALUES (?, ?)`, id, jobID); err != nil {
			return "", fmt.Errorf("insert batch member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit batch: %w", err)
	}
	return id, nil
}

// GetBatch returns a batch's current tally.
func (q *Queue) GetBatch(id string) (Batch, error) {
	var b Batch
	row := q.db.QueryRow(`SELECT id, total, succeeded, failed, status FROM batches WHERE id=?`, id)
	if err := row.Scan(&b.ID, &b.Total, &b.Succeeded, &b.Failed, &b.Status); err != nil {
		return Batch{}, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// onJobTerminal updates every batch jobID belongs to, firing batch-progress
// exactly once per batch when it transitions to fully-terminal.
func (q *Queue) onJobTerminal(jobID string) {
	rows, err := q.db.Query(`SELECT batch_id FROM batch_jobs WHERE job_id=?`, jobID)
	if err != nil {
		q.logger.Error("failed to look up batch membership", "jobId", jobID, "error", err)
		return
	}
	var batchIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			batchIDs = append(batchIDs, id)
		}
	}
	rows.Close()

	for _, batchID := range batchIDs {
		q.updateBatch(batchID)
	}
}

func (q *Queue) updateBatch(batchID string) {
	var succeeded, failed, total int
	row := q.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM batch_jobs bj JOIN jobs j ON j.id=bj.job_id WHERE bj.batch_id=? AND j.status=?),
			(SELECT COUNT(*) FROM batch_jobs bj JOIN jobs j ON j.id=bj.job_id WHERE bj.batch_id=? AND j.status IN (?, ?)),
			(SELECT total FROM batches WHERE id=?)
	`, batchID, StatusSucceeded, batchID, StatusFailed, StatusCancelled, batchID)
	if err := row.Scan(&succeeded, &failed, &total); err != nil {
		q.logger.Error("failed to tally batch", "batchId", batchID, "error", err)
		return
	}

	now := q.clock.Now()
	done := succeeded+failed >= total
	status := "pending"
	if done {
		status = "done"
	}
	if _, err := q.db.Exec(`
		UPDATE batches SET succeeded=?, failed=?, status=?, updated_at=? WHERE id=?
	`, succeeded, failed, status, now, batchID); err != nil {
		q.logger.Error("failed to update batch", "batchId", batchID, "error", err)
		return
	}

	if done {
		q.bus.Publish(bus.TopicBatchProgress, map[string]any{
			"batchId": batchID, "total": total, "succeeded": succeeded, "failed": failed,
		}, "queue")
	}
}
