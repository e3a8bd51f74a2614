package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/brainkernel/brain/brainerr"
	"github.com/brainkernel/brain/bus"
	"github.com/brainkernel/brain/clockid"
	"github.com/brainkernel/brain/internal/store"
	"github.com/brainkernel/brain/logging"
	"github.com/brainkernel/brain/metrics"
)

// Handler executes one job. It receives a ProgressReporter so long-running
// work can report incremental progress and cooperatively observe
// cancellation; a handler that never checks IsCancelled simply runs to
// completion, cancellation request notwithstanding.
type Handler func(job Job, progress ProgressReporter) (any, error)

// ProgressReporter is the per-job handle a running Handler uses to report
// progress and poll for cancellation. It carries no state of its own
// beyond the job id; both methods delegate to the owning Queue.
type ProgressReporter struct {
	jobID string
	q     *Queue
}

// Report records incremental progress for the reporter's job.
func (p ProgressReporter) Report(current, total int, message string) error {
	return p.q.ReportProgress(p.jobID, current, total, message)
}

// IsCancelled reports whether CancelJob has been called for this job since
// it started running. A handler that does long-running or looping work
// should poll this periodically and return a brainerr.Cancelled error once
// it observes true.
func (p ProgressReporter) IsCancelled() bool {
	return p.q.isCancelled(p.jobID)
}

// Retention is the job-history retention policy: disabled by default,
// meaning unlimited history.
type Retention struct {
	Enabled  bool
	MaxAge   time.Duration
	MaxCount int
}

// Config controls a Queue's scheduling behavior.
type Config struct {
	// WorkerCount is how many jobs may run concurrently. 0 uses
	// runtime.NumCPU().
	WorkerCount int
	// DefaultMaxAttempts is used when a caller doesn't specify one.
	DefaultMaxAttempts int
	// PollInterval is how often an idle worker checks for new work.
	PollInterval time.Duration
	Retention    Retention
}

// DefaultConfig returns the queue's default scheduling configuration.
func DefaultConfig() Config {
	return Config{
		WorkerCount:        runtime.NumCPU(),
		DefaultMaxAttempts: 3,
		PollInterval:       250 * time.Millisecond,
		Retention:          Retention{Enabled: false},
	}
}

// Queue is the SQLite-backed job queue.
type Queue struct {
	db     *store.DB
	bus    *bus.Bus
	ids    *clockid.IDGenerator
	clock  clockid.Clock
	logger *logging.Logger
	cfg    Config

	mu          sync.RWMutex
	handlers    map[string]Handler
	cancelFlags map[string]struct{}

	monitor *ProgressMonitor
}

// New builds a Queue against an already-migrated Job Queue DB.
func New(db *store.DB, b *bus.Bus, ids *clockid.IDGenerator, clock clockid.Clock, logger *logging.Logger, cfg Config) *Queue {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = runtime.NumCPU()
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	q := &Queue{
		db:          db,
		bus:         b,
		ids:         ids,
		clock:       clock,
		logger:      logger.Child("queue"),
		cfg:         cfg,
		handlers:    make(map[string]Handler),
		cancelFlags: make(map[string]struct{}),
	}
	q.monitor = newProgressMonitor(q, b, clock)
	return q
}

// RegisterHandler binds jobType to the handler that executes it. A job of an
// unregistered type fails with a Handler error when claimed and, like any
// handler error, is retried until its attempts are exhausted.
func (q *Queue) RegisterHandler(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// EnqueueJob inserts a new root job. It satisfies entity.JobEnqueuer.
func (q *Queue) EnqueueJob(jobType string, data map[string]any, priority int, metadata map[string]any) (string, error) {
	return q.enqueue(jobType, data, priority, metadata, "", "")
}

// EnqueueChildJob inserts a job inheriting parentJobID's root job id: a
// child's rootJobId is its parent's rootJobId if set, else the parent's
// own id.
func (q *Queue) EnqueueChildJob(parentJobID, jobType string, data map[string]any, priority int, metadata map[string]any) (string, error) {
	parent, err := q.GetJob(parentJobID)
	if err != nil {
		return "", err
	}
	root := parent.RootJobID
	if root == "" {
		root = parent.ID
	}
	return q.enqueue(jobType, data, priority, metadata, root, parentJobID)
}

func (q *Queue) enqueue(jobType string, data map[string]any, priority int, metadata map[string]any, rootJobID, parentJobID string) (string, error) {
	id := q.ids.NewID()
	now := q.clock.Now()
	if rootJobID == "" {
		rootJobID = id
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal job data: %w", err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal job metadata: %w", err)
	}

	_, err = q.db.Exec(`
		INSERT INTO jobs (id, type, data, metadata, priority, status, root_job_id, parent_job_id,
			attempts, max_attempts, created_at, updated_at, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, id, jobType, string(dataJSON), string(metaJSON), priority, StatusPending, rootJobID, parentJobID,
		q.cfg.DefaultMaxAttempts, now, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	metrics.IncQueueDepth(jobType)
	q.bus.Publish(bus.TopicJobProgress, bus.EntityEvent{}, "queue")
	return id, nil
}

// GetJob fetches a job by id.
func (q *Queue) GetJob(id string) (Job, error) {
	row := q.db.QueryRow(jobSelectColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Job{}, brainerr.New(brainerr.NotFound, "job not found", map[string]any{"id": id})
		}
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListFilter controls ListActiveJobs.
type ListFilter struct {
	RootJobID string
	Status    Status
}

// ListActiveJobs returns jobs matching filter, most recently created first.
func (q *Queue) ListActiveJobs(filter ListFilter) ([]Job, error) {
	query := jobSelectColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if filter.RootJobID != "" {
		query += ` AND root_job_id=?`
		args = append(args, filter.RootJobID)
	}
	if filter.Status != "" {
		query += ` AND status=?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CancelJob flags one job cancelled. It does NOT cascade to children
// sharing the same rootJobId — callers that want cascading cancellation
// must enumerate and cancel each child themselves via
// ListActiveJobs(filter: {RootJobID: ...}).
//
// A pending job is flipped straight to cancelled: nothing is running, so
// there's no handler to cooperate with. A running job cannot be flipped
// directly — its handler owns the row until it returns — so CancelJob
// instead raises an in-memory flag the handler's ProgressReporter observes
// via IsCancelled; the row only becomes cancelled once the handler notices
// and returns a brainerr.Cancelled error, which finish() then persists.
func (q *Queue) CancelJob(id string) error {
	now := q.clock.Now()
	res, err := q.db.Exec(`
		UPDATE jobs SET status=?, updated_at=?, finished_at=?
		WHERE id=? AND status=?
	`, StatusCancelled, now, now, id, StatusPending)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	job, err := q.GetJob(id)
	if err != nil {
		return err
	}
	if job.Status != StatusRunning {
		return brainerr.New(brainerr.Conflict, "job not cancellable (not found or already terminal)", map[string]any{"id": id})
	}

	q.mu.Lock()
	q.cancelFlags[id] = struct{}{}
	q.mu.Unlock()
	return nil
}

// isCancelled reports whether id has a pending cancellation flag raised by
// CancelJob while the job was running.
func (q *Queue) isCancelled(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.cancelFlags[id]
	return ok
}

// clearCancelFlag drops a job's cancellation flag once it reaches a
// terminal status, mirroring ProgressMonitor.forget.
func (q *Queue) clearCancelFlag(id string) {
	q.mu.Lock()
	delete(q.cancelFlags, id)
	q.mu.Unlock()
}

const jobSelectColumns = `
	SELECT id, type, data, metadata, priority, status, root_job_id, parent_job_id,
		attempts, max_attempts, last_error, progress_current, progress_total, progress_message,
		created_at, updated_at, started_at, finished_at, next_run_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var dataJSON, metaJSON string
	var startedAt, finishedAt sql.NullTime
	if err := row.Scan(
		&j.ID, &j.Type, &dataJSON, &metaJSON, &j.Priority, &j.Status, &j.RootJobID, &j.ParentJobID,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.Progress.Current, &j.Progress.Total, &j.Progress.Message,
		&j.CreatedAt, &j.UpdatedAt, &startedAt, &finishedAt, &j.NextRunAt,
	); err != nil {
		return Job{}, err
	}
	if startedAt.Valid {
		j.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		j.FinishedAt = finishedAt.Time
	}
	_ = json.Unmarshal([]byte(dataJSON), &j.Data)
	_ = json.Unmarshal([]byte(metaJSON), &j.Metadata)
	return j, nil
}
