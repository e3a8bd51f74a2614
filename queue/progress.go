package queue

import (
	"sync"
	"time"

	"github.com/brainkernel/brain/bus"
	"github.com/brainkernel/brain/clockid"
)

// maxEmitRate bounds progress-bus emissions to at most 10/sec/job; the
// underlying DB row is still updated on every call.
const maxEmitRate = 100 * time.Millisecond

// emaAlpha is the smoothing factor for the rate-per-second exponential
// moving average.
const emaAlpha = 0.3

type emaState struct {
	lastCurrent int
	lastTime    time.Time
	rate        float64 // units/sec
}

// ProgressMonitor tracks per-job progress, computing a smoothed rate and
// ETA and coalescing bus emissions.
type ProgressMonitor struct {
	q     *Queue
	bus   *bus.Bus
	clock clockid.Clock

	mu       sync.Mutex
	ema      map[string]*emaState
	lastEmit map[string]time.Time
}

func newProgressMonitor(q *Queue, b *bus.Bus, clock clockid.Clock) *ProgressMonitor {
	return &ProgressMonitor{q: q, bus: b, clock: clock, ema: make(map[string]*emaState), lastEmit: make(map[string]time.Time)}
}

// ProgressUpdate is published on bus.TopicJobProgress.
type ProgressUpdate struct {
	JobID   string
	Current int
	Total   int
	Message string
	Rate    float64
	ETA     time.Duration
}

// ReportProgress is called by job handlers (via Queue.ReportProgress) to
// record incremental progress.
func (m *ProgressMonitor) ReportProgress(jobID string, current, total int, message string) error {
	now := m.clock.Now()
	if _, err := m.q.db.Exec(`
		UPDATE jobs SET progress_current=?, progress_total=?, progress_message=?, updated_at=?
		WHERE id=?
	`, current, total, message, now, jobID); err != nil {
		return err
	}

	m.mu.Lock()
	state, ok := m.ema[jobID]
	if !ok {
		state = &emaState{lastCurrent: current, lastTime: now}
		m.ema[jobID] = state
	} else if elapsed := now.Sub(state.lastTime).Seconds(); elapsed > 0 {
		instantRate := float64(current-state.lastCurrent) / elapsed
		state.rate = emaAlpha*instantRate + (1-emaAlpha)*state.rate
		state.lastCurrent = current
		state.lastTime = now
	}
	rate := state.rate

	last, seen := m.lastEmit[jobID]
	shouldEmit := !seen || now.Sub(last) >= maxEmitRate
	if shouldEmit {
		m.lastEmit[jobID] = now
	}
	m.mu.Unlock()

	if !shouldEmit {
		return nil
	}

	var eta time.Duration
	if rate > 0 && total > current {
		eta = time.Duration(float64(total-current) / rate * float64(time.Second))
	}

	m.bus.Publish(bus.TopicJobProgress, ProgressUpdate{
		JobID: jobID, Current: current, Total: total, Message: message, Rate: rate, ETA: eta,
	}, "queue")
	return nil
}

// forget drops a job's EMA/coalescing state once it reaches a terminal
// status, so long-lived monitors don't leak memory across job history.
func (m *ProgressMonitor) forget(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ema, jobID)
	delete(m.lastEmit, jobID)
}

// ReportProgress reports progress for jobID through the queue's monitor.
func (q *Queue) ReportProgress(jobID string, current, total int, message string) error {
	return q.monitor.ReportProgress(jobID, current, total, message)
}

// RouteProgressOwner decides which interface should receive a job's
// progress update. jobMessages maps a jobID directly to the interface that
// is tracking it one-to-one (e.g. a chat command awaiting this exact job);
// interfaceRoots maps an interface id to the set of rootJobIds it owns, for
// jobs it's tracking as part of a larger operation. It is a pure function:
// no context, no I/O, keeping interface ownership out of service-layer
// plumbing.
func RouteProgressOwner(jobMessages map[string]string, interfaceRoots map[string]map[string]bool, jobID, rootJobID string) (string, bool) {
	if owner, ok := jobMessages[jobID]; ok {
		return owner, true
	}
	for iface, roots := range interfaceRoots {
		if roots[rootJobID] {
			return iface, true
		}
	}
	return "", false
}
