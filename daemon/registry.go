package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/brainkernel/brain/bus"
	"github.com/brainkernel/brain/clockid"
	"github.com/brainkernel/brain/logging"
	"github.com/brainkernel/brain/metrics"
)

// DefaultHealthPollInterval is how often the registry calls HealthCheck on
// every registered daemon when no interval is configured.
const DefaultHealthPollInterval = 30 * time.Second

// DefaultDegradeThreshold is how many consecutive HealthCheck failures
// (or failed Start attempts) mark a daemon degraded and publish
// bus.TopicDaemonDegraded.
const DefaultDegradeThreshold = 3

// DefaultStopTimeout bounds how long Registry.Stop waits for a single
// daemon's Stop to return before moving on.
const DefaultStopTimeout = 10 * time.Second

// Config tunes the registry's polling, degrade threshold, and stop timeout.
type Config struct {
	HealthPollInterval time.Duration
	DegradeThreshold   int
	StopTimeout        time.Duration
}

// DefaultConfig returns the registry's default polling policy.
func DefaultConfig() Config {
	return Config{
		HealthPollInterval: DefaultHealthPollInterval,
		DegradeThreshold:   DefaultDegradeThreshold,
		StopTimeout:        DefaultStopTimeout,
	}
}

type entry struct {
	daemon Daemon
	mu     sync.Mutex
	health Health
}

// Registry runs a fixed set of Daemons, each polled on its own ticker, and
// tracks consecutive health-check failures per daemon.
type Registry struct {
	bus    *bus.Bus
	clock  clockid.Clock
	logger *logging.Logger
	cfg    Config

	mu      sync.RWMutex
	entries map[string]*entry
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Registry. clock is used only for Health.LastActivity
// timestamps; polling itself always uses real time.Tickers since a daemon's
// own interval is a wall-clock concern.
func New(b *bus.Bus, clock clockid.Clock, logger *logging.Logger, cfg Config) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.HealthPollInterval <= 0 {
		cfg.HealthPollInterval = DefaultHealthPollInterval
	}
	if cfg.DegradeThreshold <= 0 {
		cfg.DegradeThreshold = DefaultDegradeThreshold
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Registry{
		bus:     b,
		clock:   clock,
		logger:  logger.Child("daemon"),
		cfg:     cfg,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
}

// Register adds a daemon to the registry. It does not start it; Start does.
func (r *Registry) Register(d Daemon) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[d.ID()] = &entry{
		daemon: d,
		health: Health{ID: d.ID(), Status: StatusIdle, LastActivity: r.clock.Now()},
	}
}

// Start launches every registered daemon's Start method and begins polling
// its health on cfg.HealthPollInterval, one goroutine per daemon.
func (r *Registry) Start(ctx context.Context) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		e := e
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runDaemon(ctx, e)
		}()
	}
}

// Stop signals every daemon loop to exit and calls each daemon's Stop,
// bounded by cfg.StopTimeout per daemon. A daemon whose Stop doesn't
// return in time is logged and skipped, mirroring the non-cascading,
// best-effort teardown the plugin manager also uses.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		done := make(chan error, 1)
		go func(e *entry) { done <- e.daemon.Stop() }(e)
		select {
		case err := <-done:
			if err != nil {
				r.logger.Error("daemon stop returned an error", "daemonId", e.daemon.ID(), "error", err)
			}
		case <-time.After(r.cfg.StopTimeout):
			r.logger.Warn("daemon stop timed out", "daemonId", e.daemon.ID())
		}
		r.setStatus(e, StatusStopped, "")
	}
}

// IDs returns the ids of every registered daemon.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Unregister drops a registered daemon that has not been started,
// reporting whether one existed. It exists for the plugin manager to roll
// back a daemon a plugin registered from a failed onRegister call.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// GetHealth returns the current health snapshot for a daemon id.
func (r *Registry) GetHealth(id string) (Health, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Health{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health, true
}

func (r *Registry) runDaemon(ctx context.Context, e *entry) {
	if err := e.daemon.Start(ctx); err != nil {
		r.recordErr(e, err)
	} else {
		r.setStatus(e, StatusRunning, "")
	}

	ticker := time.NewTicker(r.cfg.HealthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := e.daemon.HealthCheck(ctx); err != nil {
				r.recordErr(e, err)
			} else {
				r.recordOK(e)
			}
		}
	}
}

func (r *Registry) setStatus(e *entry, status Status, lastErr string) {
	e.mu.Lock()
	e.health.Status = status
	e.health.LastActivity = r.clock.Now()
	e.health.LastError = lastErr
	id := e.daemon.ID()
	e.mu.Unlock()

	metrics.SetDaemonHealth(id, string(status))
}

func (r *Registry) recordOK(e *entry) {
	e.mu.Lock()
	e.health.Status = StatusRunning
	e.health.LastActivity = r.clock.Now()
	e.health.CycleCount++
	e.health.ConsecutiveErrs = 0
	e.health.LastError = ""
	id := e.daemon.ID()
	e.mu.Unlock()

	metrics.SetDaemonHealth(id, string(StatusRunning))
}

func (r *Registry) recordErr(e *entry, err error) {
	e.mu.Lock()
	e.health.LastActivity = r.clock.Now()
	e.health.ConsecutiveErrs++
	e.health.LastError = err.Error()
	degraded := e.health.ConsecutiveErrs >= r.cfg.DegradeThreshold
	if degraded {
		e.health.Status = StatusDegraded
	} else {
		e.health.Status = StatusError
	}
	status := e.health.Status
	id := e.daemon.ID()
	e.mu.Unlock()

	metrics.SetDaemonHealth(id, string(status))
	r.logger.Error("daemon health check failed", "daemonId", id, "error", err)
	if degraded && r.bus != nil {
		r.bus.Publish(bus.TopicDaemonDegraded, bus.DaemonDegradedEvent{DaemonID: id, Reason: err.Error()}, "daemon")
	}
}
