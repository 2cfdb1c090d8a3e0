package task

import (
	"context"
	"io"
	"time"

	"github.com/avast/retry-go"
	logger "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/skourzh/sshferry/remote"
)

// DefaultGracePeriod is how long a stop request waits for the in-flight
// pipeline to acknowledge before force-cancelling it.
const DefaultGracePeriod = 5 * time.Second

// Option configures a Manager.
type Option func(*Manager)

// WithWorkers sets the pool size.
func WithWorkers(n int) Option {
	return func(m *Manager) { m.workers = n }
}

// WithSessionProvider replaces the session provider; mostly used by tests.
func WithSessionProvider(p SessionProvider) Option {
	return func(m *Manager) { m.provider = p }
}

// WithStrategy selects the session strategy (fresh-per-task or
// pooled-per-profile).
func WithStrategy(st remote.Strategy) Option {
	return func(m *Manager) { m.provider = NewStrategySessions(st) }
}

// WithGracePeriod sets the stop grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// WithLocalFs sets the filesystem transfers read and write local files on.
func WithLocalFs(fs afero.Fs) Option {
	return func(m *Manager) { m.fs = fs }
}

// Manager is the public facade over the registry, the worker pool and the
// pipeline: submit, stop, retry and bulk operations, plus listener
// management. Construct one per owning application context and Shutdown it
// on teardown.
type Manager struct {
	workers  int
	grace    time.Duration
	fs       afero.Fs
	provider SessionProvider

	registry *Registry
	pool     *Pool
}

// NewManager builds a manager with the fresh-per-task session strategy
// unless configured otherwise.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		workers: DefaultWorkers,
		grace:   DefaultGracePeriod,
		fs:      afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.provider == nil {
		m.provider = NewStrategySessions(remote.NewFreshStrategy())
	}
	m.registry = NewRegistry()
	m.pool = NewPool(m.workers, m.provider, m.registry, m.fs)
	return m
}

// AddListener registers a lifecycle listener.
func (m *Manager) AddListener(l Listener) {
	m.registry.AddListener(l)
}

// RemoveListener unregisters a lifecycle listener.
func (m *Manager) RemoveListener(l Listener) {
	m.registry.RemoveListener(l)
}

// List returns snapshots of all known tasks, newest first.
func (m *Manager) List() []Snapshot {
	return m.registry.List()
}

// Get returns the snapshot for one task id.
func (m *Manager) Get(id string) (Snapshot, bool) {
	rec := m.registry.find(id)
	if rec == nil {
		return Snapshot{}, false
	}
	return rec.Snapshot(), true
}

// Submit registers the record and hands it to the worker pool. Submitting a
// task that already has a live execution is ignored, not surfaced as an
// error.
func (m *Manager) Submit(rec *Record) error {
	m.registry.Add(rec)
	if err := m.pool.Submit(rec); err != nil {
		if err == ErrAlreadyRunning {
			logger.WithField("task", rec.ID()).Debug("Ignoring double submission")
			return nil
		}
		return err
	}
	return nil
}

// SubmitBatch submits every record, stopping at the first pool error.
func (m *Manager) SubmitBatch(recs []*Record) error {
	for _, rec := range recs {
		if err := m.Submit(rec); err != nil {
			return err
		}
	}
	return nil
}

// Stop requests cancellation of one task. The stopped status and "stopping"
// message are visible to listeners immediately; the force-cancel and the
// cleanup safety net run asynchronously once the pipeline acknowledged the
// flag or the grace period expired.
func (m *Manager) Stop(id string) error {
	rec := m.registry.find(id)
	if rec == nil {
		return ErrNotFound
	}
	h, live := m.pool.handleFor(id)
	if !m.requestStop(rec) {
		return nil
	}
	if !live {
		h = nil
	}
	go m.finishStop(rec, h)
	return nil
}

// StopAll applies the stop protocol to every pending or running task and
// waits for the batch to settle.
func (m *Manager) StopAll() {
	var g errgroup.Group
	for _, rec := range m.registry.all() {
		h, live := m.pool.handleFor(rec.ID())
		if !m.requestStop(rec) {
			continue
		}
		if !live {
			h = nil
		}
		g.Go(func() error {
			m.finishStop(rec, h)
			return nil
		})
	}
	_ = g.Wait()
}

// requestStop is the synchronous first phase: flag the record and notify.
func (m *Manager) requestStop(rec *Record) bool {
	if !rec.markStopped() {
		return false
	}
	m.registry.NotifyUpdated(rec)
	logger.WithField("task", rec.ID()).Info("Stop requested")
	return true
}

// finishStop is the second phase. The handle was captured while the stop
// flag was being raised, before the pipeline had a chance to exit and
// unregister it. The pipeline closing its done channel is the explicit
// acknowledgment that it observed the flag and self-cleaned; only when
// that does not happen within the grace period is the execution
// force-cancelled, its blocking I/O broken by closing the owned session,
// and the artifact cleanup repeated over a fresh connection. Forcible
// interruption cannot be trusted to run the in-pipeline cleanup path, so
// the facade duplicates it as a safety net.
func (m *Manager) finishStop(rec *Record, h *handle) {
	if h != nil {
		select {
		case <-h.done:
		case <-time.After(m.grace):
			h.cancel()
			if s := h.ownedSession(); s != nil {
				_ = s.Close()
			}
			select {
			case <-h.done:
			case <-time.After(m.grace):
				logger.WithField("task", rec.ID()).Warn("Pipeline did not acknowledge forced stop")
			}
		}
		if !h.cleanedUp.Load() {
			m.cleanupArtifacts(rec)
		}
	}
	rec.setMessage("stopped")
	m.registry.NotifyUpdated(rec)
}

// cleanupArtifacts removes a half-written transfer target after a forced
// stop, using a fresh connection for the remote side since the original may
// already be torn down. Best-effort: failures are logged on the task and
// swallowed.
func (m *Manager) cleanupArtifacts(rec *Record) {
	switch rec.Direction() {
	case DirectionDownload:
		if exists, _ := afero.Exists(m.fs, rec.LocalPath()); !exists {
			return
		}
		if err := m.fs.Remove(rec.LocalPath()); err != nil {
			rec.appendLog("failed to remove partial local file %s: %v", rec.LocalPath(), err)
		} else {
			rec.appendLog("removed partial local file %s", rec.LocalPath())
		}
		m.registry.NotifyUpdated(rec)

	case DirectionUpload:
		var sess Session
		err := retry.Do(
			func() error {
				s, err := m.provider.Acquire(context.Background(), rec.Profile())
				if err != nil {
					return err
				}
				sess = s
				return nil
			},
			retry.Attempts(3),
			retry.Delay(500*time.Millisecond),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			rec.appendLog("cleanup connection failed: %v", err)
			m.registry.NotifyUpdated(rec)
			return
		}
		defer m.provider.Release(sess)

		if err := sess.Remove(rec.RemotePath()); err != nil {
			rec.appendLog("failed to remove partial remote file %s: %v", rec.RemotePath(), err)
		} else {
			rec.appendLog("removed partial remote file %s", rec.RemotePath())
		}
		m.registry.NotifyUpdated(rec)
	}
}

// Retry re-submits a failed or stopped task through the full pipeline after
// resetting its run state. A retry racing a live execution is rejected.
func (m *Manager) Retry(id string) error {
	rec := m.registry.find(id)
	if rec == nil {
		return ErrNotFound
	}
	if _, live := m.pool.handleFor(id); live {
		return ErrAlreadyRunning
	}
	if err := rec.resetForRetry(); err != nil {
		return err
	}
	m.registry.NotifyUpdated(rec)
	return m.pool.Submit(rec)
}

// Remove deletes a task from the registry. Removing an unknown or already
// removed task is a no-op; removing a task with a live execution is
// rejected.
func (m *Manager) Remove(id string) error {
	rec := m.registry.find(id)
	if rec == nil {
		return nil
	}
	if _, live := m.pool.handleFor(id); live {
		return ErrTaskRunning
	}
	m.registry.Remove(rec)
	return nil
}

// ClearCompleted removes every task in a terminal state; pending and
// running tasks are untouched.
func (m *Manager) ClearCompleted() int {
	cleared := 0
	for _, rec := range m.registry.all() {
		if !rec.Status().Terminal() {
			continue
		}
		if _, live := m.pool.handleFor(rec.ID()); live {
			continue
		}
		if m.registry.Remove(rec) {
			cleared++
		}
	}
	return cleared
}

// Shutdown stops the pool, closes pooled sessions and ends event delivery.
// Tied to the owning application context's teardown.
func (m *Manager) Shutdown() {
	m.pool.Shutdown()
	if closer, ok := m.provider.(io.Closer); ok {
		_ = closer.Close()
	}
	m.registry.Close()
}
