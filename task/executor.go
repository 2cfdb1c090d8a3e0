package task

import (
	"context"
	"sync"
	"sync/atomic"

	logger "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// DefaultWorkers is the pool size when none is configured. Upload-heavy
// callers tend to run larger pools than terminal-adjacent ones.
const DefaultWorkers = 5

// handle tracks one in-flight task execution: its cancellation hook, the
// session it owns, and whether its pipeline already ran the artifact
// cleanup. done is closed when the pipeline goroutine exits, which is the
// explicit acknowledgment the stop protocol waits on.
type handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	// cleanedUp is true once the pipeline either removed its partial
	// artifact or determined no cleanup is needed. The stop safety net
	// only runs when this is still false.
	cleanedUp atomic.Bool

	mu      sync.Mutex
	session Session
}

func (h *handle) setSession(s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session = s
}

func (h *handle) ownedSession() Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Pool runs submitted task pipelines with bounded parallelism. Each
// submission owns exactly one remote session for its lifetime.
type Pool struct {
	workers  int
	provider SessionProvider
	registry *Registry
	fs       afero.Fs

	mu      sync.Mutex
	sem     chan struct{}
	handles map[string]*handle
	down    bool
}

// NewPool creates an executor running at most workers pipelines at once.
func NewPool(workers int, provider SessionProvider, registry *Registry, fs afero.Fs) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{
		workers:  workers,
		provider: provider,
		registry: registry,
		fs:       fs,
		sem:      make(chan struct{}, workers),
		handles:  make(map[string]*handle),
	}
}

// Submit enqueues the pipeline for the record. A record that already has a
// live handle is rejected with ErrAlreadyRunning. A pool that was shut down
// restarts transparently on the next submission.
func (p *Pool) Submit(rec *Record) error {
	p.mu.Lock()
	if _, ok := p.handles[rec.ID()]; ok {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	if p.down {
		// lazy restart: never silently drop submissions after a shutdown
		p.sem = make(chan struct{}, p.workers)
		p.down = false
		logger.Debug("Worker pool restarted on demand")
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{})}
	p.handles[rec.ID()] = h
	sem := p.sem
	p.mu.Unlock()

	go p.run(ctx, rec, h, sem)
	return nil
}

func (p *Pool) run(ctx context.Context, rec *Record, h *handle, sem chan struct{}) {
	defer close(h.done)
	defer p.removeHandle(rec.ID(), h)
	defer h.cancel()

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		// cancelled while still queued; nothing ran, nothing to clean,
		// but the record must still end in a terminal state
		h.cleanedUp.Store(true)
		if rec.fail("cancelled before start") {
			rec.appendLog("cancelled before start")
		}
		p.registry.NotifyUpdated(rec)
		return
	}

	pl := &pipeline{
		rec:      rec,
		reg:      p.registry,
		provider: p.provider,
		fs:       p.fs,
		h:        h,
		log:      logger.WithField("task", rec.ID()),
	}
	pl.run(ctx)
}

// removeHandle deletes the handle only if it is still the one registered
// for the id, so a completing pipeline and a concurrent stop cannot
// double-release.
func (p *Pool) removeHandle(id string, h *handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.handles[id]; ok && current == h {
		delete(p.handles, id)
	}
}

// handleFor returns the live handle for a task id, if any.
func (p *Pool) handleFor(id string) (*handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[id]
	return h, ok
}

// Cancel best-effort interrupts the in-flight execution for the id. The
// pipeline still polls the stop flag at safe points; interruption does not
// guarantee an immediate halt.
func (p *Pool) Cancel(id string) bool {
	h, ok := p.handleFor(id)
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// Shutdown cancels every in-flight execution, closes every owned session
// and stops accepting new work until the next Submit restarts the pool.
// Used only at application teardown.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.down = true
	handles := make([]*handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		if s := h.ownedSession(); s != nil {
			if err := s.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close session during shutdown")
			}
		}
	}
	for _, h := range handles {
		<-h.done
	}
}
