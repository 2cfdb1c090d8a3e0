package remote

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
)

// Strategy decides how sessions are allocated to transfer executions.
// The fresh strategy dials a dedicated session per acquisition; the pooled
// strategy keeps a small number of idle sessions per profile and reuses
// them. A session handed out by Acquire is exclusively owned by the caller
// until it is passed back to Release.
type Strategy interface {
	Acquire(ctx context.Context, cfg Config) (*Session, error)
	Release(s *Session)
	Close() error
}

func dialSession(ctx context.Context, cfg Config) (*Session, error) {
	s := NewSession(cfg)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// FreshStrategy allocates one new session per acquisition and closes it on
// release. No two tasks ever interleave commands on one connection.
type FreshStrategy struct{}

// NewFreshStrategy returns the default per-task session strategy.
func NewFreshStrategy() *FreshStrategy {
	return &FreshStrategy{}
}

func (f *FreshStrategy) Acquire(ctx context.Context, cfg Config) (*Session, error) {
	return dialSession(ctx, cfg)
}

func (f *FreshStrategy) Release(s *Session) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		logger.WithError(err).WithField("addr", s.Config().Addr()).Warn("Failed to close session")
	}
}

func (f *FreshStrategy) Close() error {
	return nil
}

// DefaultPoolCapacity bounds idle sessions kept per profile.
const DefaultPoolCapacity = 3

// PooledStrategy retains released sessions, keyed by profile, and hands them
// back to later acquisitions against the same profile. Sessions are only
// reused while idle, never shared concurrently. Trades connection-setup
// latency for weaker isolation.
type PooledStrategy struct {
	mu       sync.Mutex
	idle     map[string][]*Session
	capacity int
	closed   bool

	// dial is swapped out in tests.
	dial func(ctx context.Context, cfg Config) (*Session, error)
}

// NewPooledStrategy returns a pooling strategy keeping up to capacity idle
// sessions per profile. A capacity of 0 falls back to DefaultPoolCapacity.
func NewPooledStrategy(capacity int) *PooledStrategy {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	return &PooledStrategy{
		idle:     make(map[string][]*Session),
		capacity: capacity,
		dial:     dialSession,
	}
}

func (p *PooledStrategy) Acquire(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	key := cfg.Key()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.New("session pool is closed")
		}
		sessions := p.idle[key]
		if len(sessions) == 0 {
			p.mu.Unlock()
			break
		}
		s := sessions[len(sessions)-1]
		p.idle[key] = sessions[:len(sessions)-1]
		p.mu.Unlock()

		// Validate before reuse; a connection may have died while idle.
		if s.IsConnected() {
			logger.WithField("profile", key).Debug("Reusing pooled session")
			return s, nil
		}
		_ = s.Close()
	}

	return p.dial(ctx, cfg)
}

func (p *PooledStrategy) Release(s *Session) {
	if s == nil {
		return
	}
	if !s.IsConnected() {
		_ = s.Close()
		return
	}
	key := s.Config().Key()

	p.mu.Lock()
	if !p.closed && len(p.idle[key]) < p.capacity {
		p.idle[key] = append(p.idle[key], s)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := s.Close(); err != nil {
		logger.WithError(err).WithField("profile", key).Warn("Failed to close session")
	}
}

// Close tears down every idle session and rejects further acquisitions.
func (p *PooledStrategy) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[string][]*Session)
	p.closed = true
	p.mu.Unlock()

	var first error
	for _, sessions := range idle {
		for _, s := range sessions {
			if err := s.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
