package task

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/skourzh/sshferry/remote"
)

// Sentinel errors surfaced by the manager facade.
var (
	ErrNotFound       = errors.New("task not found")
	ErrAlreadyRunning = errors.New("task already has a live execution")
	ErrNotRetryable   = errors.New("task is not in a retryable state")
	ErrTaskRunning    = errors.New("task is still running")
)

// Session is the remote collaborator a pipeline runs against. Implemented
// by *remote.Session; tests substitute in-memory fakes.
type Session interface {
	ExecuteCommand(ctx context.Context, command string) (string, error)
	OpenWrite(remotePath string) (io.WriteCloser, error)
	OpenRead(remotePath string) (io.ReadCloser, error)
	Remove(remotePath string) error
	IsConnected() bool
	Close() error
}

// SessionProvider allocates a connected session for a task execution and
// takes it back when the execution ends. Each acquisition is exclusively
// owned by one pipeline for its lifetime.
type SessionProvider interface {
	Acquire(ctx context.Context, profile remote.Config) (Session, error)
	Release(s Session)
}

// strategySessions adapts a remote.Strategy to the SessionProvider
// interface.
type strategySessions struct {
	strategy remote.Strategy
}

// NewStrategySessions wraps a session strategy (fresh-per-task or
// pooled-per-profile) as a SessionProvider.
func NewStrategySessions(strategy remote.Strategy) SessionProvider {
	return &strategySessions{strategy: strategy}
}

func (p *strategySessions) Acquire(ctx context.Context, profile remote.Config) (Session, error) {
	s, err := p.strategy.Acquire(ctx, profile)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *strategySessions) Release(s Session) {
	if rs, ok := s.(*remote.Session); ok {
		p.strategy.Release(rs)
		return
	}
	if s != nil {
		_ = s.Close()
	}
}

func (p *strategySessions) Close() error {
	return p.strategy.Close()
}
