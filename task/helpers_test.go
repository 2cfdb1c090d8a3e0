package task

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/skourzh/sshferry/remote"
)

// fakeRemote is the in-memory remote host shared by the fake sessions a
// test hands out.
type fakeRemote struct {
	mu          sync.Mutex
	files       map[string][]byte
	commands    []string
	execOutputs map[string]string
	execErrs    map[string]error
	removed     []string

	writeErrAfter int64 // fail writes once this many bytes landed (0 = never)
	writeDelay    time.Duration
	removeErrs    int   // number of Remove calls to fail before succeeding
	closeErr      error // returned by the writer's Close
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		files:       make(map[string][]byte),
		execOutputs: make(map[string]string),
		execErrs:    make(map[string]error),
	}
}

func (r *fakeRemote) file(path string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[path]
	return append([]byte(nil), data...), ok
}

func (r *fakeRemote) putFile(path string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = append([]byte(nil), data...)
}

func (r *fakeRemote) removedPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

func (r *fakeRemote) commandLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

type fakeSession struct {
	r      *fakeRemote
	mu     sync.Mutex
	closed bool
}

func (s *fakeSession) ExecuteCommand(ctx context.Context, command string) (string, error) {
	s.r.mu.Lock()
	s.r.commands = append(s.r.commands, command)
	out := s.r.execOutputs[command]
	err := s.r.execErrs[command]
	s.r.mu.Unlock()
	return out, err
}

func (s *fakeSession) OpenWrite(remotePath string) (io.WriteCloser, error) {
	s.r.mu.Lock()
	s.r.files[remotePath] = nil
	s.r.mu.Unlock()
	return &fakeWriter{r: s.r, path: remotePath}, nil
}

func (s *fakeSession) OpenRead(remotePath string) (io.ReadCloser, error) {
	data, ok := s.r.file(remotePath)
	if !ok {
		return nil, errors.Errorf("no such file: %s", remotePath)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeSession) Remove(remotePath string) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.r.removeErrs > 0 {
		s.r.removeErrs--
		return errors.New("remove failed: connection reset")
	}
	delete(s.r.files, remotePath)
	s.r.removed = append(s.r.removed, remotePath)
	return nil
}

func (s *fakeSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeWriter struct {
	r    *fakeRemote
	path string
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	if w.r.writeDelay > 0 {
		time.Sleep(w.r.writeDelay)
	}
	w.r.mu.Lock()
	defer w.r.mu.Unlock()
	if w.r.writeErrAfter > 0 && int64(len(w.r.files[w.path]))+int64(len(p)) > w.r.writeErrAfter {
		return 0, errors.New("write failed: broken pipe")
	}
	w.r.files[w.path] = append(w.r.files[w.path], p...)
	return len(p), nil
}

func (w *fakeWriter) Close() error {
	w.r.mu.Lock()
	defer w.r.mu.Unlock()
	return w.r.closeErr
}

// fakeProvider hands out sessions against the shared fake remote, counting
// acquisitions and releases.
type fakeProvider struct {
	r *fakeRemote

	mu         sync.Mutex
	acquireErr error
	acquired   int
	released   int
}

func (p *fakeProvider) Acquire(ctx context.Context, profile remote.Config) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.acquired++
	return &fakeSession{r: p.r}, nil
}

func (p *fakeProvider) Release(s Session) {
	p.mu.Lock()
	p.released++
	p.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}

func (p *fakeProvider) counts() (acquired, released int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released
}

// collectListener records every event it sees, keyed by record.
type collectListener struct {
	mu      sync.Mutex
	added   []Snapshot
	updated []Snapshot
	removed []Snapshot
}

func (l *collectListener) OnAdded(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.added = append(l.added, s)
}

func (l *collectListener) OnUpdated(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updated = append(l.updated, s)
}

func (l *collectListener) OnRemoved(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, s)
}

func (l *collectListener) updatesFor(id string) []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Snapshot
	for _, s := range l.updated {
		if s.ID == id {
			out = append(out, s)
		}
	}
	return out
}

func testProfile() remote.Config {
	return remote.Config{Name: "test", Host: "127.0.0.1", Port: 2222, Username: "ferry"}
}

func waitStatus(rec *Record, want Status, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if rec.Status() == want {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return rec.Status() == want
}
