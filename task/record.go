// Package task implements the transfer task orchestration core: the task
// record and its state machine, the concurrent registry with listener
// fan-out, the bounded worker pool, the per-task transfer pipeline, and the
// manager facade tying them together.
package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skourzh/sshferry/remote"
)

// Direction of a transfer.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Status of a task. Transitions are monotonic except via an explicit retry,
// which resets a failed or stopped task back to pending.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusStopped Status = "stopped"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusStopped
}

// Script is one named remote script, individually switchable.
type Script struct {
	Name    string
	Body    string
	Enabled bool
}

// LogLine is one timestamped entry of a task's run log.
type LogLine struct {
	Time time.Time
	Text string
}

// Request carries everything needed to create a task record.
type Request struct {
	Direction  Direction
	LocalPath  string
	RemotePath string
	Profile    remote.Config

	// ExpectedSize is the progress denominator. Zero for an upload means
	// the local file size is used; downloads need a caller-supplied size
	// since the remote size may be unknown ahead of listing.
	ExpectedSize int64

	PreScripts  []Script
	PostScripts []Script

	// Ad-hoc scripts are inline, non-persisted bodies run in addition to
	// the named scripts.
	AdHocPreScript  string
	AdHocPostScript string
}

// Record is one upload or download request plus its run-time state. The
// identifying fields are immutable after creation; the run state is mutated
// only by the owning pipeline execution or through the stop/retry calls,
// and observers only ever see immutable snapshots.
type Record struct {
	id           string
	direction    Direction
	localPath    string
	remotePath   string
	profile      remote.Config
	expectedSize int64
	preScripts   []Script
	postScripts  []Script
	adHocPre     string
	adHocPost    string
	createdAt    time.Time

	mu       sync.Mutex
	status   Status
	progress int
	message  string
	log      []LogLine
}

// New creates a pending task record with a fresh id.
func New(req Request) *Record {
	return &Record{
		id:           uuid.NewString(),
		direction:    req.Direction,
		localPath:    req.LocalPath,
		remotePath:   req.RemotePath,
		profile:      req.Profile,
		expectedSize: req.ExpectedSize,
		preScripts:   append([]Script(nil), req.PreScripts...),
		postScripts:  append([]Script(nil), req.PostScripts...),
		adHocPre:     req.AdHocPreScript,
		adHocPost:    req.AdHocPostScript,
		createdAt:    time.Now(),
		status:       StatusPending,
	}
}

func (r *Record) ID() string             { return r.id }
func (r *Record) Direction() Direction   { return r.direction }
func (r *Record) LocalPath() string      { return r.localPath }
func (r *Record) RemotePath() string     { return r.remotePath }
func (r *Record) Profile() remote.Config { return r.profile }
func (r *Record) ExpectedSize() int64    { return r.expectedSize }
func (r *Record) CreatedAt() time.Time   { return r.createdAt }

// Snapshot is an immutable copy of a record's state, taken at notification
// time. Listeners never see the live mutable record.
type Snapshot struct {
	ID           string
	Direction    Direction
	LocalPath    string
	RemotePath   string
	ProfileName  string
	ProfileKey   string
	ExpectedSize int64
	Status       Status
	Progress     int
	Message      string
	Log          []LogLine
	CreatedAt    time.Time
}

// Snapshot returns a consistent copy of the record's current state.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ID:           r.id,
		Direction:    r.direction,
		LocalPath:    r.localPath,
		RemotePath:   r.remotePath,
		ProfileName:  r.profile.Name,
		ProfileKey:   r.profile.Key(),
		ExpectedSize: r.expectedSize,
		Status:       r.status,
		Progress:     r.progress,
		Message:      r.message,
		Log:          append([]LogLine(nil), r.log...),
		CreatedAt:    r.createdAt,
	}
}

// Status returns the current status.
func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Record) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == StatusStopped
}

// setRunning transitions pending to running. Returns false when a stop
// request already won the race, in which case the pipeline must not start.
func (r *Record) setRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusPending {
		return false
	}
	r.status = StatusRunning
	return true
}

// markStopped force-transitions a pending or running task to stopped.
// Returns false when the task already reached a terminal state.
func (r *Record) markStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return false
	}
	r.status = StatusStopped
	r.message = "stopping"
	r.log = append(r.log, LogLine{Time: time.Now(), Text: "stop requested"})
	return true
}

// fail records a failure unless a stop request already claimed the task;
// stop wins over any concurrently raised error.
func (r *Record) fail(message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusStopped {
		return false
	}
	r.status = StatusFailed
	r.message = message
	return true
}

// succeed finalizes a run that completed every step.
func (r *Record) succeed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRunning {
		return false
	}
	r.status = StatusSuccess
	r.progress = 100
	r.message = "complete"
	return true
}

// setProgress advances the progress percentage. Progress is monotonically
// non-decreasing within one run; stale values are ignored.
func (r *Record) setProgress(p int) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p > r.progress {
		r.progress = p
	}
}

func (r *Record) progressValue() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *Record) setMessage(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.message = message
}

// appendLog appends one timestamped line to the run log.
func (r *Record) appendLog(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, LogLine{Time: time.Now(), Text: fmt.Sprintf(format, args...)})
}

// resetForRetry rewinds a failed or stopped task to pending: progress back
// to zero, log cleared except for the restart marker.
func (r *Record) resetForRetry() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusFailed && r.status != StatusStopped {
		return ErrNotRetryable
	}
	r.status = StatusPending
	r.progress = 0
	r.message = "restarted"
	r.log = []LogLine{{Time: time.Now(), Text: "restarted"}}
	return nil
}
