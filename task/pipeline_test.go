package task

import (
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, p *fakeProvider, fs afero.Fs, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithSessionProvider(p),
		WithLocalFs(fs),
		WithWorkers(2),
		WithGracePeriod(200 * time.Millisecond),
	}
	m := NewManager(append(base, opts...)...)
	t.Cleanup(m.Shutdown)
	return m
}

// waitSettled waits until the task has no live execution left.
func waitSettled(t *testing.T, m *Manager, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, live := m.pool.handleFor(id)
		return !live
	}, 5*time.Second, 5*time.Millisecond)
}

func hasLogLine(snap Snapshot, text string) bool {
	for _, line := range snap.Log {
		if line.Text == text {
			return true
		}
	}
	return false
}

func writeLocal(t *testing.T, fs afero.Fs, path string, size int) []byte {
	t.Helper()
	data := bytes.Repeat([]byte{0xAB}, size)
	require.NoError(t, afero.WriteFile(fs, path, data, 0644))
	return data
}

func TestPipelineUploadSuccess(t *testing.T) {
	r := newFakeRemote()
	p := &fakeProvider{r: r}
	fs := afero.NewMemMapFs()
	m := newTestManager(t, p, fs)

	data := writeLocal(t, fs, "/src/data.bin", 3*chunkSize+1024)

	rec := New(Request{
		Direction:  DirectionUpload,
		LocalPath:  "/src/data.bin",
		RemotePath: "/srv/data.bin",
		Profile:    testProfile(),
		PreScripts: []Script{
			{Name: "mkdir", Body: "mkdir -p /srv", Enabled: true},
			{Name: "skipped", Body: "echo no", Enabled: false},
		},
		AdHocPostScript: "chmod 644 /srv/data.bin",
	})
	require.NoError(t, m.Submit(rec))

	require.True(t, waitStatus(rec, StatusSuccess, 5*time.Second))
	waitSettled(t, m, rec.ID())

	uploaded, ok := r.file("/srv/data.bin")
	require.True(t, ok)
	assert.Equal(t, data, uploaded)

	snap := rec.Snapshot()
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, "complete", snap.Message)
	assert.True(t, hasLogLine(snap, "transfer complete"))

	// disabled scripts are skipped; pre runs before, ad-hoc post after
	assert.Equal(t, []string{"mkdir -p /srv", "chmod 644 /srv/data.bin"}, r.commandLog())

	acquired, released := p.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
}

func TestPipelineDownloadSuccess(t *testing.T) {
	r := newFakeRemote()
	p := &fakeProvider{r: r}
	fs := afero.NewMemMapFs()
	m := newTestManager(t, p, fs)

	data := bytes.Repeat([]byte{0x42}, 2*chunkSize+100)
	r.putFile("/srv/out.bin", data)

	rec := New(Request{
		Direction:    DirectionDownload,
		LocalPath:    "/dst/out.bin",
		RemotePath:   "/srv/out.bin",
		Profile:      testProfile(),
		ExpectedSize: int64(len(data)),
		// scripts must never run around a download
		PreScripts:      []Script{{Name: "pre", Body: "echo pre", Enabled: true}},
		AdHocPostScript: "echo post",
	})
	require.NoError(t, m.Submit(rec))

	require.True(t, waitStatus(rec, StatusSuccess, 5*time.Second))
	waitSettled(t, m, rec.ID())

	got, err := afero.ReadFile(fs, "/dst/out.bin")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Empty(t, r.commandLog(), "downloads run no remote scripts")
}

func TestPipelineConnectionFailure(t *testing.T) {
	r := newFakeRemote()
	p := &fakeProvider{r: r, acquireErr: errors.New("dial tcp: connection refused")}
	fs := afero.NewMemMapFs()
	m := newTestManager(t, p, fs)

	writeLocal(t, fs, "/src/a.bin", 128)
	rec := New(Request{
		Direction:  DirectionUpload,
		LocalPath:  "/src/a.bin",
		RemotePath: "/srv/a.bin",
		Profile:    testProfile(),
	})
	require.NoError(t, m.Submit(rec))

	require.True(t, waitStatus(rec, StatusFailed, 5*time.Second))
	waitSettled(t, m, rec.ID())

	snap := rec.Snapshot()
	assert.Equal(t, "connection failed", snap.Message)
	assert.True(t, hasLogLine(snap, "connection failed: dial tcp: connection refused"))
}

func TestPipelineUploadFailureRemovesPartialRemote(t *testing.T) {
	r := newFakeRemote()
	r.writeErrAfter = chunkSize
	p := &fakeProvider{r: r}
	fs := afero.NewMemMapFs()
	m := newTestManager(t, p, fs)

	writeLocal(t, fs, "/src/big.bin", 4*chunkSize)
	rec := New(Request{
		Direction:  DirectionUpload,
		LocalPath:  "/src/big.bin",
		RemotePath: "/srv/big.bin",
		Profile:    testProfile(),
	})
	require.NoError(t, m.Submit(rec))

	require.True(t, waitStatus(rec, StatusFailed, 5*time.Second))
	waitSettled(t, m, rec.ID())

	snap := rec.Snapshot()
	assert.Equal(t, "upload failed", snap.Message)
	assert.True(t, hasLogLine(snap, "removed partial remote file /srv/big.bin"))

	_, exists := r.file("/srv/big.bin")
	assert.False(t, exists, "a failed upload must not leave a partial remote file")
	assert.Equal(t, []string{"/srv/big.bin"}, r.removedPaths())
}

func TestPipelineDownloadFailureLeavesNoLocalFile(t *testing.T) {
	r := newFakeRemote()
	p := &fakeProvider{r: r}
	fs := afero.NewMemMapFs()
	m := newTestManager(t, p, fs)

	rec := New(Request{
		Direction:  DirectionDownload,
		LocalPath:  "/dst/missing.bin",
		RemotePath: "/srv/missing.bin",
		Profile:    testProfile(),
	})
	require.NoError(t, m.Submit(rec))

	require.True(t, waitStatus(rec, StatusFailed, 5*time.Second))
	waitSettled(t, m, rec.ID())

	assert.Equal(t, "download failed", rec.Snapshot().Message)
	exists, _ := afero.Exists(fs, "/dst/missing.bin")
	assert.False(t, exists, "a failed download must not leave a local file behind")
}

func TestPipelineDownloadFailureKeepsExistingLocal(t *testing.T) {
	r := newFakeRemote()
	p := &fakeProvider{r: r}
	fs := afero.NewMemMapFs()
	m := newTestManager(t, p, fs)

	// the download target already exists from an earlier run
	existing := writeLocal(t, fs, "/dst/precious.bin", 256)

	rec := New(Request{
		Direction:  DirectionDownload,
		LocalPath:  "/dst/precious.bin",
		RemotePath: "/srv/missing.bin",
		Profile:    testProfile(),
	})
	require.NoError(t, m.Submit(rec))

	require.True(t, waitStatus(rec, StatusFailed, 5*time.Second))
	waitSettled(t, m, rec.ID())

	got, err := afero.ReadFile(fs, "/dst/precious.bin")
	require.NoError(t, err, "a failure before the target was opened must not delete it")
	assert.Equal(t, existing, got)
}

func TestPipelineUploadFailureKeepsExistingRemote(t *testing.T) {
	r := newFakeRemote()
	p := &fakeProvider{r: r}
	fs := afero.NewMemMapFs()
	m := newTestManager(t, p, fs)

	r.putFile("/srv/precious.bin", []byte("do not touch"))

	rec := New(Request{
		Direction:  DirectionUpload,
		LocalPath:  "/src/missing.bin",
		RemotePath: "/srv/precious.bin",
		Profile:    testProfile(),
	})
	require.NoError(t, m.Submit(rec))

	require.True(t, waitStatus(rec, StatusFailed, 5*time.Second))
	waitSettled(t, m, rec.ID())

	got, ok := r.file("/srv/precious.bin")
	require.True(t, ok, "a failure before the target was opened must not delete it")
	assert.Equal(t, []byte("do not touch"), got)
	assert.Empty(t, r.removedPaths())
}

func TestPipelineUploadCloseErrorFailsTransfer(t *testing.T) {
	r := newFakeRemote()
	r.closeErr = errors.New("flush failed")
	p := &fakeProvider{r: r}
	fs := afero.NewMemMapFs()
	m := newTestManager(t, p, fs)

	writeLocal(t, fs, "/src/a.bin", 2*chunkSize)
	rec := New(Request{
		Direction:  DirectionUpload,
		LocalPath:  "/src/a.bin",
		RemotePath: "/srv/a.bin",
		Profile:    testProfile(),
	})
	require.NoError(t, m.Submit(rec))

	require.True(t, waitStatus(rec, StatusFailed, 5*time.Second))
	waitSettled(t, m, rec.ID())

	snap := rec.Snapshot()
	assert.Equal(t, "upload failed", snap.Message)
	assert.True(t, hasLogLine(snap, "transfer failed: failed to finalize remote file /srv/a.bin: flush failed"))
	_, exists := r.file("/srv/a.bin")
	assert.False(t, exists, "a transfer that failed to flush is not left behind")
}

func TestPipelineScriptFailureIsNonFatal(t *testing.T) {
	r := newFakeRemote()
	r.execErrs["false"] = errors.New("exit status 1")
	r.execOutputs["false"] = "permission denied\n"
	p := &fakeProvider{r: r}
	fs := afero.NewMemMapFs()
	m := newTestManager(t, p, fs)

	writeLocal(t, fs, "/src/a.bin", chunkSize)
	rec := New(Request{
		Direction:  DirectionUpload,
		LocalPath:  "/src/a.bin",
		RemotePath: "/srv/a.bin",
		Profile:    testProfile(),
		PreScripts: []Script{{Name: "broken", Body: "false", Enabled: true}},
	})
	require.NoError(t, m.Submit(rec))

	require.True(t, waitStatus(rec, StatusSuccess, 5*time.Second))
	waitSettled(t, m, rec.ID())

	snap := rec.Snapshot()
	assert.True(t, hasLogLine(snap, "pre-script broken failed: exit status 1"))
	assert.True(t, hasLogLine(snap, "permission denied"), "script output is logged")

	_, exists := r.file("/srv/a.bin")
	assert.True(t, exists, "a failing script must not abort the transfer")
}

func TestPipelineStopMidTransfer(t *testing.T) {
	r := newFakeRemote()
	r.writeDelay = 5 * time.Millisecond
	p := &fakeProvider{r: r}
	fs := afero.NewMemMapFs()
	m := newTestManager(t, p, fs)

	l := &collectListener{}
	m.AddListener(l)

	writeLocal(t, fs, "/src/huge.bin", 40*chunkSize)
	rec := New(Request{
		Direction:  DirectionUpload,
		LocalPath:  "/src/huge.bin",
		RemotePath: "/srv/huge.bin",
		Profile:    testProfile(),
	})
	require.NoError(t, m.Submit(rec))

	require.Eventually(t, func() bool {
		return rec.progressValue() > 0
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, m.Stop(rec.ID()))
	assert.Equal(t, StatusStopped, rec.Status(), "the stop flag is visible immediately")

	waitSettled(t, m, rec.ID())
	require.Eventually(t, func() bool {
		return rec.Snapshot().Message == "stopped"
	}, 5*time.Second, 5*time.Millisecond)

	snap := rec.Snapshot()
	assert.Equal(t, StatusStopped, snap.Status)
	assert.Less(t, snap.Progress, 100)
	assert.True(t, hasLogLine(snap, "stop requested"))
	assert.True(t, hasLogLine(snap, "removed partial remote file /srv/huge.bin"))

	_, exists := r.file("/srv/huge.bin")
	assert.False(t, exists, "a stopped upload must not leave a partial remote file")

	// observers only ever see progress moving forward
	updates := l.updatesFor(rec.ID())
	last := 0
	for _, u := range updates {
		assert.GreaterOrEqual(t, u.Progress, last)
		last = u.Progress
	}
}

func TestPipelineUnknownSizeKeepsProgressAtZero(t *testing.T) {
	r := newFakeRemote()
	p := &fakeProvider{r: r}
	fs := afero.NewMemMapFs()
	m := newTestManager(t, p, fs)

	l := &collectListener{}
	m.AddListener(l)

	r.putFile("/srv/blob.bin", bytes.Repeat([]byte{7}, 3*chunkSize))
	rec := New(Request{
		Direction:  DirectionDownload,
		LocalPath:  "/dst/blob.bin",
		RemotePath: "/srv/blob.bin",
		Profile:    testProfile(),
		// no expected size: the denominator is unknown until completion
	})
	require.NoError(t, m.Submit(rec))

	require.True(t, waitStatus(rec, StatusSuccess, 5*time.Second))
	waitSettled(t, m, rec.ID())

	assert.Equal(t, 100, rec.progressValue())
	for _, u := range l.updatesFor(rec.ID()) {
		if !u.Status.Terminal() {
			assert.Equal(t, 0, u.Progress, "unknown size keeps progress at zero until done")
		}
	}
}

func TestPipelineUploadUsesLocalSizeWhenUnset(t *testing.T) {
	r := newFakeRemote()
	p := &fakeProvider{r: r}
	fs := afero.NewMemMapFs()
	m := newTestManager(t, p, fs)

	l := &collectListener{}
	m.AddListener(l)

	writeLocal(t, fs, "/src/sized.bin", 4*chunkSize)
	rec := New(Request{
		Direction:  DirectionUpload,
		LocalPath:  "/src/sized.bin",
		RemotePath: "/srv/sized.bin",
		Profile:    testProfile(),
	})
	require.NoError(t, m.Submit(rec))

	require.True(t, waitStatus(rec, StatusSuccess, 5*time.Second))
	waitSettled(t, m, rec.ID())

	var midProgress bool
	for _, u := range l.updatesFor(rec.ID()) {
		if u.Progress > 0 && u.Progress < 100 {
			midProgress = true
		}
	}
	assert.True(t, midProgress, "the local file size backs the progress denominator")
}
