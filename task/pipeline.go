package task

import (
	"context"
	"fmt"
	"io"
	"strings"

	logger "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// chunkSize is the block size of the transfer loop. Stop checks and
// progress notifications happen once per chunk.
const chunkSize = 32 * 1024

// errStopRequested aborts the transfer loop when the stop flag is observed
// mid-transfer.
var errStopRequested = fmt.Errorf("stop requested")

// pipeline runs one task end-to-end: connect, pre-scripts, chunked byte
// transfer, post-scripts, finalize. Every status, progress or message
// mutation is followed by a registry notification, and the task log is a
// write-ahead narrative of the steps taken. The pipeline always leaves the
// record in a terminal state, whatever goes wrong.
type pipeline struct {
	rec      *Record
	reg      *Registry
	provider SessionProvider
	fs       afero.Fs
	h        *handle
	log      *logger.Entry

	// dstOpened is set once the transfer target was created or truncated.
	// Cleanup must not touch a destination the run never wrote: a failure
	// before that point may sit on top of a pre-existing file.
	dstOpened bool
}

func (p *pipeline) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.h.cleanedUp.Store(true)
			if p.rec.fail(fmt.Sprintf("internal error: %v", r)) {
				p.logf("internal error: %v", r)
				p.log.WithField("panic", r).Error("Pipeline panicked")
			}
		}
	}()

	if !p.rec.setRunning() {
		// a stop request won the race before the slot was acquired
		p.h.cleanedUp.Store(true)
		p.notify()
		return
	}
	p.setMessage("connecting")
	p.logf("connecting to %s", p.rec.profile.Addr())

	sess, err := p.provider.Acquire(ctx, p.rec.profile)
	if err != nil {
		// nothing was written yet, so there is no artifact to clean up
		p.h.cleanedUp.Store(true)
		p.logf("connection failed: %v", err)
		if p.rec.fail("connection failed") {
			p.log.WithError(err).WithField("addr", p.rec.profile.Addr()).Warn("Connection failed")
		}
		p.notify()
		return
	}
	p.h.setSession(sess)
	defer func() {
		p.h.setSession(nil)
		p.provider.Release(sess)
	}()
	p.logf("connection success")

	if p.aborted(ctx) {
		p.h.cleanedUp.Store(true)
		p.finishStopped()
		return
	}

	// Downloads never run remote scripts around the transfer.
	if p.rec.direction == DirectionUpload {
		p.runScripts(ctx, sess, p.rec.preScripts, p.rec.adHocPre, "pre")
	}

	if p.aborted(ctx) {
		p.h.cleanedUp.Store(true)
		p.finishStopped()
		return
	}

	p.setMessage("transferring")
	var transferErr error
	switch p.rec.direction {
	case DirectionUpload:
		transferErr = p.upload(ctx, sess)
	case DirectionDownload:
		transferErr = p.download(ctx, sess)
	default:
		transferErr = fmt.Errorf("unknown direction %q", p.rec.direction)
	}

	if transferErr != nil {
		// stopped mid-loop or exception during the loop: a cancelled or
		// failed transfer must never leave a half-written artifact behind
		p.cleanupArtifact(sess)
		if p.rec.stopped() || transferErr == errStopRequested {
			p.finishStopped()
			return
		}
		p.logf("transfer failed: %v", transferErr)
		msg := "upload failed"
		if p.rec.direction == DirectionDownload {
			msg = "download failed"
		}
		if p.rec.fail(msg) {
			p.log.WithError(transferErr).Warn("Transfer failed")
		}
		p.notify()
		return
	}
	// transfer completed in full; no partial artifact exists
	p.h.cleanedUp.Store(true)

	if p.aborted(ctx) {
		p.finishStopped()
		return
	}

	if p.rec.direction == DirectionUpload {
		p.runScripts(ctx, sess, p.rec.postScripts, p.rec.adHocPost, "post")
	}

	if p.aborted(ctx) {
		p.finishStopped()
		return
	}

	if p.rec.succeed() {
		p.logf("transfer complete")
		p.log.WithFields(logger.Fields{
			"direction": p.rec.direction,
			"local":     p.rec.localPath,
			"remote":    p.rec.remotePath,
		}).Info("Transfer complete")
	}
	p.notify()
}

// aborted reports whether the stop flag is set or the execution was
// force-cancelled; checked between pipeline steps.
func (p *pipeline) aborted(ctx context.Context) bool {
	return p.rec.stopped() || ctx.Err() != nil
}

func (p *pipeline) finishStopped() {
	p.rec.setMessage("stopped")
	p.logf("stopped")
	p.notify()
}

// runScripts executes the enabled named scripts in order, then the ad-hoc
// script if present. A failing script is logged and the pipeline proceeds;
// script failure is deliberately non-fatal, not silently swallowed.
func (p *pipeline) runScripts(ctx context.Context, sess Session, scripts []Script, adHoc string, phase string) {
	for _, sc := range scripts {
		if !sc.Enabled {
			continue
		}
		if p.aborted(ctx) {
			return
		}
		p.execScript(ctx, sess, sc.Name, sc.Body, phase)
	}
	if adHoc != "" && !p.aborted(ctx) {
		p.execScript(ctx, sess, "ad-hoc", adHoc, phase)
	}
}

func (p *pipeline) execScript(ctx context.Context, sess Session, name, body, phase string) {
	p.setMessage(fmt.Sprintf("running %s-script %s", phase, name))
	p.logf("running %s-script %s", phase, name)

	out, err := sess.ExecuteCommand(ctx, body)
	if trimmed := strings.TrimRight(out, "\r\n"); trimmed != "" {
		p.logf("%s", trimmed)
	}
	if err != nil {
		p.logf("%s-script %s failed: %v", phase, name, err)
		p.log.WithError(err).WithFields(logger.Fields{
			"script": name,
			"phase":  phase,
		}).Warn("Script failed")
	}
	p.notify()
}

func (p *pipeline) upload(ctx context.Context, sess Session) error {
	local, err := p.fs.Open(p.rec.localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file %s: %w", p.rec.localPath, err)
	}
	defer local.Close()

	total := p.rec.expectedSize
	if total == 0 {
		if fi, err := local.Stat(); err == nil {
			total = fi.Size()
		}
	}

	w, err := sess.OpenWrite(p.rec.remotePath)
	if err != nil {
		return err
	}
	p.dstOpened = true

	if err := p.copyChunks(ctx, w, local, total); err != nil {
		_ = w.Close()
		return err
	}
	// the close flushes the final write; its error fails the transfer
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize remote file %s: %w", p.rec.remotePath, err)
	}
	return nil
}

func (p *pipeline) download(ctx context.Context, sess Session) error {
	r, err := sess.OpenRead(p.rec.remotePath)
	if err != nil {
		return err
	}
	defer r.Close()

	local, err := p.fs.Create(p.rec.localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file %s: %w", p.rec.localPath, err)
	}
	p.dstOpened = true

	if err := p.copyChunks(ctx, local, r, p.rec.expectedSize); err != nil {
		_ = local.Close()
		return err
	}
	if err := local.Close(); err != nil {
		return fmt.Errorf("failed to finalize local file %s: %w", p.rec.localPath, err)
	}
	return nil
}

// copyChunks streams src to dst in fixed-size blocks, recomputing progress
// and re-checking the stop flag after every block.
func (p *pipeline) copyChunks(ctx context.Context, dst io.Writer, src io.Reader, total int64) error {
	buf := make([]byte, chunkSize)
	var done int64
	for {
		if p.rec.stopped() {
			return errStopRequested
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			done += int64(n)
			p.rec.setProgress(progressOf(done, total))
			p.notify()
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// progressOf computes the percentage, guarding the zero-size case: an
// unknown denominator keeps progress at zero until completion.
func progressOf(done, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(done * 100 / total)
}

// cleanupArtifact removes the partially written target-side file: the
// remote file for an upload, the local file for a download. Outcomes are
// logged; removal errors never become the task's terminal error. The
// cleaned-up flag is only set when the attempt went through, so the stop
// safety net can still retry over a fresh connection.
func (p *pipeline) cleanupArtifact(sess Session) {
	if !p.dstOpened {
		// the run never created the destination; whatever is there
		// predates this task and stays
		p.h.cleanedUp.Store(true)
		return
	}
	switch p.rec.direction {
	case DirectionUpload:
		if sess == nil || !sess.IsConnected() {
			p.logf("skipping remote cleanup: connection lost")
			return
		}
		if err := sess.Remove(p.rec.remotePath); err != nil {
			p.logf("failed to remove partial remote file %s: %v", p.rec.remotePath, err)
			return
		}
		p.logf("removed partial remote file %s", p.rec.remotePath)
	case DirectionDownload:
		if exists, _ := afero.Exists(p.fs, p.rec.localPath); !exists {
			break
		}
		if err := p.fs.Remove(p.rec.localPath); err != nil {
			p.logf("failed to remove partial local file %s: %v", p.rec.localPath, err)
			return
		}
		p.logf("removed partial local file %s", p.rec.localPath)
	}
	p.h.cleanedUp.Store(true)
}

func (p *pipeline) setMessage(msg string) {
	p.rec.setMessage(msg)
	p.notify()
}

func (p *pipeline) logf(format string, args ...any) {
	p.rec.appendLog(format, args...)
	p.notify()
}

func (p *pipeline) notify() {
	p.reg.NotifyUpdated(p.rec)
}
