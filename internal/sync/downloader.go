package sync

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/chmdznr/gdrive-local-sync/internal/db"
	"github.com/chmdznr/gdrive-local-sync/internal/drive"
	"github.com/chmdznr/gdrive-local-sync/pkg/errors"
	"github.com/chmdznr/gdrive-local-sync/pkg/models"
)

const (
	// DefaultChunkSize is the unit of streamed bytes per read/write cycle.
	DefaultChunkSize = 10 * 1024 * 1024

	// DefaultRetryCount bounds retries of transient transport failures.
	DefaultRetryCount = 3

	// DefaultConcurrency is the worker pool size when the task sets none.
	DefaultConcurrency = 3
)

// ErrCanceled is returned when a transfer stops because the run was
// canceled. Bytes already written stay on disk as the next resume point
// and the progress record is left untouched.
var ErrCanceled = stderrors.New("sync: canceled")

// ProgressFunc receives per-chunk byte progress for a file. total is -1
// on the export path, where the converted size is unknown up front.
type ProgressFunc func(file *models.RemoteFile, downloaded, total int64)

// Downloader performs resumable, retrying, checksum-verifying single-file
// transfers. One instance is shared by all workers of a run; per-call
// state keeps it safe for concurrent use.
type Downloader struct {
	db        *db.DB
	remote    Remote
	chunkSize int64
	retries   int
	limiter   *rate.Limiter // shared across workers, nil when uncapped
	control   *Control
	backoff   func(attempt int) time.Duration
	log       *logrus.Entry
}

func NewDownloader(database *db.DB, remote Remote, task *models.SyncTask, ctl *Control) *Downloader {
	retries := task.RetryCount
	if retries <= 0 {
		retries = DefaultRetryCount
	}
	var limiter *rate.Limiter
	if task.BandwidthLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(task.BandwidthLimit*1024), DefaultChunkSize)
	}
	return &Downloader{
		db:        database,
		remote:    remote,
		chunkSize: DefaultChunkSize,
		retries:   retries,
		limiter:   limiter,
		control:   ctl,
		backoff:   expBackoff,
		log:       logrus.WithFields(logrus.Fields{"component": "downloader", "task": task.Name}),
	}
}

// expBackoff waits 2^attempt seconds between transfer attempts.
func expBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// DownloadFile transfers one remote file to localPath, resuming from
// whatever the progress record and the on-disk state agree on, and
// verifies the result against the expected checksum.
func (d *Downloader) DownloadFile(ctx context.Context, task *models.SyncTask, file *models.RemoteFile, localPath string, progressFn ProgressFunc) error {
	rec, err := d.db.GetProgress(task.ID, file.ID)
	if err != nil {
		return fmt.Errorf("load progress for %s: %w", file.Path, err)
	}
	if rec == nil {
		rec, err = d.db.CreateProgress(task.ID, file.ID, file.Path, localPath, file.Size, file.MD5Checksum)
		if err != nil {
			return fmt.Errorf("create progress for %s: %w", file.Path, err)
		}
	}

	offset := resumeOffset(rec, localPath)
	if offset < 0 {
		// a completed record whose local file still verifies: nothing to do
		return nil
	}

	if file.IsNativeDoc() {
		err = d.exportTransfer(ctx, file, localPath, rec, progressFn)
	} else {
		err = d.fetchWithRetry(ctx, file, localPath, rec, offset, progressFn)
	}
	if err != nil {
		if stderrors.Is(err, ErrCanceled) {
			return err
		}
		d.recordFailure(task.ID, rec, file, err)
		return err
	}

	ok, verr := verifyFile(localPath, file.MD5Checksum)
	if verr != nil || !ok {
		os.Remove(localPath)
		ierr := errors.Newf(errors.Integrity, "sync.verify", "checksum mismatch for %s", file.Path)
		d.recordFailure(task.ID, rec, file, ierr)
		return ierr
	}

	if err := d.db.MarkCompleted(rec.ID); err != nil {
		d.log.WithError(err).WithField("file", file.Path).Warn("completion did not persist")
	}
	return nil
}

// resumeOffset decides where the transfer continues. -1 means the file is
// already synced (completed record, local file verifies). For unfinished
// records the stored downloaded count is the candidate, but the actual
// on-disk byte length wins when the two disagree: a crash between a write
// and a progress update leaves the file ahead of the record.
func resumeOffset(rec *models.ProgressRecord, localPath string) int64 {
	if rec.Status == models.StatusCompleted {
		if ok, err := verifyFile(localPath, rec.MD5Checksum); err == nil && ok {
			return -1
		}
		return 0
	}

	offset := rec.DownloadedSize
	info, err := os.Stat(localPath)
	if err != nil {
		return 0
	}
	if info.Size() != offset {
		offset = info.Size()
	}
	return offset
}

// fetchWithRetry runs ranged transfer attempts until one succeeds or the
// retry budget is spent. Before each retry the resume offset is recomputed
// from the file's current on-disk length rather than the last remembered
// value.
func (d *Downloader) fetchWithRetry(ctx context.Context, file *models.RemoteFile, localPath string, rec *models.ProgressRecord, offset int64, progressFn ProgressFunc) error {
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			wait := d.backoff(attempt)
			d.log.WithFields(logrus.Fields{
				"file":    file.Path,
				"attempt": attempt,
				"wait":    wait,
			}).WithError(lastErr).Warn("transient failure, retrying")

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ErrCanceled
			}
			offset = diskLength(localPath)
		}

		err := d.transferOnce(ctx, file, localPath, rec, offset, progressFn)
		if err == nil {
			return nil
		}
		if stderrors.Is(err, ErrCanceled) || errors.KindOf(err) != errors.Transient {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// transferOnce performs a single ranged streaming attempt.
func (d *Downloader) transferOnce(ctx context.Context, file *models.RemoteFile, localPath string, rec *models.ProgressRecord, offset int64, progressFn ProgressFunc) error {
	const op = "sync.transfer"

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return errors.New(errors.Config, op, err)
	}

	body, _, err := d.remote.Fetch(ctx, file.ID, offset)
	if err != nil {
		return err
	}
	defer body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(localPath, flags, 0o644)
	if err != nil {
		return errors.New(errors.Config, op, err)
	}
	defer out.Close()

	downloaded := offset
	buf := make([]byte, d.chunkSize)
	for {
		// pause holds the worker here without dropping the connection; a
		// cancel during the pause aborts, keeping the bytes written so far
		if !d.control.waitWhilePaused() {
			return ErrCanceled
		}
		select {
		case <-ctx.Done():
			return ErrCanceled
		default:
		}

		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			if d.limiter != nil {
				if lerr := d.limiter.WaitN(ctx, n); lerr != nil {
					return ErrCanceled
				}
			}
			if _, werr := out.Write(buf[:n]); werr != nil {
				return errors.New(errors.Transient, op, werr)
			}
			if serr := out.Sync(); serr != nil {
				return errors.New(errors.Transient, op, serr)
			}
			downloaded += int64(n)
			// the stored count only ever reflects bytes already on disk
			if uerr := d.db.UpdateProgress(rec.ID, downloaded, models.StatusDownloading); uerr != nil {
				d.log.WithError(uerr).WithField("file", file.Path).Warn("progress update failed")
			}
			if progressFn != nil {
				progressFn(file, downloaded, file.Size)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return nil
		}
		if rerr != nil {
			return errors.New(errors.Transient, op, rerr)
		}
	}
}

// exportTransfer fetches a native document through the format-export
// endpoint. Exports have no byte stream to resume, so they always restart
// from zero, and progress is coarse because the converted size is unknown.
func (d *Downloader) exportTransfer(ctx context.Context, file *models.RemoteFile, localPath string, rec *models.ProgressRecord, progressFn ProgressFunc) error {
	const op = "sync.export"

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return errors.New(errors.Config, op, err)
	}

	body, err := d.remote.Export(ctx, file.ID, drive.ExportMimeFor(file.MimeType))
	if err != nil {
		return err
	}
	defer body.Close()

	out, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.New(errors.Config, op, err)
	}
	defer out.Close()

	var written int64
	buf := make([]byte, d.chunkSize)
	for {
		if !d.control.waitWhilePaused() {
			return ErrCanceled
		}
		select {
		case <-ctx.Done():
			return ErrCanceled
		default:
		}

		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			if d.limiter != nil {
				if lerr := d.limiter.WaitN(ctx, n); lerr != nil {
					return ErrCanceled
				}
			}
			if _, werr := out.Write(buf[:n]); werr != nil {
				return errors.New(errors.Transient, op, werr)
			}
			if serr := out.Sync(); serr != nil {
				return errors.New(errors.Transient, op, serr)
			}
			written += int64(n)
			if uerr := d.db.UpdateProgress(rec.ID, written, models.StatusDownloading); uerr != nil {
				d.log.WithError(uerr).WithField("file", file.Path).Warn("progress update failed")
			}
			if progressFn != nil {
				progressFn(file, written, -1)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return nil
		}
		if rerr != nil {
			return errors.New(errors.Transient, op, rerr)
		}
	}
}

// recordFailure persists a terminal per-file failure to both the progress
// record and the append-only error log. No failure path drops the error.
func (d *Downloader) recordFailure(taskID int64, rec *models.ProgressRecord, file *models.RemoteFile, cause error) {
	kind := errors.KindOf(cause)
	if err := d.db.MarkFailed(rec.ID, cause.Error()); err != nil {
		d.log.WithError(err).WithField("file", file.Path).Warn("failure did not persist")
	}
	if err := d.db.LogError(taskID, file.Path, string(kind), cause.Error(), rec.ErrorCount+1); err != nil {
		d.log.WithError(err).WithField("file", file.Path).Warn("error log append failed")
	}
	d.log.WithFields(logrus.Fields{"file": file.Path, "kind": kind}).WithError(cause).Error("download failed")
}

// verifyFile compares the file's MD5 against the expected checksum,
// case-insensitively. An absent expected checksum verifies automatically;
// a missing file never does.
func verifyFile(path, expected string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		return false, nil
	}
	if expected == "" {
		return true, nil
	}
	sum, err := fileMD5(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(sum, expected), nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func diskLength(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
