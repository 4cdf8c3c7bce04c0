package sync

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/chmdznr/gdrive-local-sync/pkg/errors"
	"github.com/chmdznr/gdrive-local-sync/pkg/models"
)

// Outcome is the final classification of one file-transfer attempt.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeCanceled Outcome = "canceled" // never started; not counted
)

// FileFunc is invoked once per file with its final outcome.
type FileFunc func(file *models.RemoteFile, outcome Outcome)

// Callbacks bundles the optional observers of a run.
type Callbacks struct {
	Scan     func(path string)
	Progress ProgressFunc
	File     FileFunc
	// BatchStart runs once after the diff, before any download, with the
	// files about to be transferred.
	BatchStart func(files []models.RemoteFile)
}

// Sync runs one full pass for the task: a single scan-and-diff, then a
// bounded worker pool over the download set. Per-file transport and
// integrity failures are recorded and the batch moves on; auth and config
// errors abort the run before any transfer starts. A mid-batch cancel
// stops not-yet-started files immediately while in-flight transfers finish
// and are counted.
func (e *Engine) Sync(ctx context.Context, task *models.SyncTask, ctl *Control, cb Callbacks) (*models.BatchStats, error) {
	toDownload, toSkip, err := e.ScanAndCompare(ctx, task, cb.Scan)
	if err != nil {
		return nil, err
	}

	stats := &models.BatchStats{
		Scanned:     len(toDownload) + len(toSkip),
		DiffSkipped: len(toSkip),
	}
	if ctl.Canceled() {
		return stats, nil
	}
	if cb.BatchStart != nil {
		cb.BatchStart(toDownload)
	}

	dl := NewDownloader(e.db, e.remote, task, ctl)

	workers := task.Concurrency
	if workers <= 0 {
		workers = DefaultConcurrency
	}

	jobs := make(chan models.RemoteFile)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for file := range jobs {
				outcome := e.processFile(ctx, dl, task, ctl, &file, cb.Progress)
				mu.Lock()
				switch outcome {
				case OutcomeSuccess:
					stats.Success++
				case OutcomeFailed:
					stats.Failed++
				case OutcomeSkipped:
					stats.Skipped++
				}
				mu.Unlock()
				if cb.File != nil {
					cb.File(&file, outcome)
				}
			}
		}()
	}

feed:
	for _, file := range toDownload {
		if ctl.Canceled() {
			break
		}
		select {
		case jobs <- file:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	e.log.WithFields(logrus.Fields{
		"task":    task.Name,
		"success": stats.Success,
		"failed":  stats.Failed,
		"skipped": stats.Skipped,
	}).Info("batch finished")

	return stats, nil
}

func (e *Engine) processFile(ctx context.Context, dl *Downloader, task *models.SyncTask, ctl *Control, file *models.RemoteFile, progressFn ProgressFunc) Outcome {
	// not-yet-started attempts stop immediately on cancel
	if ctl.Canceled() {
		return OutcomeCanceled
	}

	localPath := filepath.Join(task.LocalRoot, filepath.FromSlash(file.Path))

	// cheap second guard layered on the earlier diff: time has passed and
	// another process may have placed the file since
	if info, err := os.Stat(localPath); err == nil && info.Size() == file.Size {
		return OutcomeSkipped
	}

	err := dl.DownloadFile(ctx, task, file, localPath, progressFn)
	if err == nil {
		return OutcomeSuccess
	}
	if stderrors.Is(err, ErrCanceled) {
		return OutcomeCanceled
	}
	if errors.Is(err, errors.Auth) {
		// credentials died mid-run; no later file can succeed
		ctl.Cancel()
	}
	return OutcomeFailed
}
