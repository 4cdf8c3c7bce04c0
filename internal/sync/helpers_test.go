package sync

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	stderrors "errors"
	"io"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chmdznr/gdrive-local-sync/internal/db"
	"github.com/chmdznr/gdrive-local-sync/pkg/errors"
	"github.com/chmdznr/gdrive-local-sync/pkg/models"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func newTestTask(t *testing.T, database *db.DB, localRoot string) *models.SyncTask {
	t.Helper()
	task := &models.SyncTask{
		Name:         "test-task",
		RemoteRootID: "root",
		LocalRoot:    localRoot,
		Concurrency:  2,
		RetryCount:   3,
	}
	id, err := database.CreateTask(task)
	require.NoError(t, err)
	task.ID = id
	return task
}

// newTestDownloader shrinks the chunk size so small payloads still cross
// chunk boundaries, and removes the backoff wait.
func newTestDownloader(database *db.DB, remote Remote, task *models.SyncTask, ctl *Control) *Downloader {
	d := NewDownloader(database, remote, task, ctl)
	d.chunkSize = 4
	d.backoff = func(int) time.Duration { return 0 }
	return d
}

func md5hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

type fetchCall struct {
	fileID string
	offset int64
}

// fakeRemote implements Remote with canned listings and content.
type fakeRemote struct {
	mu      gosync.Mutex
	files   []models.RemoteFile
	content map[string][]byte
	exports map[string][]byte
	listErr error

	// failAfter makes the next fetch of a file return a transport error
	// after serving that many bytes, once.
	failAfter map[string]int

	fetches    []fetchCall
	exportMime map[string]string
	onFetch    func(fileID string, offset int64)
}

func (f *fakeRemote) ListRecursive(ctx context.Context, folderID string, onVisit func(string)) ([]models.RemoteFile, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.RemoteFile, len(f.files))
	copy(out, f.files)
	for i := range out {
		if onVisit != nil {
			onVisit(out[i].Path)
		}
	}
	return out, nil
}

func (f *fakeRemote) Fetch(ctx context.Context, fileID string, offset int64) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, fetchCall{fileID, offset})
	data, ok := f.content[fileID]
	failAt, failing := f.failAfter[fileID]
	if failing {
		delete(f.failAfter, fileID)
	}
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(fileID, offset)
	}
	if !ok {
		return nil, -1, errors.Newf(errors.Transient, "fake.Fetch", "no such file %s", fileID)
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	rest := data[offset:]
	if failing {
		if failAt > len(rest) {
			failAt = len(rest)
		}
		return io.NopCloser(&flakyReader{data: rest[:failAt]}), int64(len(rest)), nil
	}
	return io.NopCloser(bytes.NewReader(rest)), int64(len(rest)), nil
}

func (f *fakeRemote) Export(ctx context.Context, fileID, mimeType string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exportMime == nil {
		f.exportMime = make(map[string]string)
	}
	f.exportMime[fileID] = mimeType
	data, ok := f.exports[fileID]
	if !ok {
		return nil, errors.Newf(errors.Transient, "fake.Export", "no export for %s", fileID)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeRemote) fetchCalls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fetchCall, len(f.fetches))
	copy(out, f.fetches)
	return out
}

// flakyReader serves its data and then fails with a transport error
// instead of a clean EOF.
type flakyReader struct {
	data []byte
	pos  int
}

func (r *flakyReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, stderrors.New("connection reset")
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
