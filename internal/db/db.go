package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chmdznr/gdrive-local-sync/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05"

// DB represents a database connection
type DB struct {
	*sql.DB
}

// New opens (and if needed creates) the sync database at path.
func New(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	db := &DB{sqlDB}
	if err := db.initialize(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

// initialize creates the necessary tables if they don't exist
func (db *DB) initialize() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			remote_root_id TEXT NOT NULL,
			local_root TEXT NOT NULL,
			filters TEXT,
			bandwidth_limit INTEGER DEFAULT 0,
			concurrency INTEGER DEFAULT 3,
			retry_count INTEGER DEFAULT 3,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS download_progress (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL,
			file_id TEXT NOT NULL,
			remote_path TEXT NOT NULL,
			local_path TEXT NOT NULL,
			total_size INTEGER DEFAULT 0,
			downloaded_size INTEGER DEFAULT 0,
			status TEXT DEFAULT 'pending',
			md5_checksum TEXT DEFAULT '',
			error_count INTEGER DEFAULT 0,
			last_error TEXT DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (task_id, file_id)
		);
		CREATE INDEX IF NOT EXISTS idx_progress_status ON download_progress(task_id, status);
		CREATE TABLE IF NOT EXISTS error_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL,
			file_path TEXT NOT NULL,
			error_kind TEXT NOT NULL,
			error_message TEXT DEFAULT '',
			retry_count INTEGER DEFAULT 0,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA temp_store=MEMORY;
	`)
	return err
}

// CreateTask stores a new sync task. Filters are stored as JSON.
func (db *DB) CreateTask(task *models.SyncTask) (int64, error) {
	var filters interface{}
	if task.Filters != nil {
		data, err := json.Marshal(task.Filters)
		if err != nil {
			return 0, err
		}
		filters = string(data)
	}

	res, err := db.Exec(`
		INSERT INTO sync_tasks (name, remote_root_id, local_root, filters, bandwidth_limit, concurrency, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, task.Name, task.RemoteRootID, task.LocalRoot, filters,
		task.BandwidthLimit, task.Concurrency, task.RetryCount)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetTask retrieves a task by name.
func (db *DB) GetTask(name string) (*models.SyncTask, error) {
	row := db.QueryRow(`
		SELECT id, name, remote_root_id, local_root, filters, bandwidth_limit, concurrency, retry_count, created_at
		FROM sync_tasks WHERE name = ?
	`, name)
	return scanTask(row)
}

// ListTasks returns all tasks, newest first.
func (db *DB) ListTasks() ([]models.SyncTask, error) {
	rows, err := db.Query(`
		SELECT id, name, remote_root_id, local_root, filters, bandwidth_limit, concurrency, retry_count, created_at
		FROM sync_tasks ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.SyncTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.SyncTask, error) {
	var task models.SyncTask
	var filters sql.NullString
	var created string
	err := row.Scan(
		&task.ID,
		&task.Name,
		&task.RemoteRootID,
		&task.LocalRoot,
		&filters,
		&task.BandwidthLimit,
		&task.Concurrency,
		&task.RetryCount,
		&created,
	)
	if err != nil {
		return nil, err
	}
	if filters.Valid && filters.String != "" {
		var rules models.FilterRules
		if err := json.Unmarshal([]byte(filters.String), &rules); err != nil {
			return nil, fmt.Errorf("task %s has malformed filter rules: %v", task.Name, err)
		}
		task.Filters = &rules
	}
	task.CreatedAt, _ = time.Parse(timeLayout, created)
	return &task, nil
}

// DeleteTask removes a task together with its progress records and error
// log entries (task teardown is the only path that deletes those rows).
func (db *DB) DeleteTask(taskID int64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM sync_tasks WHERE id = ?`,
		`DELETE FROM download_progress WHERE task_id = ?`,
		`DELETE FROM error_logs WHERE task_id = ?`,
	} {
		if _, err := tx.Exec(stmt, taskID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateProgress inserts a fresh pending record for a file.
func (db *DB) CreateProgress(taskID int64, fileID, remotePath, localPath string, totalSize int64, checksum string) (*models.ProgressRecord, error) {
	res, err := db.Exec(`
		INSERT INTO download_progress (task_id, file_id, remote_path, local_path, total_size, md5_checksum)
		VALUES (?, ?, ?, ?, ?, ?)
	`, taskID, fileID, remotePath, localPath, totalSize, checksum)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.ProgressRecord{
		ID:          id,
		TaskID:      taskID,
		FileID:      fileID,
		RemotePath:  remotePath,
		LocalPath:   localPath,
		TotalSize:   totalSize,
		Status:      models.StatusPending,
		MD5Checksum: checksum,
	}, nil
}

// GetProgress returns the record for (task, file), or nil when none exists.
func (db *DB) GetProgress(taskID int64, fileID string) (*models.ProgressRecord, error) {
	var rec models.ProgressRecord
	var updated string
	err := db.QueryRow(`
		SELECT id, task_id, file_id, remote_path, local_path, total_size, downloaded_size,
		       status, md5_checksum, error_count, last_error, updated_at
		FROM download_progress WHERE task_id = ? AND file_id = ?
	`, taskID, fileID).Scan(
		&rec.ID,
		&rec.TaskID,
		&rec.FileID,
		&rec.RemotePath,
		&rec.LocalPath,
		&rec.TotalSize,
		&rec.DownloadedSize,
		&rec.Status,
		&rec.MD5Checksum,
		&rec.ErrorCount,
		&rec.LastError,
		&updated,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &rec, nil
}

// UpdateProgress persists the downloaded byte count at a chunk boundary.
// Callers pass only bytes already flushed to disk.
func (db *DB) UpdateProgress(recordID, downloaded int64, status string) error {
	_, err := db.Exec(`
		UPDATE download_progress
		SET downloaded_size = ?, status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, downloaded, status, recordID)
	return err
}

// MarkCompleted finalizes a record after verification passed.
func (db *DB) MarkCompleted(recordID int64) error {
	_, err := db.Exec(`
		UPDATE download_progress
		SET status = ?, downloaded_size = MAX(downloaded_size, total_size), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, models.StatusCompleted, recordID)
	return err
}

// MarkFailed records a failure. The row is kept so later runs can resume
// and the error history stays observable.
func (db *DB) MarkFailed(recordID int64, message string) error {
	_, err := db.Exec(`
		UPDATE download_progress
		SET status = ?, last_error = ?, error_count = error_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, models.StatusFailed, message, recordID)
	return err
}

// PendingProgress returns unfinished records for a task in insertion order.
func (db *DB) PendingProgress(taskID int64) ([]models.ProgressRecord, error) {
	rows, err := db.Query(`
		SELECT id, task_id, file_id, remote_path, local_path, total_size, downloaded_size,
		       status, md5_checksum, error_count, last_error, updated_at
		FROM download_progress
		WHERE task_id = ? AND status IN (?, ?)
		ORDER BY id
	`, taskID, models.StatusPending, models.StatusDownloading)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ProgressRecord
	for rows.Next() {
		var rec models.ProgressRecord
		var updated string
		err = rows.Scan(
			&rec.ID, &rec.TaskID, &rec.FileID, &rec.RemotePath, &rec.LocalPath,
			&rec.TotalSize, &rec.DownloadedSize, &rec.Status, &rec.MD5Checksum,
			&rec.ErrorCount, &rec.LastError, &updated,
		)
		if err != nil {
			return nil, err
		}
		rec.UpdatedAt, _ = time.Parse(timeLayout, updated)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ProgressStats returns aggregate transfer state for a task.
func (db *DB) ProgressStats(taskID int64) (*models.ProgressStats, error) {
	var stats models.ProgressStats
	err := db.QueryRow(`
		SELECT
			COUNT(*) as total,
			COALESCE(SUM(total_size), 0) as total_size,
			COUNT(CASE WHEN status = 'completed' THEN 1 END) as completed,
			COALESCE(SUM(CASE WHEN status = 'completed' THEN total_size ELSE 0 END), 0) as completed_size,
			COUNT(CASE WHEN status = 'failed' THEN 1 END) as failed,
			COUNT(CASE WHEN status IN ('pending', 'downloading') THEN 1 END) as pending,
			COALESCE(SUM(downloaded_size), 0) as downloaded_size
		FROM download_progress
		WHERE task_id = ?
	`, taskID).Scan(
		&stats.Total,
		&stats.TotalSize,
		&stats.Completed,
		&stats.CompletedSize,
		&stats.Failed,
		&stats.Pending,
		&stats.DownloadedSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %v", err)
	}
	return &stats, nil
}

// LogError appends one row to the audit trail. Entries are never mutated
// or deleted individually.
func (db *DB) LogError(taskID int64, filePath, kind, message string, retryCount int) error {
	_, err := db.Exec(`
		INSERT INTO error_logs (task_id, file_path, error_kind, error_message, retry_count)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, filePath, kind, message, retryCount)
	return err
}

// ErrorsByTask returns a task's error log, newest first.
func (db *DB) ErrorsByTask(taskID int64) ([]models.ErrorLogEntry, error) {
	rows, err := db.Query(`
		SELECT id, task_id, file_path, error_kind, error_message, retry_count, timestamp
		FROM error_logs WHERE task_id = ? ORDER BY timestamp DESC, id DESC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ErrorLogEntry
	for rows.Next() {
		var e models.ErrorLogEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.FilePath, &e.ErrorKind, &e.Message, &e.RetryCount, &ts); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(timeLayout, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
