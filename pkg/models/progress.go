package models

import "time"

// Download progress statuses.
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// ProgressRecord is the persisted per-file transfer state. At most one
// record exists per (task, remote file). DownloadedSize never exceeds
// bytes actually flushed to disk, and ErrorCount never decreases.
type ProgressRecord struct {
	ID             int64
	TaskID         int64
	FileID         string
	RemotePath     string
	LocalPath      string
	TotalSize      int64
	DownloadedSize int64
	Status         string
	MD5Checksum    string
	ErrorCount     int
	LastError      string
	UpdatedAt      time.Time
}

// ErrorLogEntry is one row of the append-only error audit trail.
type ErrorLogEntry struct {
	ID         int64
	TaskID     int64
	FilePath   string
	ErrorKind  string
	Message    string
	RetryCount int
	Timestamp  time.Time
}
