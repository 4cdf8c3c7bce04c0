package models

// BatchStats aggregates per-file outcomes of one sync run. Skipped counts
// preflight short-circuits inside the batch; DiffSkipped counts files the
// diff classified as already in sync before any download started.
type BatchStats struct {
	Scanned     int
	Success     int
	Failed      int
	Skipped     int
	DiffSkipped int
}

// ProgressStats summarizes the progress table for one task.
type ProgressStats struct {
	Total          int64
	TotalSize      int64
	Completed      int64
	CompletedSize  int64
	Failed         int64
	Pending        int64
	DownloadedSize int64
}
