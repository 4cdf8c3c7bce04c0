package models

import "time"

// FilterRules narrows the remote file set before download. All fields are
// optional and AND-combined; textual matches are case-insensitive.
type FilterRules struct {
	IncludeExtensions []string `json:"include_extensions,omitempty"`
	ExcludeExtensions []string `json:"exclude_extensions,omitempty"`
	MinSize           int64    `json:"min_size,omitempty"`
	MaxSize           int64    `json:"max_size,omitempty"`
	NameContains      string   `json:"name_contains,omitempty"`
	NameExcludes      string   `json:"name_excludes,omitempty"`
}

// SyncTask is one configured remote-to-local sync. Read at run start and
// immutable for the duration of the run.
type SyncTask struct {
	ID             int64
	Name           string
	RemoteRootID   string
	LocalRoot      string
	Filters        *FilterRules
	BandwidthLimit int // KiB/s, 0 means unlimited
	Concurrency    int
	RetryCount     int
	CreatedAt      time.Time
}
