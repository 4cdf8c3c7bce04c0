package sync

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chmdznr/gdrive-local-sync/pkg/models"
)

// Decisions produced by Compare.
const (
	DecisionDownload = "download"
	DecisionSkip     = "skip"
)

// Compare classifies one remote file against the local filesystem. A
// missing local file, a size difference, or a strictly newer remote
// modification time all mean download; when the remote timestamp cannot
// be parsed the call defaults conservatively to download.
func Compare(remote *models.RemoteFile, localPath string) string {
	info, err := os.Stat(localPath)
	if err != nil {
		return DecisionDownload
	}

	if info.Size() != remote.Size {
		return DecisionDownload
	}

	remoteTime, err := time.Parse(time.RFC3339, remote.ModifiedTime)
	if err != nil {
		return DecisionDownload
	}

	// Both sides are reduced to naive wall-clock values before comparing:
	// the remote reports an offset, the local filesystem reports local
	// time, and only the stripped values are comparable.
	if stripOffset(remoteTime).After(stripOffset(info.ModTime())) {
		return DecisionDownload
	}
	return DecisionSkip
}

// stripOffset keeps the wall-clock fields and discards the zone, truncated
// to whole seconds (filesystem mtime granularity varies below that).
func stripOffset(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

// ApplyFilters drops directories and applies the task's rule set. Rules
// are AND-combined; a file must pass every configured rule to stay in.
// Encounter order is preserved.
func ApplyFilters(files []models.RemoteFile, rules *models.FilterRules) []models.RemoteFile {
	filtered := make([]models.RemoteFile, 0, len(files))
	for i := range files {
		f := &files[i]
		if f.IsFolder() {
			continue
		}
		if rules != nil && !matchesRules(f, rules) {
			continue
		}
		filtered = append(filtered, *f)
	}
	return filtered
}

func matchesRules(f *models.RemoteFile, rules *models.FilterRules) bool {
	ext := strings.ToLower(filepath.Ext(f.Name))

	if len(rules.IncludeExtensions) > 0 && !containsFold(rules.IncludeExtensions, ext) {
		return false
	}
	if len(rules.ExcludeExtensions) > 0 && containsFold(rules.ExcludeExtensions, ext) {
		return false
	}
	if rules.MinSize > 0 && f.Size < rules.MinSize {
		return false
	}
	if rules.MaxSize > 0 && f.Size > rules.MaxSize {
		return false
	}
	name := strings.ToLower(f.Name)
	if rules.NameContains != "" && !strings.Contains(name, strings.ToLower(rules.NameContains)) {
		return false
	}
	if rules.NameExcludes != "" && strings.Contains(name, strings.ToLower(rules.NameExcludes)) {
		return false
	}
	return true
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
