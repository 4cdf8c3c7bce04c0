package models

import "strings"

// FolderMimeType is the sentinel media type the remote uses for folders.
const FolderMimeType = "application/vnd.google-apps.folder"

// nativeDocPrefix marks editable documents that have no raw byte
// representation and must go through the export endpoint.
const nativeDocPrefix = "application/vnd.google-apps."

// RemoteFile is an immutable metadata snapshot of one remote item,
// produced once per sync run by the walker.
type RemoteFile struct {
	ID           string
	Name         string
	Path         string // relative path built while walking from the root
	MimeType     string
	Size         int64
	ModifiedTime string // ISO-8601 as reported by the remote
	MD5Checksum  string
	Parents      []string
}

func (f *RemoteFile) IsFolder() bool {
	return f.MimeType == FolderMimeType
}

func (f *RemoteFile) IsNativeDoc() bool {
	return strings.HasPrefix(f.MimeType, nativeDocPrefix) && !f.IsFolder()
}
