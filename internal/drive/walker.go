package drive

import (
	"context"
	"path"

	"github.com/chmdznr/gdrive-local-sync/pkg/models"
)

// ListRecursive enumerates the remote tree under folderID depth-first and
// returns the files (never the folders) with Path set to the slash-joined
// relative path from the root. Encounter order is preserved; the walk runs
// exactly once per sync run. onVisit, when non-nil, is called with each
// path as it is discovered.
func (c *Client) ListRecursive(ctx context.Context, folderID string, onVisit func(path string)) ([]models.RemoteFile, error) {
	return c.walk(ctx, folderID, "", onVisit)
}

func (c *Client) walk(ctx context.Context, folderID, parentPath string, onVisit func(string)) ([]models.RemoteFile, error) {
	items, err := c.List(ctx, folderID)
	if err != nil {
		return nil, err
	}

	var files []models.RemoteFile
	for _, item := range items {
		itemPath := item.Name
		if parentPath != "" {
			itemPath = path.Join(parentPath, item.Name)
		}
		item.Path = itemPath

		if onVisit != nil {
			onVisit(itemPath)
		}

		if item.IsFolder() {
			sub, err := c.walk(ctx, item.ID, itemPath, onVisit)
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
			continue
		}
		files = append(files, item)
	}
	return files, nil
}
