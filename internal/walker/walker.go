package walker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/xxxsen/otolib/internal/config"
	"github.com/xxxsen/otolib/internal/model"
	"github.com/xxxsen/otolib/internal/report"
)

const addTimeLayout = "2006-01-02 15:04:05"

// ListWorkFolders walks one library root and returns every directory whose
// name carries a work id. Directories with an id are leaves and are not
// descended into; other directories are entered while the recursion depth
// budget allows. Entries we lack permission for are reported and skipped;
// any other filesystem error aborts the walk for this root.
func ListWorkFolders(ctx context.Context, root config.RootFolder, maxDepth int, rep report.Reporter) ([]model.FolderDescriptor, error) {
	var found []model.FolderDescriptor
	if err := walkDir(ctx, root, "", 0, maxDepth, rep, &found); err != nil {
		return nil, err
	}
	return found, nil
}

func walkDir(ctx context.Context, root config.RootFolder, current string, depth int, maxDepth int, rep report.Reporter, out *[]model.FolderDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(filepath.Join(root.Path, current))
	if err != nil {
		if current != "" && errors.Is(err, fs.ErrPermission) {
			rep.MainLog(report.LevelWarn, fmt.Sprintf("无法访问 %s", filepath.Join(root.Path, current)))
			return nil
		}
		return fmt.Errorf("read dir %s: %w", filepath.Join(root.Path, current), err)
	}

	for _, entry := range entries {
		relativePath := filepath.Join(current, entry.Name())
		absolutePath := filepath.Join(root.Path, relativePath)

		if !entry.IsDir() {
			continue
		}

		if id, ok := model.ExtractWorkID(entry.Name()); ok {
			addTime := ""
			if info, err := entry.Info(); err == nil {
				addTime = info.ModTime().Format(addTimeLayout)
			}
			*out = append(*out, model.FolderDescriptor{
				ID:             id,
				AbsolutePath:   absolutePath,
				RelativePath:   relativePath,
				RootFolderName: root.Name,
				AddTime:        addTime,
			})
			continue
		}

		if depth+1 < maxDepth {
			if err := walkDir(ctx, root, relativePath, depth+1, maxDepth, rep, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// Deduplicate collapses folders sharing a work id into one canonical entry.
// The first discovered folder wins for any number of duplicates; the rest are
// returned in the duplicate map for operator visibility and are not processed
// further this run.
func Deduplicate(folders []model.FolderDescriptor) ([]model.FolderDescriptor, map[int][]model.FolderDescriptor) {
	unique := make([]model.FolderDescriptor, 0, len(folders))
	duplicate := make(map[int][]model.FolderDescriptor)
	seen := make(map[int]struct{}, len(folders))

	for _, folder := range folders {
		if _, ok := seen[folder.ID]; ok {
			duplicate[folder.ID] = append(duplicate[folder.ID], folder)
			continue
		}
		seen[folder.ID] = struct{}{}
		unique = append(unique, folder)
	}
	return unique, duplicate
}
