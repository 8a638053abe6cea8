package indexer

import (
	"context"
	"path/filepath"

	"corpusd/internal/logging"
	"corpusd/internal/types"
)

// SyncFile applies one watcher task: ingest or remove a single file in the
// project role's KB and update the hook's hash map.
func (ix *Indexer) SyncFile(ctx context.Context, task types.SyncTask) error {
	project, err := ix.store.GetProject(task.ProjectID)
	if err != nil {
		return err
	}
	kbID, ok := project.KBs[task.Role]
	if !ok {
		return types.E(types.KindValidation, "project %q has no %s kb", project.Name, task.Role)
	}
	hook, err := ix.store.GetHook(task.ProjectID, task.Role)
	if err != nil {
		return err
	}
	rel, inside := relativeTo(hook.FolderPath, task.Path)
	if !inside {
		return types.E(types.KindValidation, "path %s outside hook folder %s", task.Path, hook.FolderPath)
	}

	switch task.EventKind {
	case "delete", "rename":
		if err := ix.store.DeleteDocument(kbID, rel); err != nil && !types.IsKind(err, types.KindNotFound) {
			return err
		}
		if err := ix.store.MarkHookSynced(task.ProjectID, task.Role, rel, ""); err != nil {
			return err
		}
		logging.Index("sync: removed %s from kb %d", rel, kbID)
		return nil

	case "create", "modify":
		changed, err := ix.ingestFile(ctx, kbID, hook.FolderPath, rel)
		if err != nil {
			return err
		}
		hash, err := ix.store.DocumentHash(kbID, rel)
		if err != nil {
			return err
		}
		if err := ix.store.MarkHookSynced(task.ProjectID, task.Role, rel, hash); err != nil {
			return err
		}
		logging.IndexDebug("sync: %s %s (changed=%v)", task.EventKind, rel, changed)
		return nil
	}
	return types.E(types.KindValidation, "unknown event kind %q", task.EventKind)
}

func relativeTo(root, target string) (string, bool) {
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || len(rel) >= 2 && rel[:2] == ".." {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
