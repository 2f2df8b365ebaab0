package fsstate

import (
	"context"
	"fmt"
	"time"

	"github.com/blockvault/s3vfs/internal/logger"
	"github.com/blockvault/s3vfs/pkg/backend"
	"github.com/blockvault/s3vfs/pkg/metastore"
	"github.com/blockvault/s3vfs/pkg/uploader"
)

// FsckOptions controls a standalone repair pass.
type FsckOptions struct {
	// Batch caps how many orphaned backend keys this pass deletes; zero or
	// less means no cap. Orphaned keys beyond the cap stay in the backend
	// for a later pass.
	Batch int
}

// FsckReport summarizes what a repair pass found and fixed.
type FsckReport struct {
	SQLCorruption      bool
	OrphanedObjects    int
	OrphanedBackendKeys int
	InodesRenumbered   bool
}

// Fsck runs the repair sequence of §4.6 directly against store and be,
// without requiring a Mount: structural integrity check, refcount
// rebuild, backend orphan-key sweep, and conditional inode renumbering.
// It is usable by a fsck CLI that never otherwise touches the cache or
// upload pipeline.
func Fsck(ctx context.Context, store *metastore.Store, be backend.Backend, opts FsckOptions) (*FsckReport, error) {
	report := &FsckReport{}

	if err := store.IntegrityCheck(ctx); err != nil {
		report.SQLCorruption = true
		return report, fmt.Errorf("fsstate: metadata integrity check failed: %w", err)
	}

	orphanedObjs, err := store.RebuildRefcounts(ctx)
	if err != nil {
		return report, fmt.Errorf("fsstate: rebuild refcounts: %w", err)
	}
	report.OrphanedObjects = len(orphanedObjs)
	for _, objID := range orphanedObjs {
		if err := be.Delete(ctx, uploader.DataKey(objID)); err != nil {
			logger.Warn("fsck: failed to delete orphaned object", logger.KeyObjectID, objID, logger.KeyError, err)
		}
	}

	live, err := store.LiveObjectIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("fsstate: list live objects: %w", err)
	}
	keys, err := be.List(ctx, uploader.DataKeyPrefix)
	if err != nil {
		return report, fmt.Errorf("fsstate: list backend data keys: %w", err)
	}
	batch := opts.Batch
	if batch <= 0 {
		batch = len(keys)
	}
	deleted := 0
	for _, key := range keys {
		if deleted >= batch && batch > 0 {
			break
		}
		objID, ok := uploader.ParseDataKey(key)
		if !ok {
			continue
		}
		if _, ok := live[objID]; ok {
			continue
		}
		if err := be.Delete(ctx, key); err != nil {
			logger.Warn("fsck: failed to delete orphaned backend key", logger.KeyBackendKey, key, logger.KeyError, err)
			continue
		}
		deleted++
	}
	report.OrphanedBackendKeys = deleted

	needsRenumber, err := store.NeedsInodeRenumber(ctx)
	if err != nil {
		return report, fmt.Errorf("fsstate: check inode renumber threshold: %w", err)
	}
	if needsRenumber {
		if err := store.RenumberInodes(ctx); err != nil {
			return report, fmt.Errorf("fsstate: renumber inodes: %w", err)
		}
		report.InodesRenumbered = true
	}

	if err := store.SetNeedsFsck(ctx, false); err != nil {
		return report, err
	}
	if err := store.RecordFsck(ctx, time.Now()); err != nil {
		return report, err
	}

	logger.Info("fsck complete", "orphaned_objects", report.OrphanedObjects,
		"orphaned_backend_keys", report.OrphanedBackendKeys, "renumbered", report.InodesRenumbered)
	return report, nil
}
