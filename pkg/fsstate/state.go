// Package fsstate implements SPEC_FULL.md §4.6: the seq_no commit
// handshake between the local metadata store and the backend, metadata
// generation cycling, and the filesystem-facing Read/Write/Truncate/Fsync
// operations that drive the block cache and upload manager.
//
// A single *FsState holds one global lock, fs.mu, that serializes this
// package's foreground operations. Worker goroutines inside pkg/uploader
// do not take fs.mu: they call the metadata store and block cache
// directly, and the block cache and upload manager guard their own state
// with their own mutexes.
package fsstate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/blockvault/s3vfs/internal/logger"
	"github.com/blockvault/s3vfs/pkg/backend"
	"github.com/blockvault/s3vfs/pkg/blockcache"
	"github.com/blockvault/s3vfs/pkg/config"
	"github.com/blockvault/s3vfs/pkg/metastore"
	"github.com/blockvault/s3vfs/pkg/uploader"
)

// ErrNeedsFsck is returned by Mount when the backend's sequence-number
// marker disagrees with the metadata dump's recorded seq_no — the
// signature of an unclean shutdown — and the caller did not pass
// AllowNeedsFsck.
var ErrNeedsFsck = errors.New("fsstate: sequence number mismatch, filesystem needs fsck")

// FsState is a mounted filesystem instance.
type FsState struct {
	mu sync.Mutex

	store    *metastore.Store
	backend  backend.Backend
	cache    *blockcache.Cache
	uploader *uploader.Manager

	blocksize           uint64
	metadataGenerations int
	paramsPath          string

	encounteredErrors bool
}

// MountOptions controls Mount's sequence-number reconciliation.
type MountOptions struct {
	// AllowNeedsFsck lets Mount proceed past a detected seq_no mismatch
	// instead of returning ErrNeedsFsck, modeling the operator
	// confirmation §4.6 requires before mounting a dirty filesystem.
	AllowNeedsFsck bool
}

// Mount opens the metadata store, backend, and block cache described by
// cfg, performs the seq_no handshake of §4.6, and returns a ready FsState.
func Mount(ctx context.Context, cfg *config.Config, opts MountOptions) (*FsState, error) {
	if err := config.InitLogging(cfg.Logging); err != nil {
		return nil, err
	}

	be, err := config.CreateBackend(ctx, cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("fsstate: create backend: %w", err)
	}
	store, err := config.CreateMetastore(cfg.Metastore)
	if err != nil {
		return nil, fmt.Errorf("fsstate: open metastore: %w", err)
	}
	cache, err := config.CreateCache(cfg.Cache)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("fsstate: open cache: %w", err)
	}

	fs := &FsState{
		store:               store,
		backend:             be,
		cache:               cache,
		blocksize:           uint64(cfg.Blocksize),
		metadataGenerations: cfg.Metastore.MetadataGenerations,
		paramsPath:          cfg.Metastore.Path + ".params",
	}
	fs.uploader = uploader.New(store, cache, be, cfg.Uploader.ToManagerConfig())

	if err := fs.reconcileSeqNo(ctx, opts); err != nil {
		fs.uploader.Close(ctx)
		store.Close()
		return nil, err
	}

	return fs, nil
}

// reconcileSeqNo implements §4.6's Mount step.
func (fs *FsState) reconcileSeqNo(ctx context.Context, opts MountOptions) error {
	keys, err := fs.backend.List(ctx, uploader.SeqNoKeyPrefix)
	if err != nil {
		return fmt.Errorf("fsstate: list seq_no markers: %w", err)
	}
	var backendSeqNo uint64
	seenAny := false
	for _, k := range keys {
		n, ok := uploader.ParseSeqNoKey(k)
		if !ok {
			continue
		}
		seenAny = true
		if n > backendSeqNo {
			backendSeqNo = n
		}
	}
	if !seenAny {
		// Never committed before: a fresh mkfs. Nothing to reconcile.
		return nil
	}

	if localSeqNo, ok := readParamsFile(fs.paramsPath); ok && localSeqNo == backendSeqNo {
		logger.Info("mount: local cache matches backend seq_no, skipping restore", "seq_no", backendSeqNo)
		return nil
	}

	meta, err := fs.backend.Lookup(ctx, uploader.MetadataKey)
	if errors.Is(err, backend.ErrNoSuchKey) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fsstate: lookup metadata object: %w", err)
	}

	metaSeqNo, _ := strconv.ParseUint(meta["seq_no"], 10, 64)
	if metaSeqNo != backendSeqNo {
		if err := fs.store.SetNeedsFsck(ctx, true); err != nil {
			return err
		}
		if !opts.AllowNeedsFsck {
			return ErrNeedsFsck
		}
		logger.Warn("mount: seq_no mismatch, mounting anyway per operator override",
			"metadata_seq_no", metaSeqNo, "backend_seq_no", backendSeqNo)
	}

	rc, err := fs.backend.Get(ctx, uploader.MetadataKey)
	if err != nil {
		return fmt.Errorf("fsstate: download metadata dump: %w", err)
	}
	defer rc.Close()

	if err := fs.store.Restore(ctx, rc); err != nil {
		return fmt.Errorf("fsstate: restore metadata dump: %w", err)
	}

	writeParamsFile(fs.paramsPath, backendSeqNo)
	return nil
}

// Unmount flushes every dirty block, waits for the upload pipeline to
// drain, cycles the metadata dump through the backend per §4.6, and
// releases local resources. A successful Unmount closes the metadata
// store, so a second call returns an error.
func (fs *FsState) Unmount(ctx context.Context) error {
	fs.mu.Lock()

	for _, key := range fs.cache.AllDirtyKeys() {
		fs.uploader.Add(key)
	}
	fs.mu.Unlock()

	if err := fs.uploader.JoinAll(ctx); err != nil {
		return fmt.Errorf("fsstate: drain upload pipeline: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.encounteredErrors {
		return fmt.Errorf("fsstate: unmount refused, a prior operation failed; run fsck")
	}

	if err := fs.cache.DropAll(); err != nil {
		logger.Warn("unmount: drop_all reported errors", logger.KeyError, err)
	}

	params, err := fs.store.Parameters(ctx)
	if err != nil {
		return err
	}
	newSeqNo := params.SeqNo + 1

	if err := fs.cycleMetadata(ctx, newSeqNo); err != nil {
		return fmt.Errorf("fsstate: cycle metadata: %w", err)
	}

	if err := fs.backend.Put(ctx, uploader.SeqNoKey(newSeqNo), emptyReader{}, nil); err != nil {
		return fmt.Errorf("fsstate: write seq_no marker: %w", err)
	}
	_ = fs.backend.Delete(ctx, uploader.SeqNoKey(params.SeqNo))

	now := time.Now()
	if err := fs.store.SetSeqNo(ctx, newSeqNo); err != nil {
		return err
	}
	if err := fs.store.TouchLastModified(ctx, now); err != nil {
		return err
	}
	if err := fs.store.SetNeedsFsck(ctx, false); err != nil {
		return err
	}

	writeParamsFile(fs.paramsPath, newSeqNo)

	if err := fs.uploader.Close(ctx); err != nil {
		logger.Warn("unmount: uploader close reported errors", logger.KeyError, err)
	}
	return fs.store.Close()
}

// cycleMetadata rotates the current s3ql_metadata object into
// s3ql_metadata_bak_0 (shifting older backups up by one, dropping the
// oldest beyond metadataGenerations), then uploads a fresh dump as the
// new s3ql_metadata, tagged with newSeqNo as out-of-band object metadata.
func (fs *FsState) cycleMetadata(ctx context.Context, newSeqNo uint64) error {
	n := fs.metadataGenerations
	if n < 1 {
		n = 1
	}

	for i := n - 1; i >= 1; i-- {
		src := uploader.MetadataBackupKey(i - 1)
		dst := uploader.MetadataBackupKey(i)
		if err := fs.copyIfExists(ctx, src, dst); err != nil {
			return err
		}
	}
	if err := fs.copyIfExists(ctx, uploader.MetadataKey, uploader.MetadataBackupKey(0)); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		err := fs.store.Dump(ctx, pw)
		errCh <- err
		if err != nil {
			pw.CloseWithError(err)
		} else {
			pw.Close()
		}
	}()

	meta := backend.ObjectMeta{"seq_no": fmt.Sprintf("%d", newSeqNo)}
	if err := fs.backend.Put(ctx, uploader.MetadataKey, pr, meta); err != nil {
		return err
	}
	return <-errCh
}

func (fs *FsState) copyIfExists(ctx context.Context, src, dst string) error {
	meta, err := fs.backend.Lookup(ctx, src)
	if errors.Is(err, backend.ErrNoSuchKey) {
		return nil
	}
	if err != nil {
		return err
	}
	rc, err := fs.backend.Get(ctx, src)
	if err != nil {
		return err
	}
	defer rc.Close()
	return fs.backend.Put(ctx, dst, rc, meta)
}

func readParamsFile(path string) (seqNo uint64, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func writeParamsFile(path string, seqNo uint64) {
	if err := os.WriteFile(path, []byte(strconv.FormatUint(seqNo, 10)), 0o600); err != nil {
		logger.Warn("failed to write local params cache", logger.KeyError, err)
	}
}
