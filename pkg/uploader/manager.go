// Package uploader drives the compress/upload/removal pipeline described
// in SPEC_FULL.md §4.4–§4.5: once a block is evicted or explicitly
// flushed from the on-disk cache, Manager hashes it, checks the
// deduplication index, and either binds the existing block or compresses
// and uploads a new one — committing the cache entry back to clean only
// if no newer write raced the upload.
package uploader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blockvault/s3vfs/internal/logger"
	"github.com/blockvault/s3vfs/pkg/backend"
	"github.com/blockvault/s3vfs/pkg/blockcache"
	"github.com/blockvault/s3vfs/pkg/metastore"
)

// MinTransitSize is the bytes-in-transit threshold above which the
// upload pool throttles down to HighWaterUploadWorkers concurrent
// uploads, per SPEC_FULL.md §4.4's admission control.
const MinTransitSize = 1 << 20 // 1 MiB

// Config tunes the worker pools. Zero values are replaced with the
// defaults documented per field.
type Config struct {
	// CompressWorkers bounds concurrent hash+compress jobs. Default 1:
	// compression is CPU-bound and oversubscribing it starves everything
	// else on a small instance.
	CompressWorkers int

	// UploadWorkers bounds concurrent backend uploads below MinTransitSize
	// bytes in transit. Default 10.
	UploadWorkers int

	// HighWaterUploadWorkers bounds concurrent uploads once bytes in
	// transit exceed MinTransitSize, backing off to protect the backend
	// and the local network link. Default 2.
	HighWaterUploadWorkers int

	// RemovalWorkers bounds concurrent backend object deletions for
	// orphaned objects. Default 4.
	RemovalWorkers int

	// RemovalRetryTimeout bounds the total time spent retrying a single
	// object removal before giving up and leaving it for fsck to sweep.
	// Default 300s.
	RemovalRetryTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CompressWorkers <= 0 {
		c.CompressWorkers = 1
	}
	if c.UploadWorkers <= 0 {
		c.UploadWorkers = 10
	}
	if c.HighWaterUploadWorkers <= 0 {
		c.HighWaterUploadWorkers = 2
	}
	if c.RemovalWorkers <= 0 {
		c.RemovalWorkers = 4
	}
	if c.RemovalRetryTimeout <= 0 {
		c.RemovalRetryTimeout = 300 * time.Second
	}
	return c
}

// job carries one block through compress -> upload.
type job struct {
	key  blockcache.Key
	done chan error
}

// Manager owns the compress, upload, and removal worker pools bound to a
// single metadata store, block cache, and backend.
type Manager struct {
	cfg     Config
	store   *metastore.Store
	cache   *blockcache.Cache
	backend backend.Backend

	compressCh chan *job
	uploadCh   chan *uploadJob
	removalCh  chan uint64

	transitMu    sync.Mutex
	transitBytes uint64
	uploadSem    chan struct{}
	highWaterSem chan struct{}

	inTransitMu sync.Mutex
	inTransit   map[blockcache.Key]*job

	wg        sync.WaitGroup // compress+upload pipeline
	removalWg sync.WaitGroup // removal pool

	closeOnce sync.Once
	stopCh    chan struct{}
}

// New starts the worker pools and returns a running Manager. Call Close
// to stop them once every caller has finished using it.
func New(store *metastore.Store, cache *blockcache.Cache, be backend.Backend, cfg Config) *Manager {
	cfg = cfg.withDefaults()

	m := &Manager{
		cfg:          cfg,
		store:        store,
		cache:        cache,
		backend:      be,
		compressCh:   make(chan *job, cfg.CompressWorkers*4),
		uploadCh:     make(chan *uploadJob, cfg.UploadWorkers*4),
		removalCh:    make(chan uint64, cfg.RemovalWorkers*4),
		uploadSem:    make(chan struct{}, cfg.UploadWorkers),
		highWaterSem: make(chan struct{}, cfg.HighWaterUploadWorkers),
		inTransit:    make(map[blockcache.Key]*job),
		stopCh:       make(chan struct{}),
	}

	for i := 0; i < cfg.CompressWorkers; i++ {
		go m.compressWorker()
	}
	for i := 0; i < cfg.UploadWorkers; i++ {
		go m.uploadWorker()
	}
	for i := 0; i < cfg.RemovalWorkers; i++ {
		go m.removalWorker()
	}

	return m
}

// Add enqueues a dirty block for upload. It is at-most-once per
// (inode, blockno): a second Add for a key already in flight returns the
// same completion without starting a duplicate pipeline run.
func (m *Manager) Add(key blockcache.Key) <-chan error {
	m.inTransitMu.Lock()
	if existing, ok := m.inTransit[key]; ok {
		m.inTransitMu.Unlock()
		return existing.done
	}

	j := &job{key: key, done: make(chan error, 1)}
	m.inTransit[key] = j
	m.inTransitMu.Unlock()

	m.wg.Add(1)
	select {
	case m.compressCh <- j:
	case <-m.stopCh:
		m.wg.Done()
		j.done <- fmt.Errorf("uploader: manager closed")
		m.finish(key)
	}
	return j.done
}

// finish clears a key's in-transit bookkeeping so a later Add can start
// a fresh pipeline run for it.
func (m *Manager) finish(key blockcache.Key) {
	m.inTransitMu.Lock()
	delete(m.inTransit, key)
	m.inTransitMu.Unlock()
}

// JoinOne blocks until key's in-flight upload (if any) completes.
func (m *Manager) JoinOne(ctx context.Context, key blockcache.Key) error {
	m.inTransitMu.Lock()
	j, ok := m.inTransit[key]
	m.inTransitMu.Unlock()
	if !ok {
		return nil
	}

	select {
	case err := <-j.done:
		j.done <- err // let any other waiter observe the same result
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JoinAll blocks until every job submitted via Add has completed.
func (m *Manager) JoinAll(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// completeJob marks a job finished successfully, releases its in-transit
// slot, and notifies JoinOne/Add waiters.
func (m *Manager) completeJob(j *job, err error) {
	m.finish(j.key)
	j.done <- err
	m.wg.Done()
}

// failJob marks a job finished with an error and logs it; a failed
// upload leaves the cache entry dirty (via AbortUpload in the caller) so
// the next eviction or flush retries it.
func (m *Manager) failJob(j *job, err error) {
	logger.Warn("uploader job failed", logger.KeyInode, j.key.Inode,
		logger.KeyBlockno, j.key.Blockno, logger.KeyError, err)
	m.completeJob(j, err)
}

// requeue restarts the pipeline for a job whose commit was discarded
// because a newer write raced the in-flight upload, without signaling
// completion to the original caller's Add/JoinOne yet.
func (m *Manager) requeue(j *job) {
	select {
	case m.compressCh <- j:
	case <-m.stopCh:
		m.completeJob(j, fmt.Errorf("uploader: manager closed"))
	}
}

func (m *Manager) enqueueUpload(uj *uploadJob) {
	select {
	case m.uploadCh <- uj:
	case <-m.stopCh:
		m.addTransitBytes(-int64(len(uj.compressed)))
		_ = m.cache.AbortUpload(uj.key)
		m.completeJob(uj.job, fmt.Errorf("uploader: manager closed"))
	}
}

// QueueRemoval enqueues a backend object for asynchronous deletion, e.g.
// after a block's refcount reaches zero.
func (m *Manager) QueueRemoval(objID uint64) {
	m.removalWg.Add(1)
	select {
	case m.removalCh <- objID:
	case <-m.stopCh:
		m.removalWg.Done()
	}
}

// Close stops accepting new work and waits for in-flight jobs to drain.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopCh)
		err = m.JoinAll(ctx)
		m.removalWg.Wait()
		close(m.compressCh)
		close(m.uploadCh)
		close(m.removalCh)
	})
	return err
}

func (m *Manager) addTransitBytes(delta int64) uint64 {
	m.transitMu.Lock()
	defer m.transitMu.Unlock()
	if delta < 0 {
		m.transitBytes -= uint64(-delta)
	} else {
		m.transitBytes += uint64(delta)
	}
	return m.transitBytes
}

func (m *Manager) logTransit(stage string, key blockcache.Key) {
	logger.Debug("uploader stage", logger.KeyStage, stage, logger.KeyInode, key.Inode,
		logger.KeyBlockno, key.Blockno, logger.KeyTransitBytes, m.addTransitBytes(0))
}
