package uploader

import (
	"context"
	"time"

	"github.com/blockvault/s3vfs/internal/logger"
)

func (m *Manager) removalWorker() {
	for objID := range m.removalCh {
		m.runRemoval(objID)
	}
}

// runRemoval deletes an orphaned object's backend key, retrying with
// exponential backoff (200ms base, doubling, capped at half of
// RemovalRetryTimeout) for as long as RemovalRetryTimeout allows. A
// removal that never succeeds leaves the backend key in place for fsck's
// orphan sweep to find later — it is not a correctness problem, only
// wasted space until the next fsck.
func (m *Manager) runRemoval(objID uint64) {
	defer m.removalWg.Done()

	key := DataKey(objID)
	deadline := time.Now().Add(m.cfg.RemovalRetryTimeout)
	backoff := 200 * time.Millisecond
	maxBackoff := m.cfg.RemovalRetryTimeout / 2

	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := m.backend.Delete(ctx, key)
		cancel()
		if err == nil {
			logger.Debug("orphaned object removed", logger.KeyObjectID, objID, logger.KeyAttempt, attempt)
			return
		}

		if time.Now().After(deadline) {
			logger.Warn("giving up on orphaned object removal, leaving for fsck",
				logger.KeyObjectID, objID, logger.KeyAttempt, attempt, logger.KeyError, err)
			return
		}

		logger.Debug("retrying orphaned object removal", logger.KeyObjectID, objID,
			logger.KeyAttempt, attempt, logger.KeyError, err)
		time.Sleep(backoff)
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
