package metastore

import (
	"context"
	"time"
)

// Parameters returns the filesystem-wide singleton row.
func (s *Store) Parameters(ctx context.Context) (*Parameters, error) {
	var p Parameters
	if err := s.db.WithContext(ctx).First(&p, "id = 1").Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// SetSeqNo records the commit-protocol sequence number reached by the most
// recent successful unmount, per §4.6.
func (s *Store) SetSeqNo(ctx context.Context, seqNo uint64) error {
	return translate(s.db.WithContext(ctx).Model(&Parameters{}).Where("id = 1").
		Update("seq_no", seqNo).Error)
}

// SetNeedsFsck flags (or clears) the filesystem's needs_fsck bit. Set on a
// detected sequence-number mismatch or invariant violation; cleared by a
// clean unmount or a successful fsck pass.
func (s *Store) SetNeedsFsck(ctx context.Context, needs bool) error {
	return translate(s.db.WithContext(ctx).Model(&Parameters{}).Where("id = 1").
		Update("needs_fsck", needs).Error)
}

// RecordFsck stamps last_fsck with the current time, called after a
// completed fsck pass regardless of whether it found anything to repair.
func (s *Store) RecordFsck(ctx context.Context, at time.Time) error {
	return translate(s.db.WithContext(ctx).Model(&Parameters{}).Where("id = 1").
		Update("last_fsck", at).Error)
}

// TouchLastModified stamps last_modified with the current time, called on
// every successful unmount.
func (s *Store) TouchLastModified(ctx context.Context, at time.Time) error {
	return translate(s.db.WithContext(ctx).Model(&Parameters{}).Where("id = 1").
		Update("last_modified", at).Error)
}

// SetLabel sets the filesystem's human-readable label, used by mkfs's -L
// flag.
func (s *Store) SetLabel(ctx context.Context, label string) error {
	return translate(s.db.WithContext(ctx).Model(&Parameters{}).Where("id = 1").
		Update("label", label).Error)
}

// SetBlocksize records the fixed block size chosen at mkfs time.
func (s *Store) SetBlocksize(ctx context.Context, blocksize uint32) error {
	return translate(s.db.WithContext(ctx).Model(&Parameters{}).Where("id = 1").
		Update("blocksize", blocksize).Error)
}
