package metastore

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// NewInode allocates the next inode id from the parameters singleton and
// inserts a row with refcount 0 (the caller links it into a directory
// immediately afterward, which brings refcount to 1).
func (s *Store) NewInode(ctx context.Context, mode, uid, gid uint32, rdev uint64) (*Inode, error) {
	var params Parameters
	if err := s.db.WithContext(ctx).First(&params, "id = 1").Error; err != nil {
		return nil, translate(err)
	}

	id := params.MaxInode + 1
	now := time.Now()
	ino := &Inode{
		ID: id, Mode: mode, UID: uid, GID: gid, Rdev: rdev,
		Mtime: now, Atime: now, Ctime: now,
	}
	if err := s.db.WithContext(ctx).Create(ino).Error; err != nil {
		return nil, translate(err)
	}

	if err := s.db.WithContext(ctx).Model(&Parameters{}).Where("id = 1").
		Update("max_inode", id).Error; err != nil {
		return nil, translate(err)
	}
	return ino, nil
}

// GetInode loads a single inode row.
func (s *Store) GetInode(ctx context.Context, id uint64) (*Inode, error) {
	var ino Inode
	if err := s.db.WithContext(ctx).First(&ino, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &ino, nil
}

// AdjustInodeRefcount changes an inode's refcount by delta (positive on
// link, negative on unlink). It does not delete the row at refcount 0 —
// callers must follow up with a truncate-to-zero and DeleteInode, since an
// inode at refcount 0 may still be open by a live file descriptor.
func (s *Store) AdjustInodeRefcount(ctx context.Context, id uint64, delta int) error {
	return translate(s.db.WithContext(ctx).Model(&Inode{}).Where("id = ?", id).
		Update("refcount", gorm.Expr("refcount + ?", delta)).Error)
}

// SetInodeSize updates an inode's logical size, e.g. after a write past
// the previous end-of-file or a truncate.
func (s *Store) SetInodeSize(ctx context.Context, id uint64, size uint64) error {
	return translate(s.db.WithContext(ctx).Model(&Inode{}).Where("id = ?", id).
		Update("size", size).Error)
}

// TouchInode updates mtime/ctime (and atime, if bumpAtime) to now.
func (s *Store) TouchInode(ctx context.Context, id uint64, bumpAtime bool) error {
	now := time.Now()
	updates := map[string]any{"mtime": now, "ctime": now}
	if bumpAtime {
		updates["atime"] = now
	}
	return translate(s.db.WithContext(ctx).Model(&Inode{}).Where("id = ?", id).
		Updates(updates).Error)
}

// DeleteInode removes an inode row together with its inode_blocks,
// symlink target and extended-attribute rows. It does not release block
// refcounts: callers must have already released every block position
// (inline and inode_blocks) bound to it, matching the rest of this
// package's pattern of explicit, auditable refcount steps.
func (s *Store) DeleteInode(ctx context.Context, id uint64) error {
	if err := s.db.WithContext(ctx).Where("inode = ?", id).Delete(&InodeBlock{}).Error; err != nil {
		return translate(err)
	}
	if err := s.db.WithContext(ctx).Where("inode = ?", id).Delete(&SymlinkTarget{}).Error; err != nil {
		return translate(err)
	}
	if err := s.db.WithContext(ctx).Where("inode = ?", id).Delete(&ExtAttribute{}).Error; err != nil {
		return translate(err)
	}
	return translate(s.db.WithContext(ctx).Delete(&Inode{}, "id = ?", id).Error)
}

// SetSymlinkTarget records the payload of a symlink inode.
func (s *Store) SetSymlinkTarget(ctx context.Context, inode uint64, target string) error {
	return translate(s.db.WithContext(ctx).
		Clauses(clauseUpsertSymlink()).
		Create(&SymlinkTarget{Inode: inode, Target: target}).Error)
}

// SymlinkTargetOf returns the payload of a symlink inode.
func (s *Store) SymlinkTargetOf(ctx context.Context, inode uint64) (string, error) {
	var st SymlinkTarget
	if err := s.db.WithContext(ctx).First(&st, "inode = ?", inode).Error; err != nil {
		return "", translate(err)
	}
	return st.Target, nil
}

// SetExtAttribute upserts one extended attribute.
func (s *Store) SetExtAttribute(ctx context.Context, inode uint64, name string, value []byte) error {
	return translate(s.db.WithContext(ctx).
		Clauses(clauseUpsertExtAttr()).
		Create(&ExtAttribute{Inode: inode, Name: name, Value: value}).Error)
}

// ExtAttributes returns every extended attribute of an inode.
func (s *Store) ExtAttributes(ctx context.Context, inode uint64) ([]ExtAttribute, error) {
	var attrs []ExtAttribute
	if err := s.db.WithContext(ctx).Where("inode = ?", inode).Find(&attrs).Error; err != nil {
		return nil, translate(err)
	}
	return attrs, nil
}

// RemoveExtAttribute deletes one extended attribute.
func (s *Store) RemoveExtAttribute(ctx context.Context, inode uint64, name string) error {
	return translate(s.db.WithContext(ctx).
		Where("inode = ? AND name = ?", inode, name).Delete(&ExtAttribute{}).Error)
}
