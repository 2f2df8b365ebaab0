package metastore

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// internName finds or creates the interned row for value and increments
// its refcount.
func (s *Store) internName(ctx context.Context, value string) (uint64, error) {
	var n Name
	err := s.db.WithContext(ctx).Where("value = ?", value).First(&n).Error
	switch {
	case err == nil:
		if err := s.db.WithContext(ctx).Model(&Name{}).Where("id = ?", n.ID).
			Update("refcount", gorm.Expr("refcount + 1")).Error; err != nil {
			return 0, translate(err)
		}
		return n.ID, nil
	case IsKind(translate(err), KindNotFound):
		n = Name{Value: value, Refcount: 1}
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "value"}},
			DoUpdates: clause.Assignments(map[string]any{"refcount": gorm.Expr("names.refcount + 1")}),
		}).Create(&n).Error; err != nil {
			return 0, translate(err)
		}
		return n.ID, nil
	default:
		return 0, translate(err)
	}
}

// releaseName decrements an interned name's refcount and deletes it when
// it reaches zero.
func (s *Store) releaseName(ctx context.Context, nameID uint64) error {
	var n Name
	if err := s.db.WithContext(ctx).First(&n, "id = ?", nameID).Error; err != nil {
		return translate(err)
	}
	if n.Refcount > 1 {
		return translate(s.db.WithContext(ctx).Model(&Name{}).Where("id = ?", nameID).
			Update("refcount", gorm.Expr("refcount - 1")).Error)
	}
	return translate(s.db.WithContext(ctx).Delete(&Name{}, "id = ?", nameID).Error)
}

// Link creates a directory entry (parentInode, name) -> inode and
// increments the target inode's refcount, maintaining the invariant that
// an inode's refcount equals the number of contents rows pointing at it.
func (s *Store) Link(ctx context.Context, parentInode uint64, name string, inode uint64) error {
	nameID, err := s.internName(ctx, name)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&Contents{
		ParentInode: parentInode, NameID: nameID, Inode: inode,
	}).Error; err != nil {
		return translate(err)
	}
	return s.AdjustInodeRefcount(ctx, inode, 1)
}

// Unlink removes a directory entry and decrements the target inode's
// refcount. It returns the inode's refcount after the decrement so the
// caller can decide whether to release the inode's blocks.
func (s *Store) Unlink(ctx context.Context, parentInode uint64, name string) (inode uint64, remainingRefcount uint32, err error) {
	var n Name
	if err := s.db.WithContext(ctx).Where("value = ?", name).First(&n).Error; err != nil {
		return 0, 0, translate(err)
	}

	var c Contents
	if err := s.db.WithContext(ctx).Where("parent_inode = ? AND name_id = ?", parentInode, n.ID).
		First(&c).Error; err != nil {
		return 0, 0, translate(err)
	}

	if err := s.db.WithContext(ctx).
		Where("parent_inode = ? AND name_id = ?", parentInode, n.ID).
		Delete(&Contents{}).Error; err != nil {
		return 0, 0, translate(err)
	}
	if err := s.releaseName(ctx, n.ID); err != nil {
		return 0, 0, err
	}
	if err := s.AdjustInodeRefcount(ctx, c.Inode, -1); err != nil {
		return 0, 0, err
	}

	ino, err := s.GetInode(ctx, c.Inode)
	if err != nil {
		return 0, 0, err
	}
	return c.Inode, ino.Refcount, nil
}

// Lookup resolves a directory entry to an inode id.
func (s *Store) Lookup(ctx context.Context, parentInode uint64, name string) (uint64, error) {
	var n Name
	if err := s.db.WithContext(ctx).Where("value = ?", name).First(&n).Error; err != nil {
		return 0, translate(err)
	}
	var c Contents
	if err := s.db.WithContext(ctx).Where("parent_inode = ? AND name_id = ?", parentInode, n.ID).
		First(&c).Error; err != nil {
		return 0, translate(err)
	}
	return c.Inode, nil
}

// direntRow is a joined (name, inode) pair for directory listing.
type direntRow struct {
	Name  string
	Inode uint64
}

// Readdir lists every entry of a directory inode.
func (s *Store) Readdir(ctx context.Context, parentInode uint64) ([]direntRow, error) {
	var rows []direntRow
	err := s.db.WithContext(ctx).Table("contents").
		Select("names.value as name, contents.inode as inode").
		Joins("join names on names.id = contents.name_id").
		Where("contents.parent_inode = ?", parentInode).
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	return rows, nil
}
