package metastore

import (
	"context"

	"gorm.io/gorm"

	"github.com/blockvault/s3vfs/internal/logger"
)

// MaxInodeBeforeRenumber is the threshold from §4.6/§9: once max_inode
// reaches this value, 32-bit inode consumers downstream of this core can
// no longer represent it, and fsck renumbers the inode space.
const MaxInodeBeforeRenumber = 1 << 31

// RebuildRefcounts recomputes every block and object refcount from the
// inode/inode_blocks graph, the only source of truth §9 allows ("the graph
// lives in the DB"). Deletes block and object rows that have no surviving
// position or block respectively, returning the ids of objects that fsck
// should queue for backend removal.
func (s *Store) RebuildRefcounts(ctx context.Context) ([]uint64, error) {
	var orphanedObjIDs []uint64

	err := s.Transaction(ctx, func(tx *Store) error {
		db := tx.db.WithContext(ctx)

		if err := db.Model(&Block{}).Where("1 = 1").Update("refcount", 0).Error; err != nil {
			return translate(err)
		}
		if err := db.Model(&Object{}).Where("1 = 1").Update("refcount", 0).Error; err != nil {
			return translate(err)
		}

		if err := db.Exec(`
			UPDATE blocks SET refcount = refcount + (
				SELECT COUNT(*) FROM inodes WHERE inodes.block_id = blocks.id
			)`).Error; err != nil {
			return translate(err)
		}
		if err := db.Exec(`
			UPDATE blocks SET refcount = refcount + (
				SELECT COUNT(*) FROM inode_blocks WHERE inode_blocks.block_id = blocks.id
			)`).Error; err != nil {
			return translate(err)
		}

		if err := db.Where("refcount = 0").Delete(&Block{}).Error; err != nil {
			return translate(err)
		}

		if err := db.Exec(`
			UPDATE objects SET refcount = refcount + (
				SELECT COUNT(*) FROM blocks WHERE blocks.obj_id = objects.id
			)`).Error; err != nil {
			return translate(err)
		}

		var orphans []Object
		if err := db.Where("refcount = 0").Find(&orphans).Error; err != nil {
			return translate(err)
		}
		for _, o := range orphans {
			orphanedObjIDs = append(orphanedObjIDs, o.ID)
		}
		if err := db.Where("refcount = 0").Delete(&Object{}).Error; err != nil {
			return translate(err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("refcounts rebuilt", "orphaned_objects", len(orphanedObjIDs))
	return orphanedObjIDs, nil
}

// LiveObjectIDs returns the id of every object row currently in the
// metadata store, used by fsck's orphan sweep to compare against the
// backend's key listing.
func (s *Store) LiveObjectIDs(ctx context.Context) (map[uint64]struct{}, error) {
	var ids []uint64
	if err := s.db.WithContext(ctx).Model(&Object{}).Pluck("id", &ids).Error; err != nil {
		return nil, translate(err)
	}
	set := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// NeedsInodeRenumber reports whether the filesystem's current max_inode has
// reached MaxInodeBeforeRenumber.
func (s *Store) NeedsInodeRenumber(ctx context.Context) (bool, error) {
	p, err := s.Parameters(ctx)
	if err != nil {
		return false, err
	}
	return p.MaxInode >= MaxInodeBeforeRenumber, nil
}

// RenumberInodes compacts the inode id space into a contiguous range
// starting at 1, preserving every inode's content and every reference to
// it (inode_blocks, contents, symlink_targets, ext_attributes). It follows
// the temporary-mapping-table dance of §4.6: a rowid-autoincrement map
// table assigns new ids in old-id order, the live tables are renamed aside,
// fresh tables are created, and every row is reinserted through the map.
// inode_gen is bumped on success so any cached handle keyed by the old id
// is recognized as stale.
func (s *Store) RenumberInodes(ctx context.Context) error {
	return s.Transaction(ctx, func(tx *Store) error {
		db := tx.db.WithContext(ctx)

		if err := db.Exec(`CREATE TEMP TABLE inode_map (rowid INTEGER PRIMARY KEY AUTOINCREMENT, id INTEGER UNIQUE)`).Error; err != nil {
			return translate(err)
		}
		if err := db.Exec(`INSERT INTO inode_map (id) SELECT id FROM inodes ORDER BY id`).Error; err != nil {
			return translate(err)
		}

		for _, stmt := range []string{
			`ALTER TABLE inodes RENAME TO inodes_old`,
			`ALTER TABLE inode_blocks RENAME TO inode_blocks_old`,
			`ALTER TABLE contents RENAME TO contents_old`,
			`ALTER TABLE symlink_targets RENAME TO symlink_targets_old`,
			`ALTER TABLE ext_attributes RENAME TO ext_attributes_old`,
		} {
			if err := db.Exec(stmt).Error; err != nil {
				return translate(err)
			}
		}

		if err := db.AutoMigrate(&Inode{}, &InodeBlock{}, &Contents{}, &SymlinkTarget{}, &ExtAttribute{}); err != nil {
			return translate(err)
		}

		if err := db.Exec(`
			INSERT INTO inodes (id, mode, uid, gid, mtime, atime, ctime, refcount, size, rdev, locked, block_id)
			SELECT im.rowid, o.mode, o.uid, o.gid, o.mtime, o.atime, o.ctime, o.refcount, o.size, o.rdev, o.locked, o.block_id
			FROM inodes_old o JOIN inode_map im ON im.id = o.id`).Error; err != nil {
			return translate(err)
		}
		if err := db.Exec(`
			INSERT INTO inode_blocks (inode, blockno, block_id)
			SELECT im.rowid, o.blockno, o.block_id
			FROM inode_blocks_old o JOIN inode_map im ON im.id = o.inode`).Error; err != nil {
			return translate(err)
		}
		if err := db.Exec(`
			INSERT INTO contents (parent_inode, name_id, inode)
			SELECT pim.rowid, o.name_id, cim.rowid
			FROM contents_old o
			JOIN inode_map pim ON pim.id = o.parent_inode
			JOIN inode_map cim ON cim.id = o.inode`).Error; err != nil {
			return translate(err)
		}
		if err := db.Exec(`
			INSERT INTO symlink_targets (inode, target)
			SELECT im.rowid, o.target
			FROM symlink_targets_old o JOIN inode_map im ON im.id = o.inode`).Error; err != nil {
			return translate(err)
		}
		if err := db.Exec(`
			INSERT INTO ext_attributes (inode, name, value)
			SELECT im.rowid, o.name, o.value
			FROM ext_attributes_old o JOIN inode_map im ON im.id = o.inode`).Error; err != nil {
			return translate(err)
		}

		for _, stmt := range []string{
			`DROP TABLE inodes_old`,
			`DROP TABLE inode_blocks_old`,
			`DROP TABLE contents_old`,
			`DROP TABLE symlink_targets_old`,
			`DROP TABLE ext_attributes_old`,
			`DROP TABLE inode_map`,
		} {
			if err := db.Exec(stmt).Error; err != nil {
				return translate(err)
			}
		}

		var newMax uint64
		if err := db.Raw(`SELECT COALESCE(MAX(id), 0) FROM inodes`).Scan(&newMax).Error; err != nil {
			return translate(err)
		}
		if err := db.Model(&Parameters{}).Where("id = 1").Updates(map[string]any{
			"max_inode": newMax,
			"inode_gen": gorm.Expr("inode_gen + 1"),
		}).Error; err != nil {
			return translate(err)
		}

		logger.Info("inodes renumbered", "new_max_inode", newMax)
		return nil
	})
}
