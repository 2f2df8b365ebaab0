package metastore

import "gorm.io/gorm/clause"

// onConflictUpdateBlockID upserts an inode_blocks row, replacing BlockID
// when (inode, blockno) already has an entry. Used by BindPosition: the
// caller has already unbound whatever was there via UnbindPosition in the
// common path, but fsck repair rebinds positions directly and relies on
// this upsert instead.
func onConflictUpdateBlockID() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "inode"}, {Name: "blockno"}},
		DoUpdates: clause.AssignmentColumns([]string{"block_id"}),
	}
}

// clauseUpsertSymlink upserts the single symlink_targets row for an inode.
func clauseUpsertSymlink() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "inode"}},
		DoUpdates: clause.AssignmentColumns([]string{"target"}),
	}
}

// clauseUpsertExtAttr upserts one (inode, name) extended attribute row.
func clauseUpsertExtAttr() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "inode"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}
}
