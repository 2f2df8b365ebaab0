package metastore

import (
	"context"
	"crypto/sha256"
	"fmt"

	"gorm.io/gorm"

	"github.com/blockvault/s3vfs/internal/logger"
)

// HashBytes returns the SHA-256 of the given uncompressed block content,
// the binding fixed by §3: "A block's content hash equals the SHA-256 of
// the logical uncompressed block bytes."
func HashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

// LookupBlockByHash returns the block row with the given content hash, or
// a KindNotFound *Error if no block has ever been created for it.
func (s *Store) LookupBlockByHash(ctx context.Context, hash Hash) (*Block, error) {
	var b Block
	err := s.db.WithContext(ctx).Where("hash = ?", hash[:]).First(&b).Error
	if err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

// BlockAt resolves the block currently bound to (inode, blockno), checking
// the inline slot for blockno 0 before falling back to inode_blocks, per
// the convention fixed in DESIGN.md.
func (s *Store) BlockAt(ctx context.Context, inode uint64, blockno uint64) (*uint64, error) {
	if blockno == InlineBlockno {
		var ino Inode
		if err := s.db.WithContext(ctx).Select("block_id").First(&ino, "id = ?", inode).Error; err != nil {
			return nil, translate(err)
		}
		return ino.BlockID, nil
	}

	var ib InodeBlock
	err := s.db.WithContext(ctx).Where("inode = ? AND blockno = ?", inode, blockno).First(&ib).Error
	if err != nil {
		if IsKind(translate(err), KindNotFound) {
			return nil, nil
		}
		return nil, translate(err)
	}
	return &ib.BlockID, nil
}

// BlockByID loads a single block row.
func (s *Store) BlockByID(ctx context.Context, id uint64) (*Block, error) {
	var b Block
	if err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

// ObjectByID loads a single object row.
func (s *Store) ObjectByID(ctx context.Context, id uint64) (*Object, error) {
	var o Object
	if err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &o, nil
}

// CreateBlockAndObject inserts a new object row (refcount 1, size
// uncompressedSize) and a new block row (refcount 0, bound to that
// object) for a content hash never seen before. The caller binds the
// block to a position afterward, which brings its refcount to 1 — this
// split keeps CreateBlockAndObject reusable from both the write path and
// fsck repair.
func (s *Store) CreateBlockAndObject(ctx context.Context, hash Hash, uncompressedSize uint64) (*Block, *Object, error) {
	obj := &Object{Refcount: 1, UncompressedSize: uncompressedSize}
	if err := s.db.WithContext(ctx).Create(obj).Error; err != nil {
		return nil, nil, translate(err)
	}

	blk := &Block{Hash: hash[:], ObjID: obj.ID, Refcount: 0}
	if err := s.db.WithContext(ctx).Create(blk).Error; err != nil {
		return nil, nil, translate(err)
	}
	return blk, obj, nil
}

// BindPosition points (inode, blockno) at blockID and increments the
// block's refcount. It does not touch whatever block was previously
// bound there; call UnbindPosition first if one exists.
func (s *Store) BindPosition(ctx context.Context, inode uint64, blockno uint64, blockID uint64) error {
	if blockno == InlineBlockno {
		if err := s.db.WithContext(ctx).Model(&Inode{}).Where("id = ?", inode).
			Update("block_id", blockID).Error; err != nil {
			return translate(err)
		}
	} else {
		ib := InodeBlock{Inode: inode, Blockno: blockno, BlockID: blockID}
		if err := s.db.WithContext(ctx).
			Clauses(onConflictUpdateBlockID()).
			Create(&ib).Error; err != nil {
			return translate(err)
		}
	}
	return s.adjustBlockRefcount(ctx, blockID, 1)
}

// UnbindPosition clears whatever block is bound at (inode, blockno) and
// releases it (decrementing its refcount, cascading to the object when
// the block's refcount reaches zero). It returns the id of the object
// that should be queued for backend removal, or nil if none became
// orphaned.
func (s *Store) UnbindPosition(ctx context.Context, inode uint64, blockno uint64) (orphanedObjID *uint64, err error) {
	prev, err := s.BlockAt(ctx, inode, blockno)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, nil
	}

	if blockno == InlineBlockno {
		if err := s.db.WithContext(ctx).Model(&Inode{}).Where("id = ?", inode).
			Update("block_id", nil).Error; err != nil {
			return nil, translate(err)
		}
	} else {
		if err := s.db.WithContext(ctx).
			Where("inode = ? AND blockno = ?", inode, blockno).
			Delete(&InodeBlock{}).Error; err != nil {
			return nil, translate(err)
		}
	}

	return s.ReleaseBlock(ctx, *prev)
}

// ReleaseBlock decrements a block's refcount. If it reaches zero the block
// row is deleted and its object's refcount is decremented in turn; if the
// object's refcount also reaches zero, the object row is deleted and its
// id is returned so the caller can enqueue the backend object for
// removal.
func (s *Store) ReleaseBlock(ctx context.Context, blockID uint64) (orphanedObjID *uint64, err error) {
	var blk Block
	if err := s.db.WithContext(ctx).First(&blk, "id = ?", blockID).Error; err != nil {
		return nil, translate(err)
	}

	if err := s.adjustBlockRefcount(ctx, blockID, -1); err != nil {
		return nil, err
	}

	if blk.Refcount > 1 {
		return nil, nil
	}
	// Refcount was 1 (about to become 0): delete the block row and cascade.
	if err := s.db.WithContext(ctx).Delete(&Block{}, "id = ?", blockID).Error; err != nil {
		return nil, translate(err)
	}
	logger.Debug("block released", logger.KeyBlockID, blockID, logger.KeyHash, fmt.Sprintf("%x", blk.Hash))

	return s.releaseObject(ctx, blk.ObjID)
}

// DiscardUnboundBlock removes a block row created by CreateBlockAndObject
// that was never bound to any position — e.g. an upload failed before
// BindPosition ran. The block's refcount must still be zero; it is
// deleted unconditionally and its object is released in turn.
func (s *Store) DiscardUnboundBlock(ctx context.Context, blockID uint64) (orphanedObjID *uint64, err error) {
	var blk Block
	if err := s.db.WithContext(ctx).First(&blk, "id = ?", blockID).Error; err != nil {
		return nil, translate(err)
	}
	if blk.Refcount != 0 {
		return nil, InvariantViolated(fmt.Sprintf("DiscardUnboundBlock: block %d has refcount %d, expected 0", blockID, blk.Refcount))
	}
	if err := s.db.WithContext(ctx).Delete(&Block{}, "id = ?", blockID).Error; err != nil {
		return nil, translate(err)
	}
	return s.releaseObject(ctx, blk.ObjID)
}

// releaseObject decrements an object's refcount and deletes the row when
// it reaches zero, returning the id so the caller enqueues backend
// removal.
func (s *Store) releaseObject(ctx context.Context, objID uint64) (*uint64, error) {
	var obj Object
	if err := s.db.WithContext(ctx).First(&obj, "id = ?", objID).Error; err != nil {
		return nil, translate(err)
	}

	if obj.Refcount > 1 {
		if err := s.db.WithContext(ctx).Model(&Object{}).Where("id = ?", objID).
			Update("refcount", gorm.Expr("refcount - 1")).Error; err != nil {
			return nil, translate(err)
		}
		return nil, nil
	}

	if err := s.db.WithContext(ctx).Delete(&Object{}, "id = ?", objID).Error; err != nil {
		return nil, translate(err)
	}
	logger.Debug("object orphaned, queued for backend removal", logger.KeyObjectID, objID)
	id := objID
	return &id, nil
}

func (s *Store) adjustBlockRefcount(ctx context.Context, blockID uint64, delta int) error {
	expr := "refcount + ?"
	return translate(s.db.WithContext(ctx).Model(&Block{}).Where("id = ?", blockID).
		Update("refcount", gorm.Expr(expr, delta)).Error)
}

// SetCompressedSize records the compressed size of an object once the
// compress stage has finished, per §4.5.
func (s *Store) SetCompressedSize(ctx context.Context, objID uint64, size uint64) error {
	return translate(s.db.WithContext(ctx).Model(&Object{}).Where("id = ?", objID).
		Update("compressed_size", size).Error)
}
