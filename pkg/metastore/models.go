package metastore

import "time"

// HashSize is the width of a block's content hash in bytes (SHA-256).
const HashSize = 32

// Hash is a fixed-width cryptographic content hash.
type Hash [HashSize]byte

// InlineBlockno is the blockno stored on the inode itself rather than in
// inode_blocks, chosen per the convention fixed in DESIGN.md: the inline
// slot always represents blockno 0 of a regular file.
const InlineBlockno = 0

// Inode is a POSIX-style metadata record for one filesystem entity.
//
// Refcount equals the number of Contents rows pointing at this inode.
// BlockID is the inline slot for blockno 0 of every regular file,
// whatever its size; blocks 1 and up use InodeBlock rows.
type Inode struct {
	ID        uint64 `gorm:"primaryKey"`
	Mode      uint32
	UID       uint32
	GID       uint32
	Mtime     time.Time
	Atime     time.Time
	Ctime     time.Time
	Refcount  uint32
	Size      uint64
	Rdev      uint64
	Locked    bool
	BlockID   *uint64 `gorm:"index"` // inline slot for blockno 0, nil if unset
}

func (Inode) TableName() string { return "inodes" }

// InodeBlock maps (inode, blockno) to a block for every blockno other than
// 0, which always lives in the inode's inline slot.
type InodeBlock struct {
	Inode   uint64 `gorm:"primaryKey;autoIncrement:false"`
	Blockno uint64 `gorm:"primaryKey;autoIncrement:false"`
	BlockID uint64 `gorm:"index"`
}

func (InodeBlock) TableName() string { return "inode_blocks" }

// Block is the content-addressed deduplication unit. Two blocks never
// share a Hash; Refcount is the number of inode positions (inline slots
// and InodeBlock rows combined) that reference this block.
type Block struct {
	ID       uint64 `gorm:"primaryKey"`
	Refcount uint32
	Hash     []byte `gorm:"uniqueIndex;size:32;not null"`
	ObjID    uint64 `gorm:"index"`
}

func (Block) TableName() string { return "blocks" }

// Object is the backend storage unit a Block's payload lives in. It maps
// 1:1 to the backend key `s3ql_data_<ID>` once the upload completes.
// CompressedSize is nil until the compress stage has run.
type Object struct {
	ID               uint64 `gorm:"primaryKey"`
	Refcount         uint32
	UncompressedSize uint64
	CompressedSize   *uint64
}

func (Object) TableName() string { return "objects" }

// Name interns a directory-entry string so Contents rows reference a
// small integer instead of repeating the string per entry.
type Name struct {
	ID       uint64 `gorm:"primaryKey"`
	Value    string `gorm:"uniqueIndex;not null"`
	Refcount uint32
}

func (Name) TableName() string { return "names" }

// Contents is a directory entry: (parent inode, name) -> inode.
type Contents struct {
	ParentInode uint64 `gorm:"primaryKey;autoIncrement:false"`
	NameID      uint64 `gorm:"primaryKey;autoIncrement:false"`
	Inode       uint64 `gorm:"index"`
}

func (Contents) TableName() string { return "contents" }

// SymlinkTarget holds the payload of a symlink inode.
type SymlinkTarget struct {
	Inode  uint64 `gorm:"primaryKey;autoIncrement:false"`
	Target string `gorm:"not null"`
}

func (SymlinkTarget) TableName() string { return "symlink_targets" }

// ExtAttribute holds one extended attribute of an inode.
type ExtAttribute struct {
	Inode uint64 `gorm:"primaryKey;autoIncrement:false"`
	Name  string `gorm:"primaryKey;autoIncrement:false"`
	Value []byte
}

func (ExtAttribute) TableName() string { return "ext_attributes" }

// Parameters is the filesystem-wide singleton row. Revision distinguishes
// incompatible on-disk schema changes; SeqNo is the commit-protocol epoch
// described in §4.6.
type Parameters struct {
	ID           uint8 `gorm:"primaryKey"` // always 1, enforces singleton
	Revision     uint32
	SeqNo        uint64
	Label        string
	Blocksize    uint32
	NeedsFsck    bool
	LastFsck     time.Time
	LastModified time.Time
	MaxInode     uint64
	InodeGen     uint32
}

func (Parameters) TableName() string { return "parameters" }

// AllModels lists every table for AutoMigrate and for the dump/restore
// codec, in dependency order: a table only references tables that appear
// before it, so restoring in this order never violates a foreign key.
func AllModels() []any {
	return []any{
		&Parameters{},
		&Name{},
		&Object{},
		&Block{},
		&Inode{},
		&InodeBlock{},
		&Contents{},
		&SymlinkTarget{},
		&ExtAttribute{},
	}
}
