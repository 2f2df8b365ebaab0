// Package metastore is the local embedded SQL metadata database for the
// block management core: the inode/block/object/contents schema of
// SPEC_FULL.md §3, transactional access, and the dump/restore codec used
// to cycle metadata through the backend.
package metastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/blockvault/s3vfs/internal/logger"
)

// Store wraps a single-threaded SQLite connection with the schema of
// SPEC_FULL.md §3. Callers serialize access through the global FsState
// lock described in §5; Store itself does no additional locking.
type Store struct {
	db   *gorm.DB
	path string
}

// Open creates or opens the metadata database at path and ensures the
// schema exists. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("migrate metadata schema: %w", err)
	}

	s := &Store{db: db, path: path}

	var count int64
	if err := s.db.Model(&Parameters{}).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("count parameters: %w", err)
	}
	if count == 0 {
		if err := s.db.Create(&Parameters{ID: 1, Revision: 1, Blocksize: 131072}).Error; err != nil {
			return nil, fmt.Errorf("seed parameters: %w", err)
		}
	}

	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Path returns the filesystem path the store was opened from.
func (s *Store) Path() string { return s.path }

// DB exposes the raw *gorm.DB for packages (fsck, dump) that need
// table-level operations this package does not wrap. Callers must still
// respect the single global lock.
func (s *Store) DB() *gorm.DB { return s.db }

// Transaction runs fn inside a single SQL transaction, translating gorm's
// generic errors into the tagged Kind taxonomy. fn receives a *Store bound
// to the transaction; nested calls to Store methods inside fn use that
// transaction, not the outer connection.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&Store{db: gtx, path: s.path})
	})
	if err == nil {
		return nil
	}
	return translate(err)
}

// IntegrityCheck runs the backend's structural check (PRAGMA
// integrity_check for SQLite) and reports KindCorrupt if it fails.
func (s *Store) IntegrityCheck(ctx context.Context) error {
	var rows []string
	if err := s.db.WithContext(ctx).Raw("PRAGMA integrity_check").Scan(&rows).Error; err != nil {
		return Corrupt("integrity_check query failed", err)
	}
	if len(rows) != 1 || rows[0] != "ok" {
		logger.Error("metadata integrity check failed", "result", rows)
		return Corrupt(fmt.Sprintf("integrity_check reported %v", rows), nil)
	}
	return nil
}

// translate maps gorm/sqlite sentinel errors onto the Kind taxonomy so
// callers never need to inspect driver-specific error strings.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NoSuchRow(err.Error())
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated) {
		return ConstraintViolation("constraint violated", err)
	}
	return Transient("store operation failed", err)
}
