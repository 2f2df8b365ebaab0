package metastore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/blockvault/s3vfs/internal/logger"
)

// dumpTables names the on-wire table markers in a dump stream, in the same
// dependency order as AllModels so Restore can replay them without
// violating a foreign key.
var dumpTables = []string{
	"parameters", "names", "objects", "blocks", "inodes",
	"inode_blocks", "contents", "symlink_targets", "ext_attributes",
}

// newRow returns a fresh pointer to the row type for a table name, used by
// Restore to unmarshal each line before inserting it.
func newRow(table string) (any, error) {
	switch table {
	case "parameters":
		return &Parameters{}, nil
	case "names":
		return &Name{}, nil
	case "objects":
		return &Object{}, nil
	case "blocks":
		return &Block{}, nil
	case "inodes":
		return &Inode{}, nil
	case "inode_blocks":
		return &InodeBlock{}, nil
	case "contents":
		return &Contents{}, nil
	case "symlink_targets":
		return &SymlinkTarget{}, nil
	case "ext_attributes":
		return &ExtAttribute{}, nil
	default:
		return nil, fmt.Errorf("unknown dump table %q", table)
	}
}

// rowsOf returns every row of a table ordered by primary key, for
// deterministic dump output.
func (s *Store) rowsOf(ctx context.Context, table string) ([]any, error) {
	model, err := newRow(table)
	if err != nil {
		return nil, err
	}

	// Reflect through a slice of the same underlying model type via gorm's
	// generic Find into []map[string]any would lose typing; instead dump
	// each concrete type directly.
	switch m := model.(type) {
	case *Parameters:
		var rows []Parameters
		if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
			return nil, translate(err)
		}
		return toAny(rows), nil
	case *Name:
		var rows []Name
		if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
			return nil, translate(err)
		}
		return toAny(rows), nil
	case *Object:
		var rows []Object
		if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
			return nil, translate(err)
		}
		return toAny(rows), nil
	case *Block:
		var rows []Block
		if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
			return nil, translate(err)
		}
		return toAny(rows), nil
	case *Inode:
		var rows []Inode
		if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
			return nil, translate(err)
		}
		return toAny(rows), nil
	case *InodeBlock:
		var rows []InodeBlock
		if err := s.db.WithContext(ctx).Order("inode, blockno").Find(&rows).Error; err != nil {
			return nil, translate(err)
		}
		return toAny(rows), nil
	case *Contents:
		var rows []Contents
		if err := s.db.WithContext(ctx).Order("parent_inode, name_id").Find(&rows).Error; err != nil {
			return nil, translate(err)
		}
		return toAny(rows), nil
	case *SymlinkTarget:
		var rows []SymlinkTarget
		if err := s.db.WithContext(ctx).Order("inode").Find(&rows).Error; err != nil {
			return nil, translate(err)
		}
		return toAny(rows), nil
	case *ExtAttribute:
		var rows []ExtAttribute
		if err := s.db.WithContext(ctx).Order("inode, name").Find(&rows).Error; err != nil {
			return nil, translate(err)
		}
		return toAny(rows), nil
	default:
		_ = m
		return nil, fmt.Errorf("unhandled dump table %q", table)
	}
}

func toAny[T any](rows []T) []any {
	out := make([]any, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out
}

// Dump serializes the entire metadata database as a zstd-compressed,
// newline-delimited stream: one "@table" marker line followed by one JSON
// line per row, ordered by primary key, repeated per table in dumpTables
// order. This is the payload uploaded as the `s3ql_metadata` backend
// object and cycled through the `s3ql_metadata_bak_<n>` generations
// described in SPEC_FULL.md §4.6.
func (s *Store) Dump(ctx context.Context, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("open zstd writer: %w", err)
	}
	bw := bufio.NewWriter(zw)

	rowCount := 0
	for _, table := range dumpTables {
		rows, err := s.rowsOf(ctx, table)
		if err != nil {
			return fmt.Errorf("dump table %s: %w", table, err)
		}
		if _, err := fmt.Fprintf(bw, "@%s\n", table); err != nil {
			return err
		}
		for _, row := range rows {
			line, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("marshal %s row: %w", table, err)
			}
			if _, err := bw.Write(line); err != nil {
				return err
			}
			if err := bw.WriteByte('\n'); err != nil {
				return err
			}
			rowCount++
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush dump buffer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	logger.Info("metadata dump complete", "tables", len(dumpTables), logger.KeySize, rowCount)
	return nil
}

// Restore replaces the contents of every table with rows decoded from a
// stream produced by Dump. It runs inside a single transaction so a
// truncated or corrupt stream leaves the existing database untouched.
func (s *Store) Restore(ctx context.Context, r io.Reader) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("open zstd reader: %w", err)
	}
	defer zr.Close()

	return s.Transaction(ctx, func(tx *Store) error {
		// Clear in reverse dependency order so a child table is always
		// emptied before the parent it references.
		for i := len(dumpTables) - 1; i >= 0; i-- {
			if err := tx.db.Where("1 = 1").Delete(mustNewRow(dumpTables[i])).Error; err != nil {
				return translate(err)
			}
		}

		sc := bufio.NewScanner(zr)
		sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

		var current string
		rowCount := 0
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			if line[0] == '@' {
				current = string(line[1:])
				continue
			}
			if current == "" {
				return Corrupt("dump stream has row data before a table marker", nil)
			}

			row, err := newRow(current)
			if err != nil {
				return Corrupt(err.Error(), nil)
			}
			if err := json.Unmarshal(line, row); err != nil {
				return Corrupt(fmt.Sprintf("decode %s row", current), err)
			}
			if err := tx.db.Create(row).Error; err != nil {
				return translate(err)
			}
			rowCount++
		}
		if err := sc.Err(); err != nil {
			return Corrupt("dump stream read failed", err)
		}
		logger.Info("metadata restore complete", logger.KeySize, rowCount)
		return nil
	})
}

func mustNewRow(table string) any {
	row, err := newRow(table)
	if err != nil {
		panic(err)
	}
	return row
}
