// Copyright 2024 StackFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"stackfs/internal/common"
)

// BunDB wraps a Bun database instance for type-safe queries.
//
// Every query takes a bun.IDB so the same helper serves both plain reads
// and statements running inside a transaction.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	return &BunDB{DB: bun.NewDB(sqlDB, sqlitedialect.New())}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrNotFound
	}
	return err
}

// --- Inode Operations ---

// GetInodeWith retrieves one inode.
func (db *BunDB) GetInodeWith(idb bun.IDB, ctx context.Context, ino int64) (*InodeModel, error) {
	var inode InodeModel
	err := idb.NewSelect().
		Model(&inode).
		Where("ino = ?", ino).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return &inode, nil
}

// InsertInodeWith inserts a new inode and stores the allocated number in m.Ino.
func (db *BunDB) InsertInodeWith(idb bun.IDB, ctx context.Context, m *InodeModel) error {
	return idb.NewRaw(`
		INSERT INTO inodes (mode, uid, gid, rdev, size, atime, mtime, ctime, nlink, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ino
	`, m.Mode, m.UID, m.GID, m.Rdev, m.Size, m.Atime, m.Mtime, m.Ctime, m.Nlink, m.Flags).Scan(ctx, &m.Ino)
}

// UpdateInodeWith writes every column of m back.
func (db *BunDB) UpdateInodeWith(idb bun.IDB, ctx context.Context, m *InodeModel) error {
	_, err := idb.NewUpdate().Model(m).WherePK().Exec(ctx)
	return err
}

// DeleteInodeWith removes an inode together with its content and symlink rows.
func (db *BunDB) DeleteInodeWith(idb bun.IDB, ctx context.Context, ino int64) error {
	if _, err := idb.NewDelete().Model((*ContentModel)(nil)).Where("ino = ?", ino).Exec(ctx); err != nil {
		return err
	}
	if _, err := idb.NewDelete().Model((*SymlinkModel)(nil)).Where("ino = ?", ino).Exec(ctx); err != nil {
		return err
	}
	_, err := idb.NewDelete().Model((*InodeModel)(nil)).Where("ino = ?", ino).Exec(ctx)
	return err
}

// CountInodes returns the number of live inodes.
func (db *BunDB) CountInodes(ctx context.Context) (int64, error) {
	n, err := db.NewSelect().Model((*InodeModel)(nil)).Count(ctx)
	return int64(n), err
}

// --- Dentry Operations ---

// GetDentryWith retrieves a directory entry.
func (db *BunDB) GetDentryWith(idb bun.IDB, ctx context.Context, parentIno int64, name string) (*DentryModel, error) {
	var dentry DentryModel
	err := idb.NewSelect().
		Model(&dentry).
		Where("parent_ino = ?", parentIno).
		Where("name = ?", name).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return &dentry, nil
}

// InsertDentryWith adds a directory entry.
func (db *BunDB) InsertDentryWith(idb bun.IDB, ctx context.Context, parentIno int64, name string, ino int64) error {
	_, err := idb.NewInsert().
		Model(&DentryModel{ParentIno: parentIno, Name: name, Ino: ino}).
		Exec(ctx)
	return err
}

// DeleteDentryWith removes a directory entry.
func (db *BunDB) DeleteDentryWith(idb bun.IDB, ctx context.Context, parentIno int64, name string) error {
	_, err := idb.NewDelete().
		Model((*DentryModel)(nil)).
		Where("parent_ino = ?", parentIno).
		Where("name = ?", name).
		Exec(ctx)
	return err
}

// dirRow is one row of a directory listing.
type dirRow struct {
	Name string `bun:"name"`
	Ino  int64  `bun:"ino"`
	Mode int64  `bun:"mode"`
}

// ListDentriesWith lists a directory in name order.
func (db *BunDB) ListDentriesWith(idb bun.IDB, ctx context.Context, parentIno int64) ([]dirRow, error) {
	var rows []dirRow
	err := idb.NewRaw(`
		SELECT d.name, d.ino, i.mode
		FROM dentries d
		INNER JOIN inodes i ON i.ino = d.ino
		WHERE d.parent_ino = ?
		ORDER BY d.name
	`, parentIno).Scan(ctx, &rows)
	return rows, err
}

// HasChildrenWith reports whether a directory has any entry.
// Uses EXISTS instead of materializing the listing.
func (db *BunDB) HasChildrenWith(idb bun.IDB, ctx context.Context, parentIno int64) (bool, error) {
	return idb.NewSelect().
		Model((*DentryModel)(nil)).
		Where("parent_ino = ?", parentIno).
		Exists(ctx)
}

// --- Content Operations ---

// ReadContentChunksWith retrieves the chunks in [startChunk, endChunk] of a file.
// Holes are simply absent from the result.
func (db *BunDB) ReadContentChunksWith(idb bun.IDB, ctx context.Context, ino int64, startChunk, endChunk int64) ([]ContentModel, error) {
	var chunks []ContentModel
	err := idb.NewSelect().
		Model(&chunks).
		Where("ino = ?", ino).
		Where("chunk_idx >= ?", startChunk).
		Where("chunk_idx <= ?", endChunk).
		Order("chunk_idx").
		Scan(ctx)
	return chunks, err
}

// GetContentChunkWith retrieves a single chunk, nil when absent.
func (db *BunDB) GetContentChunkWith(idb bun.IDB, ctx context.Context, ino, chunkIdx int64) ([]byte, error) {
	var c ContentModel
	err := idb.NewSelect().
		Model(&c).
		Where("ino = ?", ino).
		Where("chunk_idx = ?", chunkIdx).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c.Data, err
}

// UpsertContentChunkWith inserts or replaces a chunk.
func (db *BunDB) UpsertContentChunkWith(idb bun.IDB, ctx context.Context, ino, chunkIdx int64, data []byte) error {
	_, err := idb.NewInsert().
		Model(&ContentModel{Ino: ino, ChunkIdx: chunkIdx, Data: data}).
		On("CONFLICT (ino, chunk_idx) DO UPDATE").
		Set("data = EXCLUDED.data").
		Exec(ctx)
	return err
}

// DeleteContentFromWith drops every chunk at or after fromChunk.
func (db *BunDB) DeleteContentFromWith(idb bun.IDB, ctx context.Context, ino, fromChunk int64) error {
	_, err := idb.NewDelete().
		Model((*ContentModel)(nil)).
		Where("ino = ?", ino).
		Where("chunk_idx >= ?", fromChunk).
		Exec(ctx)
	return err
}

// --- Symlink Operations ---

// GetSymlinkWith retrieves a symlink target.
func (db *BunDB) GetSymlinkWith(idb bun.IDB, ctx context.Context, ino int64) (string, error) {
	var s SymlinkModel
	err := idb.NewSelect().
		Model(&s).
		Where("ino = ?", ino).
		Scan(ctx)
	if err != nil {
		return "", notFound(err)
	}
	return s.Target, nil
}

// InsertSymlinkWith stores a symlink target.
func (db *BunDB) InsertSymlinkWith(idb bun.IDB, ctx context.Context, ino int64, target string) error {
	_, err := idb.NewInsert().
		Model(&SymlinkModel{Ino: ino, Target: target}).
		Exec(ctx)
	return err
}

// --- Schema Info Operations ---

// GetSchemaInfo retrieves a schema info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// pageStats reads the page geometry of the database file.
func (db *BunDB) pageStats(ctx context.Context) (pageSize, pageCount, freePages int64, err error) {
	if err = db.NewRaw("PRAGMA page_size").Scan(ctx, &pageSize); err != nil {
		return
	}
	if err = db.NewRaw("PRAGMA page_count").Scan(ctx, &pageCount); err != nil {
		return
	}
	err = db.NewRaw("PRAGMA freelist_count").Scan(ctx, &freePages)
	return
}
