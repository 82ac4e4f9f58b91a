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


// Package storage implements SQLite branches: a branch filesystem kept in a
// single database file, opened through libsql and queried with bun.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"

	"stackfs/internal/cache"
	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
	"stackfs/internal/util"
)

// resolveCacheSize bounds the path to inode cache.
const resolveCacheSize = 4096

// DataFile is a SQLite branch database. It implements lowerfs.FS.
type DataFile struct {
	path  string
	db    *sql.DB
	bunDB *BunDB
	now   func() time.Time

	// mu serializes writers; readers share it
	mu sync.RWMutex

	// resolved caches path -> ino. Entries under a path are dropped when
	// the path is unlinked, removed or renamed.
	resolved *cache.Cache[string, int64]

	// open handle count per inode, and inodes unlinked while open
	opens   map[int64]int
	orphans map[int64]bool
}

var _ lowerfs.FS = (*DataFile)(nil)

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB) error {
	// busy_timeout first so the WAL switch waits for locks
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", GetBusyTimeout())); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}
	// not supported everywhere
	_ = execPragma(db, "PRAGMA mmap_size = 268435456")
	return nil
}

func newDataFile(path string, db *sql.DB) *DataFile {
	return &DataFile{
		path:     path,
		db:       db,
		bunDB:    NewBunDB(db),
		now:      time.Now,
		resolved: cache.New[string, int64](resolveCacheSize, 0),
		opens:    map[int64]int{},
		orphans:  map[int64]bool{},
	}
}

// Create creates a new branch database file.
func Create(path string) (*DataFile, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("file already exists: %s: %w", path, common.ErrExists)
	}

	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	fail := func(err error) (*DataFile, error) {
		db.Close()
		os.Remove(path)
		return nil, err
	}
	if err := applyPragmas(db); err != nil {
		return fail(err)
	}
	if err := execStatements(db, branchSchema); err != nil {
		return fail(fmt.Errorf("failed to create schema: %w", err))
	}
	ts := time.Now().UnixNano()
	if err := execStatements(db, initRootDir, SchemaVersion, int64(lowerfs.ModeDir|0755), ts, ts, ts); err != nil {
		return fail(fmt.Errorf("failed to initialize root: %w", err))
	}

	log.Debugf("[sqlite] created branch database %s", path)
	return newDataFile(path, db), nil
}

// Open opens an existing branch database file.
func Open(path string) (*DataFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("file not found: %s: %w", path, common.ErrNotFound)
	}

	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	df := newDataFile(path, db)
	fileType, err := df.bunDB.GetSchemaInfo(context.Background(), "type")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema info: %w", err)
	}
	if fileType != "branch" {
		db.Close()
		return nil, fmt.Errorf("%s is not a branch database (type %q): %w", path, fileType, common.ErrInvalidConfig)
	}
	return df, nil
}

// OpenOrCreate opens path, creating the database when it does not exist yet.
func OpenOrCreate(path string) (*DataFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Create(path)
	}
	return Open(path)
}

// Close checkpoints the WAL into the main database and closes it.
func (df *DataFile) Close() error {
	df.mu.Lock()
	defer df.mu.Unlock()
	if df.db == nil {
		return nil
	}

	ctx := context.Background()
	for ino := range df.orphans {
		if err := df.bunDB.DeleteInodeWith(df.bunDB, ctx, ino); err != nil {
			log.Warnf("[sqlite] drop orphan inode %d: %v", ino, err)
		}
	}
	df.orphans = map[int64]bool{}

	// PRAGMA wal_checkpoint returns rows, so Query rather than Exec
	if err := execPragma(df.db, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warnf("[sqlite] WAL checkpoint failed: %v", err)
	}
	err := df.db.Close()
	df.db = nil
	if err != nil {
		return err
	}
	os.Remove(df.path + "-wal")
	os.Remove(df.path + "-shm")
	return nil
}

// Path returns the database file path
func (df *DataFile) Path() string {
	return df.path
}

func (df *DataFile) Kind() string { return "sqlite" }

// Root identifies the branch by its absolute database path.
func (df *DataFile) Root() string {
	if abs, err := filepath.Abs(df.path); err == nil {
		return "sqlite:" + abs
	}
	return "sqlite:" + df.path
}

// runTx runs fn in a transaction, retrying when the database is locked.
func (df *DataFile) runTx(fn func(ctx context.Context, tx bun.Tx) error) error {
	ctx := context.Background()
	if df.db == nil {
		return os.ErrClosed
	}
	return util.Retry(ctx, func() error {
		return df.bunDB.RunInTx(ctx, nil, fn)
	}, util.DatabaseRetryOptions(ctx)...)
}

// dbErr maps driver errors into the error taxonomy. Sentinels pass through.
func dbErr(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var pe *os.PathError
	if errors.As(err, &pe) {
		return err
	}
	for _, s := range []error{
		common.ErrNotFound, common.ErrExists, common.ErrNotDir, common.ErrIsDir,
		common.ErrNotEmpty, common.ErrTooManyLinks, common.ErrInvalidArgument,
		common.ErrPermission, common.ErrBusy, common.ErrInvalidPath,
		common.ErrNameTooLong, common.ErrInvalidHandle, os.ErrClosed,
	} {
		if errors.Is(err, s) {
			return &os.PathError{Op: op, Path: p, Err: err}
		}
	}
	return &os.PathError{Op: op, Path: p, Err: fmt.Errorf("%w: %v", common.ErrIO, err)}
}

// resolve walks p to its inode number. Must hold df.mu.
func (df *DataFile) resolve(ctx context.Context, idb bun.IDB, p string) (int64, error) {
	p = common.NormalizePath(p)
	if p == "" {
		return RootIno, nil
	}
	if ino, ok := df.resolved.Get(p); ok {
		return ino, nil
	}
	ino := int64(RootIno)
	walked := ""
	for _, part := range common.SplitPath(p) {
		walked = common.JoinPath(walked, part)
		if cached, ok := df.resolved.Get(walked); ok {
			ino = cached
			continue
		}
		dir, err := df.bunDB.GetInodeWith(idb, ctx, ino)
		if err != nil {
			return 0, err
		}
		if !dir.isDir() {
			return 0, common.ErrNotDir
		}
		d, err := df.bunDB.GetDentryWith(idb, ctx, ino, part)
		if err != nil {
			return 0, err
		}
		ino = d.Ino
		df.resolved.Set(walked, ino)
	}
	return ino, nil
}

// resolveParent resolves the directory holding p. Must hold df.mu.
func (df *DataFile) resolveParent(ctx context.Context, idb bun.IDB, p string) (*InodeModel, string, error) {
	p = common.NormalizePath(p)
	if p == "" {
		return nil, "", common.ErrBusy
	}
	ino, err := df.resolve(ctx, idb, common.ParentPath(p))
	if err != nil {
		return nil, "", err
	}
	dir, err := df.bunDB.GetInodeWith(idb, ctx, ino)
	if err != nil {
		return nil, "", err
	}
	if !dir.isDir() {
		return nil, "", common.ErrNotDir
	}
	return dir, common.BaseName(p), nil
}

// forget drops cached resolutions of p and everything below it.
func (df *DataFile) forget(p string) {
	p = common.NormalizePath(p)
	df.resolved.InvalidateFunc(func(k string) bool {
		return k == p || strings.HasPrefix(k, p+"/")
	})
}

// touch stamps mtime and ctime of a directory.
func (df *DataFile) touch(ctx context.Context, tx bun.Tx, dir *InodeModel) error {
	ts := df.now().UnixNano()
	dir.Mtime, dir.Ctime = ts, ts
	return df.bunDB.UpdateInodeWith(tx, ctx, dir)
}
