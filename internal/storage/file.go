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
	"io"
	"os"

	"github.com/uptrace/bun"

	"stackfs/internal/common"
)

// dbFile is an open object of a SQLite branch.
type dbFile struct {
	df     *DataFile
	ino    int64
	path   string
	flags  int
	closed bool
}

func (f *dbFile) ReadAt(b []byte, off int64) (int, error) {
	f.df.mu.RLock()
	defer f.df.mu.RUnlock()
	if f.closed || f.df.db == nil {
		return 0, os.ErrClosed
	}
	if off < 0 {
		return 0, pathErr("read", f.path, common.ErrInvalidArgument)
	}
	ctx := context.Background()
	inode, err := f.df.bunDB.GetInodeWith(f.df.bunDB.DB, ctx, f.ino)
	if err != nil {
		return 0, pathErr("read", f.path, err)
	}
	if off >= inode.Size {
		return 0, io.EOF
	}
	n := int64(len(b))
	if rest := inode.Size - off; n > rest {
		n = rest
	}
	if n == 0 {
		return 0, nil
	}

	chunks, err := f.df.bunDB.ReadContentChunksWith(f.df.bunDB.DB, ctx, f.ino, off/ChunkSize, (off+n-1)/ChunkSize)
	if err != nil {
		return 0, pathErr("read", f.path, err)
	}
	out := b[:n]
	clear(out)
	for _, c := range chunks {
		start := c.ChunkIdx * ChunkSize
		src := c.Data
		dst := start - off
		if dst < 0 {
			if -dst >= int64(len(src)) {
				continue
			}
			src = src[-dst:]
			dst = 0
		}
		if dst < n {
			copy(out[dst:], src)
		}
	}
	if n < int64(len(b)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

func (f *dbFile) WriteAt(b []byte, off int64) (int, error) {
	f.df.mu.Lock()
	defer f.df.mu.Unlock()
	if f.closed || f.df.db == nil {
		return 0, os.ErrClosed
	}
	if f.flags&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, pathErr("write", f.path, common.ErrInvalidHandle)
	}
	if off < 0 {
		return 0, pathErr("write", f.path, common.ErrInvalidArgument)
	}
	if len(b) == 0 {
		return 0, nil
	}

	err := f.df.runTx(func(ctx context.Context, tx bun.Tx) error {
		inode, err := f.df.bunDB.GetInodeWith(tx, ctx, f.ino)
		if err != nil {
			return err
		}
		at := off
		if f.flags&os.O_APPEND != 0 {
			at = inode.Size
		}
		for pos := int64(0); pos < int64(len(b)); {
			idx := (at + pos) / ChunkSize
			coff := (at + pos) % ChunkSize
			wlen := min(ChunkSize-coff, int64(len(b))-pos)

			existing, err := f.df.bunDB.GetContentChunkWith(tx, ctx, f.ino, idx)
			if err != nil {
				return err
			}
			chunk := make([]byte, max(int64(len(existing)), coff+wlen))
			copy(chunk, existing)
			copy(chunk[coff:], b[pos:pos+wlen])
			if err := f.df.bunDB.UpsertContentChunkWith(tx, ctx, f.ino, idx, chunk); err != nil {
				return err
			}
			pos += wlen
		}
		if end := at + int64(len(b)); end > inode.Size {
			inode.Size = end
		}
		ts := f.df.now().UnixNano()
		inode.Mtime, inode.Ctime = ts, ts
		return f.df.bunDB.UpdateInodeWith(tx, ctx, inode)
	})
	if err != nil {
		return 0, pathErr("write", f.path, err)
	}
	return len(b), nil
}

func (f *dbFile) Truncate(size int64) error {
	f.df.mu.Lock()
	defer f.df.mu.Unlock()
	if f.closed || f.df.db == nil {
		return os.ErrClosed
	}
	err := f.df.runTx(func(ctx context.Context, tx bun.Tx) error {
		inode, err := f.df.bunDB.GetInodeWith(tx, ctx, f.ino)
		if err != nil {
			return err
		}
		if err := f.df.truncateTx(ctx, tx, inode, size); err != nil {
			return err
		}
		ts := f.df.now().UnixNano()
		inode.Mtime, inode.Ctime = ts, ts
		return f.df.bunDB.UpdateInodeWith(tx, ctx, inode)
	})
	return pathErr("truncate", f.path, err)
}

// Sync is a no-op: every write commits its own transaction.
func (f *dbFile) Sync() error {
	f.df.mu.RLock()
	defer f.df.mu.RUnlock()
	if f.closed {
		return os.ErrClosed
	}
	return nil
}

// Close releases the handle. The last close of an unlinked inode frees it.
func (f *dbFile) Close() error {
	f.df.mu.Lock()
	defer f.df.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	if f.df.opens[f.ino]--; f.df.opens[f.ino] > 0 {
		return nil
	}
	delete(f.df.opens, f.ino)
	if !f.df.orphans[f.ino] || f.df.db == nil {
		return nil
	}
	delete(f.df.orphans, f.ino)
	err := f.df.runTx(func(ctx context.Context, tx bun.Tx) error {
		return f.df.bunDB.DeleteInodeWith(tx, ctx, f.ino)
	})
	return pathErr("close", f.path, err)
}
