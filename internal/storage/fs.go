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
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
)

func pathErr(op, p string, err error) error {
	return dbErr(op, p, err)
}

func (df *DataFile) Lookup(p string) (*lowerfs.Attr, error) {
	df.mu.RLock()
	defer df.mu.RUnlock()
	if df.db == nil {
		return nil, pathErr("lookup", p, os.ErrClosed)
	}
	ctx := context.Background()
	ino, err := df.resolve(ctx, df.bunDB.DB, p)
	if err != nil {
		return nil, pathErr("lookup", p, err)
	}
	inode, err := df.bunDB.GetInodeWith(df.bunDB.DB, ctx, ino)
	if err != nil {
		return nil, pathErr("lookup", p, err)
	}
	return inode.ToAttr(), nil
}

// add creates a new object under the parent of p.
func (df *DataFile) add(op, p string, mode uint32, rdev uint64, target string) (*lowerfs.Attr, error) {
	df.mu.Lock()
	defer df.mu.Unlock()

	var created *InodeModel
	err := df.runTx(func(ctx context.Context, tx bun.Tx) error {
		dir, name, err := df.resolveParent(ctx, tx, p)
		if err != nil {
			return err
		}
		if err := common.ValidName(name); err != nil {
			return err
		}
		if _, err := df.bunDB.GetDentryWith(tx, ctx, dir.Ino, name); err == nil {
			return common.ErrExists
		} else if !common.IsNotFound(err) {
			return err
		}

		inode := newInodeModel(mode, df.now())
		inode.Rdev = int64(rdev)
		if inode.isDir() {
			if dir.Nlink >= LinkMax {
				return common.ErrTooManyLinks
			}
			inode.Nlink = 2
			dir.Nlink++
		}
		if target != "" {
			inode.Size = int64(len(target))
		}
		if err := df.bunDB.InsertInodeWith(tx, ctx, inode); err != nil {
			return err
		}
		if err := df.bunDB.InsertDentryWith(tx, ctx, dir.Ino, name, inode.Ino); err != nil {
			return err
		}
		if target != "" {
			if err := df.bunDB.InsertSymlinkWith(tx, ctx, inode.Ino, target); err != nil {
				return err
			}
		}
		created = inode
		return df.touch(ctx, tx, dir)
	})
	if err != nil {
		return nil, pathErr(op, p, err)
	}
	return created.ToAttr(), nil
}

func (df *DataFile) Create(p string, mode uint32) (*lowerfs.Attr, error) {
	return df.add("create", p, lowerfs.ModeRegular|mode&lowerfs.ModePerm, 0, "")
}

func (df *DataFile) Mkdir(p string, mode uint32) (*lowerfs.Attr, error) {
	return df.add("mkdir", p, lowerfs.ModeDir|mode&lowerfs.ModePerm, 0, "")
}

func (df *DataFile) Mknod(p string, mode uint32, rdev uint64) (*lowerfs.Attr, error) {
	switch mode & lowerfs.ModeType {
	case lowerfs.ModeChar, lowerfs.ModeBlock, lowerfs.ModeFIFO, lowerfs.ModeSocket, lowerfs.ModeRegular:
	default:
		return nil, pathErr("mknod", p, common.ErrInvalidArgument)
	}
	return df.add("mknod", p, mode, rdev, "")
}

func (df *DataFile) Symlink(target, p string) (*lowerfs.Attr, error) {
	if target == "" {
		return nil, pathErr("symlink", p, common.ErrInvalidArgument)
	}
	return df.add("symlink", p, lowerfs.ModeSymlink|0777, 0, target)
}

func (df *DataFile) Readlink(p string) (string, error) {
	df.mu.RLock()
	defer df.mu.RUnlock()
	if df.db == nil {
		return "", pathErr("readlink", p, os.ErrClosed)
	}
	ctx := context.Background()
	ino, err := df.resolve(ctx, df.bunDB.DB, p)
	if err != nil {
		return "", pathErr("readlink", p, err)
	}
	inode, err := df.bunDB.GetInodeWith(df.bunDB.DB, ctx, ino)
	if err != nil {
		return "", pathErr("readlink", p, err)
	}
	if uint32(inode.Mode)&lowerfs.ModeType != lowerfs.ModeSymlink {
		return "", pathErr("readlink", p, common.ErrInvalidArgument)
	}
	target, err := df.bunDB.GetSymlinkWith(df.bunDB.DB, ctx, ino)
	if err != nil {
		return "", pathErr("readlink", p, err)
	}
	return target, nil
}

func (df *DataFile) Link(oldpath, newpath string) (*lowerfs.Attr, error) {
	df.mu.Lock()
	defer df.mu.Unlock()

	var linked *InodeModel
	err := df.runTx(func(ctx context.Context, tx bun.Tx) error {
		ino, err := df.resolve(ctx, tx, oldpath)
		if err != nil {
			return err
		}
		src, err := df.bunDB.GetInodeWith(tx, ctx, ino)
		if err != nil {
			return err
		}
		if src.isDir() {
			return common.ErrPermission
		}
		if src.Nlink >= LinkMax {
			return common.ErrTooManyLinks
		}
		dir, name, err := df.resolveParent(ctx, tx, newpath)
		if err != nil {
			return err
		}
		if _, err := df.bunDB.GetDentryWith(tx, ctx, dir.Ino, name); err == nil {
			return common.ErrExists
		} else if !common.IsNotFound(err) {
			return err
		}
		if err := df.bunDB.InsertDentryWith(tx, ctx, dir.Ino, name, src.Ino); err != nil {
			return err
		}
		src.Nlink++
		src.Ctime = df.now().UnixNano()
		if err := df.bunDB.UpdateInodeWith(tx, ctx, src); err != nil {
			return err
		}
		linked = src
		return df.touch(ctx, tx, dir)
	})
	if err != nil {
		return nil, pathErr("link", newpath, err)
	}
	return linked.ToAttr(), nil
}

// dropLink decrements the link count of inode and frees it once nothing
// refers to it. Inodes still open become orphans, freed on last close.
// Returns true when the inode became an orphan.
func (df *DataFile) dropLink(ctx context.Context, tx bun.Tx, inode *InodeModel) (bool, error) {
	inode.Nlink--
	inode.Ctime = df.now().UnixNano()
	if inode.Nlink > 0 {
		return false, df.bunDB.UpdateInodeWith(tx, ctx, inode)
	}
	if df.opens[inode.Ino] > 0 {
		return true, df.bunDB.UpdateInodeWith(tx, ctx, inode)
	}
	return false, df.bunDB.DeleteInodeWith(tx, ctx, inode.Ino)
}

func (df *DataFile) Unlink(p string) error {
	df.mu.Lock()
	defer df.mu.Unlock()

	var orphan int64
	err := df.runTx(func(ctx context.Context, tx bun.Tx) error {
		orphan = 0
		dir, name, err := df.resolveParent(ctx, tx, p)
		if err != nil {
			return err
		}
		d, err := df.bunDB.GetDentryWith(tx, ctx, dir.Ino, name)
		if err != nil {
			return err
		}
		inode, err := df.bunDB.GetInodeWith(tx, ctx, d.Ino)
		if err != nil {
			return err
		}
		if inode.isDir() {
			return common.ErrIsDir
		}
		if err := df.bunDB.DeleteDentryWith(tx, ctx, dir.Ino, name); err != nil {
			return err
		}
		orphaned, err := df.dropLink(ctx, tx, inode)
		if err != nil {
			return err
		}
		if orphaned {
			orphan = inode.Ino
		}
		return df.touch(ctx, tx, dir)
	})
	if err != nil {
		return pathErr("unlink", p, err)
	}
	if orphan != 0 {
		df.orphans[orphan] = true
	}
	df.forget(p)
	return nil
}

func (df *DataFile) Rmdir(p string) error {
	df.mu.Lock()
	defer df.mu.Unlock()

	err := df.runTx(func(ctx context.Context, tx bun.Tx) error {
		dir, name, err := df.resolveParent(ctx, tx, p)
		if err != nil {
			return err
		}
		d, err := df.bunDB.GetDentryWith(tx, ctx, dir.Ino, name)
		if err != nil {
			return err
		}
		inode, err := df.bunDB.GetInodeWith(tx, ctx, d.Ino)
		if err != nil {
			return err
		}
		if !inode.isDir() {
			return common.ErrNotDir
		}
		busy, err := df.bunDB.HasChildrenWith(tx, ctx, inode.Ino)
		if err != nil {
			return err
		}
		if busy {
			return common.ErrNotEmpty
		}
		if err := df.bunDB.DeleteDentryWith(tx, ctx, dir.Ino, name); err != nil {
			return err
		}
		if err := df.bunDB.DeleteInodeWith(tx, ctx, inode.Ino); err != nil {
			return err
		}
		dir.Nlink--
		return df.touch(ctx, tx, dir)
	})
	if err != nil {
		return pathErr("rmdir", p, err)
	}
	df.forget(p)
	return nil
}

// Rename moves oldpath to newpath in one transaction, replacing a
// compatible destination.
func (df *DataFile) Rename(oldpath, newpath string) error {
	oldpath, newpath = common.NormalizePath(oldpath), common.NormalizePath(newpath)
	df.mu.Lock()
	defer df.mu.Unlock()

	var orphan int64
	err := df.runTx(func(ctx context.Context, tx bun.Tx) error {
		orphan = 0
		sdir, sname, err := df.resolveParent(ctx, tx, oldpath)
		if err != nil {
			return err
		}
		sd, err := df.bunDB.GetDentryWith(tx, ctx, sdir.Ino, sname)
		if err != nil {
			return err
		}
		src, err := df.bunDB.GetInodeWith(tx, ctx, sd.Ino)
		if err != nil {
			return err
		}
		if src.isDir() && common.IsWithin(oldpath, newpath) {
			if newpath == oldpath {
				return nil
			}
			return common.ErrInvalidArgument
		}
		ddir, dname, err := df.resolveParent(ctx, tx, newpath)
		if err != nil {
			return err
		}
		if err := common.ValidName(dname); err != nil {
			return err
		}
		if ddir.Ino == sdir.Ino {
			ddir = sdir
		}

		if dd, err := df.bunDB.GetDentryWith(tx, ctx, ddir.Ino, dname); err == nil {
			if dd.Ino == src.Ino {
				return nil
			}
			dst, err := df.bunDB.GetInodeWith(tx, ctx, dd.Ino)
			if err != nil {
				return err
			}
			switch {
			case src.isDir() && !dst.isDir():
				return common.ErrNotDir
			case !src.isDir() && dst.isDir():
				return common.ErrIsDir
			}
			if err := df.bunDB.DeleteDentryWith(tx, ctx, ddir.Ino, dname); err != nil {
				return err
			}
			if dst.isDir() {
				busy, err := df.bunDB.HasChildrenWith(tx, ctx, dst.Ino)
				if err != nil {
					return err
				}
				if busy {
					return common.ErrNotEmpty
				}
				if err := df.bunDB.DeleteInodeWith(tx, ctx, dst.Ino); err != nil {
					return err
				}
				ddir.Nlink--
			} else {
				orphaned, err := df.dropLink(ctx, tx, dst)
				if err != nil {
					return err
				}
				if orphaned {
					orphan = dst.Ino
				}
			}
		} else if !common.IsNotFound(err) {
			return err
		}

		if err := df.bunDB.DeleteDentryWith(tx, ctx, sdir.Ino, sname); err != nil {
			return err
		}
		if err := df.bunDB.InsertDentryWith(tx, ctx, ddir.Ino, dname, src.Ino); err != nil {
			return err
		}
		if src.isDir() && sdir != ddir {
			sdir.Nlink--
			ddir.Nlink++
		}
		src.Ctime = df.now().UnixNano()
		if err := df.bunDB.UpdateInodeWith(tx, ctx, src); err != nil {
			return err
		}
		if err := df.touch(ctx, tx, sdir); err != nil {
			return err
		}
		if ddir != sdir {
			return df.touch(ctx, tx, ddir)
		}
		return nil
	})
	if err != nil {
		return pathErr("rename", oldpath, err)
	}
	if orphan != 0 {
		df.orphans[orphan] = true
	}
	df.forget(oldpath)
	df.forget(newpath)
	return nil
}

func (df *DataFile) ReadDir(p string) ([]lowerfs.DirEntry, error) {
	df.mu.RLock()
	defer df.mu.RUnlock()
	if df.db == nil {
		return nil, pathErr("readdir", p, os.ErrClosed)
	}
	ctx := context.Background()
	ino, err := df.resolve(ctx, df.bunDB.DB, p)
	if err != nil {
		return nil, pathErr("readdir", p, err)
	}
	inode, err := df.bunDB.GetInodeWith(df.bunDB.DB, ctx, ino)
	if err != nil {
		return nil, pathErr("readdir", p, err)
	}
	if !inode.isDir() {
		return nil, pathErr("readdir", p, common.ErrNotDir)
	}
	rows, err := df.bunDB.ListDentriesWith(df.bunDB.DB, ctx, ino)
	if err != nil {
		return nil, pathErr("readdir", p, err)
	}
	entries := make([]lowerfs.DirEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, lowerfs.DirEntry{Name: r.Name, Ino: uint64(r.Ino), Type: uint32(r.Mode) & lowerfs.ModeType})
	}
	return entries, nil
}

func (df *DataFile) SetAttr(p string, sa *lowerfs.SetAttr) (*lowerfs.Attr, error) {
	df.mu.Lock()
	defer df.mu.Unlock()

	var changed *InodeModel
	err := df.runTx(func(ctx context.Context, tx bun.Tx) error {
		ino, err := df.resolve(ctx, tx, p)
		if err != nil {
			return err
		}
		inode, err := df.bunDB.GetInodeWith(tx, ctx, ino)
		if err != nil {
			return err
		}
		now := df.now().UnixNano()
		if sa.Size != nil {
			if uint32(inode.Mode)&lowerfs.ModeType != lowerfs.ModeRegular {
				return common.ErrInvalidArgument
			}
			if err := df.truncateTx(ctx, tx, inode, *sa.Size); err != nil {
				return err
			}
			inode.Mtime = now
		}
		if sa.Mode != nil {
			inode.Mode = int64(uint32(inode.Mode)&lowerfs.ModeType | *sa.Mode&lowerfs.ModePerm)
		}
		if sa.Uid != nil {
			inode.UID = int64(*sa.Uid)
		}
		if sa.Gid != nil {
			inode.GID = int64(*sa.Gid)
		}
		if sa.Atime != nil {
			inode.Atime = sa.Atime.UnixNano()
		}
		if sa.Mtime != nil {
			inode.Mtime = sa.Mtime.UnixNano()
		}
		if sa.Flags != nil {
			inode.Flags = int64(*sa.Flags)
		}
		inode.Ctime = now
		changed = inode
		return df.bunDB.UpdateInodeWith(tx, ctx, inode)
	})
	if err != nil {
		return nil, pathErr("setattr", p, err)
	}
	return changed.ToAttr(), nil
}

// truncateTx sets the size of a regular file, dropping content past it.
// Growing leaves a hole that reads as zeros.
func (df *DataFile) truncateTx(ctx context.Context, tx bun.Tx, inode *InodeModel, size int64) error {
	if size < 0 {
		return common.ErrInvalidArgument
	}
	if size < inode.Size {
		last, off := size/ChunkSize, size%ChunkSize
		from := last
		if off > 0 {
			from = last + 1
			data, err := df.bunDB.GetContentChunkWith(tx, ctx, inode.Ino, last)
			if err != nil {
				return err
			}
			if int64(len(data)) > off {
				if err := df.bunDB.UpsertContentChunkWith(tx, ctx, inode.Ino, last, data[:off]); err != nil {
					return err
				}
			}
		}
		if err := df.bunDB.DeleteContentFromWith(tx, ctx, inode.Ino, from); err != nil {
			return err
		}
	}
	inode.Size = size
	return nil
}

func (df *DataFile) StatFS() (*lowerfs.StatFS, error) {
	const blocks, files = 1 << 24, 1 << 32

	df.mu.RLock()
	defer df.mu.RUnlock()
	if df.db == nil {
		return nil, pathErr("statfs", "", os.ErrClosed)
	}
	ctx := context.Background()
	pageSize, pageCount, freePages, err := df.bunDB.pageStats(ctx)
	if err != nil {
		return nil, pathErr("statfs", "", err)
	}
	inodes, err := df.bunDB.CountInodes(ctx)
	if err != nil {
		return nil, pathErr("statfs", "", err)
	}
	used := uint64(pageCount - freePages)
	return &lowerfs.StatFS{
		Bsize:   uint32(pageSize),
		Blocks:  blocks,
		Bfree:   blocks - used,
		Bavail:  blocks - used,
		Files:   files,
		Ffree:   files - uint64(inodes),
		NameLen: common.MaxNameLen,
	}, nil
}

func (df *DataFile) Access(p string, mask uint32) error {
	a, err := df.Lookup(p)
	if err != nil {
		return err
	}
	if perm := a.Mode >> 6 & 7; perm&mask != mask {
		return pathErr("access", p, common.ErrPermission)
	}
	return nil
}

func (df *DataFile) Open(p string, flags int) (lowerfs.File, error) {
	df.mu.Lock()
	defer df.mu.Unlock()

	write := flags&(os.O_WRONLY|os.O_RDWR) != 0
	var ino int64
	err := df.runTx(func(ctx context.Context, tx bun.Tx) error {
		var err error
		if ino, err = df.resolve(ctx, tx, p); err != nil {
			return err
		}
		inode, err := df.bunDB.GetInodeWith(tx, ctx, ino)
		if err != nil {
			return err
		}
		if inode.isDir() && write {
			return common.ErrIsDir
		}
		if flags&os.O_TRUNC != 0 && write && uint32(inode.Mode)&lowerfs.ModeType == lowerfs.ModeRegular {
			if err := df.truncateTx(ctx, tx, inode, 0); err != nil {
				return err
			}
			inode.Mtime = df.now().UnixNano()
			return df.bunDB.UpdateInodeWith(tx, ctx, inode)
		}
		return nil
	})
	if err != nil {
		return nil, pathErr("open", p, err)
	}
	df.opens[ino]++
	log.Tracef("[sqlite] open %s ino=%d flags=%#x", p, ino, flags)
	return &dbFile{df: df, ino: ino, path: common.NormalizePath(p), flags: flags}, nil
}
